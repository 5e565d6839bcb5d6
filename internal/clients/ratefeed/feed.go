// Package ratefeed streams strategy rates from a websocket endpoint into the
// ledger.
package ratefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/vaultledger/internal/clientdata"
	"github.com/aristath/vaultledger/internal/domain"
	"github.com/aristath/vaultledger/pkg/fixedpoint"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const (
	dialTimeout = 30 * time.Second

	baseReconnectDelay = 1 * time.Second
	maxReconnectDelay  = 2 * time.Minute
)

// RatePusher receives parsed rate updates
type RatePusher interface {
	PushRate(ctx context.Context, caller domain.Address, update domain.RateUpdate) error
}

// Message is one rate quote on the wire.
// {"strategy_id":"aave","rate_pct":"5.25","at":"2026-01-01T00:00:00Z"}
type Message struct {
	StrategyID string    `json:"strategy_id"`
	RatePct    string    `json:"rate_pct"`
	At         time.Time `json:"at"`
}

// Feed is a reconnecting websocket client pushing rates into the ledger
type Feed struct {
	url    string
	ledger RatePusher
	actor  domain.Address
	cache  *clientdata.Repository // optional
	log    zerolog.Logger

	mu       sync.Mutex
	received int
	rejected int

	baseDelay time.Duration
	maxDelay  time.Duration
}

// New creates a feed. cache may be nil.
func New(url string, ledger RatePusher, actor domain.Address, cache *clientdata.Repository, log zerolog.Logger) *Feed {
	return &Feed{
		url:       url,
		ledger:    ledger,
		actor:     actor,
		cache:     cache,
		log:       log.With().Str("component", "rate_feed").Logger(),
		baseDelay: baseReconnectDelay,
		maxDelay:  maxReconnectDelay,
	}
}

// Stats returns how many messages were applied and rejected
func (f *Feed) Stats() (received, rejected int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.received, f.rejected
}

// Run connects and reads until ctx is cancelled, reconnecting with
// exponential backoff after every disconnect.
func (f *Feed) Run(ctx context.Context) error {
	delay := f.baseDelay
	for {
		err := f.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			delay = f.baseDelay
		}
		f.log.Warn().Err(err).Dur("retry_in", delay).Msg("Rate feed disconnected")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > f.maxDelay {
			delay = f.maxDelay
		}
	}
}

// session runs one connection until it drops
func (f *Feed) session(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, f.url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to dial rate feed: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	f.log.Info().Str("url", f.url).Msg("Connected to rate feed")

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				f.log.Info().Int("status", int(status)).Msg("Rate feed closed")
				return nil
			}
			return err
		}
		if msgType != websocket.MessageText {
			continue
		}
		if err := f.Handle(ctx, data); err != nil {
			f.log.Error().Err(err).Str("message", string(data)).Msg("Failed to apply rate")
		}
	}
}

// Handle parses one message and pushes it to the ledger
func (f *Feed) Handle(ctx context.Context, data []byte) error {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		f.reject()
		return fmt.Errorf("failed to parse rate message: %w", err)
	}
	if err := f.apply(ctx, msg); err != nil {
		f.reject()
		return err
	}

	f.mu.Lock()
	f.received++
	f.mu.Unlock()

	if f.cache != nil {
		if err := f.cache.Store(clientdata.TableRateFeed, msg.StrategyID, msg, clientdata.TTLRateFeed); err != nil {
			f.log.Warn().Err(err).Str("strategy", msg.StrategyID).Msg("Failed to cache rate")
		}
	}
	return nil
}

func (f *Feed) apply(ctx context.Context, msg Message) error {
	if msg.StrategyID == "" {
		return errors.New("rate message without strategy_id")
	}
	rate, err := fixedpoint.ParseRatePercent(msg.RatePct)
	if err != nil {
		return fmt.Errorf("invalid rate %q: %w", msg.RatePct, err)
	}
	return f.ledger.PushRate(ctx, f.actor, domain.RateUpdate{
		StrategyID: msg.StrategyID,
		RateWad:    rate,
		At:         msg.At,
	})
}

func (f *Feed) reject() {
	f.mu.Lock()
	f.rejected++
	f.mu.Unlock()
}

// Replay pushes still-fresh cached rates, used on startup before the feed
// connects. Returns how many were applied.
func (f *Feed) Replay(ctx context.Context, strategyIDs []string) int {
	if f.cache == nil {
		return 0
	}
	applied := 0
	for _, id := range strategyIDs {
		data, err := f.cache.GetIfFresh(clientdata.TableRateFeed, id)
		if err != nil || data == nil {
			continue
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if err := f.apply(ctx, msg); err != nil {
			f.log.Warn().Err(err).Str("strategy", id).Msg("Failed to replay cached rate")
			continue
		}
		applied++
	}
	return applied
}
