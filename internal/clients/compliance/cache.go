package compliance

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aristath/vaultledger/internal/clientdata"
	"github.com/aristath/vaultledger/internal/domain"
	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
)

type cachedVerdict struct {
	Result    domain.ScreeningResult `json:"result"`
	ExpiresAt time.Time              `json:"expires_at"`
}

// CachedScreener decorates a screener with an in-memory LRU and an optional
// persistent cache. Pending verdicts are never cached. When the provider
// fails, a stale Blocked verdict is still honored; a stale Allowed one is not.
type CachedScreener struct {
	next  domain.ComplianceScreener
	cache *lru.Cache
	repo  *clientdata.Repository // optional
	ttl   time.Duration
	nowFn func() time.Time
	log   zerolog.Logger
}

// NewCachedScreener wraps next. repo may be nil to disable persistence.
// ttl applies to Allowed verdicts; Blocked verdicts are kept for
// clientdata.TTLScreeningBlocked.
func NewCachedScreener(next domain.ComplianceScreener, size int, ttl time.Duration, repo *clientdata.Repository, log zerolog.Logger) (*CachedScreener, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("failed to create screening cache: %w", err)
	}
	if ttl <= 0 {
		ttl = clientdata.TTLScreeningAllowed
	}
	return &CachedScreener{
		next:  next,
		cache: cache,
		repo:  repo,
		ttl:   ttl,
		nowFn: time.Now,
		log:   log.With().Str("client", "compliance_cache").Logger(),
	}, nil
}

// ScreenAddress implements domain.ComplianceScreener
func (c *CachedScreener) ScreenAddress(ctx context.Context, address domain.Address) (domain.ScreeningResult, error) {
	now := c.nowFn()
	if v, ok := c.lookup(address); ok && now.Before(v.ExpiresAt) {
		return v.Result, nil
	}

	result, err := c.next.ScreenAddress(ctx, address)
	if err != nil {
		if v, ok := c.lookup(address); ok && v.Result == domain.ScreeningBlocked {
			c.log.Warn().
				Err(err).
				Str("address", string(address)).
				Msg("Provider failed, using stale blocked verdict")
			return v.Result, nil
		}
		return "", err
	}

	c.store(address, result, now)
	return result, nil
}

// Purge drops every in-memory verdict
func (c *CachedScreener) Purge() {
	c.cache.Purge()
}

// lookup checks memory first, then the persistent cache, ignoring expiry
func (c *CachedScreener) lookup(address domain.Address) (cachedVerdict, bool) {
	if v, ok := c.cache.Get(address); ok {
		return v.(cachedVerdict), true
	}
	if c.repo == nil {
		return cachedVerdict{}, false
	}

	data, err := c.repo.Get(clientdata.TableScreening, string(address))
	if err != nil {
		c.log.Warn().Err(err).Str("address", string(address)).Msg("Failed to read screening cache")
		return cachedVerdict{}, false
	}
	if data == nil {
		return cachedVerdict{}, false
	}
	var v cachedVerdict
	if err := json.Unmarshal(data, &v); err != nil {
		return cachedVerdict{}, false
	}
	c.cache.Add(address, v)
	return v, true
}

func (c *CachedScreener) store(address domain.Address, result domain.ScreeningResult, now time.Time) {
	var ttl time.Duration
	switch result {
	case domain.ScreeningAllowed:
		ttl = c.ttl
	case domain.ScreeningBlocked:
		ttl = clientdata.TTLScreeningBlocked
	default:
		c.cache.Remove(address)
		return
	}

	v := cachedVerdict{Result: result, ExpiresAt: now.Add(ttl)}
	c.cache.Add(address, v)
	if c.repo != nil {
		if err := c.repo.Store(clientdata.TableScreening, string(address), v, ttl); err != nil {
			c.log.Warn().Err(err).Str("address", string(address)).Msg("Failed to persist screening verdict")
		}
	}
}
