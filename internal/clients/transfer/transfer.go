// Package transfer provides TransferInitiator implementations used to settle
// released escrow funds.
package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aristath/vaultledger/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

// ErrRejected marks a transfer the collaborator refused outright.
// Rejections are not retried.
var ErrRejected = errors.New("transfer rejected")

// LocalInitiator settles transfers in-process. It assigns a random id per
// reference and returns the same id when a reference is resubmitted.
type LocalInitiator struct {
	mu    sync.Mutex
	byRef map[string]string
	log   zerolog.Logger
}

// NewLocalInitiator creates an in-process initiator
func NewLocalInitiator(log zerolog.Logger) *LocalInitiator {
	return &LocalInitiator{
		byRef: make(map[string]string),
		log:   log.With().Str("client", "transfer_local").Logger(),
	}
}

// InitiateTransfer implements domain.TransferInitiator
func (l *LocalInitiator) InitiateTransfer(_ context.Context, req domain.TransferRequest) (string, error) {
	if req.Reference == "" {
		return "", fmt.Errorf("%w: missing reference", ErrRejected)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if id, ok := l.byRef[req.Reference]; ok {
		return id, nil
	}
	id := uuid.New().String()
	l.byRef[req.Reference] = id

	l.log.Info().
		Str("reference", req.Reference).
		Str("transfer_id", id).
		Str("recipient", string(req.Recipient)).
		Str("amount", req.Amount.Dec()).
		Str("chain", req.DestinationChain).
		Msg("Transfer settled locally")
	return id, nil
}

// HTTPInitiator submits transfers to a settlement service.
// POST {baseURL}/transfers answers {"id":"..."}; 4xx means rejected.
type HTTPInitiator struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

// NewHTTPInitiator creates a settlement service client
func NewHTTPInitiator(baseURL string, timeout time.Duration, log zerolog.Logger) *HTTPInitiator {
	return &HTTPInitiator{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		log:     log.With().Str("client", "transfer_http").Logger(),
	}
}

type transferBody struct {
	Reference        string `json:"reference"`
	Asset            string `json:"asset"`
	Amount           string `json:"amount"`
	DestinationChain string `json:"destination_chain,omitempty"`
	Recipient        string `json:"recipient"`
}

type transferResponse struct {
	ID string `json:"id"`
}

// InitiateTransfer implements domain.TransferInitiator
func (h *HTTPInitiator) InitiateTransfer(ctx context.Context, req domain.TransferRequest) (string, error) {
	payload, err := json.Marshal(transferBody{
		Reference:        req.Reference,
		Asset:            string(req.Asset),
		Amount:           req.Amount.Dec(),
		DestinationChain: req.DestinationChain,
		Recipient:        string(req.Recipient),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode transfer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/transfers", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build transfer request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.Reference)

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("transfer request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return "", fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	case resp.StatusCode >= 300:
		return "", fmt.Errorf("settlement service returned status %d", resp.StatusCode)
	}

	var body transferResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to parse transfer response: %w", err)
	}
	if body.ID == "" {
		return "", errors.New("settlement service returned empty transfer id")
	}

	h.log.Info().
		Str("reference", req.Reference).
		Str("transfer_id", body.ID).
		Msg("Transfer submitted")
	return body.ID, nil
}

// RetryingInitiator retries transient failures of another initiator with
// exponential backoff. Rejections and context cancellation end the retry.
type RetryingInitiator struct {
	next        domain.TransferInitiator
	maxRetries  uint64
	baseBackoff time.Duration
	log         zerolog.Logger
}

// NewRetryingInitiator wraps next
func NewRetryingInitiator(next domain.TransferInitiator, maxRetries uint64, baseBackoff time.Duration, log zerolog.Logger) *RetryingInitiator {
	if baseBackoff <= 0 {
		baseBackoff = 500 * time.Millisecond
	}
	return &RetryingInitiator{
		next:        next,
		maxRetries:  maxRetries,
		baseBackoff: baseBackoff,
		log:         log.With().Str("client", "transfer_retry").Logger(),
	}
}

// InitiateTransfer implements domain.TransferInitiator
func (r *RetryingInitiator) InitiateTransfer(ctx context.Context, req domain.TransferRequest) (string, error) {
	backoff, err := retry.NewExponential(r.baseBackoff)
	if err != nil {
		return "", fmt.Errorf("failed to create backoff: %w", err)
	}
	backoff = retry.WithMaxRetries(r.maxRetries, backoff)

	var id string
	attempt := 0
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		var err error
		id, err = r.next.InitiateTransfer(ctx, req)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrRejected) || ctx.Err() != nil {
			return err
		}
		r.log.Warn().
			Err(err).
			Int("attempt", attempt).
			Str("reference", req.Reference).
			Msg("Transfer failed, retrying")
		return retry.RetryableError(err)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}
