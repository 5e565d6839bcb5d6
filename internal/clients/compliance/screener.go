// Package compliance provides ComplianceScreener implementations: a static
// blocklist, an HTTP provider client and a caching decorator.
package compliance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aristath/vaultledger/internal/domain"
	"github.com/rs/zerolog"
)

// StaticScreener blocks a fixed set of addresses and allows everyone else
type StaticScreener struct {
	blocked map[domain.Address]bool
}

// NewStaticScreener creates a screener from a blocklist. Addresses are
// compared case-insensitively.
func NewStaticScreener(blocklist []string) *StaticScreener {
	blocked := make(map[domain.Address]bool, len(blocklist))
	for _, a := range blocklist {
		blocked[domain.Address(strings.ToLower(a))] = true
	}
	return &StaticScreener{blocked: blocked}
}

// ScreenAddress implements domain.ComplianceScreener
func (s *StaticScreener) ScreenAddress(_ context.Context, address domain.Address) (domain.ScreeningResult, error) {
	if s.blocked[domain.Address(strings.ToLower(string(address)))] {
		return domain.ScreeningBlocked, nil
	}
	return domain.ScreeningAllowed, nil
}

// HTTPScreener queries a screening provider over HTTP.
// GET {baseURL}/screen/{address} answers {"result":"allowed|blocked|pending"}.
type HTTPScreener struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

// NewHTTPScreener creates a provider client
func NewHTTPScreener(baseURL string, timeout time.Duration, log zerolog.Logger) *HTTPScreener {
	return &HTTPScreener{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		log:     log.With().Str("client", "compliance").Logger(),
	}
}

type screenResponse struct {
	Result string `json:"result"`
}

// ScreenAddress implements domain.ComplianceScreener
func (s *HTTPScreener) ScreenAddress(ctx context.Context, address domain.Address) (domain.ScreeningResult, error) {
	endpoint := fmt.Sprintf("%s/screen/%s", s.baseURL, url.PathEscape(string(address)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build screening request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("screening request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("screening provider returned status %d", resp.StatusCode)
	}

	var body screenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to parse screening response: %w", err)
	}

	result := domain.ScreeningResult(body.Result)
	switch result {
	case domain.ScreeningAllowed, domain.ScreeningBlocked, domain.ScreeningPending:
	default:
		return "", fmt.Errorf("unknown screening result %q", body.Result)
	}

	s.log.Debug().
		Str("address", string(address)).
		Str("result", string(result)).
		Msg("Address screened")
	return result, nil
}
