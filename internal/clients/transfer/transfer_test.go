package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aristath/vaultledger/internal/domain"
	testingpkg "github.com/aristath/vaultledger/internal/testing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func request(ref string) domain.TransferRequest {
	return domain.TransferRequest{
		Reference: ref,
		Asset:     "USDC",
		Amount:    testingpkg.Units(100),
		Recipient: "0xshop",
	}
}

type countingInitiator struct {
	calls int32
	err   error
}

func (c *countingInitiator) InitiateTransfer(_ context.Context, _ domain.TransferRequest) (string, error) {
	atomic.AddInt32(&c.calls, 1)
	return "", c.err
}

func TestLocalInitiator_DeduplicatesByReference(t *testing.T) {
	l := NewLocalInitiator(zerolog.Nop())
	ctx := context.Background()

	first, err := l.InitiateTransfer(ctx, request("d1/0"))
	require.NoError(t, err)
	again, err := l.InitiateTransfer(ctx, request("d1/0"))
	require.NoError(t, err)
	other, err := l.InitiateTransfer(ctx, request("d1/1"))
	require.NoError(t, err)

	assert.Equal(t, first, again)
	assert.NotEqual(t, first, other)

	_, err = l.InitiateTransfer(ctx, request(""))
	assert.ErrorIs(t, err, ErrRejected)
}

func TestHTTPInitiator(t *testing.T) {
	var got transferBody
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/transfers", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		switch got.Reference {
		case "bad":
			w.WriteHeader(http.StatusUnprocessableEntity)
		case "down":
			w.WriteHeader(http.StatusBadGateway)
		default:
			assert.Equal(t, got.Reference, r.Header.Get("Idempotency-Key"))
			_, _ = w.Write([]byte(`{"id":"tx-42"}`))
		}
	}))
	defer server.Close()

	h := NewHTTPInitiator(server.URL, time.Second, zerolog.Nop())
	ctx := context.Background()

	id, err := h.InitiateTransfer(ctx, request("d1/0"))
	require.NoError(t, err)
	assert.Equal(t, "tx-42", id)
	assert.Equal(t, "100", got.Amount)
	assert.Equal(t, "0xshop", got.Recipient)

	_, err = h.InitiateTransfer(ctx, request("bad"))
	assert.ErrorIs(t, err, ErrRejected)

	_, err = h.InitiateTransfer(ctx, request("down"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRejected)
}

func TestRetryingInitiator_RecoversFromTransientFailures(t *testing.T) {
	mock := testingpkg.NewMockTransferInitiator()
	mock.FailNext(2)

	r := NewRetryingInitiator(mock, 3, time.Millisecond, zerolog.Nop())
	id, err := r.InitiateTransfer(context.Background(), request("d1/0"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Len(t, mock.Transfers(), 1)
}

func TestRetryingInitiator_GivesUp(t *testing.T) {
	next := &countingInitiator{err: errors.New("timeout")}
	r := NewRetryingInitiator(next, 2, time.Millisecond, zerolog.Nop())

	_, err := r.InitiateTransfer(context.Background(), request("d1/0"))
	require.Error(t, err)
	assert.EqualError(t, err, "timeout")
	assert.Equal(t, int32(3), atomic.LoadInt32(&next.calls))
}

func TestRetryingInitiator_DoesNotRetryRejections(t *testing.T) {
	next := &countingInitiator{err: ErrRejected}
	r := NewRetryingInitiator(next, 5, time.Millisecond, zerolog.Nop())

	_, err := r.InitiateTransfer(context.Background(), request("d1/0"))
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, int32(1), atomic.LoadInt32(&next.calls))
}
