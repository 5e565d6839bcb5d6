package ratefeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aristath/vaultledger/internal/clientdata"
	"github.com/aristath/vaultledger/internal/domain"
	testingpkg "github.com/aristath/vaultledger/internal/testing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

type recordingPusher struct {
	mu      sync.Mutex
	updates []domain.RateUpdate
	callers []domain.Address
	err     error
}

func (r *recordingPusher) PushRate(_ context.Context, caller domain.Address, update domain.RateUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.updates = append(r.updates, update)
	r.callers = append(r.callers, caller)
	return nil
}

func (r *recordingPusher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

func TestHandle(t *testing.T) {
	pusher := &recordingPusher{}
	feed := New("ws://unused", pusher, "feeder", nil, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, feed.Handle(ctx, []byte(`{"strategy_id":"aave","rate_pct":"5.25%"}`)))
	require.Len(t, pusher.updates, 1)
	assert.Equal(t, "aave", pusher.updates[0].StrategyID)
	assert.Equal(t, testingpkg.RatePercent("5.25"), pusher.updates[0].RateWad)
	assert.Equal(t, domain.Address("feeder"), pusher.callers[0])

	assert.Error(t, feed.Handle(ctx, []byte(`not json`)))
	assert.Error(t, feed.Handle(ctx, []byte(`{"rate_pct":"5"}`)))
	assert.Error(t, feed.Handle(ctx, []byte(`{"strategy_id":"aave","rate_pct":"lots"}`)))

	pusher.err = domain.ErrInvalidRate
	assert.ErrorIs(t, feed.Handle(ctx, []byte(`{"strategy_id":"aave","rate_pct":"5000"}`)), domain.ErrInvalidRate)

	received, rejected := feed.Stats()
	assert.Equal(t, 1, received)
	assert.Equal(t, 4, rejected)
}

func TestRun_ReadsAndReconnects(t *testing.T) {
	var mu sync.Mutex
	connections := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		connections++
		mu.Unlock()

		ctx := r.Context()
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"strategy_id":"aave","rate_pct":"4"}`))
		_ = conn.Write(ctx, websocket.MessageBinary, []byte{0x01})
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"strategy_id":"comp","rate_pct":"3"}`))
		conn.Close(websocket.StatusNormalClosure, "bye")
	}))
	defer server.Close()

	pusher := &recordingPusher{}
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	feed := New(url, pusher, "feeder", nil, zerolog.Nop())
	feed.baseDelay = 10 * time.Millisecond
	feed.maxDelay = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- feed.Run(ctx) }()

	require.Eventually(t, func() bool { return pusher.count() >= 4 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, connections, 2)
}

func TestReplay(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t, "cache")
	t.Cleanup(cleanup)
	repo := clientdata.NewRepository(db.Conn())

	pusher := &recordingPusher{}
	feed := New("ws://unused", pusher, "feeder", repo, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, feed.Handle(ctx, []byte(`{"strategy_id":"aave","rate_pct":"6"}`)))
	require.NoError(t, repo.Store(clientdata.TableRateFeed, "comp", Message{StrategyID: "comp", RatePct: "2"}, -time.Minute))

	fresh := New("ws://unused", pusher, "feeder", repo, zerolog.Nop())
	assert.Equal(t, 1, fresh.Replay(ctx, []string{"aave", "comp", "none"}))
	require.Len(t, pusher.updates, 2)
	assert.Equal(t, testingpkg.RatePercent("6"), pusher.updates[1].RateWad)

	assert.Equal(t, 0, New("ws://unused", pusher, "feeder", nil, zerolog.Nop()).Replay(ctx, []string{"aave"}))
}
