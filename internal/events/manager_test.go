package events

import (
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_SubscribeAndEmit(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var mu sync.Mutex
	var typed, all []EventType
	bus.Subscribe(DepositCreated, func(e *Event) {
		mu.Lock()
		defer mu.Unlock()
		typed = append(typed, e.Type)
	})
	bus.SubscribeAll(func(e *Event) {
		mu.Lock()
		defer mu.Unlock()
		all = append(all, e.Type)
	})

	bus.Emit(DepositCreated, "escrow", nil)
	bus.Emit(RateUpdated, "ratefeed", nil)

	assert.Equal(t, []EventType{DepositCreated}, typed)
	assert.Equal(t, []EventType{DepositCreated, RateUpdated}, all)
}

func TestBus_WatchCancel(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	seen := 0
	cancel := bus.Watch(func(*Event) { seen++ })
	bus.Emit(DepositCreated, "escrow", nil)
	bus.Emit(YieldHarvested, "escrow", nil)
	cancel()
	bus.Emit(DepositCreated, "escrow", nil)

	assert.Equal(t, 2, seen)
}

func TestBus_RecoversHandlerPanic(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	called := false
	bus.Subscribe(ErrorOccurred, func(*Event) { panic("boom") })
	bus.Subscribe(ErrorOccurred, func(*Event) { called = true })

	assert.NotPanics(t, func() { bus.Emit(ErrorOccurred, "test", nil) })
	assert.True(t, called)
}

func TestManager_EmitTyped(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	m := NewManager(bus, zerolog.Nop())

	var got *Event
	bus.SubscribeAll(func(e *Event) { got = e })

	m.EmitTyped("escrow", &DepositReleasedData{
		DepositID:      "d-1",
		Principal:      "1000",
		Yield:          "50",
		DepositorShare: "35",
		MerchantShare:  "10",
		ProtocolShare:  "5",
	})

	require.NotNil(t, got)
	assert.Equal(t, DepositReleased, got.Type)
	assert.Equal(t, "escrow", got.Module)
	assert.Equal(t, "d-1", got.Data["deposit_id"])

	var decoded DepositReleasedData
	require.NoError(t, Decode(got, &decoded))
	assert.Equal(t, "35", decoded.DepositorShare)
}

func TestEventTypeVariants(t *testing.T) {
	assert.Equal(t, EmergencyWithdrawal, (&WithdrawalData{Emergency: true}).EventType())
	assert.Equal(t, DepositWithdrawn, (&WithdrawalData{}).EventType())
	assert.Equal(t, RebalanceFailed, (&RebalanceData{Error: "boom"}).EventType())
	assert.Equal(t, RebalanceCompleted, (&RebalanceData{}).EventType())
}

func TestManager_NilSafe(t *testing.T) {
	var m *Manager
	assert.NotPanics(t, func() { m.EmitError("x", errors.New("boom"), nil) })
}

func TestManager_EmitError(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	m := NewManager(bus, zerolog.Nop())

	var got *Event
	bus.Subscribe(ErrorOccurred, func(e *Event) { got = e })
	m.EmitError("scheduler", errors.New("job failed"), map[string]interface{}{"job": "harvest"})

	require.NotNil(t, got)
	assert.Equal(t, "job failed", got.Data["error"])
}
