package testing

import (
	"sync"
	"time"

	"github.com/aristath/vaultledger/internal/domain"
	"github.com/aristath/vaultledger/pkg/fixedpoint"
	"github.com/holiman/uint256"
)

// Well-known principals used across tests
const (
	Admin      domain.Address = "admin"
	Operator   domain.Address = "operator"
	Rebalancer domain.Address = "rebalancer"
	Alice      domain.Address = "alice"
	Bob        domain.Address = "bob"
	Shop       domain.Address = "shop"
	Market     domain.Address = "market"
	USDC       domain.Asset   = "USDC"
)

// Epoch is the fixed start time of test clocks
var Epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// Units returns n base units
func Units(n uint64) uint256.Int {
	return fixedpoint.FromUint64(n)
}

// RatePercent parses an annual percentage ("5" == 5%) into a WAD rate
func RatePercent(pct string) uint256.Int {
	rate, err := fixedpoint.ParseRatePercent(pct)
	if err != nil {
		panic(err)
	}
	return rate
}

// Clock is a manually advanced time source
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock creates a clock at Epoch
func NewClock() *Clock {
	return &Clock{now: Epoch}
}

// Now returns the current time
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Year is the accrual year: 365 days
const Year = 365 * 24 * time.Hour
