package strategies

import (
	"context"

	"github.com/holiman/uint256"
)

// Adapter is the uniform handle the registry keeps for every strategy.
// Concrete yield protocols implement it in the execution layer; the registry
// never branches on the kind of strategy behind it.
type Adapter interface {
	// Rate returns the strategy's current annualized rate, WAD scaled
	Rate(ctx context.Context) (uint256.Int, error)
	// Capacity returns the most the underlying protocol will hold for the vault
	Capacity(ctx context.Context) (uint256.Int, error)
	// Harvest realizes accrued yield and returns the harvested amount
	Harvest(ctx context.Context) (uint256.Int, error)
}

// StaticAdapter reports fixed values. It backs strategies whose protocol is
// driven entirely by the rate feed, and is handy in tests.
type StaticAdapter struct {
	RateWad     uint256.Int
	MaxCapacity uint256.Int
	Harvested   uint256.Int
}

// Rate returns the configured rate
func (a *StaticAdapter) Rate(context.Context) (uint256.Int, error) {
	return a.RateWad, nil
}

// Capacity returns the configured capacity
func (a *StaticAdapter) Capacity(context.Context) (uint256.Int, error) {
	return a.MaxCapacity, nil
}

// Harvest returns the configured harvest amount and resets it
func (a *StaticAdapter) Harvest(context.Context) (uint256.Int, error) {
	out := a.Harvested
	a.Harvested = uint256.Int{}
	return out, nil
}
