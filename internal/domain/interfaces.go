package domain

import (
	"context"

	"github.com/holiman/uint256"
)

// ComplianceScreener screens addresses before funds are accepted.
// Implementations wrap a provider such as a sanctions screening API.
type ComplianceScreener interface {
	// ScreenAddress returns the verdict for an address.
	// A returned error means the provider could not be reached or timed out.
	ScreenAddress(ctx context.Context, address Address) (ScreeningResult, error)
}

// TransferRequest is one payout leg handed to the transfer collaborator
type TransferRequest struct {
	// Reference is stable across retries of the same leg, so the
	// collaborator can deduplicate
	Reference        string
	Asset            Asset
	Amount           uint256.Int
	DestinationChain string // empty for same-chain settlement
	Recipient        Address
}

// TransferInitiator settles released funds, possibly on another chain.
// It is only called for deposits that are fully released, or for the
// principal of an emergency withdrawal.
type TransferInitiator interface {
	// InitiateTransfer submits a transfer and returns the collaborator's transfer id
	InitiateTransfer(ctx context.Context, req TransferRequest) (string, error)
}

// StrategyExecutor moves real funds between yield protocols.
// The ledger only records accounting once the executor reports success.
type StrategyExecutor interface {
	// ExecutePlan performs every delta of a rebalance plan or fails as a whole
	ExecutePlan(ctx context.Context, plan RebalancePlan) error
}
