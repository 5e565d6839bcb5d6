// Package domain provides core domain models and types for the vault ledger.
package domain

import (
	"time"

	"github.com/holiman/uint256"
)

// Address identifies a participant (depositor, merchant, admin...)
type Address string

// Asset identifies a deposit asset (e.g. "USDC")
type Asset string

// Role is a capability granted to a principal
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleOperator   Role = "operator"
	RoleMerchant   Role = "merchant"
	RoleRebalancer Role = "rebalancer"
)

// Valid reports whether r is one of the known roles
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleOperator, RoleMerchant, RoleRebalancer:
		return true
	default:
		return false
	}
}

// SystemState is the process-wide circuit breaker state
type SystemState string

const (
	SystemRunning SystemState = "running"
	SystemPaused  SystemState = "paused"
)

// DepositStatus is the lifecycle position of a deposit
type DepositStatus string

const (
	// DepositPending is recorded but not invested (compliance or capacity hold)
	DepositPending DepositStatus = "pending"
	// DepositActive is invested and accruing
	DepositActive DepositStatus = "active"
	// DepositReleasing has frozen accrual and is being split
	DepositReleasing DepositStatus = "releasing"
	// DepositReleased has a recorded split and awaits withdrawal
	DepositReleased DepositStatus = "released"
	// DepositWithdrawn has paid out; terminal
	DepositWithdrawn DepositStatus = "withdrawn"
	// DepositCancelled never became active; terminal
	DepositCancelled DepositStatus = "cancelled"
	// DepositFailed is a recoverable failure before activation
	DepositFailed DepositStatus = "failed"
)

// Invested reports whether the deposit's principal sits in strategies
func (s DepositStatus) Invested() bool {
	return s == DepositActive || s == DepositReleasing
}

// PastRelease reports whether the deposit has already been released
func (s DepositStatus) PastRelease() bool {
	return s == DepositReleased || s == DepositWithdrawn
}

// ScreeningResult is the compliance collaborator's verdict
type ScreeningResult string

const (
	ScreeningAllowed ScreeningResult = "allowed"
	ScreeningBlocked ScreeningResult = "blocked"
	ScreeningPending ScreeningResult = "pending"
)

// FailureStage names the step that left a deposit in DepositFailed
type FailureStage string

const (
	FailureScreening FailureStage = "screening"
)

// Failure records why a deposit is in a recoverable failed state
type Failure struct {
	Stage    FailureStage
	Reason   string
	Attempts int
	At       time.Time
}

// Accrual is the yield accrual state of a deposit
type Accrual struct {
	Accrued        uint256.Int // floored yield accrued up to LastCheckpoint
	LastCheckpoint time.Time
	Frozen         bool // set when the deposit enters Releasing
}

// YieldSplit is the audit record of a release
type YieldSplit struct {
	Yield     uint256.Int
	Depositor uint256.Int // yield share only, principal excluded
	Merchant  uint256.Int
	Protocol  uint256.Int // includes the rounding remainder
}

// SettlementState tracks the payout saga after release
type SettlementState string

const (
	SettlementNone      SettlementState = ""
	SettlementInFlight  SettlementState = "in_flight"
	SettlementFailed    SettlementState = "failed"
	SettlementCompleted SettlementState = "completed"
)

// Payout is one leg of a withdrawal
type Payout struct {
	Recipient  Address
	Amount     uint256.Int
	TransferID string // set once the transfer collaborator accepted the leg
	Paid       bool
}

// Settlement is the withdrawal saga checkpoint for a released deposit
type Settlement struct {
	State       SettlementState
	Payouts     []Payout
	Attempts    int
	LastError   string
	CompletedAt time.Time
}

// RampState is the fiat off-ramp outcome reported after withdrawal
type RampState string

const (
	RampNone      RampState = ""
	RampCompleted RampState = "completed"
	RampFailed    RampState = "failed"
)

// Deposit is an escrowed amount and its lifecycle
type Deposit struct {
	ID                string
	Depositor         Address
	Merchant          Address
	Principal         uint256.Int
	Asset             Asset
	DestinationChain  string // empty for same-chain settlement
	Status            DepositStatus
	Compliance        ScreeningResult
	Allocation        map[string]uint256.Int // strategy id -> amount
	Accrual           Accrual
	YieldAtRelease    uint256.Int
	Split             *YieldSplit
	Settlement        Settlement
	Failure           *Failure
	MerchantConfirmed bool
	Emergency         bool // principal returned through the emergency hatch
	RampState         RampState
	RampReference     string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	ReleasedAt        time.Time
}

// Clone returns a deep copy so callers can stage changes without touching the original
func (d Deposit) Clone() Deposit {
	out := d
	out.Allocation = make(map[string]uint256.Int, len(d.Allocation))
	for id, amount := range d.Allocation {
		out.Allocation[id] = amount
	}
	if d.Split != nil {
		split := *d.Split
		out.Split = &split
	}
	if d.Failure != nil {
		failure := *d.Failure
		out.Failure = &failure
	}
	if d.Settlement.Payouts != nil {
		out.Settlement.Payouts = append([]Payout(nil), d.Settlement.Payouts...)
	}
	return out
}

// Strategy is a yield-generating destination for vault funds
type Strategy struct {
	ID               string
	Name             string
	RiskScore        int
	CapAbsolute      uint256.Int
	CapBps           uint64      // percentage of total vault, 0 means no percentage cap
	ExternalCapacity uint256.Int // adapter-reported headroom, zero means unreported
	Allocated        uint256.Int
	HarvestedYield   uint256.Int
	RateWad          uint256.Int // annualized, 1e18 == 100%
	Deprecated       bool
	RateUpdatedAt    time.Time
	CreatedAt        time.Time
}

// Active reports whether the strategy may receive new allocation
func (s Strategy) Active() bool {
	return !s.Deprecated
}

// RebalanceState is the singleton rebalance scheduler state
type RebalanceState struct {
	LastRebalanceAt time.Time
	Cooldown        time.Duration
	InProgress      bool
	PlanID          string
}

// Delta is one entry of a rebalance transfer plan
type Delta struct {
	StrategyID string
	Amount     uint256.Int
	Outflow    bool // true when funds leave the strategy
}

// RebalancePlan is the transfer plan handed to the strategy executor
type RebalancePlan struct {
	ID        string
	Objective string
	Deltas    []Delta
	Targets   map[string]uint256.Int
	CreatedAt time.Time
}

// RateUpdate is a strategy rate pushed by the rate feed
type RateUpdate struct {
	StrategyID string
	RateWad    uint256.Int
	At         time.Time
}
