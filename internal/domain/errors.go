package domain

import "errors"

// Kind classifies ledger errors so callers can decide how to react without
// matching individual codes.
type Kind string

const (
	// KindValidation marks bad input rejected before any state change
	KindValidation Kind = "validation"
	// KindAuthorization marks a caller lacking a role, rejected before any state change
	KindAuthorization Kind = "authorization"
	// KindCapacity marks a lack of strategy headroom; the caller decides retry or hold
	KindCapacity Kind = "capacity"
	// KindState marks protocol misuse or a race; never auto-retried by the core
	KindState Kind = "state"
	// KindExternal marks a collaborator failure; local invariants stay intact
	KindExternal Kind = "external"
)

// Error is a classified ledger error. Values are compared by identity, so wrap
// them with fmt.Errorf("%w: ...") and match with errors.Is.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

func newError(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// KindOf returns the classification of err, or "" if err is not a ledger error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// CodeOf returns the code of err, or "" if err is not a ledger error.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Validation errors
var (
	ErrZeroAmount        = newError(KindValidation, "ZeroAmount", "amount must be greater than zero")
	ErrUnsupportedAsset  = newError(KindValidation, "UnsupportedAsset", "asset is not allow-listed")
	ErrInvalidAddress    = newError(KindValidation, "InvalidAddress", "address must not be empty")
	ErrInvalidMerchant   = newError(KindValidation, "InvalidMerchant", "merchant is not registered")
	ErrInvalidRiskScore  = newError(KindValidation, "InvalidRiskScore", "risk score must be within [0,100]")
	ErrInvalidCap        = newError(KindValidation, "InvalidCap", "strategy capacity is out of range")
	ErrInvalidRate       = newError(KindValidation, "InvalidRate", "rate is out of range")
	ErrInvalidRole       = newError(KindValidation, "InvalidRole", "unknown role")
	ErrDuplicateStrategy = newError(KindValidation, "DuplicateStrategy", "strategy already registered")
	ErrStrategyNotFound  = newError(KindValidation, "StrategyNotFound", "strategy does not exist")
	ErrInvalidStrategyID = newError(KindValidation, "InvalidStrategyID", "strategy id must not be empty")
	ErrDepositNotFound   = newError(KindValidation, "DepositNotFound", "deposit does not exist")
	ErrComplianceBlocked = newError(KindValidation, "ComplianceBlocked", "address failed compliance screening")
)

// Authorization errors
var (
	ErrUnauthorized        = newError(KindAuthorization, "Unauthorized", "caller lacks the required role")
	ErrLastAdminProtection = newError(KindAuthorization, "LastAdminProtection", "the last admin cannot be revoked")
)

// Capacity errors
var (
	ErrInsufficientCapacity      = newError(KindCapacity, "InsufficientCapacity", "eligible strategies cannot absorb the amount")
	ErrCapBelowCurrentAllocation = newError(KindCapacity, "CapBelowCurrentAllocation", "cap is below the strategy's current allocation")
)

// State errors
var (
	ErrDepositNotActive    = newError(KindState, "DepositNotActive", "deposit is not active")
	ErrAlreadyReleased     = newError(KindState, "AlreadyReleased", "deposit was already released")
	ErrNothingToWithdraw   = newError(KindState, "NothingToWithdraw", "deposit has nothing left to withdraw")
	ErrNotMatured          = newError(KindState, "NotMatured", "deposit has not reached its release condition")
	ErrRebalanceInProgress = newError(KindState, "RebalanceInProgress", "another rebalance is in progress")
	ErrCooldownActive      = newError(KindState, "CooldownActive", "rebalance cooldown has not elapsed")
	ErrSystemPaused        = newError(KindState, "SystemPaused", "system is paused")
	ErrNotPaused           = newError(KindState, "NotPaused", "operation requires the system to be paused")
	ErrNotRetryable        = newError(KindState, "NotRetryable", "deposit is not in a retryable state")
	ErrPlanConflict        = newError(KindState, "PlanConflict", "rebalance plan no longer applies to current allocations")
	ErrNotReleased         = newError(KindState, "NotReleased", "deposit has not been released")
	ErrSettlementInFlight  = newError(KindState, "SettlementInFlight", "a payout for this deposit is already in flight")
	ErrSettlementConflict  = newError(KindState, "SettlementConflict", "payout legs changed while a transfer was in flight")
	ErrNotCancellable      = newError(KindState, "NotCancellable", "only pending or failed deposits can be cancelled")
)

// External collaborator errors
var (
	ErrComplianceUnavailable = newError(KindExternal, "ComplianceUnavailable", "compliance screening failed")
	ErrTransferFailed        = newError(KindExternal, "TransferFailed", "cross-chain transfer failed")
	ErrExecutorFailed        = newError(KindExternal, "ExecutorFailed", "strategy execution failed")
)
