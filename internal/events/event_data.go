package events

// EventData is the interface that all event data types must implement
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// DepositCreatedData contains data for DepositCreated events
type DepositCreatedData struct {
	DepositID string `json:"deposit_id"`
	Depositor string `json:"depositor"`
	Merchant  string `json:"merchant"`
	Amount    string `json:"amount"`
	Asset     string `json:"asset"`
	Status    string `json:"status"`
}

// EventType returns the event type for DepositCreatedData
func (d *DepositCreatedData) EventType() EventType {
	return DepositCreated
}

// DepositStatusChangedData contains data for DepositStatusChanged events
type DepositStatusChangedData struct {
	DepositID string `json:"deposit_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Reason    string `json:"reason,omitempty"`
}

// EventType returns the event type for DepositStatusChangedData
func (d *DepositStatusChangedData) EventType() EventType {
	return DepositStatusChanged
}

// DepositReleasedData contains the audit split of a release
type DepositReleasedData struct {
	DepositID      string `json:"deposit_id"`
	Principal      string `json:"principal"`
	Yield          string `json:"yield"`
	DepositorShare string `json:"depositor_share"`
	MerchantShare  string `json:"merchant_share"`
	ProtocolShare  string `json:"protocol_share"`
}

// EventType returns the event type for DepositReleasedData
func (d *DepositReleasedData) EventType() EventType {
	return DepositReleased
}

// WithdrawalData contains data for DepositWithdrawn and EmergencyWithdrawal events
type WithdrawalData struct {
	DepositID   string   `json:"deposit_id"`
	Amount      string   `json:"amount"`
	TransferIDs []string `json:"transfer_ids,omitempty"`
	Emergency   bool     `json:"emergency"`
}

// EventType returns the event type for WithdrawalData
func (d *WithdrawalData) EventType() EventType {
	if d.Emergency {
		return EmergencyWithdrawal
	}
	return DepositWithdrawn
}

// WithdrawalFailedData contains data for WithdrawalFailed events
type WithdrawalFailedData struct {
	DepositID string `json:"deposit_id"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	Attempts  int    `json:"attempts"`
	Error     string `json:"error"`
}

// EventType returns the event type for WithdrawalFailedData
func (d *WithdrawalFailedData) EventType() EventType {
	return WithdrawalFailed
}

// StrategyChangedData contains data for StrategyChanged events
type StrategyChangedData struct {
	StrategyID string `json:"strategy_id"`
	Action     string `json:"action"`
	RiskScore  int    `json:"risk_score"`
	Cap        string `json:"cap"`
	CapBps     uint64 `json:"cap_bps"`
	Allocated  string `json:"allocated"`
	Deprecated bool   `json:"deprecated"`
}

// EventType returns the event type for StrategyChangedData
func (d *StrategyChangedData) EventType() EventType {
	return StrategyChanged
}

// RebalanceData contains data for RebalanceCompleted and RebalanceFailed events
type RebalanceData struct {
	PlanID         string             `json:"plan_id"`
	Objective      string             `json:"objective"`
	Deltas         int                `json:"deltas"`
	Moved          string             `json:"moved"`
	MaxUtilization float64            `json:"max_utilization"`
	Utilization    map[string]float64 `json:"utilization,omitempty"`
	Error          string             `json:"error,omitempty"`
	// Compensation is set when executed moves were undone after a failed commit
	Compensation   string             `json:"compensation,omitempty"`
}

// EventType returns the event type for RebalanceData
func (d *RebalanceData) EventType() EventType {
	if d.Error != "" {
		return RebalanceFailed
	}
	return RebalanceCompleted
}

// YieldHarvestedData contains data for YieldHarvested events
type YieldHarvestedData struct {
	StrategyID string `json:"strategy_id"`
	Amount     string `json:"amount"`
	Total      string `json:"total"`
}

// EventType returns the event type for YieldHarvestedData
func (d *YieldHarvestedData) EventType() EventType {
	return YieldHarvested
}

// RateUpdatedData contains data for RateUpdated events
type RateUpdatedData struct {
	StrategyID string `json:"strategy_id"`
	RatePct    string `json:"rate_pct"`
	APYPct     string `json:"apy_pct"`
}

// EventType returns the event type for RateUpdatedData
func (d *RateUpdatedData) EventType() EventType {
	return RateUpdated
}

// SystemStateChangedData contains data for SystemStateChanged events
type SystemStateChangedData struct {
	State string `json:"state"`
	Actor string `json:"actor"`
}

// EventType returns the event type for SystemStateChangedData
func (d *SystemStateChangedData) EventType() EventType {
	return SystemStateChanged
}

// RoleChangedData contains data for RoleChanged events
type RoleChangedData struct {
	Principal string `json:"principal"`
	Role      string `json:"role"`
	Granted   bool   `json:"granted"`
	Actor     string `json:"actor"`
}

// EventType returns the event type for RoleChangedData
func (d *RoleChangedData) EventType() EventType {
	return RoleChanged
}

// InvariantViolationData contains data for InvariantViolation events
type InvariantViolationData struct {
	Violations []string `json:"violations"`
}

// EventType returns the event type for InvariantViolationData
func (d *InvariantViolationData) EventType() EventType {
	return InvariantViolation
}

// BackupCompletedData contains data for BackupCompleted events
type BackupCompletedData struct {
	Key        string  `json:"key"`
	SizeBytes  int64   `json:"size_bytes"`
	DurationMs float64 `json:"duration_ms"`
}

// EventType returns the event type for BackupCompletedData
func (d *BackupCompletedData) EventType() EventType {
	return BackupCompleted
}

// ErrorEventData contains data for ErrorOccurred events
type ErrorEventData struct {
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// EventType returns the event type for ErrorEventData
func (d *ErrorEventData) EventType() EventType {
	return ErrorOccurred
}
