// Package events provides event management functionality.
package events

import "time"

// EventType represents different event types
type EventType string

const (
	// Deposit lifecycle
	DepositCreated       EventType = "DEPOSIT_CREATED"
	DepositStatusChanged EventType = "DEPOSIT_STATUS_CHANGED"
	DepositReleased      EventType = "DEPOSIT_RELEASED"
	DepositWithdrawn     EventType = "DEPOSIT_WITHDRAWN"
	WithdrawalFailed     EventType = "WITHDRAWAL_FAILED"
	EmergencyWithdrawal  EventType = "EMERGENCY_WITHDRAWAL"

	// Strategies and yield
	StrategyChanged    EventType = "STRATEGY_CHANGED"
	RebalanceCompleted EventType = "REBALANCE_COMPLETED"
	RebalanceFailed    EventType = "REBALANCE_FAILED"
	YieldHarvested     EventType = "YIELD_HARVESTED"
	RateUpdated        EventType = "RATE_UPDATED"

	// Administration and operations
	SystemStateChanged EventType = "SYSTEM_STATE_CHANGED"
	RoleChanged        EventType = "ROLE_CHANGED"
	InvariantViolation EventType = "INVARIANT_VIOLATION"
	BackupCompleted    EventType = "BACKUP_COMPLETED"
	ErrorOccurred      EventType = "ERROR_OCCURRED"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Module    string                 `json:"module"`
}
