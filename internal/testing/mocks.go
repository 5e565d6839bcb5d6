package testing

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aristath/vaultledger/internal/domain"
)

// ErrMockUnavailable is the default failure of the collaborator mocks
var ErrMockUnavailable = errors.New("mock collaborator unavailable")

// MockComplianceScreener is an in-memory ComplianceScreener.
// Unknown addresses are allowed.
type MockComplianceScreener struct {
	mu       sync.Mutex
	verdicts map[domain.Address]domain.ScreeningResult
	err      error
	calls    int
}

// NewMockComplianceScreener creates a screener that allows everyone
func NewMockComplianceScreener() *MockComplianceScreener {
	return &MockComplianceScreener{verdicts: make(map[domain.Address]domain.ScreeningResult)}
}

// SetVerdict sets the result for an address
func (m *MockComplianceScreener) SetVerdict(address domain.Address, result domain.ScreeningResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verdicts[address] = result
}

// SetError makes every call fail with err; nil clears it
func (m *MockComplianceScreener) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Calls returns how many screenings were requested
func (m *MockComplianceScreener) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// ScreenAddress implements domain.ComplianceScreener
func (m *MockComplianceScreener) ScreenAddress(_ context.Context, address domain.Address) (domain.ScreeningResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return "", m.err
	}
	if v, ok := m.verdicts[address]; ok {
		return v, nil
	}
	return domain.ScreeningAllowed, nil
}

// MockTransferInitiator records transfers and deduplicates them by reference
type MockTransferInitiator struct {
	mu        sync.Mutex
	transfers []domain.TransferRequest
	byRef     map[string]string
	failOn    map[domain.Address]error
	failNext  int
	err       error
	during    func(req domain.TransferRequest)
}

// NewMockTransferInitiator creates a transfer initiator that accepts everything
func NewMockTransferInitiator() *MockTransferInitiator {
	return &MockTransferInitiator{
		byRef:  make(map[string]string),
		failOn: make(map[domain.Address]error),
	}
}

// FailRecipient makes transfers to recipient fail with err; nil clears it
func (m *MockTransferInitiator) FailRecipient(recipient domain.Address, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failOn, recipient)
		return
	}
	m.failOn[recipient] = err
}

// FailNext makes the next n transfers fail with ErrMockUnavailable
func (m *MockTransferInitiator) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

// During runs fn inside InitiateTransfer, after the transfer is accepted and
// before it returns
func (m *MockTransferInitiator) During(fn func(req domain.TransferRequest)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.during = fn
}

// Transfers returns the accepted transfers in submission order
func (m *MockTransferInitiator) Transfers() []domain.TransferRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.TransferRequest(nil), m.transfers...)
}

// InitiateTransfer implements domain.TransferInitiator
func (m *MockTransferInitiator) InitiateTransfer(_ context.Context, req domain.TransferRequest) (string, error) {
	id, during, err := m.accept(req)
	if err != nil {
		return "", err
	}
	if during != nil {
		during(req)
	}
	return id, nil
}

func (m *MockTransferInitiator) accept(req domain.TransferRequest) (string, func(domain.TransferRequest), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext > 0 {
		m.failNext--
		return "", nil, ErrMockUnavailable
	}
	if err := m.failOn[req.Recipient]; err != nil {
		return "", nil, err
	}
	if id, ok := m.byRef[req.Reference]; ok {
		return id, nil, nil
	}
	id := fmt.Sprintf("tx-%d", len(m.transfers)+1)
	m.byRef[req.Reference] = id
	m.transfers = append(m.transfers, req)
	return id, m.during, nil
}

// MockStrategyExecutor records executed plans
type MockStrategyExecutor struct {
	mu     sync.Mutex
	plans  []domain.RebalancePlan
	err    error
	during func(plan domain.RebalancePlan)
}

// NewMockStrategyExecutor creates an executor that always succeeds
func NewMockStrategyExecutor() *MockStrategyExecutor {
	return &MockStrategyExecutor{}
}

// SetError makes ExecutePlan fail with err; nil clears it
func (m *MockStrategyExecutor) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// During runs fn inside ExecutePlan, after the plan is recorded
func (m *MockStrategyExecutor) During(fn func(plan domain.RebalancePlan)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.during = fn
}

// Plans returns the executed plans
func (m *MockStrategyExecutor) Plans() []domain.RebalancePlan {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.RebalancePlan(nil), m.plans...)
}

// ExecutePlan implements domain.StrategyExecutor
func (m *MockStrategyExecutor) ExecutePlan(_ context.Context, plan domain.RebalancePlan) error {
	m.mu.Lock()
	m.plans = append(m.plans, plan)
	err, during := m.err, m.during
	m.mu.Unlock()

	if during != nil {
		during(plan)
	}
	return err
}
