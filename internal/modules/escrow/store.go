package escrow

import (
	"context"
	"time"

	"github.com/aristath/vaultledger/internal/domain"
	"github.com/holiman/uint256"
)

// RoleChange is a grant or revocation to persist
type RoleChange struct {
	Principal domain.Address
	Role      domain.Role
	Granted   bool
}

// AuditEntry is an append-only record of a ledger mutation
type AuditEntry struct {
	ID        string
	Action    string
	Actor     domain.Address
	DepositID string
	Detail    string
	At        time.Time
}

// Changeset is everything one ledger operation writes. The store commits it
// atomically; the ledger applies it to memory only after a successful commit.
type Changeset struct {
	Deposits    []domain.Deposit
	Strategies  []domain.Strategy
	Roles       []RoleChange
	SystemState *domain.SystemState
	Rebalance   *domain.RebalanceState
	Treasury    *uint256.Int
	Audit       []AuditEntry
}

// Empty reports whether the changeset writes nothing
func (c *Changeset) Empty() bool {
	return len(c.Deposits) == 0 && len(c.Strategies) == 0 && len(c.Roles) == 0 &&
		c.SystemState == nil && c.Rebalance == nil && c.Treasury == nil && len(c.Audit) == 0
}

// Snapshot is the persisted ledger state loaded at startup
type Snapshot struct {
	Deposits    []domain.Deposit
	Strategies  []domain.Strategy
	Roles       map[domain.Address][]domain.Role
	SystemState domain.SystemState
	Rebalance   domain.RebalanceState
	Treasury    uint256.Int
}

// Store persists ledger changesets
type Store interface {
	Commit(ctx context.Context, cs Changeset) error
}

// NopStore discards changesets; the ledger then lives in memory only
type NopStore struct{}

// Commit implements Store
func (NopStore) Commit(context.Context, Changeset) error { return nil }
