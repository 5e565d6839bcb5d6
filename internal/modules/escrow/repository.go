package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/vaultledger/internal/database"
	"github.com/aristath/vaultledger/internal/domain"
	"github.com/aristath/vaultledger/pkg/fixedpoint"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	stateKeySystem    = "system_state"
	stateKeyTreasury  = "treasury"
	stateKeyRebalance = "rebalance"
)

// Repository persists the ledger in ledger.db.
//
// Deposits and strategies keep their queryable columns in plain SQL and the
// rest of the record in a msgpack blob. Per-strategy deposit allocations live
// in allocation_records so the strategy totals can be audited in SQL.
type Repository struct {
	ledgerDB *sql.DB
	log      zerolog.Logger
}

// NewRepository creates a ledger repository
func NewRepository(ledgerDB *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		ledgerDB: ledgerDB,
		log:      log.With().Str("repo", "ledger").Logger(),
	}
}

type splitRecord struct {
	Yield     string `msgpack:"yield"`
	Depositor string `msgpack:"depositor"`
	Merchant  string `msgpack:"merchant"`
	Protocol  string `msgpack:"protocol"`
}

type payoutRecord struct {
	Recipient  string `msgpack:"recipient"`
	Amount     string `msgpack:"amount"`
	TransferID string `msgpack:"transfer_id"`
	Paid       bool   `msgpack:"paid"`
}

type failureRecord struct {
	Stage    string    `msgpack:"stage"`
	Reason   string    `msgpack:"reason"`
	Attempts int       `msgpack:"attempts"`
	At       time.Time `msgpack:"at"`
}

type depositRecord struct {
	Asset               string         `msgpack:"asset"`
	DestinationChain    string         `msgpack:"destination_chain,omitempty"`
	Compliance          string         `msgpack:"compliance"`
	Accrued             string         `msgpack:"accrued"`
	LastCheckpoint      time.Time      `msgpack:"last_checkpoint"`
	Frozen              bool           `msgpack:"frozen"`
	YieldAtRelease      string         `msgpack:"yield_at_release"`
	Split               *splitRecord   `msgpack:"split,omitempty"`
	SettlementState     string         `msgpack:"settlement_state,omitempty"`
	Payouts             []payoutRecord `msgpack:"payouts,omitempty"`
	SettlementAttempts  int            `msgpack:"settlement_attempts,omitempty"`
	SettlementError     string         `msgpack:"settlement_error,omitempty"`
	SettlementCompleted time.Time      `msgpack:"settlement_completed"`
	Failure             *failureRecord `msgpack:"failure,omitempty"`
	MerchantConfirmed   bool           `msgpack:"merchant_confirmed"`
	Emergency           bool           `msgpack:"emergency"`
	RampState           string         `msgpack:"ramp_state,omitempty"`
	RampReference       string         `msgpack:"ramp_reference,omitempty"`
	ReleasedAt          time.Time      `msgpack:"released_at"`
}

type strategyRecord struct {
	Name             string    `msgpack:"name"`
	CapAbsolute      string    `msgpack:"cap_absolute"`
	CapBps           uint64    `msgpack:"cap_bps"`
	ExternalCapacity string    `msgpack:"external_capacity"`
	HarvestedYield   string    `msgpack:"harvested_yield"`
	RateWad          string    `msgpack:"rate_wad"`
	RateUpdatedAt    time.Time `msgpack:"rate_updated_at"`
	CreatedAt        time.Time `msgpack:"created_at"`
}

type rebalanceRecord struct {
	LastRebalanceAt time.Time     `msgpack:"last_rebalance_at"`
	Cooldown        time.Duration `msgpack:"cooldown"`
	InProgress      bool          `msgpack:"in_progress"`
	PlanID          string        `msgpack:"plan_id,omitempty"`
}

func encodeDeposit(d domain.Deposit) ([]byte, error) {
	rec := depositRecord{
		Asset:               string(d.Asset),
		DestinationChain:    d.DestinationChain,
		Compliance:          string(d.Compliance),
		Accrued:             fixedpoint.Encode(d.Accrual.Accrued),
		LastCheckpoint:      d.Accrual.LastCheckpoint,
		Frozen:              d.Accrual.Frozen,
		YieldAtRelease:      fixedpoint.Encode(d.YieldAtRelease),
		SettlementState:     string(d.Settlement.State),
		SettlementAttempts:  d.Settlement.Attempts,
		SettlementError:     d.Settlement.LastError,
		SettlementCompleted: d.Settlement.CompletedAt,
		MerchantConfirmed:   d.MerchantConfirmed,
		Emergency:           d.Emergency,
		RampState:           string(d.RampState),
		RampReference:       d.RampReference,
		ReleasedAt:          d.ReleasedAt,
	}
	if d.Split != nil {
		rec.Split = &splitRecord{
			Yield:     fixedpoint.Encode(d.Split.Yield),
			Depositor: fixedpoint.Encode(d.Split.Depositor),
			Merchant:  fixedpoint.Encode(d.Split.Merchant),
			Protocol:  fixedpoint.Encode(d.Split.Protocol),
		}
	}
	for _, p := range d.Settlement.Payouts {
		rec.Payouts = append(rec.Payouts, payoutRecord{
			Recipient:  string(p.Recipient),
			Amount:     fixedpoint.Encode(p.Amount),
			TransferID: p.TransferID,
			Paid:       p.Paid,
		})
	}
	if d.Failure != nil {
		rec.Failure = &failureRecord{
			Stage:    string(d.Failure.Stage),
			Reason:   d.Failure.Reason,
			Attempts: d.Failure.Attempts,
			At:       d.Failure.At,
		}
	}
	return msgpack.Marshal(&rec)
}

// decodeDeposit fills the blob fields of d
func decodeDeposit(data []byte, d *domain.Deposit) error {
	var rec depositRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("failed to decode deposit %s: %w", d.ID, err)
	}

	var err error
	d.Asset = domain.Asset(rec.Asset)
	d.DestinationChain = rec.DestinationChain
	d.Compliance = domain.ScreeningResult(rec.Compliance)
	if d.Accrual.Accrued, err = fixedpoint.Decode(rec.Accrued); err != nil {
		return err
	}
	d.Accrual.LastCheckpoint = rec.LastCheckpoint
	d.Accrual.Frozen = rec.Frozen
	if d.YieldAtRelease, err = fixedpoint.Decode(rec.YieldAtRelease); err != nil {
		return err
	}
	if rec.Split != nil {
		split := &domain.YieldSplit{}
		for _, f := range []struct {
			dst *uint256.Int
			src string
		}{
			{&split.Yield, rec.Split.Yield},
			{&split.Depositor, rec.Split.Depositor},
			{&split.Merchant, rec.Split.Merchant},
			{&split.Protocol, rec.Split.Protocol},
		} {
			if *f.dst, err = fixedpoint.Decode(f.src); err != nil {
				return err
			}
		}
		d.Split = split
	}
	d.Settlement = domain.Settlement{
		State:       domain.SettlementState(rec.SettlementState),
		Attempts:    rec.SettlementAttempts,
		LastError:   rec.SettlementError,
		CompletedAt: rec.SettlementCompleted,
	}
	for _, p := range rec.Payouts {
		amount, err := fixedpoint.Decode(p.Amount)
		if err != nil {
			return err
		}
		d.Settlement.Payouts = append(d.Settlement.Payouts, domain.Payout{
			Recipient:  domain.Address(p.Recipient),
			Amount:     amount,
			TransferID: p.TransferID,
			Paid:       p.Paid,
		})
	}
	if rec.Failure != nil {
		d.Failure = &domain.Failure{
			Stage:    domain.FailureStage(rec.Failure.Stage),
			Reason:   rec.Failure.Reason,
			Attempts: rec.Failure.Attempts,
			At:       rec.Failure.At,
		}
	}
	d.MerchantConfirmed = rec.MerchantConfirmed
	d.Emergency = rec.Emergency
	d.RampState = domain.RampState(rec.RampState)
	d.RampReference = rec.RampReference
	d.ReleasedAt = rec.ReleasedAt
	return nil
}

func encodeStrategy(s domain.Strategy) ([]byte, error) {
	return msgpack.Marshal(&strategyRecord{
		Name:             s.Name,
		CapAbsolute:      fixedpoint.Encode(s.CapAbsolute),
		CapBps:           s.CapBps,
		ExternalCapacity: fixedpoint.Encode(s.ExternalCapacity),
		HarvestedYield:   fixedpoint.Encode(s.HarvestedYield),
		RateWad:          fixedpoint.Encode(s.RateWad),
		RateUpdatedAt:    s.RateUpdatedAt,
		CreatedAt:        s.CreatedAt,
	})
}

func decodeStrategy(data []byte, s *domain.Strategy) error {
	var rec strategyRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("failed to decode strategy %s: %w", s.ID, err)
	}

	var err error
	s.Name = rec.Name
	s.CapBps = rec.CapBps
	s.RateUpdatedAt = rec.RateUpdatedAt
	s.CreatedAt = rec.CreatedAt
	for _, f := range []struct {
		dst *uint256.Int
		src string
	}{
		{&s.CapAbsolute, rec.CapAbsolute},
		{&s.ExternalCapacity, rec.ExternalCapacity},
		{&s.HarvestedYield, rec.HarvestedYield},
		{&s.RateWad, rec.RateWad},
	} {
		if *f.dst, err = fixedpoint.Decode(f.src); err != nil {
			return err
		}
	}
	return nil
}

// Commit writes a changeset in one transaction
func (r *Repository) Commit(ctx context.Context, cs Changeset) error {
	if cs.Empty() {
		return nil
	}
	now := time.Now().UnixNano()

	return database.WithTransactionContext(ctx, r.ledgerDB, func(tx *sql.Tx) error {
		// strategies first: allocation records reference them
		for _, s := range cs.Strategies {
			if err := r.upsertStrategy(ctx, tx, s, now); err != nil {
				return err
			}
		}
		for _, d := range cs.Deposits {
			if err := r.upsertDeposit(ctx, tx, d); err != nil {
				return err
			}
		}
		for _, rc := range cs.Roles {
			if err := r.writeRole(ctx, tx, rc, now); err != nil {
				return err
			}
		}
		if cs.SystemState != nil {
			if err := r.putState(ctx, tx, stateKeySystem, []byte(*cs.SystemState), now); err != nil {
				return err
			}
		}
		if cs.Treasury != nil {
			if err := r.putState(ctx, tx, stateKeyTreasury, []byte(fixedpoint.Encode(*cs.Treasury)), now); err != nil {
				return err
			}
		}
		if cs.Rebalance != nil {
			blob, err := msgpack.Marshal(&rebalanceRecord{
				LastRebalanceAt: cs.Rebalance.LastRebalanceAt,
				Cooldown:        cs.Rebalance.Cooldown,
				InProgress:      cs.Rebalance.InProgress,
				PlanID:          cs.Rebalance.PlanID,
			})
			if err != nil {
				return fmt.Errorf("failed to encode rebalance state: %w", err)
			}
			if err := r.putState(ctx, tx, stateKeyRebalance, blob, now); err != nil {
				return err
			}
		}
		for _, a := range cs.Audit {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO audit_log (id, action, actor, deposit_id, detail, at)
				VALUES (?, ?, ?, ?, ?, ?)
			`, a.ID, a.Action, string(a.Actor), nullString(a.DepositID), a.Detail, a.At.UnixNano())
			if err != nil {
				return fmt.Errorf("failed to append audit entry %s: %w", a.Action, err)
			}
		}
		return nil
	})
}

func (r *Repository) upsertStrategy(ctx context.Context, tx *sql.Tx, s domain.Strategy, now int64) error {
	blob, err := encodeStrategy(s)
	if err != nil {
		return fmt.Errorf("failed to encode strategy %s: %w", s.ID, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO strategies (id, risk_score, allocated, deprecated, updated_at, data)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			risk_score = excluded.risk_score,
			allocated = excluded.allocated,
			deprecated = excluded.deprecated,
			updated_at = excluded.updated_at,
			data = excluded.data
	`, s.ID, s.RiskScore, fixedpoint.Encode(s.Allocated), boolToInt(s.Deprecated), now, blob)
	if err != nil {
		return fmt.Errorf("failed to upsert strategy %s: %w", s.ID, err)
	}
	return nil
}

func (r *Repository) upsertDeposit(ctx context.Context, tx *sql.Tx, d domain.Deposit) error {
	blob, err := encodeDeposit(d)
	if err != nil {
		return fmt.Errorf("failed to encode deposit %s: %w", d.ID, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO deposits (id, depositor, merchant, status, principal, created_at, updated_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at,
			data = excluded.data
	`, d.ID, string(d.Depositor), string(d.Merchant), string(d.Status), fixedpoint.Encode(d.Principal),
		d.CreatedAt.UnixNano(), d.UpdatedAt.UnixNano(), blob)
	if err != nil {
		return fmt.Errorf("failed to upsert deposit %s: %w", d.ID, err)
	}

	// the allocation vector is replaced wholesale
	if _, err := tx.ExecContext(ctx, "DELETE FROM allocation_records WHERE deposit_id = ?", d.ID); err != nil {
		return fmt.Errorf("failed to clear allocation of deposit %s: %w", d.ID, err)
	}
	for strategyID, amount := range d.Allocation {
		if amount.IsZero() {
			continue
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO allocation_records (deposit_id, strategy_id, amount) VALUES (?, ?, ?)
		`, d.ID, strategyID, fixedpoint.Encode(amount))
		if err != nil {
			return fmt.Errorf("failed to record allocation of deposit %s to %s: %w", d.ID, strategyID, err)
		}
	}
	return nil
}

func (r *Repository) writeRole(ctx context.Context, tx *sql.Tx, rc RoleChange, now int64) error {
	var err error
	if rc.Granted {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO role_assignments (principal, role, granted_at) VALUES (?, ?, ?)
			ON CONFLICT(principal, role) DO NOTHING
		`, string(rc.Principal), string(rc.Role), now)
	} else {
		_, err = tx.ExecContext(ctx,
			"DELETE FROM role_assignments WHERE principal = ? AND role = ?",
			string(rc.Principal), string(rc.Role))
	}
	if err != nil {
		return fmt.Errorf("failed to write role %s for %s: %w", rc.Role, rc.Principal, err)
	}
	return nil
}

func (r *Repository) putState(ctx context.Context, tx *sql.Tx, key string, value []byte, now int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, now)
	if err != nil {
		return fmt.Errorf("failed to write ledger state %s: %w", key, err)
	}
	return nil
}

// Load reads the full ledger state. An empty database yields an empty
// snapshot in the running state.
func (r *Repository) Load(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{
		Roles:       make(map[domain.Address][]domain.Role),
		SystemState: domain.SystemRunning,
	}

	var err error
	if snap.Strategies, err = r.loadStrategies(ctx); err != nil {
		return Snapshot{}, err
	}
	if snap.Deposits, err = r.loadDeposits(ctx); err != nil {
		return Snapshot{}, err
	}
	if err := r.loadRoles(ctx, snap.Roles); err != nil {
		return Snapshot{}, err
	}

	if v, ok, err := r.getState(ctx, stateKeySystem); err != nil {
		return Snapshot{}, err
	} else if ok {
		snap.SystemState = domain.SystemState(v)
	}
	if v, ok, err := r.getState(ctx, stateKeyTreasury); err != nil {
		return Snapshot{}, err
	} else if ok {
		if snap.Treasury, err = fixedpoint.Decode(string(v)); err != nil {
			return Snapshot{}, err
		}
	}
	if v, ok, err := r.getState(ctx, stateKeyRebalance); err != nil {
		return Snapshot{}, err
	} else if ok {
		var rec rebalanceRecord
		if err := msgpack.Unmarshal(v, &rec); err != nil {
			return Snapshot{}, fmt.Errorf("failed to decode rebalance state: %w", err)
		}
		snap.Rebalance = domain.RebalanceState{
			LastRebalanceAt: rec.LastRebalanceAt,
			Cooldown:        rec.Cooldown,
			InProgress:      rec.InProgress,
			PlanID:          rec.PlanID,
		}
	}

	r.log.Debug().
		Int("deposits", len(snap.Deposits)).
		Int("strategies", len(snap.Strategies)).
		Msg("Ledger loaded")
	return snap, nil
}

func (r *Repository) loadStrategies(ctx context.Context) ([]domain.Strategy, error) {
	rows, err := r.ledgerDB.QueryContext(ctx,
		"SELECT id, risk_score, allocated, deprecated, data FROM strategies ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query strategies: %w", err)
	}
	defer rows.Close()

	var out []domain.Strategy
	for rows.Next() {
		var (
			s          domain.Strategy
			allocated  string
			deprecated int
			blob       []byte
		)
		if err := rows.Scan(&s.ID, &s.RiskScore, &allocated, &deprecated, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan strategy: %w", err)
		}
		if s.Allocated, err = fixedpoint.Decode(allocated); err != nil {
			return nil, err
		}
		s.Deprecated = deprecated != 0
		if err := decodeStrategy(blob, &s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *Repository) loadDeposits(ctx context.Context) ([]domain.Deposit, error) {
	rows, err := r.ledgerDB.QueryContext(ctx, `
		SELECT id, depositor, merchant, status, principal, created_at, updated_at, data
		FROM deposits ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query deposits: %w", err)
	}
	defer rows.Close()

	var out []domain.Deposit
	index := make(map[string]int)
	for rows.Next() {
		var (
			d                    domain.Deposit
			depositor, merchant  string
			status, principal    string
			createdAt, updatedAt int64
			blob                 []byte
		)
		if err := rows.Scan(&d.ID, &depositor, &merchant, &status, &principal, &createdAt, &updatedAt, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan deposit: %w", err)
		}
		d.Depositor = domain.Address(depositor)
		d.Merchant = domain.Address(merchant)
		d.Status = domain.DepositStatus(status)
		if d.Principal, err = fixedpoint.Decode(principal); err != nil {
			return nil, err
		}
		d.CreatedAt = time.Unix(0, createdAt).UTC()
		d.UpdatedAt = time.Unix(0, updatedAt).UTC()
		if err := decodeDeposit(blob, &d); err != nil {
			return nil, err
		}
		d.Allocation = make(map[string]uint256.Int)
		index[d.ID] = len(out)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	allocRows, err := r.ledgerDB.QueryContext(ctx,
		"SELECT deposit_id, strategy_id, amount FROM allocation_records")
	if err != nil {
		return nil, fmt.Errorf("failed to query allocation records: %w", err)
	}
	defer allocRows.Close()
	for allocRows.Next() {
		var depositID, strategyID, amount string
		if err := allocRows.Scan(&depositID, &strategyID, &amount); err != nil {
			return nil, fmt.Errorf("failed to scan allocation record: %w", err)
		}
		i, ok := index[depositID]
		if !ok {
			continue
		}
		value, err := fixedpoint.Decode(amount)
		if err != nil {
			return nil, err
		}
		out[i].Allocation[strategyID] = value
	}
	return out, allocRows.Err()
}

func (r *Repository) loadRoles(ctx context.Context, roles map[domain.Address][]domain.Role) error {
	rows, err := r.ledgerDB.QueryContext(ctx,
		"SELECT principal, role FROM role_assignments ORDER BY principal, role")
	if err != nil {
		return fmt.Errorf("failed to query role assignments: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var principal, role string
		if err := rows.Scan(&principal, &role); err != nil {
			return fmt.Errorf("failed to scan role assignment: %w", err)
		}
		roles[domain.Address(principal)] = append(roles[domain.Address(principal)], domain.Role(role))
	}
	return rows.Err()
}

func (r *Repository) getState(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := r.ledgerDB.QueryRowContext(ctx, "SELECT value FROM ledger_state WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read ledger state %s: %w", key, err)
	}
	return value, true, nil
}

// AuditTrail returns the audit entries of a deposit, oldest first
func (r *Repository) AuditTrail(ctx context.Context, depositID string) ([]AuditEntry, error) {
	rows, err := r.ledgerDB.QueryContext(ctx, `
		SELECT id, action, actor, COALESCE(deposit_id, ''), COALESCE(detail, ''), at
		FROM audit_log WHERE deposit_id = ? ORDER BY at, rowid
	`, depositID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e     AuditEntry
			actor string
			at    int64
		)
		if err := rows.Scan(&e.ID, &e.Action, &actor, &e.DepositID, &e.Detail, &at); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Actor = domain.Address(actor)
		e.At = time.Unix(0, at).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// AllocationTotals sums allocation_records per strategy
func (r *Repository) AllocationTotals(ctx context.Context) (map[string]uint256.Int, error) {
	rows, err := r.ledgerDB.QueryContext(ctx, "SELECT strategy_id, amount FROM allocation_records")
	if err != nil {
		return nil, fmt.Errorf("failed to query allocation records: %w", err)
	}
	defer rows.Close()

	totals := make(map[string]uint256.Int)
	for rows.Next() {
		var strategyID, amount string
		if err := rows.Scan(&strategyID, &amount); err != nil {
			return nil, fmt.Errorf("failed to scan allocation record: %w", err)
		}
		value, err := fixedpoint.Decode(amount)
		if err != nil {
			return nil, err
		}
		totals[strategyID] = fixedpoint.Add(totals[strategyID], value)
	}
	return totals, rows.Err()
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
