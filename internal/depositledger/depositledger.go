// Package depositledger implements component C4: idempotent ingestion of
// externally observed vault-tracker deposits and their assignment to vaults
// via AssignDeposit proofs. Grounded on services/escrow-gateway/watcher.go's
// poll-loop idiom and services/otc-gateway/funding/processor.go's locked
// read-modify-write idiom for the assignment itself.
package depositledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/proposer-node/proposer/internal/store"
	"github.com/proposer-node/proposer/internal/types"
)

// ChainDepositSource is the narrow view of ChainGateway the ledger polls for
// newly observed vault-tracker transfers.
type ChainDepositSource interface {
	ListTransfers(ctx context.Context, afterTxHash string, limit int) ([]types.Deposit, error)
}

// Ledger wraps Store with deposit-specific locked operations.
type Ledger struct {
	db  *gorm.DB
	now func() time.Time
}

// New constructs a Ledger over the same *gorm.DB as the Store.
func New(s *store.Store) *Ledger {
	return &Ledger{db: s.DB(), now: time.Now}
}

// InsertDepositIfMissing idempotently records an observed deposit, keyed on
// its TransferUID. A duplicate observation is a silent no-op.
func (l *Ledger) InsertDepositIfMissing(ctx context.Context, d types.Deposit) error {
	row := store.DepositRow{
		TxHash:      d.TxHash,
		TransferUID: d.TransferUID,
		ChainID:     d.ChainID,
		Depositor:   d.Depositor,
		Token:       d.Token,
		Amount:      d.Amount.String(),
		CreatedAt:   l.now(),
	}
	return l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "transfer_uid"}},
		DoNothing: true,
	}).Create(&row).Error
}

func sumAssignments(db *gorm.DB, ctx context.Context, depositID uint64) (*big.Int, error) {
	var rows []store.AssignmentEventRow
	if err := db.WithContext(ctx).Where("deposit_id = ?", depositID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("depositledger: sum assignments: %w", err)
	}
	total := big.NewInt(0)
	for _, row := range rows {
		v, ok := new(big.Int).SetString(row.Amount, 10)
		if !ok {
			return nil, fmt.Errorf("depositledger: corrupt assignment amount %q", row.Amount)
		}
		total.Add(total, v)
	}
	return total, nil
}

func rowToDeposit(row store.DepositRow) (types.Deposit, error) {
	amount, ok := new(big.Int).SetString(row.Amount, 10)
	if !ok {
		return types.Deposit{}, fmt.Errorf("depositledger: corrupt deposit amount %q", row.Amount)
	}
	return types.Deposit{
		ID:          row.ID,
		TxHash:      row.TxHash,
		TransferUID: row.TransferUID,
		ChainID:     row.ChainID,
		Depositor:   row.Depositor,
		Token:       row.Token,
		Amount:      amount,
		AssignedAt:  row.AssignedAt,
	}, nil
}

// Remaining returns the unassigned portion of depositID.
func (l *Ledger) Remaining(ctx context.Context, depositID uint64) (*big.Int, error) {
	var row store.DepositRow
	if err := l.db.WithContext(ctx).First(&row, depositID).Error; err != nil {
		return nil, fmt.Errorf("depositledger: remaining: %w", err)
	}
	deposit, err := rowToDeposit(row)
	if err != nil {
		return nil, err
	}
	assigned, err := sumAssignments(l.db, ctx, depositID)
	if err != nil {
		return nil, err
	}
	return deposit.Remaining(assigned), nil
}

// FindWithSufficientRemaining returns the oldest unassigned-or-partially
// assigned deposit from depositor, for token, whose remaining amount is at
// least minAmount.
func (l *Ledger) FindWithSufficientRemaining(ctx context.Context, depositor, token string, minAmount *big.Int) (types.Deposit, error) {
	var rows []store.DepositRow
	err := l.db.WithContext(ctx).
		Where("depositor = ? AND token = ? AND assigned_at IS NULL", depositor, token).
		Order("created_at ASC").Find(&rows).Error
	if err != nil {
		return types.Deposit{}, fmt.Errorf("depositledger: find with sufficient remaining: %w", err)
	}
	for _, row := range rows {
		deposit, err := rowToDeposit(row)
		if err != nil {
			return types.Deposit{}, err
		}
		assigned, err := sumAssignments(l.db, ctx, row.ID)
		if err != nil {
			return types.Deposit{}, err
		}
		remaining := deposit.Remaining(assigned)
		if remaining.Cmp(minAmount) >= 0 {
			return deposit, nil
		}
	}
	return types.Deposit{}, types.ErrDepositInsufficient
}

// AllocateForAmount plans how to cover amount of token deposited by
// depositor from its unassigned-or-partially-assigned deposits: a single
// deposit whose remaining equals amount exactly is preferred; otherwise the
// eligible deposits are walked in ascending id order, each contributing as
// much of its remaining as still needed, until amount is fully covered
// (spec §4.5's "preferring exact then combination across deposits in id
// order"). Returns types.ErrDepositInsufficient if the deposits' combined
// remaining falls short.
func (l *Ledger) AllocateForAmount(ctx context.Context, depositor, token string, amount *big.Int) ([]types.DepositAllocation, error) {
	var rows []store.DepositRow
	err := l.db.WithContext(ctx).
		Where("depositor = ? AND token = ? AND assigned_at IS NULL", depositor, token).
		Order("id ASC").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("depositledger: allocate for amount: %w", err)
	}

	type candidate struct {
		id        uint64
		remaining *big.Int
	}
	candidates := make([]candidate, 0, len(rows))
	for _, row := range rows {
		deposit, err := rowToDeposit(row)
		if err != nil {
			return nil, err
		}
		assigned, err := sumAssignments(l.db, ctx, row.ID)
		if err != nil {
			return nil, err
		}
		remaining := deposit.Remaining(assigned)
		if remaining.Sign() > 0 {
			candidates = append(candidates, candidate{id: row.ID, remaining: remaining})
		}
	}

	for _, c := range candidates {
		if c.remaining.Cmp(amount) == 0 {
			return []types.DepositAllocation{{DepositID: c.id, Amount: new(big.Int).Set(amount)}}, nil
		}
	}

	var plan []types.DepositAllocation
	needed := new(big.Int).Set(amount)
	for _, c := range candidates {
		if needed.Sign() <= 0 {
			break
		}
		take := new(big.Int).Set(c.remaining)
		if take.Cmp(needed) > 0 {
			take.Set(needed)
		}
		plan = append(plan, types.DepositAllocation{DepositID: c.id, Amount: take})
		needed.Sub(needed, take)
	}
	if needed.Sign() > 0 {
		return nil, types.ErrDepositInsufficient
	}
	return plan, nil
}

// Assign credits vault with amount drawn from depositID, inside tx. It locks
// the deposit row, recomputes remaining under that lock to avoid a
// concurrent double-assignment, rejects an amount exceeding what remains,
// records the assignment event, and sets assigned_at once the deposit is
// fully consumed. Crediting the vault balance is the caller's
// responsibility (normally store.Store.Credit, in the same tx).
func (l *Ledger) Assign(ctx context.Context, tx *gorm.DB, depositID uint64, vault uint64, amount *big.Int) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("depositledger: assign amount must be positive")
	}
	db := tx
	if db == nil {
		db = l.db.WithContext(ctx)
	}

	var row store.DepositRow
	if err := db.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, depositID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("depositledger: assign: %w", types.ErrNoVault)
		}
		return fmt.Errorf("depositledger: assign: lock deposit: %w", err)
	}
	deposit, err := rowToDeposit(row)
	if err != nil {
		return err
	}
	assigned, err := sumAssignments(db, ctx, depositID)
	if err != nil {
		return err
	}
	remaining := deposit.Remaining(assigned)
	if remaining.Cmp(amount) < 0 {
		return fmt.Errorf("depositledger: assign: %w", types.ErrDepositInsufficient)
	}

	event := store.AssignmentEventRow{
		DepositID:     depositID,
		Amount:        amount.String(),
		CreditedVault: vault,
		CreatedAt:     l.now(),
	}
	if err := db.Create(&event).Error; err != nil {
		return fmt.Errorf("depositledger: assign: insert event: %w", err)
	}

	newAssigned := new(big.Int).Add(assigned, amount)
	if newAssigned.Cmp(deposit.Amount) >= 0 {
		now := l.now()
		if err := db.Model(&store.DepositRow{}).Where("id = ?", depositID).
			Update("assigned_at", &now).Error; err != nil {
			return fmt.Errorf("depositledger: assign: mark fully assigned: %w", err)
		}
	}
	return nil
}

// Discoverer polls source for newly observed deposits until ctx is cancelled.
// Grounded on the escrow-gateway watcher's poll-loop shape, generalized to
// the vault-tracker deposit record.
type Discoverer struct {
	ledger       *Ledger
	source       ChainDepositSource
	pollInterval time.Duration
	batchSize    int
}

// NewDiscoverer constructs a Discoverer with sane defaults (5s poll, 100 row
// batches), mirroring the teacher's EventWatcher defaults.
func NewDiscoverer(ledger *Ledger, source ChainDepositSource) *Discoverer {
	return &Discoverer{ledger: ledger, source: source, pollInterval: 5 * time.Second, batchSize: 100}
}

// Run polls for new deposits until ctx is cancelled, inserting each
// idempotently. An error from a single poll is passed to onError (when
// non-nil) and does not stop the loop; the cursor is left unchanged, so the
// next tick retries from the same position.
func (d *Discoverer) Run(ctx context.Context, onError func(error)) {
	interval := d.pollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	cursor := ""
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			next, err := d.poll(ctx, cursor)
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			cursor = next
		}
	}
}

func (d *Discoverer) poll(ctx context.Context, cursor string) (string, error) {
	deposits, err := d.source.ListTransfers(ctx, cursor, d.batchSize)
	if err != nil {
		return cursor, fmt.Errorf("depositledger: list transfers: %w", err)
	}
	next := cursor
	for _, deposit := range deposits {
		if err := d.ledger.InsertDepositIfMissing(ctx, deposit); err != nil {
			return next, fmt.Errorf("depositledger: insert deposit %s: %w", deposit.TransferUID, err)
		}
		next = deposit.TxHash
	}
	return next, nil
}
