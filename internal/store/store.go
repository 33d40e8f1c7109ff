package store

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is the narrow transactional interface over the relational database
// named in spec §4.3. All vault and token identifiers are compared
// case-insensitively; amounts are stored as base-10 strings in a
// NUMERIC(78,0) column (wei-scale, no fractional component once resolved).
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// New wraps an already-connected *gorm.DB. Call AutoMigrate once at startup.
func New(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// AutoMigrate creates/updates every table this Store depends on.
func (s *Store) AutoMigrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(AllModels()...)
}

func normToken(token string) string { return strings.ToLower(strings.TrimSpace(token)) }

func parseWei(s string) (*big.Int, error) {
	if strings.TrimSpace(s) == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("store: invalid wei amount %q", s)
	}
	return v, nil
}

// GetBalance returns the current wei balance for (vault, token), or zero if
// no row exists yet.
func (s *Store) GetBalance(ctx context.Context, vault uint64, token string) (*big.Int, error) {
	var row BalanceRow
	err := s.db.WithContext(ctx).Where("vault = ? AND token = ?", vault, normToken(token)).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get balance: %w", err)
	}
	return parseWei(row.Balance)
}

// SetBalance upserts the balance for (vault, token). Fails if wei is
// negative.
func (s *Store) SetBalance(ctx context.Context, vault uint64, token string, wei *big.Int) error {
	if wei.Sign() < 0 {
		return fmt.Errorf("store: balance cannot be negative")
	}
	row := BalanceRow{Vault: vault, Token: normToken(token), Balance: wei.String(), Timestamp: s.now()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "vault"}, {Name: "token"}},
		DoUpdates: clause.AssignmentColumns([]string{"balance", "timestamp"}),
	}).Create(&row).Error
}

// ApplyTransfer atomically decrements fromVault and increments to by wei,
// failing the whole operation (no partial effect) if the decrement would
// drive the source balance negative.
func (s *Store) ApplyTransfer(ctx context.Context, tx *gorm.DB, fromVault, toVault uint64, token string, wei *big.Int) error {
	if wei.Sign() < 0 {
		return fmt.Errorf("store: transfer amount must be non-negative")
	}
	db := tx
	if db == nil {
		db = s.db.WithContext(ctx)
	}
	normalizedToken := normToken(token)

	var fromRow BalanceRow
	err := db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("vault = ? AND token = ?", fromVault, normalizedToken).
		First(&fromRow).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("store: apply transfer: %w", &InsufficientBalanceError{Vault: fromVault, Token: normalizedToken})
	}
	if err != nil {
		return fmt.Errorf("store: apply transfer: lock from balance: %w", err)
	}
	fromBalance, err := parseWei(fromRow.Balance)
	if err != nil {
		return err
	}
	if fromBalance.Cmp(wei) < 0 {
		return fmt.Errorf("store: apply transfer: %w", &InsufficientBalanceError{Vault: fromVault, Token: normalizedToken})
	}
	newFrom := new(big.Int).Sub(fromBalance, wei)
	if err := db.Model(&BalanceRow{}).Where("vault = ? AND token = ?", fromVault, normalizedToken).
		Updates(map[string]interface{}{"balance": newFrom.String(), "timestamp": s.now()}).Error; err != nil {
		return fmt.Errorf("store: apply transfer: debit: %w", err)
	}

	var toRow BalanceRow
	err = db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("vault = ? AND token = ?", toVault, normalizedToken).
		First(&toRow).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		toRow = BalanceRow{Vault: toVault, Token: normalizedToken, Balance: wei.String(), Timestamp: s.now()}
		if err := db.Create(&toRow).Error; err != nil {
			return fmt.Errorf("store: apply transfer: credit insert: %w", err)
		}
	case err != nil:
		return fmt.Errorf("store: apply transfer: lock to balance: %w", err)
	default:
		toBalance, err := parseWei(toRow.Balance)
		if err != nil {
			return err
		}
		newTo := new(big.Int).Add(toBalance, wei)
		if err := db.Model(&BalanceRow{}).Where("vault = ? AND token = ?", toVault, normalizedToken).
			Updates(map[string]interface{}{"balance": newTo.String(), "timestamp": s.now()}).Error; err != nil {
			return fmt.Errorf("store: apply transfer: credit update: %w", err)
		}
	}
	return nil
}

// Credit increments a vault's balance unconditionally (used for
// AssignDeposit crediting, which has no corresponding debit leg).
func (s *Store) Credit(ctx context.Context, tx *gorm.DB, vault uint64, token string, wei *big.Int) error {
	db := tx
	if db == nil {
		db = s.db.WithContext(ctx)
	}
	normalizedToken := normToken(token)
	var row BalanceRow
	err := db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("vault = ? AND token = ?", vault, normalizedToken).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		row = BalanceRow{Vault: vault, Token: normalizedToken, Balance: wei.String(), Timestamp: s.now()}
		return db.Create(&row).Error
	}
	if err != nil {
		return fmt.Errorf("store: credit: %w", err)
	}
	current, err := parseWei(row.Balance)
	if err != nil {
		return err
	}
	updated := new(big.Int).Add(current, wei)
	return db.Model(&BalanceRow{}).Where("vault = ? AND token = ?", vault, normalizedToken).
		Updates(map[string]interface{}{"balance": updated.String(), "timestamp": s.now()}).Error
}

// InsufficientBalanceError reports that a debit would drive a balance
// negative.
type InsufficientBalanceError struct {
	Vault uint64
	Token string
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("store: vault %d has insufficient %s balance", e.Vault, e.Token)
}

func splitControllers(joined string) []string {
	if strings.TrimSpace(joined) == "" {
		return nil
	}
	parts := strings.Split(joined, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func joinControllers(controllers []string) string {
	return strings.Join(controllers, ",")
}

// GetControllers returns the controller addresses authorized on vault.
func (s *Store) GetControllers(ctx context.Context, vault uint64) ([]string, error) {
	var row VaultRow
	if err := s.db.WithContext(ctx).Where("vault = ?", vault).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get controllers: %w", err)
	}
	return splitControllers(row.Controllers), nil
}

// AddController appends controller to vault's authorized set, if not
// already present.
func (s *Store) AddController(ctx context.Context, tx *gorm.DB, vault uint64, controller string) error {
	db := tx
	if db == nil {
		db = s.db.WithContext(ctx)
	}
	controller = strings.ToLower(controller)
	var row VaultRow
	err := db.Clauses(clause.Locking{Strength: "UPDATE"}).Where("vault = ?", vault).First(&row).Error
	if err != nil {
		return fmt.Errorf("store: add controller: %w", err)
	}
	existing := splitControllers(row.Controllers)
	for _, c := range existing {
		if c == controller {
			return nil
		}
	}
	existing = append(existing, controller)
	return db.Model(&VaultRow{}).Where("vault = ?", vault).
		Update("controllers", joinControllers(existing)).Error
}

// RemoveController removes controller from vault's authorized set.
func (s *Store) RemoveController(ctx context.Context, tx *gorm.DB, vault uint64, controller string) error {
	db := tx
	if db == nil {
		db = s.db.WithContext(ctx)
	}
	controller = strings.ToLower(controller)
	var row VaultRow
	err := db.Clauses(clause.Locking{Strength: "UPDATE"}).Where("vault = ?", vault).First(&row).Error
	if err != nil {
		return fmt.Errorf("store: remove controller: %w", err)
	}
	existing := splitControllers(row.Controllers)
	filtered := existing[:0]
	for _, c := range existing {
		if c != controller {
			filtered = append(filtered, c)
		}
	}
	return db.Model(&VaultRow{}).Where("vault = ?", vault).
		Update("controllers", joinControllers(filtered)).Error
}

// SetRules sets the opaque rules string for vault.
func (s *Store) SetRules(ctx context.Context, vault uint64, rules string) error {
	return s.db.WithContext(ctx).Model(&VaultRow{}).Where("vault = ?", vault).Update("rules", rules).Error
}

// ListVaultsFor returns every vault id that lists controller as an
// authorized address.
func (s *Store) ListVaultsFor(ctx context.Context, controller string) ([]uint64, error) {
	controller = strings.ToLower(controller)
	var rows []VaultRow
	if err := s.db.WithContext(ctx).Where("controllers LIKE ?", "%"+controller+"%").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: list vaults for: %w", err)
	}
	out := make([]uint64, 0, len(rows))
	for _, row := range rows {
		for _, c := range splitControllers(row.Controllers) {
			if c == controller {
				out = append(out, row.Vault)
				break
			}
		}
	}
	return out, nil
}

// VaultExists reports whether vault has a persisted row.
func (s *Store) VaultExists(ctx context.Context, vault uint64) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&VaultRow{}).Where("vault = ?", vault).Count(&count).Error; err != nil {
		return false, fmt.Errorf("store: vault exists: %w", err)
	}
	return count > 0, nil
}

// GetVaultNonce returns the last-recorded per-vault intention nonce.
func (s *Store) GetVaultNonce(ctx context.Context, vault uint64) (uint64, error) {
	var row VaultRow
	if err := s.db.WithContext(ctx).Where("vault = ?", vault).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("store: get vault nonce: %w", err)
	}
	return row.Nonce, nil
}

// SetVaultNonce overwrites the vault's last-recorded nonce. It is an
// update-only operation: if the vault row is missing it no-ops and reports
// ok=false so the caller can decide whether that is fatal (see DESIGN.md
// open-question decision).
func (s *Store) SetVaultNonce(ctx context.Context, tx *gorm.DB, vault, nonce uint64) (ok bool, err error) {
	db := tx
	if db == nil {
		db = s.db.WithContext(ctx)
	}
	result := db.Model(&VaultRow{}).Where("vault = ?", vault).Update("nonce", nonce)
	if result.Error != nil {
		return false, fmt.Errorf("store: set vault nonce: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// CreateVault inserts a new vault row under the caller-supplied vault id,
// with controller as its sole initial controller.
func (s *Store) CreateVault(ctx context.Context, tx *gorm.DB, vault uint64, controller string) error {
	db := tx
	if db == nil {
		db = s.db.WithContext(ctx)
	}
	row := VaultRow{
		Vault:       vault,
		Controllers: joinControllers([]string{strings.ToLower(controller)}),
		CreatedAt:   s.now(),
		UpdatedAt:   s.now(),
	}
	return db.Create(&row).Error
}

// NextBundleNonce returns one past the highest persisted bundle nonce, or
// zero if no bundle has ever been persisted.
func (s *Store) NextBundleNonce(ctx context.Context) (uint64, error) {
	var row BundleRow
	err := s.db.WithContext(ctx).Order("nonce DESC").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: next bundle nonce: %w", err)
	}
	return row.Nonce + 1, nil
}

// AppendBundle persists a signed bundle body, guarded by the unique nonce
// index so repeated calls with the same nonce are idempotent.
func (s *Store) AppendBundle(ctx context.Context, tx *gorm.DB, body []byte, nonce uint64, proposer, signature, cid string) error {
	db := tx
	if db == nil {
		db = s.db.WithContext(ctx)
	}
	row := BundleRow{Bundle: body, Nonce: nonce, Proposer: strings.ToLower(proposer), Signature: signature, IPFSCID: cid, Timestamp: s.now()}
	return db.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "nonce"}}, DoNothing: true}).Create(&row).Error
}

// AppendCID persists the cid→nonce/proposer mapping, guarded by a unique
// composite index so repeated calls are idempotent.
func (s *Store) AppendCID(ctx context.Context, tx *gorm.DB, cid string, nonce uint64, proposer string) error {
	db := tx
	if db == nil {
		db = s.db.WithContext(ctx)
	}
	row := CIDRow{CID: cid, Nonce: nonce, Proposer: strings.ToLower(proposer), Timestamp: s.now()}
	return db.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "cid"}, {Name: "nonce"}, {Name: "proposer"}}, DoNothing: true}).Create(&row).Error
}

// TouchProposer records a proposer heartbeat (supplemented bookkeeping, see
// SPEC_FULL.md).
func (s *Store) TouchProposer(ctx context.Context, tx *gorm.DB, proposer string) error {
	db := tx
	if db == nil {
		db = s.db.WithContext(ctx)
	}
	row := ProposerRow{Proposer: strings.ToLower(proposer), LastSeen: s.now()}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "proposer"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_seen"}),
	}).Create(&row).Error
}

// RecordEvent appends an audit trail row (supplemented bookkeeping, see
// SPEC_FULL.md).
func (s *Store) RecordEvent(ctx context.Context, tx *gorm.DB, vault *uint64, action, details string) error {
	db := tx
	if db == nil {
		db = s.db.WithContext(ctx)
	}
	row := EventRow{Vault: vault, Action: action, Details: details, CreatedAt: s.now()}
	return db.Create(&row).Error
}

// Transaction runs fn inside a single database transaction, committing on a
// nil return and rolling back otherwise.
func (s *Store) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

// DB exposes the underlying *gorm.DB for components (DepositLedger) that
// need to compose their own locked transactions alongside Store operations.
func (s *Store) DB() *gorm.DB { return s.db }

// ErrIdempotencyMismatch reports that an Idempotency-Key was reused with a
// different request body.
var ErrIdempotencyMismatch = errors.New("store: idempotency key reused with a different request")

// LookupIdempotency returns the cached response for key if one exists and
// requestHash matches what was stored, ErrIdempotencyMismatch if the key was
// reused with a different body, or (nil, nil) on a fresh key.
func (s *Store) LookupIdempotency(ctx context.Context, key, requestHash string) (*IdempotencyKeyRow, error) {
	var row IdempotencyKeyRow
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: lookup idempotency: %w", err)
	}
	if row.RequestHash != requestHash {
		return nil, ErrIdempotencyMismatch
	}
	return &row, nil
}

// SaveIdempotency records the response produced for key, guarded by the
// primary key so a racing duplicate request inserts at most once.
func (s *Store) SaveIdempotency(ctx context.Context, key, requestHash string, status int, response []byte) error {
	row := IdempotencyKeyRow{Key: key, RequestHash: requestHash, Status: status, Response: response, CreatedAt: s.now()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}
