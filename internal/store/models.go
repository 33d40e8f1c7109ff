// Package store implements the transactional relational persistence layer
// (component C3): balances, vault/controller mappings, nonces, bundles,
// CIDs, deposits, and assignment events. Grounded on
// services/otc-gateway/models (schema shape) and
// services/otc-gateway/funding/processor.go (locked transactional
// read-modify-write idiom).
package store

import "time"

// VaultRow persists a vault's controller set, opaque rules, and nonce.
// Unique on Vault.
type VaultRow struct {
	Vault       uint64 `gorm:"primaryKey"`
	Controllers string `gorm:"type:text"` // comma-joined lowercase addresses
	Rules       string `gorm:"type:text"`
	Nonce       uint64 `gorm:"not null;default:0"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (VaultRow) TableName() string { return "vaults" }

// BalanceRow persists one (vault, token) balance. Unique on
// (LOWER(vault), LOWER(token)); token is stored already lowercased so the
// uniqueness constraint is expressible as a plain composite index.
type BalanceRow struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	Vault     uint64 `gorm:"uniqueIndex:idx_balance_vault_token"`
	Token     string `gorm:"size:64;uniqueIndex:idx_balance_vault_token"`
	Balance   string `gorm:"type:numeric(78,0);not null;default:0"` // wei, base-10 string
	Timestamp time.Time
}

func (BalanceRow) TableName() string { return "balances" }

// BundleRow persists a published bundle body and its anchor metadata.
type BundleRow struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	Bundle    []byte `gorm:"type:bytea"`
	Nonce     uint64 `gorm:"uniqueIndex"`
	Proposer  string `gorm:"size:42;index"`
	Signature string `gorm:"type:text"`
	IPFSCID   string `gorm:"size:128;index"`
	Timestamp time.Time
}

func (BundleRow) TableName() string { return "bundles" }

// CIDRow persists the mapping from a content identifier to the bundle nonce
// and proposer that produced it.
type CIDRow struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	CID       string `gorm:"size:128;uniqueIndex:idx_cid_nonce_proposer"`
	Nonce     uint64 `gorm:"uniqueIndex:idx_cid_nonce_proposer"`
	Proposer  string `gorm:"size:42;uniqueIndex:idx_cid_nonce_proposer"`
	Timestamp time.Time
}

func (CIDRow) TableName() string { return "cids" }

// DepositRow persists one externally observed deposit. Append-only.
type DepositRow struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	TxHash      string `gorm:"size:80;index"`
	TransferUID string `gorm:"size:128;uniqueIndex"`
	ChainID     uint64 `gorm:"index"`
	Depositor   string `gorm:"size:42;index"`
	Token       string `gorm:"size:64;index"`
	Amount      string `gorm:"type:numeric(78,0);not null"`
	AssignedAt  *time.Time
	CreatedAt   time.Time
}

func (DepositRow) TableName() string { return "deposits" }

// AssignmentEventRow persists one (partial) crediting of a deposit.
type AssignmentEventRow struct {
	ID            uint64 `gorm:"primaryKey;autoIncrement"`
	DepositID     uint64 `gorm:"index"`
	Amount        string `gorm:"type:numeric(78,0);not null"`
	CreditedVault uint64 `gorm:"index"`
	CreatedAt     time.Time
}

func (AssignmentEventRow) TableName() string { return "deposit_assignment_events" }

// ProposerRow tracks the last time a proposer address completed a tick
// (supplemented bookkeeping, see SPEC_FULL.md).
type ProposerRow struct {
	Proposer string `gorm:"primaryKey;size:42"`
	LastSeen time.Time
}

func (ProposerRow) TableName() string { return "proposers" }

// EventRow is the audit trail row written for each completed bundle tick
// (supplemented bookkeeping, see SPEC_FULL.md).
type EventRow struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	Vault     *uint64
	Action    string `gorm:"size:64"`
	Details   string `gorm:"type:text"`
	CreatedAt time.Time
}

func (EventRow) TableName() string { return "events" }

// IdempotencyKeyRow backs optional submission idempotency (supplemented
// feature, see SPEC_FULL.md).
type IdempotencyKeyRow struct {
	Key         string `gorm:"primaryKey;size:128"`
	RequestHash string `gorm:"size:64"`
	Status      int
	Response    []byte `gorm:"type:bytea"`
	CreatedAt   time.Time
}

func (IdempotencyKeyRow) TableName() string { return "idempotency_keys" }

// AllModels lists every row type for AutoMigrate.
func AllModels() []interface{} {
	return []interface{}{
		&VaultRow{},
		&BalanceRow{},
		&BundleRow{},
		&CIDRow{},
		&DepositRow{},
		&AssignmentEventRow{},
		&ProposerRow{},
		&EventRow{},
		&IdempotencyKeyRow{},
	}
}
