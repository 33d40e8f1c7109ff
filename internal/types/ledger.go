package types

import (
	"math/big"
	"time"
)

// Vault is a numbered, controller-gated balance container. Once created its
// id is stable; it is never destroyed.
type Vault struct {
	ID          uint64
	Controllers []string
	Rules       *string
	Nonce       uint64
}

// Balance is the non-negative wei-scale holding of one token in one vault.
type Balance struct {
	VaultID uint64
	Token   string
	Wei     *big.Int
}

// Deposit is an externally observed transfer into the vault tracker
// contract. Append-only and discovered idempotently on TransferUID.
type Deposit struct {
	ID          uint64
	TxHash      string
	TransferUID string
	ChainID     uint64
	Depositor   string
	Token       string
	Amount      *big.Int
	AssignedAt  *time.Time
}

// Remaining returns the unassigned portion of the deposit given the sum of
// its assignment events.
func (d Deposit) Remaining(assigned *big.Int) *big.Int {
	if assigned == nil {
		return new(big.Int).Set(d.Amount)
	}
	return new(big.Int).Sub(d.Amount, assigned)
}

// AssignmentEvent records a partial or full crediting of a deposit to a
// vault. The sum of a deposit's assignment events never exceeds its amount.
type AssignmentEvent struct {
	ID            uint64
	DepositID     uint64
	Amount        *big.Int
	CreditedVault uint64
	CreatedAt     time.Time
}

// DepositAllocation is one deposit's contribution toward satisfying an
// AssignDeposit output amount, produced by planning a fill across one or
// more deposits in id order.
type DepositAllocation struct {
	DepositID uint64
	Amount    *big.Int
}
