package store

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	s := New(db)
	if err := s.AutoMigrate(context.Background()); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return s
}

func TestGetBalanceDefaultsToZero(t *testing.T) {
	s := setupTestStore(t)
	balance, err := s.GetBalance(context.Background(), 1, "0xToken")
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance.Sign() != 0 {
		t.Fatalf("expected zero balance, got %s", balance)
	}
}

func TestSetBalanceRejectsNegative(t *testing.T) {
	s := setupTestStore(t)
	err := s.SetBalance(context.Background(), 1, "0xToken", big.NewInt(-1))
	if err == nil {
		t.Fatalf("expected error for negative balance")
	}
}

func TestApplyTransferMovesBalance(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	if err := s.SetBalance(ctx, 1, "0xToken", big.NewInt(100)); err != nil {
		t.Fatalf("seed balance: %v", err)
	}
	if err := s.ApplyTransfer(ctx, nil, 1, 2, "0xToken", big.NewInt(40)); err != nil {
		t.Fatalf("apply transfer: %v", err)
	}
	from, err := s.GetBalance(ctx, 1, "0xToken")
	if err != nil {
		t.Fatalf("get from balance: %v", err)
	}
	if from.Cmp(big.NewInt(60)) != 0 {
		t.Fatalf("expected source balance 60, got %s", from)
	}
	to, err := s.GetBalance(ctx, 2, "0xToken")
	if err != nil {
		t.Fatalf("get to balance: %v", err)
	}
	if to.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("expected destination balance 40, got %s", to)
	}
}

func TestApplyTransferFailsWhenInsufficient(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	if err := s.SetBalance(ctx, 1, "0xToken", big.NewInt(10)); err != nil {
		t.Fatalf("seed balance: %v", err)
	}
	err := s.ApplyTransfer(ctx, nil, 1, 2, "0xToken", big.NewInt(40))
	if err == nil {
		t.Fatalf("expected insufficient balance error")
	}
	var insufficient *InsufficientBalanceError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientBalanceError, got %v", err)
	}
}

func TestApplyTransferLeavesNoPartialEffectOnFailure(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	if err := s.SetBalance(ctx, 1, "0xToken", big.NewInt(10)); err != nil {
		t.Fatalf("seed balance: %v", err)
	}
	_ = s.ApplyTransfer(ctx, nil, 1, 2, "0xToken", big.NewInt(40))
	to, err := s.GetBalance(ctx, 2, "0xToken")
	if err != nil {
		t.Fatalf("get to balance: %v", err)
	}
	if to.Sign() != 0 {
		t.Fatalf("expected no credit on failed transfer, got %s", to)
	}
}

func TestCreditAccumulates(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	if err := s.Credit(ctx, nil, 1, "0xToken", big.NewInt(10)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := s.Credit(ctx, nil, 1, "0xToken", big.NewInt(5)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	balance, err := s.GetBalance(ctx, 1, "0xToken")
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance.Cmp(big.NewInt(15)) != 0 {
		t.Fatalf("expected accumulated balance 15, got %s", balance)
	}
}

func TestControllerSetRoundTrips(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	if err := s.CreateVault(ctx, nil, 1, "0xController1"); err != nil {
		t.Fatalf("create vault: %v", err)
	}
	if err := s.AddController(ctx, nil, 1, "0xController2"); err != nil {
		t.Fatalf("add controller: %v", err)
	}
	controllers, err := s.GetControllers(ctx, 1)
	if err != nil {
		t.Fatalf("get controllers: %v", err)
	}
	if len(controllers) != 2 {
		t.Fatalf("expected 2 controllers, got %v", controllers)
	}
	if err := s.RemoveController(ctx, nil, 1, "0xcontroller1"); err != nil {
		t.Fatalf("remove controller: %v", err)
	}
	controllers, err = s.GetControllers(ctx, 1)
	if err != nil {
		t.Fatalf("get controllers: %v", err)
	}
	if len(controllers) != 1 || controllers[0] != "0xcontroller2" {
		t.Fatalf("expected only 0xcontroller2 remaining, got %v", controllers)
	}
}

func TestAddControllerIsIdempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	if err := s.CreateVault(ctx, nil, 1, "0xController1"); err != nil {
		t.Fatalf("create vault: %v", err)
	}
	if err := s.AddController(ctx, nil, 1, "0xcontroller1"); err != nil {
		t.Fatalf("add controller: %v", err)
	}
	controllers, err := s.GetControllers(ctx, 1)
	if err != nil {
		t.Fatalf("get controllers: %v", err)
	}
	if len(controllers) != 1 {
		t.Fatalf("expected controller add to be idempotent, got %v", controllers)
	}
}

func TestListVaultsForMatchesController(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	if err := s.CreateVault(ctx, nil, 1, "0xShared"); err != nil {
		t.Fatalf("create vault 1: %v", err)
	}
	if err := s.CreateVault(ctx, nil, 2, "0xShared"); err != nil {
		t.Fatalf("create vault 2: %v", err)
	}
	if err := s.CreateVault(ctx, nil, 3, "0xOther"); err != nil {
		t.Fatalf("create vault 3: %v", err)
	}
	vaults, err := s.ListVaultsFor(ctx, "0xshared")
	if err != nil {
		t.Fatalf("list vaults for: %v", err)
	}
	if len(vaults) != 2 {
		t.Fatalf("expected 2 vaults for shared controller, got %v", vaults)
	}
}

func TestNextBundleNonceIncrements(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	nonce, err := s.NextBundleNonce(ctx)
	if err != nil {
		t.Fatalf("next bundle nonce: %v", err)
	}
	if nonce != 0 {
		t.Fatalf("expected first nonce 0, got %d", nonce)
	}
	if err := s.AppendBundle(ctx, nil, []byte("bundle"), 0, "0xProposer", "0xSig", "cid1"); err != nil {
		t.Fatalf("append bundle: %v", err)
	}
	nonce, err = s.NextBundleNonce(ctx)
	if err != nil {
		t.Fatalf("next bundle nonce: %v", err)
	}
	if nonce != 1 {
		t.Fatalf("expected next nonce 1, got %d", nonce)
	}
}

func TestAppendBundleIsIdempotentOnNonce(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	if err := s.AppendBundle(ctx, nil, []byte("first"), 5, "0xProposer", "0xSig", "cid1"); err != nil {
		t.Fatalf("append bundle: %v", err)
	}
	if err := s.AppendBundle(ctx, nil, []byte("second"), 5, "0xProposer", "0xSig2", "cid2"); err != nil {
		t.Fatalf("append duplicate bundle: %v", err)
	}
	var rows []BundleRow
	if err := s.db.WithContext(ctx).Where("nonce = ?", 5).Find(&rows).Error; err != nil {
		t.Fatalf("query bundles: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected exactly one bundle row for nonce 5, got %d", len(rows))
	}
}

func TestIdempotencyLookupReturnsCachedResponseOnMatch(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	if err := s.SaveIdempotency(ctx, "key-1", "hash-1", 202, []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("save idempotency: %v", err)
	}
	row, err := s.LookupIdempotency(ctx, "key-1", "hash-1")
	if err != nil {
		t.Fatalf("lookup idempotency: %v", err)
	}
	if row == nil || row.Status != 202 {
		t.Fatalf("expected cached response with status 202, got %+v", row)
	}
}

func TestIdempotencyLookupDetectsMismatch(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	if err := s.SaveIdempotency(ctx, "key-1", "hash-1", 202, []byte(`{}`)); err != nil {
		t.Fatalf("save idempotency: %v", err)
	}
	_, err := s.LookupIdempotency(ctx, "key-1", "different-hash")
	if err == nil {
		t.Fatalf("expected mismatch error")
	}
}

func TestIdempotencyLookupMissingKeyReturnsNil(t *testing.T) {
	s := setupTestStore(t)
	row, err := s.LookupIdempotency(context.Background(), "missing", "hash")
	if err != nil {
		t.Fatalf("lookup idempotency: %v", err)
	}
	if row != nil {
		t.Fatalf("expected nil row for missing key, got %+v", row)
	}
}
