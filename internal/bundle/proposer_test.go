package bundle

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	proposercrypto "github.com/proposer-node/proposer/crypto"
	"github.com/proposer-node/proposer/internal/types"
)

type fakeStore struct {
	db             *gorm.DB
	nonce          uint64
	appendedBundle bool
	appendedCID    string
	transfers      []types.Transfer
	credits        []types.Transfer
	vaultNonces    map[uint64]uint64
	failAppend     error
}

func newFakeStore(t *testing.T) *fakeStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	return &fakeStore{db: db, vaultNonces: map[uint64]uint64{}}
}

func (f *fakeStore) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return fn(f.db)
}

func (f *fakeStore) NextBundleNonce(ctx context.Context) (uint64, error) {
	f.nonce++
	return f.nonce, nil
}

func (f *fakeStore) AppendBundle(ctx context.Context, tx *gorm.DB, body []byte, nonce uint64, proposer, signature, cid string) error {
	if f.failAppend != nil {
		return f.failAppend
	}
	f.appendedBundle = true
	return nil
}

func (f *fakeStore) AppendCID(ctx context.Context, tx *gorm.DB, cid string, nonce uint64, proposer string) error {
	f.appendedCID = cid
	return nil
}

func (f *fakeStore) TouchProposer(ctx context.Context, tx *gorm.DB, proposer string) error {
	return nil
}

func (f *fakeStore) RecordEvent(ctx context.Context, tx *gorm.DB, vault *uint64, action, details string) error {
	return nil
}

func (f *fakeStore) ApplyTransfer(ctx context.Context, tx *gorm.DB, fromVault, toVault uint64, token string, wei *big.Int) error {
	f.transfers = append(f.transfers, types.Transfer{FromVaultID: fromVault, ToVaultID: &toVault, Token: token, Amount: wei})
	return nil
}

func (f *fakeStore) Credit(ctx context.Context, tx *gorm.DB, vault uint64, token string, wei *big.Int) error {
	f.credits = append(f.credits, types.Transfer{ToVaultID: &vault, Token: token, Amount: wei})
	return nil
}

func (f *fakeStore) SetVaultNonce(ctx context.Context, tx *gorm.DB, vault, nonce uint64) (bool, error) {
	f.vaultNonces[vault] = nonce
	return true, nil
}

type fakeDepositAssigner struct {
	assigned []uint64
	err      error
}

func (f *fakeDepositAssigner) Assign(ctx context.Context, tx *gorm.DB, depositID uint64, vault uint64, amount *big.Int) error {
	if f.err != nil {
		return f.err
	}
	f.assigned = append(f.assigned, depositID)
	return nil
}

type fakeAnchor struct {
	txHash     string
	cid        string
	proposeErr error
	storeErr   error
}

func (f *fakeAnchor) ProposeBundle(ctx context.Context, signedBundle []byte, nonce uint64) (string, error) {
	if f.proposeErr != nil {
		return "", f.proposeErr
	}
	return f.txHash, nil
}

func (f *fakeAnchor) StorePut(ctx context.Context, data []byte) (string, error) {
	if f.storeErr != nil {
		return "", f.storeErr
	}
	return f.cid, nil
}

type fakeSink struct {
	notified bool
	nonce    uint64
	txHash   string
	cid      string
	count    int
}

func (f *fakeSink) Notify(nonce uint64, txHash, cid string, transferCount int) {
	f.notified = true
	f.nonce = nonce
	f.txHash = txHash
	f.cid = cid
	f.count = transferCount
}

func testLogger() *slog.Logger {
	return slog.Default()
}

func sampleExecution(fromVault, toVault uint64, nonce uint64) types.ExecutionObject {
	return types.ExecutionObject{
		Intention: types.Intention{Action: "Transfer", Nonce: nonce},
		FromVault: fromVault,
		Proof: []types.Transfer{
			{Token: "0xaaaa000000000000000000000000000000000a", FromVaultID: fromVault, ToVaultID: &toVault, Amount: big.NewInt(100)},
		},
	}
}

func TestTickCommitsDrainedExecutionsAndNotifies(t *testing.T) {
	key, err := proposercrypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signerID := key.PubKey().Address().String()

	store := newFakeStore(t)
	anchor := &fakeAnchor{txHash: "0xtx1", cid: "cid123"}
	sink := &fakeSink{}
	queue := NewQueue(0)
	if err := queue.Enqueue(sampleExecution(1, 2, 5)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	p := New(queue, store, nil, anchor, sink, key, signerID, time.Second, true, testLogger())
	p.tick(context.Background())

	if !store.appendedBundle {
		t.Fatalf("expected bundle to be appended")
	}
	if store.appendedCID != "cid123" {
		t.Fatalf("expected cid123 appended, got %s", store.appendedCID)
	}
	if len(store.transfers) != 1 {
		t.Fatalf("expected 1 committed transfer, got %d", len(store.transfers))
	}
	if store.vaultNonces[1] != 5 {
		t.Fatalf("expected vault 1 nonce set to 5, got %d", store.vaultNonces[1])
	}
	if !sink.notified || sink.txHash != "0xtx1" {
		t.Fatalf("expected sink notified with tx hash, got %+v", sink)
	}
	if queue.Len() != 0 {
		t.Fatalf("expected queue drained, got %d pending", queue.Len())
	}
}

// TestTickDiscardsSnapshotOnAnchorFailure covers the pre-anchor failure path:
// the drained snapshot is dropped, not re-queued, since a re-tick would
// re-propose the same executions rather than retry the lost ones.
func TestTickDiscardsSnapshotOnAnchorFailure(t *testing.T) {
	key, err := proposercrypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signerID := key.PubKey().Address().String()

	store := newFakeStore(t)
	anchor := &fakeAnchor{proposeErr: fmt.Errorf("rpc down")}
	queue := NewQueue(0)
	if err := queue.Enqueue(sampleExecution(1, 2, 5)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	p := New(queue, store, nil, anchor, nil, key, signerID, time.Second, false, testLogger())
	p.tick(context.Background())

	if store.appendedBundle {
		t.Fatalf("expected no commit on anchor failure")
	}
	if queue.Len() != 0 {
		t.Fatalf("expected drained snapshot discarded, not re-queued, got %d pending", queue.Len())
	}
}

// TestTickDiscardsSnapshotOnPostAnchorCommitFailure covers the case where
// the on-chain anchor already succeeded before the local commit failed: the
// bundle is live on-chain, so the snapshot must still be discarded rather
// than re-proposed (which would double-anchor it under a new nonce).
func TestTickDiscardsSnapshotOnPostAnchorCommitFailure(t *testing.T) {
	key, err := proposercrypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signerID := key.PubKey().Address().String()

	store := newFakeStore(t)
	store.failAppend = fmt.Errorf("db unavailable")
	anchor := &fakeAnchor{txHash: "0xtx5"}
	queue := NewQueue(0)
	if err := queue.Enqueue(sampleExecution(1, 2, 5)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	p := New(queue, store, nil, anchor, nil, key, signerID, time.Second, false, testLogger())
	p.tick(context.Background())

	if store.appendedBundle {
		t.Fatalf("expected append to have failed")
	}
	if queue.Len() != 0 {
		t.Fatalf("expected drained snapshot discarded after post-anchor failure, got %d pending", queue.Len())
	}
}

func TestTickSkipsPinningWhenDisabled(t *testing.T) {
	key, err := proposercrypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signerID := key.PubKey().Address().String()

	store := newFakeStore(t)
	anchor := &fakeAnchor{txHash: "0xtx2", cid: "should-not-be-used"}
	sink := &fakeSink{}
	queue := NewQueue(0)
	if err := queue.Enqueue(sampleExecution(1, 2, 1)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	p := New(queue, store, nil, anchor, sink, key, signerID, time.Second, false, testLogger())
	p.tick(context.Background())

	if store.appendedCID != "" {
		t.Fatalf("expected no cid appended with pinning disabled, got %s", store.appendedCID)
	}
	if sink.cid != "" {
		t.Fatalf("expected sink notified with empty cid, got %s", sink.cid)
	}
}

func TestTickIsNoOpWhenQueueEmpty(t *testing.T) {
	key, err := proposercrypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signerID := key.PubKey().Address().String()

	store := newFakeStore(t)
	anchor := &fakeAnchor{txHash: "0xtx3"}
	queue := NewQueue(0)

	p := New(queue, store, nil, anchor, nil, key, signerID, time.Second, true, testLogger())
	p.tick(context.Background())

	if store.appendedBundle {
		t.Fatalf("expected no commit when queue is empty")
	}
}

func TestApplyTransferWithDepositIDCreditsViaDepositAssigner(t *testing.T) {
	key, err := proposercrypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signerID := key.PubKey().Address().String()

	store := newFakeStore(t)
	deposits := &fakeDepositAssigner{}
	anchor := &fakeAnchor{txHash: "0xtx4"}
	queue := NewQueue(0)

	depositID := uint64(11)
	toVault := uint64(3)
	exec := types.ExecutionObject{
		Intention: types.Intention{Action: "AssignDeposit", Nonce: 1},
		FromVault: 0,
		Proof: []types.Transfer{
			{Token: "0xaaaa000000000000000000000000000000000a", ToVaultID: &toVault, Amount: big.NewInt(50), DepositID: &depositID},
		},
	}
	if err := queue.Enqueue(exec); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	p := New(queue, store, deposits, anchor, nil, key, signerID, time.Second, false, testLogger())
	p.tick(context.Background())

	if len(deposits.assigned) != 1 || deposits.assigned[0] != depositID {
		t.Fatalf("expected deposit %d assigned, got %+v", depositID, deposits.assigned)
	}
	if len(store.credits) != 1 {
		t.Fatalf("expected a single credit recorded, got %d", len(store.credits))
	}
}
