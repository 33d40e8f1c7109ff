// Package bundle implements component C6: the periodic bundle proposer
// tick. Grounded on the single-flight periodic tick idiom of
// services/escrow-gateway/watcher.go (a ticker guarded against overlapping
// runs) and the domain-prefixed digest-then-sign idiom of
// native/swap/voucher.go's VoucherV1.Hash, generalized from a single
// voucher to a nonce-ordered bundle of executions.
package bundle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"gorm.io/gorm"

	proposercrypto "github.com/proposer-node/proposer/crypto"
	"github.com/proposer-node/proposer/internal/codec"
	"github.com/proposer-node/proposer/internal/metrics"
	"github.com/proposer-node/proposer/internal/notify"
	"github.com/proposer-node/proposer/internal/types"
)

// BundleDomainV1 prefixes every bundle digest, mirroring
// native/swap.VoucherDomainV1's role of binding a signature to one message
// format and version.
const BundleDomainV1 = "INTENTION_BUNDLE_V1"

// Store is the narrow persistence surface the proposer tick needs to commit
// a bundle transactionally.
type Store interface {
	Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error
	NextBundleNonce(ctx context.Context) (uint64, error)
	AppendBundle(ctx context.Context, tx *gorm.DB, body []byte, nonce uint64, proposer, signature, cid string) error
	AppendCID(ctx context.Context, tx *gorm.DB, cid string, nonce uint64, proposer string) error
	TouchProposer(ctx context.Context, tx *gorm.DB, proposer string) error
	RecordEvent(ctx context.Context, tx *gorm.DB, vault *uint64, action, details string) error
	ApplyTransfer(ctx context.Context, tx *gorm.DB, fromVault, toVault uint64, token string, wei *big.Int) error
	Credit(ctx context.Context, tx *gorm.DB, vault uint64, token string, wei *big.Int) error
	SetVaultNonce(ctx context.Context, tx *gorm.DB, vault, nonce uint64) (bool, error)
}

// DepositAssigner is the narrow view of DepositLedger the commit step needs
// to consume AssignDeposit proofs.
type DepositAssigner interface {
	Assign(ctx context.Context, tx *gorm.DB, depositID uint64, vault uint64, amount *big.Int) error
}

// Anchor is the narrow view of the chain gateway the proposer needs.
type Anchor interface {
	ProposeBundle(ctx context.Context, signedBundle []byte, nonce uint64) (txHash string, err error)
	StorePut(ctx context.Context, data []byte) (cid string, err error)
}

// EventSink receives a BundleProposed notification after a successful
// commit; implemented by internal/notify.Notifier.
type EventSink interface {
	Notify(nonce uint64, txHash, cid string, transferCount int)
}

// Proposer owns the pending-execution queue and the periodic tick that
// assembles, signs, anchors, and commits a bundle.
type Proposer struct {
	queue    *Queue
	store    Store
	deposits DepositAssigner
	anchor   Anchor
	sink     EventSink
	signer   *proposercrypto.PrivateKey
	signerID string
	logger   *slog.Logger

	tickInterval time.Duration
	pinEnabled   bool
	inFlight     atomic.Bool
	mu           sync.Mutex
	metrics      *metrics.Registry
}

// New constructs a Proposer. signer is the proposer's private key; signerID
// is its canonical lowercase hex address. Pinning the bundle body to the
// content store is best-effort and can be disabled via pinEnabled (spec §6
// PIN_ENABLED).
func New(queue *Queue, store Store, deposits DepositAssigner, anchor Anchor, sink EventSink, signer *proposercrypto.PrivateKey, signerID string, tickInterval time.Duration, pinEnabled bool, logger *slog.Logger) *Proposer {
	if tickInterval <= 0 {
		tickInterval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Proposer{
		queue:        queue,
		store:        store,
		deposits:     deposits,
		anchor:       anchor,
		sink:         sink,
		signer:       signer,
		signerID:     signerID,
		logger:       logger,
		tickInterval: tickInterval,
		pinEnabled:   pinEnabled,
		metrics:      metrics.Get(),
	}
}

// Run drives the periodic tick until ctx is cancelled. Single-flight: a slow
// tick never overlaps with the next scheduled one.
func (p *Proposer) Run(ctx context.Context) {
	ticker := time.NewTicker(p.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Proposer) tick(ctx context.Context) {
	if !p.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer p.inFlight.Store(false)

	executions := p.queue.Drain()
	if len(executions) == 0 {
		return
	}

	start := time.Now()
	if err := p.proposeBundle(ctx, executions); err != nil {
		// The drained snapshot is discarded on any failure, not re-queued:
		// re-proposing it would re-anchor under a new bundle nonce, and if
		// the anchor call below already succeeded that means double-spending
		// the same transfers on-chain under two nonces.
		if isPostAnchorFailure(err) {
			p.logger.Error("bundle: tick failed after on-chain anchor succeeded, manual replay required", "error", err, "count", len(executions))
		} else {
			p.logger.Error("bundle: tick failed, discarding drained executions", "error", err, "count", len(executions))
		}
		p.metrics.ObserveTick("failed", 0, time.Since(start))
		return
	}
	p.metrics.ObserveTick("committed", countTransfers(executions), time.Since(start))
}

func (p *Proposer) proposeBundle(ctx context.Context, executions []types.ExecutionObject) error {
	nonce, err := p.store.NextBundleNonce(ctx)
	if err != nil {
		return fmt.Errorf("bundle: next nonce: %w", err)
	}

	b := types.Bundle{Executions: executions, Nonce: nonce}
	canonical, err := b.CanonicalJSON()
	if err != nil {
		return fmt.Errorf("bundle: canonical encode: %w", err)
	}

	signature, err := p.sign(canonical)
	if err != nil {
		return fmt.Errorf("bundle: sign: %w", err)
	}

	encoded, err := codec.EncodeBundle(canonical)
	if err != nil {
		return fmt.Errorf("bundle: encode: %w", err)
	}

	txHash, err := p.anchor.ProposeBundle(ctx, []byte(encoded), nonce)
	if err != nil {
		return fmt.Errorf("bundle: anchor: %w", err)
	}

	// Once the anchor call above succeeds, the bundle is live on-chain under
	// nonce: any failure past this point is no longer retryable by re-tick,
	// since re-proposing would anchor the same executions again under a new
	// nonce. Wrap it so the caller can escalate instead of discarding quietly.
	var cid string
	if p.pinEnabled {
		cid = notify.Pin(ctx, p.anchor, p.logger, []byte(encoded))
	}

	err = p.store.Transaction(ctx, func(tx *gorm.DB) error {
		if err := p.commitExecutions(ctx, tx, executions); err != nil {
			return err
		}
		if err := p.store.AppendBundle(ctx, tx, canonical, nonce, p.signerID, signature, cid); err != nil {
			return fmt.Errorf("append bundle: %w", err)
		}
		if cid != "" {
			if err := p.store.AppendCID(ctx, tx, cid, nonce, p.signerID); err != nil {
				return fmt.Errorf("append cid: %w", err)
			}
		}
		if err := p.store.TouchProposer(ctx, tx, p.signerID); err != nil {
			return fmt.Errorf("touch proposer: %w", err)
		}
		return p.store.RecordEvent(ctx, tx, nil, "BUNDLE_PROPOSED", fmt.Sprintf("nonce=%d tx=%s executions=%d", nonce, txHash, len(executions)))
	})
	if err != nil {
		return &postAnchorError{fmt.Errorf("bundle: commit (nonce=%d cid=%s tx=%s): %w", nonce, cid, txHash, err)}
	}

	if p.sink != nil {
		p.sink.Notify(nonce, txHash, cid, countTransfers(executions))
	}
	return nil
}

// postAnchorError marks a proposeBundle failure that occurred after the
// on-chain anchor call already succeeded, so the tick escalates instead of
// silently discarding: the bundle (n, cid) needs an operator-driven replay
// of the local commit, not a re-propose.
type postAnchorError struct {
	err error
}

func (e *postAnchorError) Error() string { return e.err.Error() }
func (e *postAnchorError) Unwrap() error { return e.err }

func isPostAnchorFailure(err error) bool {
	var pae *postAnchorError
	return errors.As(err, &pae)
}

func (p *Proposer) commitExecutions(ctx context.Context, tx *gorm.DB, executions []types.ExecutionObject) error {
	lastNonce := map[uint64]uint64{}
	for _, exec := range executions {
		for _, transfer := range exec.Proof {
			if err := p.applyTransfer(ctx, tx, transfer); err != nil {
				return err
			}
		}
		if exec.FromVault != 0 {
			lastNonce[exec.FromVault] = exec.Intention.Nonce
		}
	}
	for vault, nonce := range lastNonce {
		ok, err := p.store.SetVaultNonce(ctx, tx, vault, nonce)
		if err != nil {
			return fmt.Errorf("set vault nonce: %w", err)
		}
		if !ok {
			p.logger.Error("bundle: set vault nonce found no vault row", "vault", vault, "nonce", nonce)
		}
	}
	return nil
}

func (p *Proposer) applyTransfer(ctx context.Context, tx *gorm.DB, transfer types.Transfer) error {
	if transfer.DepositID != nil {
		if p.deposits == nil {
			return fmt.Errorf("bundle: deposit-backed transfer with no deposit ledger wired")
		}
		if err := p.deposits.Assign(ctx, tx, *transfer.DepositID, destVault(transfer), transfer.Amount); err != nil {
			return fmt.Errorf("assign deposit: %w", err)
		}
		return p.store.Credit(ctx, tx, destVault(transfer), transfer.Token, transfer.Amount)
	}
	if transfer.ToVaultID != nil {
		return p.store.ApplyTransfer(ctx, tx, transfer.FromVaultID, *transfer.ToVaultID, transfer.Token, transfer.Amount)
	}
	// External destination: the funds leave the proposer's accounting domain
	// once anchored, so the credit leg goes to the external sink vault.
	return p.store.ApplyTransfer(ctx, tx, transfer.FromVaultID, externalSinkVault, transfer.Token, transfer.Amount)
}

// externalSinkVault accumulates balances that left the vault system for an
// external address; it exists purely so ApplyTransfer's debit/credit pair
// stays symmetric without a special-cased external ledger table.
const externalSinkVault = 0

func destVault(t types.Transfer) uint64 {
	if t.ToVaultID != nil {
		return *t.ToVaultID
	}
	return externalSinkVault
}

func countTransfers(executions []types.ExecutionObject) int {
	total := 0
	for _, exec := range executions {
		total += len(exec.Proof)
	}
	return total
}

func (p *Proposer) sign(canonicalBundleJSON []byte) (string, error) {
	payload := append([]byte(BundleDomainV1+"|"), canonicalBundleJSON...)
	msgHash := ethcrypto.Keccak256(payload)
	digest := accounts.TextHash(msgHash)
	sig, err := p.signer.Sign(digest)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", sig), nil
}
