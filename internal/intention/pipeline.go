// Package intention implements component C5: the six-step intention
// handling pipeline (format pre-check, signature verification, name
// resolution, full validation, authorization/admission, proof generation)
// plus the AssignDeposit and CreateVault special cases. Grounded on the
// request-verification shape of services/escrow-gateway/server.go,
// generalized from a single signed HTTP request to a signed intention
// document.
package intention

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/proposer-node/proposer/internal/metrics"
	"github.com/proposer-node/proposer/internal/nameresolver"
	"github.com/proposer-node/proposer/internal/types"
	"github.com/proposer-node/proposer/internal/validator"
)

// Submission is the wire envelope accepted at POST /intentions: the
// intention document plus the 65-byte EIP-191-style signature over its
// canonical JSON encoding.
type Submission struct {
	Intention types.Intention `json:"intention"`
	Signature string          `json:"signature"`
}

// VaultLookup is the narrow view of Store the pipeline needs for source
// vault resolution, authorization, and balance checks.
type VaultLookup interface {
	GetControllers(ctx context.Context, vault uint64) ([]string, error)
	GetBalance(ctx context.Context, vault uint64, token string) (*big.Int, error)
	VaultExists(ctx context.Context, vault uint64) (bool, error)
	ListVaultsFor(ctx context.Context, controller string) ([]uint64, error)
}

// DepositSource is the narrow view of DepositLedger the AssignDeposit
// special case needs.
type DepositSource interface {
	AllocateForAmount(ctx context.Context, depositor, token string, amount *big.Int) ([]types.DepositAllocation, error)
}

// VaultCreator is the narrow view of Store the CreateVault special case
// needs. It returns the newly assigned vault id.
type VaultCreator interface {
	NextVaultID(ctx context.Context) (uint64, error)
	CreateVault(ctx context.Context, vault uint64, controller string) error
}

// Enqueuer accepts a validated execution object for bundling (component
// C6's pending queue).
type Enqueuer interface {
	Enqueue(types.ExecutionObject) error
}

// Handler wires the six pipeline steps together.
type Handler struct {
	Vaults   VaultLookup
	Deposits DepositSource
	Creator  VaultCreator
	Resolver *nameresolver.Resolver
	Queue    Enqueuer
	Now      func() time.Time
	Metrics  *metrics.Registry
}

// New constructs a Handler with all required dependencies.
func New(vaults VaultLookup, deposits DepositSource, creator VaultCreator, resolver *nameresolver.Resolver, queue Enqueuer) *Handler {
	return &Handler{Vaults: vaults, Deposits: deposits, Creator: creator, Resolver: resolver, Queue: queue, Now: time.Now, Metrics: metrics.Get()}
}

// Result reports the outcome of a successfully admitted submission: either
// a vault was created (CreateVault) or an execution object was enqueued.
type Result struct {
	CreatedVaultID *uint64
	Execution      *types.ExecutionObject
}

// Handle runs the full six-step pipeline against submission, returning the
// admitted Result or the first error encountered. Errors are one of the
// closed types.Err* sentinels or a *types.ValidationError; callers map
// these to transport status codes at the boundary.
func (h *Handler) Handle(ctx context.Context, sub Submission) (Result, error) {
	start := h.Now()
	result, err := h.handle(ctx, sub)
	outcome := "accepted"
	if err != nil {
		outcome = "rejected"
	}
	h.Metrics.ObserveIntention(sub.Intention.Action, outcome, h.Now().Sub(start))
	return result, err
}

func (h *Handler) handle(ctx context.Context, sub Submission) (Result, error) {
	// Step 1: format pre-check, cheap enough to run before signature
	// recovery so garbage payloads never reach crypto.
	if strings.TrimSpace(sub.Intention.Action) == "" {
		return Result{}, types.NewValidationError("action", "", "must be non-empty")
	}
	if len(sub.Intention.Inputs) == 0 || len(sub.Intention.Outputs) == 0 {
		return Result{}, types.NewValidationError("inputs/outputs", "", "must be non-empty")
	}
	if sub.Signature == "" {
		return Result{}, types.NewValidationError("signature", "", "must be present")
	}

	// Step 2: signature verification over the canonical pre-mutation form.
	canonical, err := sub.Intention.CanonicalJSON()
	if err != nil {
		return Result{}, fmt.Errorf("intention: encode canonical form: %w", err)
	}
	signer, err := recoverSigner(canonical, sub.Signature)
	if err != nil {
		return Result{}, fmt.Errorf("intention: %w: %v", types.ErrSignatureInvalid, err)
	}

	// Step 3: name resolution, mutating outputs[].to_external in place.
	working := sub.Intention.Clone()
	if h.Resolver != nil {
		if err := nameresolver.ResolveIntentionNames(ctx, h.Resolver, &working); err != nil {
			return Result{}, err
		}
	}

	// Step 4: full structural and semantic validation.
	validated, err := validator.ValidateIntention(working)
	if err != nil {
		return Result{}, err
	}

	action := types.Action(validated.Action)
	if h.Now().Unix() > validated.Expiry && validated.Expiry != 0 {
		return Result{}, types.ErrIntentionExpired
	}

	switch {
	case action.IsCreateVault():
		return h.handleCreateVault(ctx, validated, signer)
	case action.IsAssignDeposit():
		return h.handleAssignDeposit(ctx, validated, signer)
	default:
		return h.handleTransfer(ctx, validated, signer)
	}
}

// resolveFromVault determines the single source vault an intention's
// inputs draw from. Each input either names its vault via from, or, when
// from is omitted, resolves it to the one vault the signer controls (spec
// §4.5.5): zero controlled vaults is NoVault, more than one is
// AmbiguousVault. Every input must agree on the resolved vault.
func (h *Handler) resolveFromVault(ctx context.Context, in types.Intention, signer string) (uint64, error) {
	var from *uint64
	for _, input := range in.Inputs {
		resolved := input.From
		if resolved == nil {
			vaults, err := h.Vaults.ListVaultsFor(ctx, signer)
			if err != nil {
				return 0, fmt.Errorf("intention: resolve source vault: %w", err)
			}
			switch len(vaults) {
			case 0:
				return 0, types.ErrNoVault
			case 1:
				v := vaults[0]
				resolved = &v
			default:
				return 0, types.ErrAmbiguousVault
			}
		}
		if from == nil {
			from = resolved
			continue
		}
		if *from != *resolved {
			return 0, types.ErrMultiSourceUnsupported
		}
	}
	return *from, nil
}

func (h *Handler) handleTransfer(ctx context.Context, in types.Intention, signer string) (Result, error) {
	fromVault, err := h.resolveFromVault(ctx, in, signer)
	if err != nil {
		return Result{}, err
	}

	// Step 5: authorization/admission.
	if err := h.authorize(ctx, fromVault, signer); err != nil {
		return Result{}, err
	}
	if err := h.checkBalances(ctx, fromVault, in.Inputs); err != nil {
		return Result{}, err
	}

	// Step 6: proof generation.
	proof := make([]types.Transfer, 0, len(in.Outputs))
	for _, output := range in.Outputs {
		amount, ok := new(big.Int).SetString(output.Amount, 10)
		if !ok {
			return Result{}, types.NewValidationError("outputs[].amount", output.Amount, "must be a base-10 integer")
		}
		proof = append(proof, types.Transfer{
			Token:       output.Asset,
			FromVaultID: fromVault,
			ToVaultID:   output.To,
			ToExternal:  derefOrEmpty(output.ToExternal),
			Amount:      amount,
		})
	}

	exec := types.ExecutionObject{Intention: in, FromVault: fromVault, Proof: proof}
	if h.Queue != nil {
		if err := h.Queue.Enqueue(exec); err != nil {
			return Result{}, err
		}
	}
	return Result{Execution: &exec}, nil
}

func (h *Handler) handleAssignDeposit(ctx context.Context, in types.Intention, signer string) (Result, error) {
	if err := validator.ValidateAssignDepositStructure(in, func(id uint64) bool {
		ok, _ := h.Vaults.VaultExists(ctx, id)
		return ok
	}); err != nil {
		return Result{}, err
	}

	proof := make([]types.Transfer, 0, len(in.Outputs))
	for idx, output := range in.Outputs {
		amount, ok := new(big.Int).SetString(output.Amount, 10)
		if !ok {
			return Result{}, types.NewValidationError("outputs[].amount", output.Amount, "must be a base-10 integer")
		}
		// Prefer a single exact-match deposit; otherwise span multiple
		// deposits in id order (spec §4.5).
		allocations, err := h.Deposits.AllocateForAmount(ctx, signer, output.Asset, amount)
		if err != nil {
			return Result{}, fmt.Errorf("intention: assign deposit input %d: %w", idx, err)
		}
		for _, alloc := range allocations {
			depositID := alloc.DepositID
			proof = append(proof, types.Transfer{
				Token:       output.Asset,
				FromVaultID: 0,
				ToVaultID:   output.To,
				Amount:      alloc.Amount,
				DepositID:   &depositID,
			})
		}
	}

	exec := types.ExecutionObject{Intention: in, FromVault: 0, Proof: proof}
	if h.Queue != nil {
		if err := h.Queue.Enqueue(exec); err != nil {
			return Result{}, err
		}
	}
	return Result{Execution: &exec}, nil
}

func (h *Handler) handleCreateVault(ctx context.Context, in types.Intention, signer string) (Result, error) {
	vaultID, err := h.Creator.NextVaultID(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("intention: create vault: next id: %w", err)
	}
	if err := h.Creator.CreateVault(ctx, vaultID, signer); err != nil {
		return Result{}, fmt.Errorf("intention: create vault: %w", err)
	}
	id := vaultID
	return Result{CreatedVaultID: &id}, nil
}

// authorize checks that signer controls vault. Per-vault intention nonces
// are not enforced strictly-monotonic here (spec §5): the bundle-commit
// step writes whatever nonce is last seen, so a resubmitted same-nonce
// intention after a lost tick stays admissible.
func (h *Handler) authorize(ctx context.Context, vault uint64, signer string) error {
	controllers, err := h.Vaults.GetControllers(ctx, vault)
	if err != nil {
		return fmt.Errorf("intention: authorize: %w", err)
	}
	if len(controllers) == 0 {
		return types.ErrNoVault
	}
	for _, c := range controllers {
		if strings.EqualFold(c, signer) {
			return nil
		}
	}
	return types.ErrUnauthorized
}

func (h *Handler) checkBalances(ctx context.Context, vault uint64, inputs []types.Input) error {
	totals := map[string]*big.Int{}
	for _, input := range inputs {
		amount, ok := new(big.Int).SetString(input.Amount, 10)
		if !ok {
			return types.NewValidationError("inputs[].amount", input.Amount, "must be a base-10 integer")
		}
		if existing, ok := totals[input.Asset]; ok {
			existing.Add(existing, amount)
		} else {
			totals[input.Asset] = new(big.Int).Set(amount)
		}
	}
	for asset, needed := range totals {
		balance, err := h.Vaults.GetBalance(ctx, vault, asset)
		if err != nil {
			return fmt.Errorf("intention: check balances: %w", err)
		}
		if balance.Cmp(needed) < 0 {
			return types.ErrInsufficientBalance
		}
	}
	return nil
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
