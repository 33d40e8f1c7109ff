package validator

import (
	"strings"

	"github.com/proposer-node/proposer/internal/types"
)

// ValidateIntention runs the structural and semantic checks of spec §4.1 and
// returns a normalized copy (addresses lowercased, amounts checked) or the
// first ValidationError encountered.
func ValidateIntention(in types.Intention) (types.Intention, error) {
	out := in.Clone()

	if strings.TrimSpace(out.Action) == "" {
		return out, types.NewValidationError("action", out.Action, "must be non-empty")
	}
	if len(out.Inputs) == 0 {
		return out, types.NewValidationError("inputs", "", "must be non-empty")
	}
	if len(out.Outputs) == 0 {
		return out, types.NewValidationError("outputs", "", "must be non-empty")
	}

	for idx := range out.Inputs {
		input := &out.Inputs[idx]
		addr, err := Address("inputs[].asset", input.Asset)
		if err != nil {
			return out, err
		}
		input.Asset = addr
		amount, err := NonNegativeAmount("inputs[].amount", input.Amount)
		if err != nil {
			return out, err
		}
		input.Amount = amount
	}

	for idx := range out.Outputs {
		output := &out.Outputs[idx]
		if !output.HasExactlyOneDestination() {
			return out, types.NewValidationError("outputs[]", "", "exactly one of to/to_external is required")
		}
		addr, err := Address("outputs[].asset", output.Asset)
		if err != nil {
			return out, err
		}
		output.Asset = addr
		amount, err := NonNegativeAmount("outputs[].amount", output.Amount)
		if err != nil {
			return out, err
		}
		output.Amount = amount
		if output.ToExternal != nil {
			normalized := strings.ToLower(strings.TrimSpace(*output.ToExternal))
			output.ToExternal = &normalized
		}
	}

	for _, fees := range [][]types.FeeEntry{out.TotalFee, out.ProposerTip, out.ProtocolFee, out.AgentTip} {
		for _, fee := range fees {
			if _, err := Amount("fee.amount", fee.Amount); err != nil {
				return out, err
			}
		}
	}

	return out, nil
}

// ValidateAssignDepositStructure enforces the additional structural policy
// of spec §4.1 for AssignDeposit intentions: paired inputs/outputs, per-index
// equality, vault-only destinations, and all-zero fees. It must run before
// admission and assumes ValidateIntention has already normalized the copy.
func ValidateAssignDepositStructure(in types.Intention, knownVaultID func(uint64) bool) error {
	if len(in.Inputs) != len(in.Outputs) {
		return types.NewValidationError("inputs/outputs", "", "AssignDeposit requires |inputs| == |outputs|")
	}
	for idx := range in.Inputs {
		input := in.Inputs[idx]
		output := in.Outputs[idx]
		if input.Asset != output.Asset {
			return types.NewValidationError("outputs[].asset", output.Asset, "must equal the paired input asset")
		}
		if input.Amount != output.Amount {
			return types.NewValidationError("outputs[].amount", output.Amount, "must equal the paired input amount")
		}
		if input.ChainID != output.ChainID {
			return types.NewValidationError("outputs[].chain_id", "", "must equal the paired input chain_id")
		}
		if output.To == nil {
			return types.NewValidationError("outputs[].to", "", "AssignDeposit outputs must target a vault id")
		}
		if knownVaultID != nil && !knownVaultID(*output.To) {
			return types.NewValidationError("outputs[].to", "", "vault id is not known on-chain")
		}
	}
	for _, fee := range in.TotalFee {
		if !fee.IsZero() {
			return types.NewValidationError("totalFee.amount", fee.Amount, "AssignDeposit requires all fees to be zero")
		}
	}
	for _, fees := range [][]types.FeeEntry{in.ProposerTip, in.ProtocolFee, in.AgentTip} {
		if len(fees) != 0 {
			return types.NewValidationError("fees", "", "AssignDeposit requires proposerTip/protocolFee/agentTip to be empty")
		}
	}
	return nil
}

// ValidateBundle checks the minimal structural requirements on a bundle
// before it is persisted: a non-nil body and a validated nonce.
func ValidateBundle(b types.Bundle) error {
	if b.Executions == nil {
		return types.NewValidationError("bundle", "", "body must be non-nil")
	}
	return nil
}
