// Package types defines the wire and execution data model shared across the
// proposer pipeline: submitted intentions, the transfers they resolve to,
// bundles, and the deposit/assignment bookkeeping that backs AssignDeposit.
package types

import (
	"encoding/json"
	"fmt"
	"math/big"
)

// Action enumerates the recognised intention action labels. Any other
// non-empty string is accepted and carried through as a custom action; only
// AssignDeposit and CreateVault receive special handling in the pipeline.
type Action string

const (
	ActionTransfer      Action = "Transfer"
	ActionSwap          Action = "Swap"
	ActionAssignDeposit Action = "AssignDeposit"
	ActionCreateVault   Action = "CreateVault"
)

// IsAssignDeposit reports whether the action triggers the AssignDeposit
// special case in IntentionHandler.
func (a Action) IsAssignDeposit() bool { return a == ActionAssignDeposit }

// IsCreateVault reports whether the action triggers the CreateVault special
// case in IntentionHandler.
func (a Action) IsCreateVault() bool { return a == ActionCreateVault }

// FeeEntry annotates a fee amount against one or more asset symbols. Symbols
// are free-form ("ETH", "USDC") rather than chain addresses.
type FeeEntry struct {
	Asset  []string `json:"asset"`
	Amount string   `json:"amount"`
}

// IsZero reports whether the fee entry carries a literal "0" amount, used by
// the AssignDeposit structural policy which requires all fees to be zero.
func (f FeeEntry) IsZero() bool {
	return f.Amount == "" || f.Amount == "0"
}

// Input describes one leg of an intention's requested spend.
type Input struct {
	Asset   string          `json:"asset"`
	Amount  string          `json:"amount"`
	ChainID uint64          `json:"chain_id"`
	From    *uint64         `json:"from,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Output describes one leg of an intention's requested destination. Exactly
// one of To (an internal vault id) or ToExternal (an address or, pre
// resolution, a human-readable name) must be set.
type Output struct {
	Asset      string          `json:"asset"`
	Amount     string          `json:"amount"`
	ChainID    uint64          `json:"chain_id"`
	To         *uint64         `json:"to,omitempty"`
	ToExternal *string         `json:"to_external,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// HasExactlyOneDestination reports whether exactly one of To/ToExternal is set.
func (o Output) HasExactlyOneDestination() bool {
	return (o.To != nil) != (o.ToExternal != nil)
}

// Intention is the submitted, signed statement of desired state change.
// Field order is part of its canonical serialization (§6): it must not be
// reordered without updating every signature produced against it.
type Intention struct {
	Action      string     `json:"action"`
	Nonce       uint64     `json:"nonce"`
	Expiry      int64      `json:"expiry"`
	Inputs      []Input    `json:"inputs"`
	Outputs     []Output   `json:"outputs"`
	TotalFee    []FeeEntry `json:"totalFee"`
	ProposerTip []FeeEntry `json:"proposerTip"`
	ProtocolFee []FeeEntry `json:"protocolFee"`
	AgentTip    []FeeEntry `json:"agentTip,omitempty"`
}

// CanonicalJSON produces the deterministic UTF-8 representation used both
// for signature verification (over the pre-mutation form) and for the
// post-resolution validated copy. Struct field order is fixed, so
// encoding/json already yields a stable byte sequence; RawMessage fields are
// carried through verbatim rather than re-encoded.
func (i Intention) CanonicalJSON() ([]byte, error) {
	b, err := json.Marshal(i)
	if err != nil {
		return nil, fmt.Errorf("types: canonical intention encode: %w", err)
	}
	return b, nil
}

// Clone returns a deep copy so name resolution (which mutates in place) never
// aliases the caller's original intention.
func (i Intention) Clone() Intention {
	out := i
	out.Inputs = append([]Input(nil), i.Inputs...)
	out.Outputs = append([]Output(nil), i.Outputs...)
	out.TotalFee = append([]FeeEntry(nil), i.TotalFee...)
	out.ProposerTip = append([]FeeEntry(nil), i.ProposerTip...)
	out.ProtocolFee = append([]FeeEntry(nil), i.ProtocolFee...)
	out.AgentTip = append([]FeeEntry(nil), i.AgentTip...)
	for idx := range out.Outputs {
		if i.Outputs[idx].To != nil {
			v := *i.Outputs[idx].To
			out.Outputs[idx].To = &v
		}
		if i.Outputs[idx].ToExternal != nil {
			v := *i.Outputs[idx].ToExternal
			out.Outputs[idx].ToExternal = &v
		}
	}
	for idx := range out.Inputs {
		if i.Inputs[idx].From != nil {
			v := *i.Inputs[idx].From
			out.Inputs[idx].From = &v
		}
	}
	return out
}

// Transfer is a single concrete movement of value implied by a validated
// intention: either to another vault or to an external address. AssignDeposit
// proofs additionally populate DepositID.
type Transfer struct {
	Token       string   `json:"token"`
	FromVaultID uint64   `json:"from"`
	ToVaultID   *uint64  `json:"to,omitempty"`
	ToExternal  string   `json:"to_external,omitempty"`
	Amount      *big.Int `json:"amount"`
	DepositID   *uint64  `json:"deposit_id,omitempty"`
}

type transferWire struct {
	Token       string  `json:"token"`
	FromVaultID uint64  `json:"from"`
	ToVaultID   *uint64 `json:"to,omitempty"`
	ToExternal  string  `json:"to_external,omitempty"`
	Amount      string  `json:"amount"`
	DepositID   *uint64 `json:"deposit_id,omitempty"`
}

// MarshalJSON renders the wei amount as a decimal string so canonical
// encodings never depend on json's float handling of big integers.
func (t Transfer) MarshalJSON() ([]byte, error) {
	amount := "0"
	if t.Amount != nil {
		amount = t.Amount.String()
	}
	return json.Marshal(transferWire{
		Token:       t.Token,
		FromVaultID: t.FromVaultID,
		ToVaultID:   t.ToVaultID,
		ToExternal:  t.ToExternal,
		Amount:      amount,
		DepositID:   t.DepositID,
	})
}

// UnmarshalJSON parses the wei amount back into a *big.Int.
func (t *Transfer) UnmarshalJSON(data []byte) error {
	var wire transferWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	amount, ok := new(big.Int).SetString(wire.Amount, 10)
	if !ok {
		return fmt.Errorf("types: invalid transfer amount %q", wire.Amount)
	}
	t.Token = wire.Token
	t.FromVaultID = wire.FromVaultID
	t.ToVaultID = wire.ToVaultID
	t.ToExternal = wire.ToExternal
	t.Amount = amount
	t.DepositID = wire.DepositID
	return nil
}

// Destination renders the transfer's destination for logging/proof output:
// the vault id if internal, else the external address.
func (t Transfer) Destination() string {
	if t.ToVaultID != nil {
		return fmt.Sprintf("%d", *t.ToVaultID)
	}
	return t.ToExternal
}

// ExecutionObject is a validated intention plus the proof of transfers it
// resolved to. This is what actually commits to a bundle.
type ExecutionObject struct {
	Intention Intention  `json:"intention"`
	FromVault uint64     `json:"from"`
	Proof     []Transfer `json:"proof"`
	Signature []byte     `json:"signature"`
}

// Bundle is a nonce-ordered, proposer-signed collection of executions.
type Bundle struct {
	Executions []ExecutionObject `json:"bundle"`
	Nonce      uint64            `json:"nonce"`
}

// bundleWire mirrors the wire format named in spec §6: canonical JSON of
// {bundle: execution[], nonce: int}.
type bundleWire struct {
	Bundle []ExecutionObject `json:"bundle"`
	Nonce  uint64            `json:"nonce"`
}

// CanonicalJSON produces the pre-gzip payload the proposer signs.
func (b Bundle) CanonicalJSON() ([]byte, error) {
	wire := bundleWire{Bundle: b.Executions, Nonce: b.Nonce}
	out, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("types: canonical bundle encode: %w", err)
	}
	return out, nil
}

// ContentID maps a content-store identifier to the bundle it represents.
type ContentID struct {
	CID         string `json:"cid"`
	BundleNonce uint64 `json:"nonce"`
	Proposer    string `json:"proposer"`
}
