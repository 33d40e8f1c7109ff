// Package validator implements the pure structural and semantic checks on
// intentions, bundles, addresses, signatures, and balances (component C1).
// Every exported function is side-effect free: it returns a normalized copy
// or a *types.ValidationError, never performs I/O.
package validator

import (
	"regexp"
	"strings"

	ethcommon "github.com/ethereum/go-ethereum/common"

	"github.com/proposer-node/proposer/internal/types"
)

var amountPattern = regexp.MustCompile(`^\d{1,60}(\.\d{0,18})?$`)

// Address accepts canonical 20-byte hex, with or without a "0x" prefix, and
// returns the lowercase hex form.
func Address(field, value string) (string, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	trimmed = strings.TrimPrefix(trimmed, "0X")
	if len(trimmed) != 40 || !ethcommon.IsHexAddress(trimmed) {
		return "", types.NewValidationError(field, value, "must be a 20-byte hex address")
	}
	return strings.ToLower(ethcommon.HexToAddress(trimmed).Hex()), nil
}

// Signature accepts a 65-byte hex-encoded EIP-191-style signature and
// returns it normalized: lowercase hex with any "0x" prefix removed
// (callers decode via hex as needed).
func Signature(field, value string) (string, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	trimmed = strings.TrimPrefix(trimmed, "0X")
	if len(trimmed) != 130 {
		return "", types.NewValidationError(field, value, "must be a 65-byte hex signature")
	}
	if !isHex(trimmed) {
		return "", types.NewValidationError(field, value, "must be hex-encoded")
	}
	return strings.ToLower(trimmed), nil
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

// Amount validates a decimal wei-scale amount string against the
// NUMERIC(78,18) precision bound and rejects negative values (the regex
// already excludes a leading '-', so this only guards against an empty
// match).
func Amount(field, value string) (string, error) {
	if !amountPattern.MatchString(value) {
		return "", types.NewValidationError(field, value, "must match ^\\d{1,60}(\\.\\d{0,18})?$")
	}
	return value, nil
}

// NonNegativeAmount validates an amount string and additionally rejects the
// literal zero value, used for transfer legs where a zero-amount transfer
// carries no effect and is rejected per spec boundary behavior.
func NonNegativeAmount(field, value string) (string, error) {
	normalized, err := Amount(field, value)
	if err != nil {
		return "", err
	}
	if isZeroAmount(normalized) {
		return "", types.NewValidationError(field, value, "must be non-zero")
	}
	return normalized, nil
}

func isZeroAmount(amount string) bool {
	for _, r := range amount {
		if r != '0' && r != '.' {
			return false
		}
	}
	return true
}

// ID validates a non-negative integer identifier or nonce. Since the wire
// type is already an unsigned integer, this exists for symmetry with the
// spec's field-level contract and for id fields still carried as strings.
func ID(field string, value int64) (uint64, error) {
	if value < 0 {
		return 0, types.NewValidationError(field, "", "must be a non-negative integer")
	}
	return uint64(value), nil
}
