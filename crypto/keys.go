// Package crypto wraps secp256k1 key management for the proposer node:
// generating and loading the proposer's signing key, and deriving the
// canonical lowercase-hex address it signs with.
package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"strings"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Address is a 20-byte identity rendered as canonical lowercase hex, matching
// the controller/proposer address format required by spec §4.1 (not the
// bech32 human-readable encoding used elsewhere in this codebase's ancestry).
type Address struct {
	bytes [20]byte
}

// NewAddress validates and wraps a 20-byte address.
func NewAddress(b []byte) (Address, error) {
	if len(b) != 20 {
		return Address{}, fmt.Errorf("crypto: address must be 20 bytes, got %d", len(b))
	}
	var a Address
	copy(a.bytes[:], b)
	return a, nil
}

// MustNewAddress constructs an address and panics if the input is invalid.
func MustNewAddress(b []byte) Address {
	a, err := NewAddress(b)
	if err != nil {
		panic(err)
	}
	return a
}

// String renders the canonical lowercase hex form, "0x"-prefixed.
func (a Address) String() string {
	return strings.ToLower(ethcommon.BytesToAddress(a.bytes[:]).Hex())
}

// Bytes returns a copy of the raw 20 address bytes.
func (a Address) Bytes() []byte {
	out := make([]byte, 20)
	copy(out, a.bytes[:])
	return out
}

// DecodeAddress accepts canonical hex with or without a "0x" prefix and
// returns the lowercase-normalized Address.
func DecodeAddress(addrStr string) (Address, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(addrStr), "0x")
	trimmed = strings.TrimPrefix(trimmed, "0X")
	if len(trimmed) != 40 {
		return Address{}, fmt.Errorf("crypto: address must encode 20 bytes, got %d hex chars", len(trimmed))
	}
	if !ethcommon.IsHexAddress(trimmed) {
		return Address{}, fmt.Errorf("crypto: invalid hex address %q", addrStr)
	}
	return NewAddress(ethcommon.HexToAddress(trimmed).Bytes())
}

// --- Key Management ---

// PrivateKey wraps an ecdsa private key used to sign bundles.
type PrivateKey struct {
	*ecdsa.PrivateKey
}

// PublicKey wraps the corresponding ecdsa public key.
type PublicKey struct {
	*ecdsa.PublicKey
}

// GeneratePrivateKey creates a fresh secp256k1 key pair.
func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the raw private key scalar.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

// Sign produces a 65-byte recoverable signature over digest (expected to
// already be a 32-byte hash).
func (k *PrivateKey) Sign(digest []byte) ([]byte, error) {
	return crypto.Sign(digest, k.PrivateKey)
}

// PubKey derives the corresponding public key.
func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// Address derives the canonical hex address for this public key.
func (k *PublicKey) Address() Address {
	return MustNewAddress(crypto.PubkeyToAddress(*k.PublicKey).Bytes())
}

// PrivateKeyFromBytes parses a raw secp256k1 scalar. cmd/proposerd does not
// call it: it treats PROPOSER_KEY as the path of a v3 keystore file and loads
// the key with LoadFromKeystore.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}
