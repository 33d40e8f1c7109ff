package intention

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// recoverSigner verifies an EIP-191-style signature over digestInput and
// returns the lowercase hex address that produced it. Grounded on
// services/escrow-gateway/server.go's request-signing verification:
// accounts.TextHash over a keccak256 digest, then SigToPub/PubkeyToAddress.
func recoverSigner(digestInput []byte, sigHex string) (string, error) {
	cleaned := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(sigHex), "0x"), "0X")
	sigBytes, err := hex.DecodeString(cleaned)
	if err != nil {
		return "", fmt.Errorf("intention: invalid signature encoding: %w", err)
	}
	if len(sigBytes) != 65 {
		return "", fmt.Errorf("intention: signature must be 65 bytes, got %d", len(sigBytes))
	}
	sigBytes = append([]byte(nil), sigBytes...)
	if sigBytes[64] >= 27 {
		sigBytes[64] -= 27
	}

	msgHash := crypto.Keccak256(digestInput)
	digest := accounts.TextHash(msgHash)

	pubKey, err := crypto.SigToPub(digest, sigBytes)
	if err != nil {
		return "", fmt.Errorf("intention: signature recovery failed: %w", err)
	}
	return strings.ToLower(crypto.PubkeyToAddress(*pubKey).Hex()), nil
}

// verifySignerIs checks that sigHex over digestInput recovers to exactly
// expected, using a constant-time comparison of the recovered address bytes.
func verifySignerIs(digestInput []byte, sigHex, expected string) error {
	recoveredHex, err := recoverSigner(digestInput, sigHex)
	if err != nil {
		return err
	}
	recovered := ethcommon.HexToAddress(recoveredHex)
	want := ethcommon.HexToAddress(expected)
	if subtle.ConstantTimeCompare(recovered.Bytes(), want.Bytes()) != 1 {
		return fmt.Errorf("intention: recovered signer %s does not match %s", recoveredHex, expected)
	}
	return nil
}
