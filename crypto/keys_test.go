package crypto

import (
	"strings"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

func TestGeneratePrivateKeyProducesDistinctKeys(t *testing.T) {
	a, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate a: %v", err)
	}
	b, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate b: %v", err)
	}
	if a.PubKey().Address().String() == b.PubKey().Address().String() {
		t.Fatalf("expected distinct addresses across two generated keys")
	}
}

func TestAddressStringIsLowercaseAndPrefixed(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := key.PubKey().Address().String()
	if !strings.HasPrefix(addr, "0x") {
		t.Fatalf("expected 0x prefix, got %s", addr)
	}
	if addr != strings.ToLower(addr) {
		t.Fatalf("expected lowercase address, got %s", addr)
	}
	if len(addr) != 42 {
		t.Fatalf("expected 42 char address, got %d", len(addr))
	}
}

func TestDecodeAddressRoundTripsWithAndWithoutPrefix(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := key.PubKey().Address()
	str := addr.String()

	decoded, err := DecodeAddress(str)
	if err != nil {
		t.Fatalf("decode with prefix: %v", err)
	}
	if decoded.String() != str {
		t.Fatalf("expected round trip, got %s vs %s", decoded.String(), str)
	}

	decodedNoPrefix, err := DecodeAddress(strings.TrimPrefix(str, "0x"))
	if err != nil {
		t.Fatalf("decode without prefix: %v", err)
	}
	if decodedNoPrefix.String() != str {
		t.Fatalf("expected round trip without prefix, got %s", decodedNoPrefix.String())
	}
}

func TestDecodeAddressRejectsWrongLength(t *testing.T) {
	if _, err := DecodeAddress("0xabc"); err == nil {
		t.Fatalf("expected error for short address")
	}
}

func TestPrivateKeyFromBytesRoundTrips(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	restored, err := PrivateKeyFromBytes(key.Bytes())
	if err != nil {
		t.Fatalf("restore key: %v", err)
	}
	if restored.PubKey().Address().String() != key.PubKey().Address().String() {
		t.Fatalf("expected restored key to produce the same address")
	}
}

func TestSignProducesVerifiableSignature(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	digest := ethcrypto.Keccak256([]byte("hello world"))
	sig, err := key.Sign(digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if len(sig) != 65 {
		t.Fatalf("expected 65 byte signature, got %d", len(sig))
	}
	pubKey, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		t.Fatalf("recover pub key: %v", err)
	}
	recovered := ethcrypto.PubkeyToAddress(*pubKey)
	if strings.ToLower(recovered.Hex()) != key.PubKey().Address().String() {
		t.Fatalf("expected recovered address to match signer, got %s", recovered.Hex())
	}
}
