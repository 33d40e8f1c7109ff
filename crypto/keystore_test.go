package crypto

import (
	"path/filepath"
	"testing"
)

func TestSaveAndLoadKeystoreRoundTrips(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "nested", "key.json")

	if err := SaveToKeystore(path, key, "correct-horse"); err != nil {
		t.Fatalf("save keystore: %v", err)
	}

	loaded, err := LoadFromKeystore(path, "correct-horse")
	if err != nil {
		t.Fatalf("load keystore: %v", err)
	}
	if loaded.PubKey().Address().String() != key.PubKey().Address().String() {
		t.Fatalf("expected loaded key to match the original address")
	}
}

func TestLoadFromKeystoreRejectsWrongPassphrase(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "key.json")
	if err := SaveToKeystore(path, key, "correct-horse"); err != nil {
		t.Fatalf("save keystore: %v", err)
	}

	if _, err := LoadFromKeystore(path, "wrong-passphrase"); err == nil {
		t.Fatalf("expected error for wrong passphrase")
	}
}

func TestSaveToKeystoreRejectsNilKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key.json")
	if err := SaveToKeystore(path, nil, "pw"); err == nil {
		t.Fatalf("expected error for nil key")
	}
}

func TestLoadFromKeystoreRejectsEmptyPath(t *testing.T) {
	if _, err := LoadFromKeystore("", "pw"); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
