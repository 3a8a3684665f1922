package crypto

import (
	"os"
	"path/filepath"
	"testing"
)

func TestKeystoreRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "keys", "trader.json")
	if err := SaveToKeystore(path, key, "correct horse"); err != nil {
		t.Fatalf("save keystore: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat keystore: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("unexpected keystore permissions %v", info.Mode().Perm())
	}
	addr, err := KeystoreAddress(path, "correct horse")
	if err != nil {
		t.Fatalf("load keystore: %v", err)
	}
	if addr != key.PubKey().Address() {
		t.Fatalf("address mismatch: %s vs %s", addr, key.PubKey().Address())
	}
	if _, err := LoadFromKeystore(path, "wrong"); err == nil {
		t.Fatalf("expected wrong passphrase to fail")
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("staging directory left behind: %d entries", len(entries))
	}
}

func TestSaveToKeystoreRejectsNilKey(t *testing.T) {
	if err := SaveToKeystore(filepath.Join(t.TempDir(), "k.json"), nil, "pw"); err == nil {
		t.Fatalf("expected nil key to be rejected")
	}
}
