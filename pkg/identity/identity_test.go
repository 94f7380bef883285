package identity

import (
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/curve25519"
)

func TestGenerateIdentity(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("Failed to generate identity: %v", err)
	}

	if id.NodeID().IsZero() {
		t.Fatal("NodeID should not be zero")
	}

	if string(id.NodeID().Bytes()) != string(id.SigningPublicKey) {
		t.Error("NodeID should be the signing public key")
	}
	if !id.SigningPublicKey.Equal(id.SigningPrivateKey.Public()) {
		t.Error("Signing public key should derive from the private key")
	}

	expected, err := curve25519.X25519(id.KeyAgreementPrivateKey[:], curve25519.Basepoint)
	if err != nil {
		t.Fatalf("X25519 failed: %v", err)
	}
	if string(expected) != string(id.KeyAgreementPublicKey[:]) {
		t.Error("Key agreement public key does not match private key")
	}

	other, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("Failed to generate second identity: %v", err)
	}
	if other.NodeID() == id.NodeID() {
		t.Error("Two identities should not share a NodeID")
	}
}

func TestSignVerify(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("Failed to generate identity: %v", err)
	}

	msg := []byte("signal")
	sig := id.Sign(msg)

	if !Verify(id.NodeID(), msg, sig) {
		t.Error("Signature should verify against the NodeID")
	}
	if Verify(id.NodeID(), []byte("other"), sig) {
		t.Error("Signature should not verify for different data")
	}
	if Verify(id.NodeID(), msg, sig[:10]) {
		t.Error("Truncated signature should not verify")
	}
}

func TestSaveAndLoad(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("Failed to generate identity: %v", err)
	}

	path := filepath.Join(t.TempDir(), "keys", "identity.json")
	if err := id.SaveToFile(path); err != nil {
		t.Fatalf("Failed to save identity: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Identity file missing: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("Expected permissions 0600, got %v", info.Mode().Perm())
	}

	loaded, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("Failed to load identity: %v", err)
	}

	if loaded.NodeID() != id.NodeID() {
		t.Error("Loaded identity has a different NodeID")
	}
	if loaded.KeyAgreementPublicKey != id.KeyAgreementPublicKey {
		t.Error("Loaded identity has a different key agreement key")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("Expected error loading a missing file")
	}
}
