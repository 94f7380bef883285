// Package identity implements node identity management: ed25519 signing keys
// (whose public key is the NodeID), X25519 keys for the Noise handshake, and
// persistence.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/WebFirstLanguage/polykey/pkg/types"
	"golang.org/x/crypto/curve25519"
)

// Identity represents a node identity with signing and key agreement keys
type Identity struct {
	// Ed25519 signing key pair
	SigningPublicKey  ed25519.PublicKey  `json:"signing_public_key"`
	SigningPrivateKey ed25519.PrivateKey `json:"signing_private_key"`

	// X25519 key agreement key pair used as the Noise static key
	KeyAgreementPublicKey  [32]byte `json:"key_agreement_public_key"`
	KeyAgreementPrivateKey [32]byte `json:"key_agreement_private_key"`

	nodeID types.NodeID
}

// GenerateIdentity creates a new identity with fresh key pairs
func GenerateIdentity() (*Identity, error) {
	_, sigPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate Ed25519 key pair: %w", err)
	}

	var kaPriv [32]byte
	if _, err := rand.Read(kaPriv[:]); err != nil {
		return nil, fmt.Errorf("failed to generate X25519 private key: %w", err)
	}

	return FromKeys(sigPriv, kaPriv)
}

// FromKeys builds an identity from existing private keys
func FromKeys(signing ed25519.PrivateKey, keyAgreement [32]byte) (*Identity, error) {
	if len(signing) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid Ed25519 private key length: %d", len(signing))
	}

	kaPub, err := curve25519.X25519(keyAgreement[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive X25519 public key: %w", err)
	}

	id := &Identity{
		SigningPublicKey:       signing.Public().(ed25519.PublicKey),
		SigningPrivateKey:      signing,
		KeyAgreementPrivateKey: keyAgreement,
	}
	copy(id.KeyAgreementPublicKey[:], kaPub)
	id.nodeID = computeNodeID(id.SigningPublicKey)

	return id, nil
}

// NodeID returns the node's identifier
func (id *Identity) NodeID() types.NodeID {
	if id.nodeID.IsZero() {
		id.nodeID = computeNodeID(id.SigningPublicKey)
	}
	return id.nodeID
}

// Sign signs data with the node's signing key
func (id *Identity) Sign(data []byte) []byte {
	return ed25519.Sign(id.SigningPrivateKey, data)
}

// Verify checks a signature made by the node identified by nodeID
func Verify(nodeID types.NodeID, data, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(nodeID[:]), data, sig)
}

func computeNodeID(pub ed25519.PublicKey) types.NodeID {
	var nodeID types.NodeID
	copy(nodeID[:], pub)
	return nodeID
}

// SaveToFile saves the identity to a JSON file
func (id *Identity) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal identity: %w", err)
	}

	// Write to file with restricted permissions
	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write identity file: %w", err)
	}

	return nil
}

// LoadFromFile loads an identity from a JSON file
func LoadFromFile(filename string) (*Identity, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity file: %w", err)
	}

	var stored Identity
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal identity: %w", err)
	}

	// Re-derive public halves so a tampered file cannot desync them
	return FromKeys(stored.SigningPrivateKey, stored.KeyAgreementPrivateKey)
}
