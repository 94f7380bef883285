package handshake

import (
	"crypto/ed25519"
	"fmt"

	"github.com/WebFirstLanguage/polykey/pkg/codec/cborcanon"
	"github.com/WebFirstLanguage/polykey/pkg/types"
)

// NonceSize is the width of the per-connection handshake nonce
const NonceSize = 16

// Hello is the identity payload each side carries inside the Noise handshake
type Hello struct {
	Version  uint16 `cbor:"v"`        // Protocol version
	NodeKey  []byte `cbor:"nodekey"`  // Ed25519 public key, equal to the NodeID
	NoiseKey []byte `cbor:"noisekey"` // X25519 static key used in the Noise handshake
	Nonce    []byte `cbor:"nonce"`    // Contribution to the ConnectionID
	Proof    []byte `cbor:"proof"`    // Ed25519 signature over canonical fields
}

// Sign signs the Hello with the provided Ed25519 private key
func (h *Hello) Sign(privateKey ed25519.PrivateKey) error {
	sigData, err := cborcanon.EncodeForSigning(h, "proof")
	if err != nil {
		return fmt.Errorf("failed to encode Hello for signing: %w", err)
	}
	h.Proof = ed25519.Sign(privateKey, sigData)
	return nil
}

// Verify checks the proof against the embedded node key
func (h *Hello) Verify() error {
	if len(h.NodeKey) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid node key length: %d", len(h.NodeKey))
	}
	if len(h.Proof) == 0 {
		return fmt.Errorf("Hello has no proof")
	}

	sigData, err := cborcanon.EncodeForSigning(h, "proof")
	if err != nil {
		return fmt.Errorf("failed to encode Hello for verification: %w", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(h.NodeKey), sigData, h.Proof) {
		return fmt.Errorf("Hello signature verification failed")
	}
	return nil
}

// NodeID returns the sender's NodeID
func (h *Hello) NodeID() (types.NodeID, error) {
	return types.NodeIDFromBytes(h.NodeKey)
}

// Marshal encodes the Hello to canonical CBOR
func (h *Hello) Marshal() ([]byte, error) {
	return cborcanon.Marshal(h)
}

// Unmarshal decodes the Hello from CBOR
func (h *Hello) Unmarshal(data []byte) error {
	return cborcanon.Unmarshal(data, h)
}
