// Package handshake authenticates a freshly opened transport session. Both
// sides run a Noise XX handshake over the first stream and exchange signed
// Hello payloads that bind the Noise static key to the node's Ed25519 key.
// Each side also contributes a random nonce; the two nonces determine the
// ConnectionID both endpoints agree on.
package handshake

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/WebFirstLanguage/polykey/pkg/constants"
	"github.com/WebFirstLanguage/polykey/pkg/identity"
	"github.com/WebFirstLanguage/polykey/pkg/transport"
	"github.com/WebFirstLanguage/polykey/pkg/types"
	"github.com/WebFirstLanguage/polykey/pkg/wire"
	"github.com/flynn/noise"
	"lukechampine.com/blake3"
)

var (
	// ErrPeerMismatch is returned when the remote NodeID is not the expected one
	ErrPeerMismatch = errors.New("handshake: peer node id mismatch")
	// ErrSelfConnection is returned when a node reaches itself
	ErrSelfConnection = errors.New("handshake: connected to self")
	// ErrNoiseKeyMismatch is returned when the signed noise key differs from the handshake key
	ErrNoiseKeyMismatch = errors.New("handshake: noise key does not match hello")
)

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2b)

// Result describes an authenticated peer
type Result struct {
	PeerID       types.NodeID
	ConnectionID types.ConnectionID
	// Binding is the Noise handshake hash
	Binding []byte
}

// Initiate runs the initiator side. If expected is non-zero the remote must
// prove ownership of that NodeID.
func Initiate(ctx context.Context, rw io.ReadWriter, id *identity.Identity, expected types.NodeID) (*Result, error) {
	defer transport.BindContext(ctx, rw)()

	hs, err := newState(id, true)
	if err != nil {
		return nil, err
	}
	nonce, hello, err := newHello(id)
	if err != nil {
		return nil, err
	}

	// -> e
	msg1, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to write handshake message 1: %w", err)
	}
	if err := writeMessage(rw, msg1); err != nil {
		return nil, err
	}

	// <- e, ee, s, es, hello
	msg2, err := readMessage(rw)
	if err != nil {
		return nil, err
	}
	payload, _, _, err := hs.ReadMessage(nil, msg2)
	if err != nil {
		return nil, fmt.Errorf("failed to read handshake message 2: %w", err)
	}
	peer, err := checkHello(payload, hs.PeerStatic(), id.NodeID())
	if err != nil {
		return nil, err
	}
	if !expected.IsZero() && peer.id != expected {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrPeerMismatch, expected.Short(), peer.id.Short())
	}

	// -> s, se, hello
	msg3, _, _, err := hs.WriteMessage(nil, hello)
	if err != nil {
		return nil, fmt.Errorf("failed to write handshake message 3: %w", err)
	}
	if err := writeMessage(rw, msg3); err != nil {
		return nil, err
	}

	return &Result{
		PeerID:       peer.id,
		ConnectionID: DeriveConnectionID(nonce, peer.nonce),
		Binding:      hs.ChannelBinding(),
	}, nil
}

// Respond runs the responder side and accepts any authenticated peer
func Respond(ctx context.Context, rw io.ReadWriter, id *identity.Identity) (*Result, error) {
	defer transport.BindContext(ctx, rw)()

	hs, err := newState(id, false)
	if err != nil {
		return nil, err
	}
	nonce, hello, err := newHello(id)
	if err != nil {
		return nil, err
	}

	msg1, err := readMessage(rw)
	if err != nil {
		return nil, err
	}
	if _, _, _, err := hs.ReadMessage(nil, msg1); err != nil {
		return nil, fmt.Errorf("failed to read handshake message 1: %w", err)
	}

	msg2, _, _, err := hs.WriteMessage(nil, hello)
	if err != nil {
		return nil, fmt.Errorf("failed to write handshake message 2: %w", err)
	}
	if err := writeMessage(rw, msg2); err != nil {
		return nil, err
	}

	msg3, err := readMessage(rw)
	if err != nil {
		return nil, err
	}
	payload, _, _, err := hs.ReadMessage(nil, msg3)
	if err != nil {
		return nil, fmt.Errorf("failed to read handshake message 3: %w", err)
	}
	peer, err := checkHello(payload, hs.PeerStatic(), id.NodeID())
	if err != nil {
		return nil, err
	}

	return &Result{
		PeerID:       peer.id,
		ConnectionID: DeriveConnectionID(nonce, peer.nonce),
		Binding:      hs.ChannelBinding(),
	}, nil
}

// DeriveConnectionID hashes the two handshake nonces in sorted order so that
// both endpoints compute the same value
func DeriveConnectionID(a, b []byte) types.ConnectionID {
	if bytes.Compare(a, b) > 0 {
		a, b = b, a
	}
	buf := make([]byte, 0, len(a)+len(b))
	buf = append(buf, a...)
	buf = append(buf, b...)
	return types.ConnectionID(blake3.Sum256(buf))
}

func newState(id *identity.Identity, initiator bool) (*noise.HandshakeState, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: cipherSuite,
		Random:      rand.Reader,
		Pattern:     noise.HandshakeXX,
		Initiator:   initiator,
		StaticKeypair: noise.DHKey{
			Private: id.KeyAgreementPrivateKey[:],
			Public:  id.KeyAgreementPublicKey[:],
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake state: %w", err)
	}
	return hs, nil
}

func newHello(id *identity.Identity) ([]byte, []byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	hello := &Hello{
		Version:  constants.ProtocolVersion,
		NodeKey:  id.SigningPublicKey,
		NoiseKey: id.KeyAgreementPublicKey[:],
		Nonce:    nonce,
	}
	if err := hello.Sign(id.SigningPrivateKey); err != nil {
		return nil, nil, err
	}
	data, err := hello.Marshal()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode Hello: %w", err)
	}
	return nonce, data, nil
}

type peerInfo struct {
	id    types.NodeID
	nonce []byte
}

func checkHello(payload, peerStatic []byte, self types.NodeID) (*peerInfo, error) {
	var hello Hello
	if err := hello.Unmarshal(payload); err != nil {
		return nil, fmt.Errorf("invalid Hello: %w", err)
	}
	if hello.Version != constants.ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", hello.Version)
	}
	if len(hello.Nonce) != NonceSize {
		return nil, fmt.Errorf("invalid nonce length: %d", len(hello.Nonce))
	}
	if err := hello.Verify(); err != nil {
		return nil, err
	}
	if !bytes.Equal(hello.NoiseKey, peerStatic) {
		return nil, ErrNoiseKeyMismatch
	}

	peerID, err := hello.NodeID()
	if err != nil {
		return nil, err
	}
	if peerID == self {
		return nil, ErrSelfConnection
	}
	return &peerInfo{id: peerID, nonce: hello.Nonce}, nil
}

func writeMessage(w io.Writer, msg []byte) error {
	if err := wire.WriteFrame(w, msg); err != nil {
		return fmt.Errorf("failed to send handshake message: %w", err)
	}
	return nil
}

func readMessage(r io.Reader) ([]byte, error) {
	var msg []byte
	if err := wire.ReadFrame(r, &msg); err != nil {
		return nil, fmt.Errorf("failed to receive handshake message: %w", err)
	}
	return msg, nil
}
