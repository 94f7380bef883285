package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"net"
	"testing"

	"github.com/WebFirstLanguage/polykey/pkg/constants"
)

// MockTransport implements Transport for testing
type MockTransport struct {
	name string
}

func (m *MockTransport) Listen(ctx context.Context, addr string, tlsConfig *tls.Config) (Listener, error) {
	return nil, net.ErrClosed
}

func (m *MockTransport) Dial(ctx context.Context, addr string, tlsConfig *tls.Config) (Session, error) {
	return nil, net.ErrClosed
}

func (m *MockTransport) Name() string {
	return m.name
}

func (m *MockTransport) Close() error {
	return nil
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry()
	registry.Register(&MockTransport{name: "tcp"})
	registry.Register(&MockTransport{name: "quic"})

	if _, ok := registry.Get("quic"); !ok {
		t.Error("Expected quic transport to be registered")
	}
	if _, ok := registry.Get("sctp"); ok {
		t.Error("Expected unknown transport lookup to fail")
	}

	names := registry.List()
	if len(names) != 2 || names[0] != "quic" || names[1] != "tcp" {
		t.Errorf("Expected sorted [quic tcp], got %v", names)
	}
}

func TestPrepareTLS(t *testing.T) {
	cfg := DefaultConfig()

	prepared := cfg.PrepareTLS(nil)
	if len(prepared.NextProtos) != 1 || prepared.NextProtos[0] != constants.ALPN {
		t.Errorf("Expected ALPN %s, got %v", constants.ALPN, prepared.NextProtos)
	}
	if prepared.MinVersion != tls.VersionTLS13 {
		t.Errorf("Expected TLS 1.3 minimum, got %x", prepared.MinVersion)
	}

	custom := &tls.Config{NextProtos: []string{"other/1"}}
	prepared = cfg.PrepareTLS(custom)
	if prepared.NextProtos[0] != "other/1" {
		t.Errorf("Explicit ALPN should be preserved, got %v", prepared.NextProtos)
	}
	if custom.MinVersion != 0 {
		t.Error("PrepareTLS must not modify its input")
	}
}

func TestNewTLSConfigUsesNodeKey(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	cfg, err := NewTLSConfig(priv)
	if err != nil {
		t.Fatalf("Failed to create TLS config: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("Expected one certificate, got %d", len(cfg.Certificates))
	}

	cert, err := x509.ParseCertificate(cfg.Certificates[0].Certificate[0])
	if err != nil {
		t.Fatalf("Failed to parse certificate: %v", err)
	}
	certKey, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok || !certKey.Equal(pub) {
		t.Error("Certificate public key should be the node key")
	}

	if _, err := NewTLSConfig(priv[:10]); err == nil {
		t.Error("Expected error for truncated key")
	}
}
