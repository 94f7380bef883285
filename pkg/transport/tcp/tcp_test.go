package tcp

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"io"
	"testing"
	"time"

	"github.com/WebFirstLanguage/polykey/pkg/constants"
	"github.com/WebFirstLanguage/polykey/pkg/transport"
)

func generateTestTLSConfig(t *testing.T) *tls.Config {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	cfg, err := transport.NewTLSConfig(priv)
	if err != nil {
		t.Fatalf("Failed to create TLS config: %v", err)
	}
	return cfg
}

func TestTCPTransport_Name(t *testing.T) {
	if New(nil).Name() != "tcp" {
		t.Errorf("Expected transport name 'tcp', got '%s'", New(nil).Name())
	}
}

func TestTCPTransport_StreamsBothWays(t *testing.T) {
	tr := New(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	listener, err := tr.Listen(ctx, "127.0.0.1:0", generateTestTLSConfig(t))
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	defer listener.Close()

	accepted := make(chan transport.Session, 1)
	go func() {
		s, err := listener.Accept(ctx)
		if err != nil {
			t.Errorf("Failed to accept: %v", err)
			close(accepted)
			return
		}
		accepted <- s
	}()

	client, err := tr.Dial(ctx, listener.Addr().String(), generateTestTLSConfig(t))
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer client.Close()

	server := <-accepted
	if server == nil {
		t.FailNow()
	}
	defer server.Close()

	state := client.ConnectionState()
	if state.NegotiatedProtocol != constants.ALPN {
		t.Errorf("Expected negotiated protocol %s, got %s", constants.ALPN, state.NegotiatedProtocol)
	}
	if len(transport.PeerCertificates(server)) != 1 {
		t.Error("Server should see the client certificate")
	}

	// Client opens, server accepts
	echoOnce(ctx, t, client, server)
	// Server opens, client accepts
	echoOnce(ctx, t, server, client)
}

func TestTCPTransport_DoneOnClose(t *testing.T) {
	tr := New(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	listener, err := tr.Listen(ctx, "127.0.0.1:0", generateTestTLSConfig(t))
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	defer listener.Close()

	accepted := make(chan transport.Session, 1)
	go func() {
		s, _ := listener.Accept(ctx)
		accepted <- s
	}()

	client, err := tr.Dial(ctx, listener.Addr().String(), generateTestTLSConfig(t))
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	server := <-accepted
	if server == nil {
		t.Fatal("Accept failed")
	}

	client.Close()

	select {
	case <-server.Done():
	case <-ctx.Done():
		t.Fatal("Server session did not observe remote close")
	}
}

func TestTCPListener_AcceptHonoursContext(t *testing.T) {
	tr := New(nil)
	listener, err := tr.Listen(context.Background(), "127.0.0.1:0", generateTestTLSConfig(t))
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	defer listener.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := listener.Accept(ctx); err == nil {
		t.Error("Expected Accept to fail once the context expires")
	}
}

func echoOnce(ctx context.Context, t *testing.T, opener, acceptor transport.Session) {
	t.Helper()

	payload := []byte("hello over yamux")
	done := make(chan error, 1)
	go func() {
		s, err := acceptor.AcceptStream(ctx)
		if err != nil {
			done <- err
			return
		}
		defer s.Close()
		buf := make([]byte, len(payload))
		if _, err := io.ReadFull(s, buf); err != nil {
			done <- err
			return
		}
		_, err = s.Write(buf)
		done <- err
	}()

	s, err := opener.OpenStream(ctx)
	if err != nil {
		t.Fatalf("Failed to open stream: %v", err)
	}
	defer s.Close()

	if _, err := s.Write(payload); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	buf := make([]byte, len(payload))
	if _, err := io.ReadFull(s, buf); err != nil {
		t.Fatalf("Failed to read echo: %v", err)
	}
	if string(buf) != string(payload) {
		t.Errorf("Expected %q, got %q", payload, buf)
	}
	if err := <-done; err != nil {
		t.Errorf("Acceptor failed: %v", err)
	}
}
