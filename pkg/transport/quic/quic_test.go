package quic

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"io"
	"net"
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

func listen(ctx context.Context, t *testing.T) (*Transport, transport.Listener) {
	t.Helper()
	tr := New(nil)
	t.Cleanup(func() { tr.Close() })

	listener, err := tr.Listen(ctx, "127.0.0.1:0", generateTestTLSConfig(t))
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })
	return tr, listener
}

func TestQUICTransport_Name(t *testing.T) {
	if New(nil).Name() != "quic" {
		t.Errorf("Expected transport name 'quic', got '%s'", New(nil).Name())
	}
}

func TestQUICTransport_ListenTwiceFails(t *testing.T) {
	ctx := context.Background()
	tr, _ := listen(ctx, t)

	if _, err := tr.Listen(ctx, "127.0.0.1:0", generateTestTLSConfig(t)); err == nil {
		t.Error("Expected second Listen on the same transport to fail")
	}
}

func TestQUICTransport_DialSharesListenSocket(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, serverListener := listen(ctx, t)
	clientTr, _ := listen(ctx, t)

	accepted := make(chan transport.Session, 1)
	go func() {
		s, err := serverListener.Accept(ctx)
		if err != nil {
			t.Errorf("Failed to accept: %v", err)
		}
		accepted <- s
	}()

	client, err := clientTr.Dial(ctx, serverListener.Addr().String(), generateTestTLSConfig(t))
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer client.Close()

	server := <-accepted
	if server == nil {
		t.FailNow()
	}
	defer server.Close()

	// The server sees the client's listening port as the remote port
	remote := server.RemoteAddr().(*net.UDPAddr)
	local := clientTr.LocalAddr().(*net.UDPAddr)
	if remote.Port != local.Port {
		t.Errorf("Expected dial from port %d, got %d", local.Port, remote.Port)
	}

	if client.ConnectionState().NegotiatedProtocol != constants.ALPN {
		t.Errorf("Expected ALPN %s, got %s", constants.ALPN, client.ConnectionState().NegotiatedProtocol)
	}

	payload := []byte("hello over quic")
	done := make(chan error, 1)
	go func() {
		s, err := server.AcceptStream(ctx)
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

	s, err := client.OpenStream(ctx)
	if err != nil {
		t.Fatalf("Failed to open stream: %v", err)
	}
	if _, err := s.Write(payload); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	buf := make([]byte, len(payload))
	if _, err := io.ReadFull(s, buf); err != nil {
		t.Fatalf("Failed to read echo: %v", err)
	}
	s.Close()

	if string(buf) != string(payload) {
		t.Errorf("Expected %q, got %q", payload, buf)
	}
	if err := <-done; err != nil {
		t.Errorf("Acceptor failed: %v", err)
	}

	client.Close()
	select {
	case <-server.Done():
	case <-ctx.Done():
		t.Error("Server session did not observe remote close")
	}
}

func TestQUICTransport_PunchDoesNotDisturbListener(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, targetListener := listen(ctx, t)
	punchTr, _ := listen(ctx, t)
	punchTr.PunchInterval = 5 * time.Millisecond

	if err := punchTr.Punch(ctx, targetListener.Addr().String()); err != nil {
		t.Fatalf("Punch failed: %v", err)
	}

	accepted := make(chan error, 1)
	go func() {
		s, err := targetListener.Accept(ctx)
		if err == nil {
			defer s.Close()
		}
		accepted <- err
	}()

	session, err := punchTr.Dial(ctx, targetListener.Addr().String(), generateTestTLSConfig(t))
	if err != nil {
		t.Fatalf("Dial after punch failed: %v", err)
	}
	defer session.Close()

	if err := <-accepted; err != nil {
		t.Errorf("Accept after punch failed: %v", err)
	}
}

func TestQUICTransport_PunchHonoursContext(t *testing.T) {
	tr := New(nil)
	defer tr.Close()
	tr.PunchInterval = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := tr.Punch(ctx, "127.0.0.1:9"); err == nil {
		t.Error("Expected punch to stop when the context expires")
	}
}

func TestQUICTransport_ClosedRejectsDial(t *testing.T) {
	tr := New(nil)
	tr.Close()

	if _, err := tr.Dial(context.Background(), "127.0.0.1:9", generateTestTLSConfig(t)); err == nil {
		t.Error("Expected dial on closed transport to fail")
	}
}
