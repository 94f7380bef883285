// Package tcp implements the TCP+TLS transport. Streams are multiplexed over
// the TLS connection with yamux.
package tcp

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/WebFirstLanguage/polykey/pkg/transport"
	"github.com/hashicorp/yamux"
)

// Transport implements the TCP+TLS transport
type Transport struct {
	cfg *transport.Config
}

// New creates a new TCP transport
func New(cfg *transport.Config) *Transport {
	if cfg == nil {
		cfg = transport.DefaultConfig()
	}
	return &Transport{cfg: cfg}
}

// Name returns the transport name
func (t *Transport) Name() string {
	return "tcp"
}

// Close is a no-op; TCP sockets are owned by listeners and sessions
func (t *Transport) Close() error {
	return nil
}

func (t *Transport) yamuxConfig() *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.EnableKeepAlive = t.cfg.KeepAlive > 0
	if t.cfg.KeepAlive > 0 {
		cfg.KeepAliveInterval = t.cfg.KeepAlive
	}
	cfg.ConnectionWriteTimeout = t.cfg.ConnectTimeout
	cfg.LogOutput = io.Discard
	return cfg
}

// Listen starts listening for TCP+TLS connections
func (t *Transport) Listen(ctx context.Context, addr string, tlsConfig *tls.Config) (transport.Listener, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve TCP address: %w", err)
	}

	listener, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create TCP listener: %w", err)
	}

	return &Listener{
		listener:  listener,
		tlsConfig: t.cfg.PrepareTLS(tlsConfig),
		muxConfig: t.yamuxConfig(),
		timeout:   t.cfg.ConnectTimeout,
	}, nil
}

// Dial establishes a TCP+TLS connection and starts a yamux client on it
func (t *Transport) Dial(ctx context.Context, addr string, tlsConfig *tls.Config) (transport.Session, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: t.cfg.ConnectTimeout},
		Config:    t.cfg.PrepareTLS(tlsConfig),
	}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial TCP+TLS connection: %w", err)
	}
	tlsConn := conn.(*tls.Conn)

	mux, err := yamux.Client(tlsConn, t.yamuxConfig())
	if err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("failed to start yamux client: %w", err)
	}

	return &Session{mux: mux, tlsConn: tlsConn}, nil
}

// Listener wraps a TCP listener with TLS and yamux
type Listener struct {
	listener  *net.TCPListener
	tlsConfig *tls.Config
	muxConfig *yamux.Config
	timeout   time.Duration
}

// Accept waits for the next connection that completes the TLS handshake.
// Connections failing the handshake are dropped without ending the loop.
func (l *Listener) Accept(ctx context.Context) (transport.Session, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = l.listener.SetDeadline(time.Unix(1, 0))
	})
	defer func() {
		if stop() {
			return
		}
		_ = l.listener.SetDeadline(time.Time{})
	}()

	for {
		tcpConn, err := l.listener.AcceptTCP()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}

		session, err := l.upgrade(ctx, tcpConn)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		return session, nil
	}
}

func (l *Listener) upgrade(ctx context.Context, tcpConn *net.TCPConn) (*Session, error) {
	hsCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	tlsConn := tls.Server(tcpConn, l.tlsConfig)
	if err := tlsConn.HandshakeContext(hsCtx); err != nil {
		tcpConn.Close()
		return nil, fmt.Errorf("TLS handshake failed: %w", err)
	}

	mux, err := yamux.Server(tlsConn, l.muxConfig)
	if err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("failed to start yamux server: %w", err)
	}
	return &Session{mux: mux, tlsConn: tlsConn}, nil
}

// Close closes the listener
func (l *Listener) Close() error {
	return l.listener.Close()
}

// Addr returns the listener's network address
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Session wraps a yamux session over TLS
type Session struct {
	mux     *yamux.Session
	tlsConn *tls.Conn
}

// OpenStream opens a new bidirectional stream
func (s *Session) OpenStream(ctx context.Context) (transport.Stream, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	stream, err := s.mux.OpenStream()
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// AcceptStream waits for the peer to open a stream
func (s *Session) AcceptStream(ctx context.Context) (transport.Stream, error) {
	stream, err := s.mux.AcceptStreamWithContext(ctx)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// Close closes the session and the underlying connection
func (s *Session) Close() error {
	return s.mux.Close()
}

// Done is closed once the session terminates
func (s *Session) Done() <-chan struct{} {
	return s.mux.CloseChan()
}

// LocalAddr returns the local network address
func (s *Session) LocalAddr() net.Addr {
	return s.tlsConn.LocalAddr()
}

// RemoteAddr returns the remote network address
func (s *Session) RemoteAddr() net.Addr {
	return s.tlsConn.RemoteAddr()
}

// ConnectionState returns the TLS connection state
func (s *Session) ConnectionState() tls.ConnectionState {
	return s.tlsConn.ConnectionState()
}
