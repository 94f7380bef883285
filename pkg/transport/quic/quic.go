// Package quic implements the QUIC transport. Listening, dialing and hole
// punching share one UDP socket, so a punch opens the NAT mapping that the
// subsequent dial and the peer's inbound dial both use.
package quic

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/WebFirstLanguage/polykey/pkg/constants"
	"github.com/WebFirstLanguage/polykey/pkg/transport"
	"github.com/quic-go/quic-go"
)

// punchPacket has the 0x40 bit of its first byte clear so quic-go routes it
// to the non-QUIC path instead of treating it as a QUIC packet
var punchPacket = []byte{0x00, 'p', 'u', 'n', 'c', 'h'}

// ErrClosed is returned after the transport is closed
var ErrClosed = errors.New("quic: transport closed")

// Transport implements the QUIC transport over a single UDP socket
type Transport struct {
	cfg *transport.Config

	// PunchAttempts and PunchInterval shape the punch burst
	PunchAttempts int
	PunchInterval time.Duration

	mu     sync.Mutex
	udp    *net.UDPConn
	tr     *quic.Transport
	closed bool
}

// New creates a new QUIC transport
func New(cfg *transport.Config) *Transport {
	if cfg == nil {
		cfg = transport.DefaultConfig()
	}
	return &Transport{
		cfg:           cfg,
		PunchAttempts: constants.PunchAttempts,
		PunchInterval: constants.PunchInterval,
	}
}

// Name returns the transport name
func (t *Transport) Name() string {
	return "quic"
}

func (t *Transport) quicConfig() *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout: t.cfg.ConnectTimeout,
		MaxIdleTimeout:       t.cfg.MaxIdleTimeout,
		KeepAlivePeriod:      t.cfg.KeepAlive,
	}
}

// bind returns the shared quic.Transport, creating its socket on addr if
// nothing is bound yet
func (t *Transport) bind(addr string) (*quic.Transport, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrClosed
	}
	if t.tr != nil {
		return t.tr, nil
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	udp, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind UDP socket: %w", err)
	}

	t.udp = udp
	t.tr = &quic.Transport{Conn: udp}
	return t.tr, nil
}

// Listen starts listening for QUIC connections
func (t *Transport) Listen(ctx context.Context, addr string, tlsConfig *tls.Config) (transport.Listener, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	t.mu.Lock()
	bound := t.tr != nil
	t.mu.Unlock()
	if bound {
		return nil, fmt.Errorf("quic transport already bound")
	}

	tr, err := t.bind(addr)
	if err != nil {
		return nil, err
	}

	listener, err := tr.Listen(t.cfg.PrepareTLS(tlsConfig), t.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create QUIC listener: %w", err)
	}

	return &Listener{
		listener: listener,
	}, nil
}

// Dial establishes a QUIC connection from the shared socket
func (t *Transport) Dial(ctx context.Context, addr string, tlsConfig *tls.Config) (transport.Session, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	tr, err := t.bind(":0")
	if err != nil {
		return nil, err
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := tr.Dial(ctx, udpAddr, t.cfg.PrepareTLS(tlsConfig), t.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to dial QUIC connection: %w", err)
	}

	return &Session{conn: conn}, nil
}

// Punch sends a short burst of non-QUIC datagrams to addr from the shared
// socket, opening a NAT mapping towards that address
func (t *Transport) Punch(ctx context.Context, addr string) error {
	tr, err := t.bind(":0")
	if err != nil {
		return err
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	ticker := time.NewTicker(t.PunchInterval)
	defer ticker.Stop()

	for i := 0; i < t.PunchAttempts; i++ {
		if _, err := tr.WriteTo(punchPacket, udpAddr); err != nil {
			return fmt.Errorf("failed to send punch packet: %w", err)
		}
		if i == t.PunchAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// LocalAddr returns the bound socket address, or nil before binding
func (t *Transport) LocalAddr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.udp == nil {
		return nil
	}
	return t.udp.LocalAddr()
}

// Close shuts down the shared socket
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	if t.tr == nil {
		return nil
	}
	err := t.tr.Close()
	_ = t.udp.Close()
	return err
}

// Listener wraps a QUIC listener
type Listener struct {
	listener *quic.Listener
}

// Accept waits for and returns the next session
func (l *Listener) Accept(ctx context.Context) (transport.Session, error) {
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return &Session{conn: conn}, nil
}

// Close closes the listener
func (l *Listener) Close() error {
	return l.listener.Close()
}

// Addr returns the listener's network address
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Session wraps a QUIC connection
type Session struct {
	conn *quic.Conn
}

// OpenStream opens a new bidirectional stream
func (s *Session) OpenStream(ctx context.Context) (transport.Stream, error) {
	stream, err := s.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return &Stream{Stream: stream}, nil
}

// AcceptStream waits for the peer to open a stream
func (s *Session) AcceptStream(ctx context.Context) (transport.Stream, error) {
	stream, err := s.conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return &Stream{Stream: stream}, nil
}

// Close closes the connection
func (s *Session) Close() error {
	return s.conn.CloseWithError(0, "normal close")
}

// Done is closed once the connection terminates
func (s *Session) Done() <-chan struct{} {
	return s.conn.Context().Done()
}

// LocalAddr returns the local network address
func (s *Session) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// RemoteAddr returns the remote network address
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// ConnectionState returns the TLS connection state
func (s *Session) ConnectionState() tls.ConnectionState {
	return s.conn.ConnectionState().TLS
}

// Stream wraps a QUIC stream so that Close releases both directions
type Stream struct {
	*quic.Stream
}

// Close finishes the send side and stops reading
func (s *Stream) Close() error {
	s.Stream.CancelRead(0)
	return s.Stream.Close()
}
