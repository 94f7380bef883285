// Package transport provides multiplexed session abstractions for the agent.
// A Session is one authenticated-at-TLS-level link to a peer carrying any
// number of bidirectional streams. QUIC and TCP+TLS (yamux) are supported.
package transport

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"sort"
	"time"

	"github.com/WebFirstLanguage/polykey/pkg/constants"
)

// Transport represents a transport protocol (QUIC or TCP)
type Transport interface {
	// Listen starts listening for incoming sessions on the given address
	Listen(ctx context.Context, addr string, tlsConfig *tls.Config) (Listener, error)

	// Dial establishes a session to the given address
	Dial(ctx context.Context, addr string, tlsConfig *tls.Config) (Session, error)

	// Name returns the transport name (e.g., "quic", "tcp")
	Name() string

	// Close releases sockets shared by listeners and dialers
	Close() error
}

// Listener represents a transport listener
type Listener interface {
	// Accept waits for and returns the next session
	Accept(ctx context.Context) (Session, error)

	// Close closes the listener
	Close() error

	// Addr returns the listener's network address
	Addr() net.Addr
}

// Session is a multiplexed connection to one peer
type Session interface {
	// OpenStream opens a new bidirectional stream
	OpenStream(ctx context.Context) (Stream, error)

	// AcceptStream waits for the peer to open a stream
	AcceptStream(ctx context.Context) (Stream, error)

	// Close tears the session down with all of its streams
	Close() error

	// Done is closed once the session has terminated for any reason
	Done() <-chan struct{}

	// LocalAddr returns the local network address
	LocalAddr() net.Addr

	// RemoteAddr returns the remote network address
	RemoteAddr() net.Addr

	// ConnectionState returns the TLS connection state
	ConnectionState() tls.ConnectionState
}

// Stream is one bidirectional byte stream inside a Session
type Stream interface {
	io.ReadWriteCloser

	// SetDeadline sets the read and write deadlines
	SetDeadline(t time.Time) error

	// SetReadDeadline sets the read deadline
	SetReadDeadline(t time.Time) error

	// SetWriteDeadline sets the write deadline
	SetWriteDeadline(t time.Time) error
}

// Config holds transport configuration
type Config struct {
	// ALPN protocols to negotiate
	ALPNProtocols []string

	// Connection timeout
	ConnectTimeout time.Duration

	// Keep-alive settings
	KeepAlive time.Duration

	// Maximum idle timeout
	MaxIdleTimeout time.Duration
}

// DefaultConfig returns a default transport configuration
func DefaultConfig() *Config {
	return &Config{
		ALPNProtocols:  []string{constants.ALPN},
		ConnectTimeout: constants.ConnectionConnectTimeout,
		KeepAlive:      constants.ConnectionKeepAlive,
		MaxIdleTimeout: constants.ConnectionMaxIdle,
	}
}

// PrepareTLS clones tlsConfig and fills in ALPN and the minimum version
func (c *Config) PrepareTLS(tlsConfig *tls.Config) *tls.Config {
	out := tlsConfig.Clone()
	if out == nil {
		out = &tls.Config{}
	}
	if len(out.NextProtos) == 0 {
		out.NextProtos = append([]string(nil), c.ALPNProtocols...)
	}
	if out.MinVersion == 0 {
		out.MinVersion = tls.VersionTLS13
	}
	return out
}

// Registry manages available transports
type Registry struct {
	transports map[string]Transport
}

// NewRegistry creates a new transport registry
func NewRegistry() *Registry {
	return &Registry{
		transports: make(map[string]Transport),
	}
}

// Register registers a transport under its name
func (r *Registry) Register(transport Transport) {
	r.transports[transport.Name()] = transport
}

// Get returns the transport with the given name
func (r *Registry) Get(name string) (Transport, bool) {
	t, ok := r.transports[name]
	return t, ok
}

// List returns all registered transport names in sorted order
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.transports))
	for name := range r.transports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

// BindContext applies the deadline and cancellation of ctx to a stream or
// connection that supports deadlines. The returned func clears them and must
// be called once the operation finishes.
func BindContext(ctx context.Context, rw interface{}) func() {
	d, ok := rw.(deadliner)
	if !ok {
		return func() {}
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = d.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = d.SetDeadline(time.Unix(1, 0))
	})
	return func() {
		stop()
		_ = d.SetDeadline(time.Time{})
	}
}
