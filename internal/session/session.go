// Package session turns transport sessions into authenticated node
// connections. The dialing side runs the handshake initiator on the first
// stream it opens; the accepting side answers on the first stream it
// accepts.
package session

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/WebFirstLanguage/polykey/internal/nodes"
	"github.com/WebFirstLanguage/polykey/pkg/identity"
	"github.com/WebFirstLanguage/polykey/pkg/security/handshake"
	"github.com/WebFirstLanguage/polykey/pkg/transport"
	"github.com/WebFirstLanguage/polykey/pkg/types"
	"go.uber.org/zap"
)

// ErrCertificateMismatch is returned when the TLS certificate of a session
// does not carry the key the handshake authenticated
var ErrCertificateMismatch = errors.New("session: certificate does not match authenticated node")

// checkCertificate binds the handshake result to the TLS session it ran over
func checkCertificate(sess transport.Session, peer types.NodeID) error {
	pub, err := transport.PeerPublicKey(sess)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCertificateMismatch, err)
	}
	if !bytes.Equal(pub, peer[:]) {
		return fmt.Errorf("%w: certificate key %x, node %s", ErrCertificateMismatch, pub[:6], peer.Short())
	}
	return nil
}

// Conn is an authenticated connection to one node
type Conn struct {
	sess    transport.Session
	peer    types.NodeID
	id      types.ConnectionID
	remote  types.NodeAddress
	binding []byte
}

func newConn(sess transport.Session, res *handshake.Result) *Conn {
	return &Conn{
		sess:    sess,
		peer:    res.PeerID,
		id:      res.ConnectionID,
		remote:  types.AddressFromNet(sess.RemoteAddr()),
		binding: res.Binding,
	}
}

// ConnectionID returns the id both endpoints derived during the handshake
func (c *Conn) ConnectionID() types.ConnectionID {
	return c.id
}

// RemoteNodeID returns the authenticated peer
func (c *Conn) RemoteNodeID() types.NodeID {
	return c.peer
}

// RemoteAddress returns the peer's observed address
func (c *Conn) RemoteAddress() types.NodeAddress {
	return c.remote
}

// Binding returns the handshake hash
func (c *Conn) Binding() []byte {
	return c.binding
}

// Transport returns the underlying session
func (c *Conn) Transport() transport.Session {
	return c.sess
}

// NewStream opens a stream to the peer
func (c *Conn) NewStream(ctx context.Context) (transport.Stream, error) {
	return c.sess.OpenStream(ctx)
}

// AcceptStream waits for the peer to open a stream
func (c *Conn) AcceptStream(ctx context.Context) (transport.Stream, error) {
	return c.sess.AcceptStream(ctx)
}

// Meta returns the peer's TLS certificate chain
func (c *Conn) Meta() [][]byte {
	return transport.PeerCertificates(c.sess)
}

// Close closes the session. Both transports close their streams
// immediately, so force makes no difference here.
func (c *Conn) Close(force bool) error {
	return c.sess.Close()
}

// Done is closed once the session terminates
func (c *Conn) Done() <-chan struct{} {
	return c.sess.Done()
}

// Dialer opens authenticated connections over one transport
type Dialer struct {
	id        *identity.Identity
	transport transport.Transport
	tlsConfig *tls.Config
	log       *zap.Logger
}

// NewDialer creates a dialer for the local identity
func NewDialer(id *identity.Identity, tr transport.Transport, tlsConfig *tls.Config, logger *zap.Logger) *Dialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dialer{
		id:        id,
		transport: tr,
		tlsConfig: tlsConfig,
		log:       logger.Named("session"),
	}
}

// Open dials addr and authenticates whichever node answers
func (d *Dialer) Open(ctx context.Context, addr types.NodeAddress) (nodes.Connection, error) {
	sess, err := d.transport.Dial(ctx, addr.String(), d.tlsConfig)
	if err != nil {
		return nil, err
	}

	stream, err := sess.OpenStream(ctx)
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("failed to open handshake stream: %w", err)
	}
	res, err := handshake.Initiate(ctx, stream, d.id, types.NodeID{})
	stream.Close()
	if err != nil {
		sess.Close()
		return nil, err
	}
	if err := checkCertificate(sess, res.PeerID); err != nil {
		sess.Close()
		return nil, err
	}

	d.log.Debug("outbound session authenticated",
		zap.String("node", res.PeerID.Short()),
		zap.String("address", addr.String()),
		zap.String("transport", d.transport.Name()))
	return newConn(sess, res), nil
}

// Upgrade authenticates an accepted session. The session is closed if the
// handshake fails.
func Upgrade(ctx context.Context, sess transport.Session, id *identity.Identity) (*Conn, error) {
	stream, err := sess.AcceptStream(ctx)
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("failed to accept handshake stream: %w", err)
	}
	res, err := handshake.Respond(ctx, stream, id)
	stream.Close()
	if err != nil {
		sess.Close()
		return nil, err
	}
	if err := checkCertificate(sess, res.PeerID); err != nil {
		sess.Close()
		return nil, err
	}
	return newConn(sess, res), nil
}
