package session

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/WebFirstLanguage/polykey/internal/nodes"
	"github.com/WebFirstLanguage/polykey/pkg/identity"
	"github.com/WebFirstLanguage/polykey/pkg/transport"
	"github.com/WebFirstLanguage/polykey/pkg/transport/quic"
	"github.com/WebFirstLanguage/polykey/pkg/transport/tcp"
	"github.com/WebFirstLanguage/polykey/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ nodes.Connection = (*Conn)(nil)
var _ nodes.Opener = (*Dialer)(nil)

func newIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.GenerateIdentity()
	require.NoError(t, err)
	return id
}

// pair dials from a fresh client identity to a fresh server identity over tr
func pair(t *testing.T, newTransport func() transport.Transport) (client, server *Conn, clientID, serverID *identity.Identity) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clientID, serverID = newIdentity(t), newIdentity(t)
	serverTLS, err := transport.NewTLSConfig(serverID.SigningPrivateKey)
	require.NoError(t, err)
	clientTLS, err := transport.NewTLSConfig(clientID.SigningPrivateKey)
	require.NoError(t, err)

	serverTr, clientTr := newTransport(), newTransport()
	t.Cleanup(func() {
		serverTr.Close()
		clientTr.Close()
	})

	listener, err := serverTr.Listen(ctx, "127.0.0.1:0", serverTLS)
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	upgraded := make(chan *Conn, 1)
	go func() {
		sess, err := listener.Accept(ctx)
		if err != nil {
			t.Errorf("accept: %v", err)
			close(upgraded)
			return
		}
		conn, err := Upgrade(ctx, sess, serverID)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			close(upgraded)
			return
		}
		upgraded <- conn
	}()

	addr, err := types.ParseNodeAddress(listener.Addr().String())
	require.NoError(t, err)
	dialed, err := NewDialer(clientID, clientTr, clientTLS, nil).Open(ctx, addr)
	require.NoError(t, err)

	server = <-upgraded
	require.NotNil(t, server)
	client = dialed.(*Conn)
	t.Cleanup(func() {
		client.Close(true)
		server.Close(true)
	})
	return client, server, clientID, serverID
}

func transports() map[string]func() transport.Transport {
	return map[string]func() transport.Transport{
		"tcp":  func() transport.Transport { return tcp.New(nil) },
		"quic": func() transport.Transport { return quic.New(nil) },
	}
}

func TestAuthenticatedConnection(t *testing.T) {
	for name, newTransport := range transports() {
		t.Run(name, func(t *testing.T) {
			client, server, clientID, serverID := pair(t, newTransport)

			assert.Equal(t, serverID.NodeID(), client.RemoteNodeID())
			assert.Equal(t, clientID.NodeID(), server.RemoteNodeID())
			assert.Equal(t, client.ConnectionID(), server.ConnectionID(), "both ends derive the same id")
			assert.Equal(t, client.Binding(), server.Binding())
			assert.Equal(t, "127.0.0.1", client.RemoteAddress().Host)

			require.NotEmpty(t, client.Meta(), "peer certificate chain is exposed")
			require.NotEmpty(t, server.Meta())
		})
	}
}

func TestStreamsAfterHandshake(t *testing.T) {
	for name, newTransport := range transports() {
		t.Run(name, func(t *testing.T) {
			client, server, _, _ := pair(t, newTransport)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			go func() {
				s, err := server.AcceptStream(ctx)
				if err != nil {
					return
				}
				defer s.Close()
				buf := make([]byte, 5)
				if _, err := io.ReadFull(s, buf); err != nil {
					return
				}
				_, _ = s.Write(buf)
			}()

			s, err := client.NewStream(ctx)
			require.NoError(t, err)
			defer s.Close()
			_, err = s.Write([]byte("hello"))
			require.NoError(t, err)

			buf := make([]byte, 5)
			_, err = io.ReadFull(s, buf)
			require.NoError(t, err)
			assert.Equal(t, "hello", string(buf))
		})
	}
}

func TestCloseSignalsDone(t *testing.T) {
	for name, newTransport := range transports() {
		t.Run(name, func(t *testing.T) {
			client, server, _, _ := pair(t, newTransport)

			require.NoError(t, client.Close(false))
			for _, c := range []*Conn{client, server} {
				select {
				case <-c.Done():
				case <-time.After(5 * time.Second):
					t.Fatal("Done not closed after Close")
				}
			}
		})
	}
}

func TestOpenRefused(t *testing.T) {
	id := newIdentity(t)
	tlsConfig, err := transport.NewTLSConfig(id.SigningPrivateKey)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d := NewDialer(id, tcp.New(nil), tlsConfig, nil)
	_, err = d.Open(ctx, types.NodeAddress{Host: "127.0.0.1", Port: 1})
	assert.Error(t, err)
}

func TestCertificateMismatch(t *testing.T) {
	for name, newTransport := range transports() {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			clientID, serverID, other := newIdentity(t), newIdentity(t), newIdentity(t)
			// the listener presents a certificate for a key the handshake never proves
			serverTLS, err := transport.NewTLSConfig(other.SigningPrivateKey)
			require.NoError(t, err)
			clientTLS, err := transport.NewTLSConfig(clientID.SigningPrivateKey)
			require.NoError(t, err)

			serverTr, clientTr := newTransport(), newTransport()
			defer serverTr.Close()
			defer clientTr.Close()

			listener, err := serverTr.Listen(ctx, "127.0.0.1:0", serverTLS)
			require.NoError(t, err)
			defer listener.Close()

			go func() {
				sess, err := listener.Accept(ctx)
				if err != nil {
					return
				}
				if conn, err := Upgrade(ctx, sess, serverID); err == nil {
					<-conn.Done()
				}
			}()

			addr, err := types.ParseNodeAddress(listener.Addr().String())
			require.NoError(t, err)
			conn, err := NewDialer(clientID, clientTr, clientTLS, nil).Open(ctx, addr)
			require.ErrorIs(t, err, ErrCertificateMismatch)
			assert.Nil(t, conn)
		})
	}
}
