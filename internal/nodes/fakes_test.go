package nodes

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/WebFirstLanguage/polykey/internal/nodegraph"
	"github.com/WebFirstLanguage/polykey/pkg/identity"
	"github.com/WebFirstLanguage/polykey/pkg/transport"
	"github.com/WebFirstLanguage/polykey/pkg/types"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

var errFakeClosed = errors.New("fake connection closed")

// fakeNet routes dials between test nodes by address
type fakeNet struct {
	mu    sync.Mutex
	nodes map[string]*testNode
	next  int
}

func newFakeNet() *fakeNet {
	return &fakeNet{nodes: make(map[string]*testNode)}
}

type testNode struct {
	net     *fakeNet
	id      *identity.Identity
	addr    types.NodeAddress
	graph   *nodegraph.Graph
	mgr     *Manager
	opener  *fakeOpener
	puncher *countingPuncher

	// hang makes dials toward this node block until the dial context ends
	hang atomic.Bool
}

func (n *testNode) nodeID() types.NodeID {
	return n.id.NodeID()
}

// addPeer registers a node without a manager; its side of each connection
// is never served
func (fn *fakeNet) addPeer(t *testing.T) *testNode {
	t.Helper()
	id, err := identity.GenerateIdentity()
	require.NoError(t, err)

	fn.mu.Lock()
	defer fn.mu.Unlock()
	fn.next++
	node := &testNode{
		net:  fn,
		id:   id,
		addr: types.NodeAddress{Host: fmt.Sprintf("10.0.0.%d", fn.next), Port: 1314},
	}
	fn.nodes[node.addr.String()] = node
	return node
}

// addNode registers a node running a Manager. cfg may be nil.
func (fn *fakeNet) addNode(t *testing.T, cfg *Config) *testNode {
	t.Helper()
	node := fn.addPeer(t)

	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	if c.Puncher == nil {
		node.puncher = &countingPuncher{}
		c.Puncher = node.puncher
	}
	node.graph = nodegraph.New(node.nodeID(), &nodegraph.Config{Clock: c.Clock})
	node.opener = &fakeOpener{net: fn, self: node}
	node.mgr = NewManager(node.id, node.graph, node.opener, &c)
	node.graph.SetPinger(node.mgr)

	t.Cleanup(func() {
		_ = node.mgr.Stop(context.Background(), true)
	})
	return node
}

type fakeOpener struct {
	net   *fakeNet
	self  *testNode
	dials atomic.Int32
}

func (o *fakeOpener) Open(ctx context.Context, addr types.NodeAddress) (Connection, error) {
	o.dials.Add(1)
	o.net.mu.Lock()
	peer := o.net.nodes[addr.String()]
	o.net.mu.Unlock()

	if peer == nil {
		return nil, fmt.Errorf("connection refused: %s", addr)
	}
	if peer.hang.Load() {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	local, remote := newConnPair(o.self, peer)
	if peer.mgr != nil {
		if err := peer.mgr.HandleInbound(remote); err != nil {
			_ = local.Close(true)
			return nil, err
		}
	}
	return local, nil
}

// fakeConn is one side of an in-memory connection. Streams are net.Pipe pairs.
type fakeConn struct {
	id         types.ConnectionID
	remote     types.NodeID
	remoteAddr types.NodeAddress
	peer       *fakeConn

	incoming  chan transport.Stream
	done      chan struct{}
	closeOnce sync.Once
	closes    atomic.Int32
	forced    atomic.Bool
}

func newConnPair(a, b *testNode) (*fakeConn, *fakeConn) {
	var id types.ConnectionID
	_, _ = rand.Read(id[:])

	aSide := &fakeConn{
		id:         id,
		remote:     b.nodeID(),
		remoteAddr: b.addr,
		incoming:   make(chan transport.Stream, 16),
		done:       make(chan struct{}),
	}
	bSide := &fakeConn{
		id:         id,
		remote:     a.nodeID(),
		remoteAddr: a.addr,
		incoming:   make(chan transport.Stream, 16),
		done:       make(chan struct{}),
	}
	aSide.peer, bSide.peer = bSide, aSide
	return aSide, bSide
}

func (c *fakeConn) ConnectionID() types.ConnectionID { return c.id }
func (c *fakeConn) RemoteNodeID() types.NodeID { return c.remote }
func (c *fakeConn) RemoteAddress() types.NodeAddress { return c.remoteAddr }
func (c *fakeConn) Meta() [][]byte { return nil }
func (c *fakeConn) Done() <-chan struct{} { return c.done }

func (c *fakeConn) NewStream(ctx context.Context) (transport.Stream, error) {
	select {
	case <-c.done:
		return nil, errFakeClosed
	default:
	}
	local, remote := net.Pipe()
	select {
	case c.peer.incoming <- remote:
		return local, nil
	case <-c.done:
	case <-ctx.Done():
	}
	local.Close()
	remote.Close()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, errFakeClosed
}

func (c *fakeConn) AcceptStream(ctx context.Context) (transport.Stream, error) {
	select {
	case s := <-c.incoming:
		return s, nil
	case <-c.done:
		return nil, errFakeClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close terminates both sides, as a transport teardown would
func (c *fakeConn) Close(force bool) error {
	c.closes.Add(1)
	if force {
		c.forced.Store(true)
	}
	c.shutdown()
	c.peer.shutdown()
	return nil
}

func (c *fakeConn) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

type countingPuncher struct {
	calls atomic.Int32

	// started receives once per call when non-nil; release gates the return
	started chan struct{}
	release chan struct{}

	mu    sync.Mutex
	addrs []string
}

func (p *countingPuncher) Punch(ctx context.Context, addr string) error {
	p.calls.Add(1)
	p.mu.Lock()
	p.addrs = append(p.addrs, addr)
	p.mu.Unlock()

	if p.started != nil {
		select {
		case p.started <- struct{}{}:
		default:
		}
	}
	if p.release != nil {
		select {
		case <-p.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (p *countingPuncher) punchedAddrs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.addrs...)
}

// mockConfig returns a config driven by a mock clock
func mockConfig() (*Config, *clock.Mock) {
	mock := clock.NewMock()
	return &Config{
		Clock:            mock,
		IdleTimeoutMin:   time.Second,
		IdleTimeoutScale: 500 * time.Millisecond,
	}, mock
}
