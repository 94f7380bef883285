// Package nodes manages authenticated connections to other nodes. The
// Manager pools connections per NodeID, hands them out through scoped
// access, evicts idle ones and coordinates NAT hole punching through a
// connected signaling node.
package nodes

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/WebFirstLanguage/polykey/internal/metrics"
	"github.com/WebFirstLanguage/polykey/internal/nodegraph"
	"github.com/WebFirstLanguage/polykey/internal/rpc"
	"github.com/WebFirstLanguage/polykey/pkg/types"
	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// entry is one pooled connection. Mutable fields are guarded by Manager.mu.
type entry struct {
	conn      Connection
	nodeID    types.NodeID
	id        types.ConnectionID
	address   types.NodeAddress
	inbound   bool
	createdAt time.Time

	state    State
	usage    int
	timer    *clock.Timer
	timerGen uint64
	drained  chan struct{}

	// ctx is cancelled with ErrConnectionClosed when destruction starts
	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Manager is the connection authority of one node
type Manager struct {
	self   Signer
	graph  *nodegraph.Graph
	opener Opener
	cfg    Config

	log     *zap.Logger
	clock   clock.Clock
	metrics *metrics.Recorder
	server  *rpc.Server
	events  *eventHub

	punches  singleflight.Group
	signalMu sync.Mutex
	relayed  *lru.LRU[string, struct{}]
	limiters *lru.LRU[types.NodeID, *rate.Limiter]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	conns   map[types.NodeID]map[types.ConnectionID]*entry
	stopped bool
}

// NewManager creates a manager for the local node. The graph is refreshed on
// successful outbound connections; opener dials and authenticates peers.
func NewManager(self Signer, graph *nodegraph.Graph, opener Opener, cfg *Config) *Manager {
	c := cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		self:    self,
		graph:   graph,
		opener:  opener,
		cfg:     c,
		log:     c.Logger.Named("nodes"),
		clock:   c.Clock,
		metrics: c.Metrics,
		events:  newEventHub(c.Metrics),
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[types.NodeID]map[types.ConnectionID]*entry),
	}
	m.relayed = lru.NewLRU[string, struct{}](signalDedupSize, nil, c.SignalDedupTTL)
	m.limiters = lru.NewLRU[types.NodeID, *rate.Limiter](signalDedupSize, nil, limiterIdleTTL)
	m.server = rpc.NewServer(c.Logger, c.Metrics)
	m.registerHandlers()
	return m
}

// NodeID returns the local NodeID
func (m *Manager) NodeID() types.NodeID {
	return m.self.NodeID()
}

// Server returns the RPC server that serves streams opened by peers
func (m *Manager) Server() *rpc.Server {
	return m.server
}

// Subscribe registers an observer of connection lifecycle events
func (m *Manager) Subscribe(buffer int) *Subscription {
	return m.events.subscribe(buffer)
}

// CreateConnection dials addr and registers the authenticated connection.
// An empty candidates list accepts whichever node answers.
func (m *Manager) CreateConnection(ctx context.Context, candidates []types.NodeID, addr types.NodeAddress) (Connection, error) {
	return m.createConnection(ctx, candidates, addr, true)
}

func (m *Manager) createConnection(ctx context.Context, candidates []types.NodeID, addr types.NodeAddress, refresh bool) (Connection, error) {
	if m.isStopped() {
		return nil, ErrManagerStopped
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()
	stop := context.AfterFunc(m.ctx, cancel)
	defer stop()

	start := m.clock.Now()
	conn, err := m.opener.Open(dialCtx, addr)
	if err == nil {
		err = dialCtx.Err()
		if err != nil {
			_ = conn.Close(true)
		}
	}
	elapsed := m.clock.Since(start).Seconds()
	if err != nil {
		m.metrics.ObserveDial("error", elapsed)
		switch {
		case m.ctx.Err() != nil:
			return nil, ErrManagerStopped
		case errors.Is(dialCtx.Err(), context.DeadlineExceeded):
			return nil, fmt.Errorf("%w: %s", ErrConnectionTimeout, addr)
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
		}
	}

	peer := conn.RemoteNodeID()
	if len(candidates) > 0 && !slices.Contains(candidates, peer) {
		_ = conn.Close(true)
		m.metrics.ObserveDial("mismatch", elapsed)
		return nil, fmt.Errorf("%w: %s answered at %s", ErrNodeIDMismatch, peer.Short(), addr)
	}
	m.metrics.ObserveDial("ok", elapsed)

	if err := m.register(conn, addr, false); err != nil {
		return nil, err
	}

	if refresh && m.graph != nil {
		if err := m.graph.SetNode(ctx, peer, addr); err != nil {
			m.log.Debug("failed to refresh node graph", zap.String("node", peer.Short()), zap.Error(err))
		}
	}
	return conn, nil
}

// HandleInbound registers a connection accepted by the local listener
func (m *Manager) HandleInbound(conn Connection) error {
	return m.register(conn, conn.RemoteAddress(), true)
}

func (m *Manager) register(conn Connection, addr types.NodeAddress, inbound bool) error {
	ctx, cancel := context.WithCancelCause(m.ctx)
	e := &entry{
		conn:      conn,
		nodeID:    conn.RemoteNodeID(),
		id:        conn.ConnectionID(),
		address:   addr,
		inbound:   inbound,
		createdAt: m.clock.Now(),
		state:     StateCreated,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		cancel(ErrManagerStopped)
		_ = conn.Close(true)
		return ErrManagerStopped
	}
	set := m.conns[e.nodeID]
	if set == nil {
		set = make(map[types.ConnectionID]*entry)
		m.conns[e.nodeID] = set
	}
	if _, dup := set[e.id]; dup {
		m.mu.Unlock()
		cancel(ErrConnectionClosed)
		_ = conn.Close(true)
		return fmt.Errorf("connection %s to %s already registered", e.id.Short(), e.nodeID.Short())
	}
	set[e.id] = e
	e.state = StateEstablished
	m.armTimerLocked(e)
	active := m.activeLocked()
	m.wg.Add(2)
	m.mu.Unlock()

	direction := "outbound"
	if inbound {
		direction = "inbound"
	}
	m.metrics.ObserveEstablished(direction)
	m.metrics.SetConnectionsActive(active)
	m.log.Debug("connection established",
		zap.String("node", e.nodeID.Short()),
		zap.String("connection", e.id.Short()),
		zap.String("address", addr.String()),
		zap.String("direction", direction))
	m.events.publish(Event{
		Type:         EventConnectionEstablished,
		NodeID:       e.nodeID,
		ConnectionID: e.id,
		Address:      addr,
		Inbound:      inbound,
	})

	go m.watch(e)
	go m.serve(e)
	return nil
}

// watch destroys the entry when its transport terminates
func (m *Manager) watch(e *entry) {
	defer m.wg.Done()
	select {
	case <-e.conn.Done():
		_ = m.destroyEntry(context.Background(), e, true, "transport")
	case <-e.ctx.Done():
	}
}

// serve answers the streams the peer opens on this connection
func (m *Manager) serve(e *entry) {
	defer m.wg.Done()
	peer := rpc.Peer{NodeID: e.nodeID, Address: e.address, ConnectionID: e.id}
	for {
		stream, err := e.conn.AcceptStream(e.ctx)
		if err != nil {
			if e.ctx.Err() == nil {
				m.log.Debug("accept stream failed", zap.String("node", e.nodeID.Short()), zap.Error(err))
				_ = m.destroyEntry(context.Background(), e, true, "transport")
			}
			return
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.server.ServeStream(e.ctx, stream, peer)
		}()
	}
}

// HasConnection reports whether a live connection to id exists
func (m *Manager) HasConnection(id types.NodeID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.primaryLocked(id) != nil
}

// GetConnection returns the primary connection to id
func (m *Manager) GetConnection(id types.NodeID) (ConnectionInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.primaryLocked(id)
	if e == nil {
		return ConnectionInfo{}, false
	}
	return e.infoLocked(), true
}

func (e *entry) infoLocked() ConnectionInfo {
	return ConnectionInfo{
		Connection:   e.conn,
		NodeID:       e.nodeID,
		ConnectionID: e.id,
		Address:      e.address,
		UsageCount:   e.usage,
		TimerArmed:   e.timer != nil,
		State:        e.state,
	}
}

// primaryLocked returns the live connection with the lowest ConnectionID
func (m *Manager) primaryLocked(id types.NodeID) *entry {
	var primary *entry
	for _, e := range m.conns[id] {
		if !e.state.live() {
			continue
		}
		if primary == nil || e.id.Less(primary.id) {
			primary = e
		}
	}
	return primary
}

// WithConnF runs fn with the primary connection to id. The connection is
// protected from idle eviction while fn runs; fn's context is cancelled
// with ErrConnectionClosed if the connection is destroyed meanwhile.
// DestroyConnection called with fn's context closes the connection
// without waiting for fn to return.
func (m *Manager) WithConnF(ctx context.Context, id types.NodeID, fn func(ctx context.Context, conn Connection) error) error {
	e, err := m.acquire(id)
	if err != nil {
		return err
	}
	defer m.release(e)

	fnCtx, cancel := context.WithCancelCause(context.WithValue(ctx, scopeKey{}, &scope{entry: e, parent: scopeFrom(ctx)}))
	defer cancel(nil)
	stop := context.AfterFunc(e.ctx, func() {
		cancel(context.Cause(e.ctx))
	})
	defer stop()

	err = fn(fnCtx, e.conn)
	if err != nil && e.ctx.Err() != nil && !errors.Is(err, ErrConnectionClosed) {
		err = fmt.Errorf("%w: %w", ErrConnectionClosed, err)
	}
	return err
}

type scopeKey struct{}

// scope records the entries held by the WithConnF calls enclosing a context
type scope struct {
	entry  *entry
	parent *scope
}

func scopeFrom(ctx context.Context) *scope {
	s, _ := ctx.Value(scopeKey{}).(*scope)
	return s
}

func holdsScope(ctx context.Context, e *entry) bool {
	for s := scopeFrom(ctx); s != nil; s = s.parent {
		if s.entry == e {
			return true
		}
	}
	return false
}

func (m *Manager) acquire(id types.NodeID) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil, ErrManagerStopped
	}
	e := m.primaryLocked(id)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoConnection, id.Short())
	}
	e.usage++
	if e.usage == 1 {
		e.state = StateInUse
		m.disarmTimerLocked(e)
	}
	return e, nil
}

func (m *Manager) release(e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.usage--
	if e.usage > 0 {
		return
	}
	switch e.state {
	case StateInUse:
		e.state = StateEstablished
		m.armTimerLocked(e)
	case StateDestroying:
		if e.drained != nil {
			close(e.drained)
			e.drained = nil
		}
	}
}

// DestroyConnection destroys the connection connID to id, or every
// connection to id when connID is nil. Without force it waits for scoped
// operations to finish, escalating to a forced close if ctx ends first.
// A connection held by a WithConnF scope enclosing ctx is closed at once,
// since waiting for that scope to drain could never finish.
func (m *Manager) DestroyConnection(ctx context.Context, id types.NodeID, force bool, connID *types.ConnectionID) error {
	m.mu.Lock()
	var targets []*entry
	for cid, e := range m.conns[id] {
		if connID == nil || *connID == cid {
			targets = append(targets, e)
		}
	}
	m.mu.Unlock()

	var errs error
	for _, e := range targets {
		errs = multierr.Append(errs, m.destroyEntry(ctx, e, force, "explicit"))
	}
	return errs
}

// destroyEntry moves e to DESTROYING. The first caller performs the
// teardown; later callers wait for it to complete.
func (m *Manager) destroyEntry(ctx context.Context, e *entry, force bool, reason string) error {
	held := holdsScope(ctx, e)
	if held {
		force = true
	}
	m.mu.Lock()
	if !m.beginDestroyLocked(e, force) {
		m.mu.Unlock()
		if held {
			return nil
		}
		select {
		case <-e.done:
		case <-ctx.Done():
		}
		return nil
	}
	drained := e.drained
	m.mu.Unlock()

	return m.finishDestroy(ctx, e, drained, force, reason)
}

func (m *Manager) beginDestroyLocked(e *entry, force bool) bool {
	if e.state >= StateDestroying {
		return false
	}
	e.state = StateDestroying
	m.disarmTimerLocked(e)
	if !force && e.usage > 0 {
		e.drained = make(chan struct{})
	}
	return true
}

func (m *Manager) finishDestroy(ctx context.Context, e *entry, drained chan struct{}, force bool, reason string) error {
	if drained != nil {
		select {
		case <-drained:
		case <-ctx.Done():
			force = true
		}
	}
	e.cancel(ErrConnectionClosed)
	err := e.conn.Close(force)

	m.mu.Lock()
	e.state = StateDestroyed
	if set := m.conns[e.nodeID]; set != nil && set[e.id] == e {
		delete(set, e.id)
		if len(set) == 0 {
			delete(m.conns, e.nodeID)
		}
	}
	active := m.activeLocked()
	m.mu.Unlock()
	close(e.done)

	m.metrics.ObserveDestroyed(reason)
	m.metrics.SetConnectionsActive(active)
	m.log.Debug("connection destroyed",
		zap.String("node", e.nodeID.Short()),
		zap.String("connection", e.id.Short()),
		zap.String("reason", reason))
	m.events.publish(Event{
		Type:         EventConnectionDestroyed,
		NodeID:       e.nodeID,
		ConnectionID: e.id,
		Address:      e.address,
		Inbound:      e.inbound,
		Reason:       reason,
	})

	if err != nil {
		return fmt.Errorf("failed to close connection %s: %w", e.id.Short(), err)
	}
	return nil
}

func (m *Manager) idleTimeout() time.Duration {
	d := m.cfg.IdleTimeoutMin
	if m.cfg.IdleTimeoutScale > 0 {
		d += time.Duration(rand.Int64N(int64(m.cfg.IdleTimeoutScale)))
	}
	return d
}

func (m *Manager) armTimerLocked(e *entry) {
	m.disarmTimerLocked(e)
	gen := e.timerGen
	e.timer = m.clock.AfterFunc(m.idleTimeout(), func() {
		m.onIdle(e, gen)
	})
}

func (m *Manager) disarmTimerLocked(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.timerGen++
}

func (m *Manager) onIdle(e *entry, gen uint64) {
	m.mu.Lock()
	if gen != e.timerGen || e.state != StateEstablished || e.usage > 0 {
		m.mu.Unlock()
		return
	}
	m.beginDestroyLocked(e, false)
	m.mu.Unlock()

	_ = m.finishDestroy(context.Background(), e, nil, false, "idle")
}

func (m *Manager) activeLocked() int {
	n := 0
	for _, set := range m.conns {
		for _, e := range set {
			if e.state.live() {
				n++
			}
		}
	}
	return n
}

// ConnectionsActive returns the number of live connections to all peers
func (m *Manager) ConnectionsActive() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeLocked()
}

// ListConnections returns every live connection ordered by node and ConnectionID
func (m *Manager) ListConnections() []ConnectionSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []ConnectionSummary
	for id, set := range m.conns {
		primary := m.primaryLocked(id)
		for _, e := range set {
			if !e.state.live() {
				continue
			}
			out = append(out, ConnectionSummary{
				NodeID:       e.nodeID,
				Address:      e.address,
				ConnectionID: e.id,
				UsageCount:   e.usage,
				Inbound:      e.inbound,
				Primary:      e == primary,
				State:        e.state.String(),
				Established:  e.createdAt,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NodeID != out[j].NodeID {
			return out[i].NodeID.Less(out[j].NodeID)
		}
		return out[i].ConnectionID.Less(out[j].ConnectionID)
	})
	return out
}

// Stop destroys every connection and releases all background work.
// Subsequent operations fail with ErrManagerStopped.
func (m *Manager) Stop(ctx context.Context, force bool) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	var all []*entry
	for _, set := range m.conns {
		for _, e := range set {
			all = append(all, e)
		}
	}
	m.mu.Unlock()

	var g errgroup.Group
	errs := make([]error, len(all))
	for i, e := range all {
		g.Go(func() error {
			errs[i] = m.destroyEntry(ctx, e, force, "stop")
			return nil
		})
	}
	_ = g.Wait()

	m.cancel()
	m.wg.Wait()
	m.events.close()
	return multierr.Combine(errs...)
}

// track adds one to the manager's wait group unless stopped. Callers must
// call m.wg.Done when track returns true.
func (m *Manager) track() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return false
	}
	m.wg.Add(1)
	return true
}

// goBackground runs fn on the manager's wait group unless stopped
func (m *Manager) goBackground(fn func()) bool {
	if !m.track() {
		return false
	}
	go func() {
		defer m.wg.Done()
		fn()
	}()
	return true
}

func (m *Manager) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}
