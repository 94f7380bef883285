// Package agent implements the node agent lifecycle. An agent owns the
// node's identity, its transport listener, the node graph and the
// connection manager, and wires them together on Start.
package agent

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/WebFirstLanguage/polykey/internal/metrics"
	"github.com/WebFirstLanguage/polykey/internal/nodegraph"
	"github.com/WebFirstLanguage/polykey/internal/nodes"
	"github.com/WebFirstLanguage/polykey/internal/session"
	"github.com/WebFirstLanguage/polykey/pkg/constants"
	"github.com/WebFirstLanguage/polykey/pkg/identity"
	"github.com/WebFirstLanguage/polykey/pkg/transport"
	"github.com/WebFirstLanguage/polykey/pkg/transport/quic"
	"github.com/WebFirstLanguage/polykey/pkg/transport/tcp"
	"github.com/WebFirstLanguage/polykey/pkg/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// State represents the current state of the agent
type State int

const (
	// StateStopped indicates the agent is not running
	StateStopped State = iota
	// StateStarting indicates the agent is in the process of starting
	StateStarting
	// StateRunning indicates the agent is running normally
	StateRunning
	// StateStopping indicates the agent is in the process of stopping
	StateStopping
	// StateError indicates the agent failed and needs a restart
	StateError
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Config holds agent configuration
type Config struct {
	// Host and Port to bind. Port 0 picks a free port.
	Host string
	Port uint16

	// Transport is "quic" (default) or "tcp"
	Transport string

	// Bootstrap nodes dialed on start
	Bootstrap []types.NodeAddress

	// BucketSize is k for the node graph
	BucketSize int

	TransportConfig *transport.Config
	Nodes           *nodes.Config

	Logger  *zap.Logger
	Metrics *metrics.Recorder
}

// DefaultConfig returns the default agent configuration
func DefaultConfig() *Config {
	return &Config{
		Host:       constants.DefaultAgentHost,
		Port:       constants.DefaultAgentPort,
		Transport:  "quic",
		BucketSize: constants.NodeGraphBucketSize,
	}
}

// Agent is a running node
type Agent struct {
	mu       sync.RWMutex
	state    State
	identity *identity.Identity
	cfg      Config
	log      *zap.Logger

	registry *transport.Registry
	listener transport.Listener
	graph    *nodegraph.Graph
	manager  *nodes.Manager

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new agent with the given identity. cfg may be nil.
func New(id *identity.Identity, cfg *Config) *Agent {
	c := DefaultConfig()
	if cfg != nil {
		c = cfg
		if c.Transport == "" {
			c.Transport = "quic"
		}
		if c.Host == "" {
			c.Host = constants.DefaultAgentHost
		}
	}
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{
		state:    StateStopped,
		identity: id,
		cfg:      *c,
		log:      logger.Named("agent"),
	}
}

// State returns the current state of the agent
func (a *Agent) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *Agent) setState(state State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = state
}

// Identity returns the agent's identity
func (a *Agent) Identity() *identity.Identity {
	return a.identity
}

// NodeID returns the agent's NodeID
func (a *Agent) NodeID() types.NodeID {
	if a.identity == nil {
		return types.NodeID{}
	}
	return a.identity.NodeID()
}

// TransportName returns the transport the agent listens on
func (a *Agent) TransportName() string {
	return a.cfg.Transport
}

// Manager returns the connection manager; nil unless running
func (a *Agent) Manager() *nodes.Manager {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.manager
}

// Graph returns the node graph; nil unless running
func (a *Agent) Graph() *nodegraph.Graph {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.graph
}

// Addr returns the bound listener address; nil unless running
func (a *Agent) Addr() net.Addr {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Start binds the listener, builds the node graph and connection manager
// and dials the bootstrap nodes
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == StateRunning {
		return fmt.Errorf("agent is already running")
	}
	if a.state == StateStarting {
		return fmt.Errorf("agent is already starting")
	}
	if a.identity == nil {
		return fmt.Errorf("agent has no identity")
	}
	a.state = StateStarting

	if err := a.startLocked(ctx); err != nil {
		a.state = StateError
		return err
	}
	a.state = StateRunning

	a.log.Info("agent started",
		zap.String("node_id", a.identity.NodeID().Encode()),
		zap.String("transport", a.cfg.Transport),
		zap.String("address", a.listener.Addr().String()))

	a.wg.Add(1)
	go a.acceptLoop()

	if len(a.cfg.Bootstrap) > 0 {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.bootstrap(a.ctx)
		}()
	}
	return nil
}

func (a *Agent) startLocked(ctx context.Context) error {
	tlsConfig, err := transport.NewTLSConfig(a.identity.SigningPrivateKey)
	if err != nil {
		return fmt.Errorf("failed to create TLS config: %w", err)
	}

	trCfg := a.cfg.TransportConfig
	if trCfg == nil {
		trCfg = transport.DefaultConfig()
	}
	a.registry = transport.NewRegistry()
	a.registry.Register(quic.New(trCfg))
	a.registry.Register(tcp.New(trCfg))

	tr, ok := a.registry.Get(a.cfg.Transport)
	if !ok {
		a.closeTransports()
		return fmt.Errorf("unknown transport %q (available: %v)", a.cfg.Transport, a.registry.List())
	}

	bind := net.JoinHostPort(a.cfg.Host, fmt.Sprint(a.cfg.Port))
	listener, err := tr.Listen(ctx, bind, tlsConfig)
	if err != nil {
		a.closeTransports()
		return fmt.Errorf("failed to listen on %s: %w", bind, err)
	}

	nodesCfg := nodes.Config{}
	if a.cfg.Nodes != nil {
		nodesCfg = *a.cfg.Nodes
	}
	if nodesCfg.Logger == nil {
		nodesCfg.Logger = a.log
	}
	if nodesCfg.Metrics == nil {
		nodesCfg.Metrics = a.cfg.Metrics
	}
	if p, ok := tr.(nodes.Puncher); ok && nodesCfg.Puncher == nil {
		nodesCfg.Puncher = p
	}

	graph := nodegraph.New(a.identity.NodeID(), &nodegraph.Config{
		BucketSize: a.cfg.BucketSize,
		Logger:     nodesCfg.Logger,
		Clock:      nodesCfg.Clock,
		Metrics:    nodesCfg.Metrics,
	})
	dialer := session.NewDialer(a.identity, tr, tlsConfig, nodesCfg.Logger)
	manager := nodes.NewManager(a.identity, graph, dialer, &nodesCfg)
	graph.SetPinger(manager)

	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.listener = listener
	a.graph = graph
	a.manager = manager
	return nil
}

// acceptLoop authenticates inbound sessions and hands them to the manager
func (a *Agent) acceptLoop() {
	defer a.wg.Done()

	timeout := constants.ConnectionConnectTimeout
	if a.cfg.TransportConfig != nil && a.cfg.TransportConfig.ConnectTimeout > 0 {
		timeout = a.cfg.TransportConfig.ConnectTimeout
	}

	for {
		sess, err := a.listener.Accept(a.ctx)
		if err != nil {
			if a.ctx.Err() != nil {
				return
			}
			// Handshake failures are absorbed by the listener; anything
			// surfacing here means the socket is gone
			a.log.Error("listener failed", zap.Error(err))
			a.setState(StateError)
			return
		}

		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			ctx, cancel := context.WithTimeout(a.ctx, timeout)
			defer cancel()

			conn, err := session.Upgrade(ctx, sess, a.identity)
			if err != nil {
				a.log.Debug("inbound handshake failed",
					zap.String("remote", sess.RemoteAddr().String()), zap.Error(err))
				return
			}
			if err := a.manager.HandleInbound(conn); err != nil {
				a.log.Debug("inbound connection rejected", zap.Error(err))
			}
		}()
	}
}

// bootstrap dials the configured nodes and seeds the graph from their
// view of the network around the local NodeID
func (a *Agent) bootstrap(ctx context.Context) {
	self := a.identity.NodeID()
	g, ctx := errgroup.WithContext(ctx)
	for _, addr := range a.cfg.Bootstrap {
		g.Go(func() error {
			conn, err := a.manager.CreateConnection(ctx, nil, addr)
			if err != nil {
				a.log.Warn("bootstrap dial failed", zap.String("address", addr.String()), zap.Error(err))
				return nil
			}
			found, err := a.manager.GetRemoteClosestNodes(ctx, conn.RemoteNodeID(), self)
			if err != nil {
				a.log.Debug("bootstrap lookup failed", zap.String("address", addr.String()), zap.Error(err))
				return nil
			}
			for _, e := range found {
				_ = a.graph.SetNode(ctx, e.ID, e.Address)
			}
			return nil
		})
	}
	_ = g.Wait()
	a.log.Info("bootstrap complete", zap.Int("graph_size", a.graph.Size()))
}

// Connect returns a connection to id, dialing or hole punching as needed
func (a *Agent) Connect(ctx context.Context, id types.NodeID) (nodes.Connection, error) {
	m := a.Manager()
	if m == nil || a.State() != StateRunning {
		return nil, fmt.Errorf("agent is not running")
	}
	return m.Connect(ctx, id)
}

// Stop destroys all connections gracefully, escalating to a forced close
// when ctx ends, and releases the listener
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.state == StateStopped {
		a.mu.Unlock()
		return fmt.Errorf("agent is already stopped")
	}
	if a.state == StateStopping {
		a.mu.Unlock()
		return fmt.Errorf("agent is already stopping")
	}
	a.state = StateStopping
	manager, listener := a.manager, a.listener
	a.mu.Unlock()

	var err error
	if a.cancel != nil {
		a.cancel()
	}
	if listener != nil {
		listener.Close()
	}
	if manager != nil {
		err = manager.Stop(ctx, false)
	}
	a.wg.Wait()

	a.mu.Lock()
	a.closeTransports()
	a.manager, a.listener, a.graph = nil, nil, nil
	a.state = StateStopped
	a.mu.Unlock()

	a.log.Info("agent stopped")
	return err
}

func (a *Agent) closeTransports() {
	if a.registry == nil {
		return
	}
	for _, name := range a.registry.List() {
		if tr, ok := a.registry.Get(name); ok {
			tr.Close()
		}
	}
	a.registry = nil
}
