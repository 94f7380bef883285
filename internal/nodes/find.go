package nodes

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/WebFirstLanguage/polykey/internal/nodegraph"
	"github.com/WebFirstLanguage/polykey/internal/rpc"
	"github.com/WebFirstLanguage/polykey/pkg/constants"
	"github.com/WebFirstLanguage/polykey/pkg/types"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ActiveConnection is a peer's report of one of its live connections
type ActiveConnection struct {
	NodeID     types.NodeID
	Address    types.NodeAddress
	UsageCount int
}

// Ping reports whether id answers at addr. An existing connection is probed
// with nodesPing; otherwise a new connection is attempted without touching
// the node graph, which makes Ping safe to use as the graph's liveness probe.
func (m *Manager) Ping(ctx context.Context, id types.NodeID, addr types.NodeAddress) bool {
	if m.HasConnection(id) {
		err := m.WithConnF(ctx, id, func(ctx context.Context, conn Connection) error {
			var resp pingResponse
			if err := rpc.Call(ctx, conn, constants.MethodNodesPing, &pingRequest{}, &resp); err != nil {
				return err
			}
			if resp.NodeID != id {
				return ErrNodeIDMismatch
			}
			return nil
		})
		if err == nil {
			return true
		}
		m.log.Debug("ping over existing connection failed", zap.String("node", id.Short()), zap.Error(err))
	}
	_, err := m.createConnection(ctx, []types.NodeID{id}, addr, false)
	return err == nil
}

// GetClosestActiveConnections asks via for its live connections closest to target
func (m *Manager) GetClosestActiveConnections(ctx context.Context, via, target types.NodeID) ([]ActiveConnection, error) {
	var items []activeConnectionItem
	err := m.WithConnF(ctx, via, func(ctx context.Context, conn Connection) error {
		var err error
		items, err = rpc.Collect[activeConnectionItem](ctx, conn,
			constants.MethodNodesClosestActiveConnectionsGet, &closestRequest{Target: target})
		return err
	})
	if err != nil {
		return nil, remoteError(err)
	}

	out := make([]ActiveConnection, 0, len(items))
	for _, item := range items {
		out = append(out, ActiveConnection{
			NodeID:     item.NodeID,
			Address:    types.NodeAddress{Host: item.Host, Port: item.Port},
			UsageCount: item.UsageCount,
		})
	}
	return out, nil
}

// GetRemoteClosestNodes asks via for the entries of its node graph closest to target
func (m *Manager) GetRemoteClosestNodes(ctx context.Context, via, target types.NodeID) ([]nodegraph.NodeEntry, error) {
	var items []nodeItem
	err := m.WithConnF(ctx, via, func(ctx context.Context, conn Connection) error {
		var err error
		items, err = rpc.Collect[nodeItem](ctx, conn,
			constants.MethodNodesClosestLocalNodesGet, &closestRequest{Target: target})
		return err
	})
	if err != nil {
		return nil, remoteError(err)
	}

	out := make([]nodegraph.NodeEntry, 0, len(items))
	for _, item := range items {
		out = append(out, nodegraph.NodeEntry{
			ID:      item.NodeID,
			Address: types.NodeAddress{Host: item.Host, Port: item.Port},
		})
	}
	return out, nil
}

// FindNode resolves the address of target. The local graph is consulted
// first; otherwise the closest known nodes are queried FindNodeAlpha at a
// time, moving toward target until it is found or no unqueried node is left.
func (m *Manager) FindNode(ctx context.Context, target types.NodeID) (types.NodeAddress, error) {
	if m.isStopped() {
		return types.NodeAddress{}, ErrManagerStopped
	}
	if m.graph == nil {
		return types.NodeAddress{}, ErrNodeNotFound
	}
	if addr, ok := m.graph.GetNode(target); ok {
		return addr, nil
	}

	k := m.graph.BucketSize()
	self := m.NodeID()
	shortlist := m.graph.GetClosestNodes(target, k)
	queried := map[types.NodeID]bool{self: true}

	for {
		if err := ctx.Err(); err != nil {
			return types.NodeAddress{}, err
		}

		var round []nodegraph.NodeEntry
		for _, e := range shortlist {
			if len(round) == m.cfg.FindNodeAlpha {
				break
			}
			if !queried[e.ID] {
				queried[e.ID] = true
				round = append(round, e)
			}
		}
		if len(round) == 0 {
			return types.NodeAddress{}, fmt.Errorf("%w: %s", ErrNodeNotFound, target.Short())
		}

		results := make([][]nodegraph.NodeEntry, len(round))
		var g errgroup.Group
		for i, contact := range round {
			g.Go(func() error {
				found, err := m.queryContact(ctx, contact, target)
				if err != nil {
					m.log.Debug("lookup query failed",
						zap.String("contact", contact.ID.Short()),
						zap.String("target", target.Short()),
						zap.Error(err))
					return nil
				}
				results[i] = found
				return nil
			})
		}
		_ = g.Wait()

		seen := make(map[types.NodeID]bool, len(shortlist))
		for _, e := range shortlist {
			seen[e.ID] = true
		}
		for _, found := range results {
			for _, e := range found {
				if e.ID == target {
					return e.Address, nil
				}
				if e.ID == self || seen[e.ID] {
					continue
				}
				seen[e.ID] = true
				shortlist = append(shortlist, e)
			}
		}
		sort.Slice(shortlist, func(i, j int) bool {
			return types.CloserTo(target, shortlist[i].ID, shortlist[j].ID)
		})
		if len(shortlist) > k {
			shortlist = shortlist[:k]
		}
	}
}

func (m *Manager) queryContact(ctx context.Context, contact nodegraph.NodeEntry, target types.NodeID) ([]nodegraph.NodeEntry, error) {
	if !m.HasConnection(contact.ID) {
		if _, err := m.createConnection(ctx, []types.NodeID{contact.ID}, contact.Address, true); err != nil {
			return nil, err
		}
	}
	return m.GetRemoteClosestNodes(ctx, contact.ID, target)
}

// Connect returns a connection to id, reusing the primary when one exists.
// Otherwise the address is resolved and dialed; if that fails, connected
// peers reporting a live connection to id are used as signalers for a
// hole punch.
func (m *Manager) Connect(ctx context.Context, id types.NodeID) (Connection, error) {
	if info, ok := m.GetConnection(id); ok {
		return info.Connection, nil
	}

	addr, err := m.FindNode(ctx, id)
	if err == nil {
		conn, dialErr := m.createConnection(ctx, []types.NodeID{id}, addr, true)
		if dialErr == nil {
			return conn, nil
		}
		if errors.Is(dialErr, ErrNodeIDMismatch) || errors.Is(dialErr, ErrManagerStopped) || ctx.Err() != nil {
			return nil, dialErr
		}
		err = dialErr
	} else if ctx.Err() != nil || errors.Is(err, ErrManagerStopped) {
		return nil, err
	}

	for _, via := range m.signalersFor(ctx, id) {
		conn, punchErr := m.CreateConnectionPunch(ctx, id, via)
		if punchErr == nil {
			return conn, nil
		}
		err = multierr.Append(err, punchErr)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, err
}

// signalersFor returns connected peers, closest to target first, that
// report a live connection to target
func (m *Manager) signalersFor(ctx context.Context, target types.NodeID) []types.NodeID {
	candidates := m.closestActive(target, target, m.cfg.FindNodeAlpha)

	var signalers []types.NodeID
	for _, c := range candidates {
		active, err := m.GetClosestActiveConnections(ctx, c.NodeID, target)
		if err != nil {
			continue
		}
		for _, a := range active {
			if a.NodeID == target {
				signalers = append(signalers, c.NodeID)
				break
			}
		}
	}
	return signalers
}
