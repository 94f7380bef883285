package nodes

import (
	"context"
	"sort"

	"github.com/WebFirstLanguage/polykey/internal/rpc"
	"github.com/WebFirstLanguage/polykey/pkg/constants"
	"github.com/WebFirstLanguage/polykey/pkg/types"
)

type pingRequest struct{}

type pingResponse struct {
	NodeID types.NodeID `cbor:"nodeId"`
}

type closestRequest struct {
	Target types.NodeID `cbor:"target"`
}

// activeConnectionItem is one element of a nodesClosestActiveConnectionsGet stream
type activeConnectionItem struct {
	NodeID     types.NodeID `cbor:"nodeId"`
	Host       string       `cbor:"host"`
	Port       uint16       `cbor:"port"`
	UsageCount int          `cbor:"usageCount"`
}

// nodeItem is one element of a nodesClosestLocalNodesGet stream
type nodeItem struct {
	NodeID types.NodeID `cbor:"nodeId"`
	Host   string       `cbor:"host"`
	Port   uint16       `cbor:"port"`
}

func (m *Manager) registerHandlers() {
	m.server.Register(constants.MethodNodesPing, m.handlePing)
	m.server.Register(constants.MethodNodesConnectionSignalInitial, m.handleSignalInitial)
	m.server.Register(constants.MethodNodesConnectionSignalFinal, m.handleSignalFinal)
	m.server.Register(constants.MethodNodesClosestActiveConnectionsGet, m.handleClosestActiveConnections)
	m.server.Register(constants.MethodNodesClosestLocalNodesGet, m.handleClosestLocalNodes)
}

func (m *Manager) handlePing(ctx context.Context, req *rpc.Request, send func(interface{}) error) error {
	return send(&pingResponse{NodeID: m.NodeID()})
}

func (m *Manager) handleClosestActiveConnections(ctx context.Context, req *rpc.Request, send func(interface{}) error) error {
	var body closestRequest
	if err := req.DecodeBody(&body); err != nil {
		return err
	}
	for _, item := range m.closestActive(body.Target, req.Peer.NodeID, m.bucketSize()) {
		if err := send(&item); err != nil {
			return err
		}
	}
	return nil
}

// closestActive returns the primaries of connected peers other than
// exclude, in ascending XOR distance to target
func (m *Manager) closestActive(target, exclude types.NodeID, limit int) []activeConnectionItem {
	m.mu.Lock()
	items := make([]activeConnectionItem, 0, len(m.conns))
	for id := range m.conns {
		if id == exclude {
			continue
		}
		e := m.primaryLocked(id)
		if e == nil {
			continue
		}
		items = append(items, activeConnectionItem{
			NodeID:     id,
			Host:       e.address.Host,
			Port:       e.address.Port,
			UsageCount: e.usage,
		})
	}
	m.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		return types.CloserTo(target, items[i].NodeID, items[j].NodeID)
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}

func (m *Manager) handleClosestLocalNodes(ctx context.Context, req *rpc.Request, send func(interface{}) error) error {
	var body closestRequest
	if err := req.DecodeBody(&body); err != nil {
		return err
	}
	if m.graph == nil {
		return nil
	}
	k := m.bucketSize()
	sent := 0
	for _, entry := range m.graph.GetClosestNodes(body.Target, k+1) {
		if entry.ID == req.Peer.NodeID || sent == k {
			continue
		}
		sent++
		if err := send(&nodeItem{NodeID: entry.ID, Host: entry.Address.Host, Port: entry.Address.Port}); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) bucketSize() int {
	if m.graph == nil {
		return constants.NodeGraphBucketSize
	}
	return m.graph.BucketSize()
}
