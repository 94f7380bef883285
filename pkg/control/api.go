// Package control implements the local control API of a Polykey agent.
// Clients exchange newline-delimited JSON requests and responses over a
// stream socket bound to loopback.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/WebFirstLanguage/polykey/pkg/agent"
	"github.com/WebFirstLanguage/polykey/pkg/constants"
	"github.com/WebFirstLanguage/polykey/pkg/types"
	"go.uber.org/zap"
)

// Request represents a control API request
type Request struct {
	Method string                 `json:"method"`
	ID     string                 `json:"id"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// Response represents a control API response
type Response struct {
	ID     string      `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Server implements the control API server
type Server struct {
	agent *agent.Agent
	log   *zap.Logger

	wg sync.WaitGroup
}

// NewServer creates a new control API server. logger may be nil.
func NewServer(agent *agent.Agent, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		agent: agent,
		log:   logger.Named("control"),
	}
}

// Serve accepts clients on listener until ctx is done. The listener is
// closed on return.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	stop := context.AfterFunc(ctx, func() { listener.Close() })
	defer stop()
	defer s.wg.Wait()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.log.Warn("accept failed", zap.Error(err))
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

// handleConnection handles a single client connection
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)

	for {
		var request Request
		if err := decoder.Decode(&request); err != nil {
			return
		}

		response := s.handleRequest(ctx, request)
		if response.Error != "" {
			s.log.Debug("request failed",
				zap.String("method", request.Method),
				zap.String("error", response.Error))
		}
		if err := encoder.Encode(response); err != nil {
			return
		}
	}
}

// handleRequest processes a single API request
func (s *Server) handleRequest(ctx context.Context, request Request) Response {
	var (
		result interface{}
		err    error
	)
	switch request.Method {
	case "GetInfo":
		result, err = s.handleGetInfo()
	case "connections.list":
		result, err = s.handleConnectionsList()
	case "connections.active":
		result, err = s.handleConnectionsActive()
	case "connections.destroy":
		result, err = s.handleConnectionsDestroy(ctx, request.Params)
	case "nodes.closest":
		result, err = s.handleNodesClosest(request.Params)
	case "nodes.add":
		result, err = s.handleNodesAdd(ctx, request.Params)
	case "nodes.connect":
		result, err = s.handleNodesConnect(ctx, request.Params)
	default:
		err = fmt.Errorf("unknown method: %s", request.Method)
	}
	if err != nil {
		return Response{ID: request.ID, Error: err.Error()}
	}
	return Response{ID: request.ID, Result: result}
}

var errNotRunning = errors.New("agent is not running")

func (s *Server) handleGetInfo() (interface{}, error) {
	result := map[string]interface{}{
		"nodeId":    s.agent.NodeID().Encode(),
		"state":     s.agent.State().String(),
		"transport": s.agent.TransportName(),
	}
	if addr := s.agent.Addr(); addr != nil {
		result["address"] = addr.String()
	}
	if m := s.agent.Manager(); m != nil {
		result["connections"] = m.ConnectionsActive()
	}
	if g := s.agent.Graph(); g != nil {
		result["graphSize"] = g.Size()
	}
	return result, nil
}

func (s *Server) handleConnectionsList() (interface{}, error) {
	m := s.agent.Manager()
	if m == nil {
		return nil, errNotRunning
	}
	return map[string]interface{}{
		"connections": m.ListConnections(),
	}, nil
}

func (s *Server) handleConnectionsActive() (interface{}, error) {
	m := s.agent.Manager()
	if m == nil {
		return nil, errNotRunning
	}
	return map[string]interface{}{
		"active": m.ConnectionsActive(),
	}, nil
}

func (s *Server) handleConnectionsDestroy(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	m := s.agent.Manager()
	if m == nil {
		return nil, errNotRunning
	}
	id, err := nodeIDParam(params, "nodeId")
	if err != nil {
		return nil, err
	}
	force, _ := params["force"].(bool)

	ctx, cancel := context.WithTimeout(ctx, constants.ConnectionConnectTimeout)
	defer cancel()
	if err := m.DestroyConnection(ctx, id, force, nil); err != nil {
		return nil, fmt.Errorf("failed to destroy connections: %w", err)
	}
	return map[string]interface{}{"success": true}, nil
}

func (s *Server) handleNodesClosest(params map[string]interface{}) (interface{}, error) {
	g := s.agent.Graph()
	if g == nil {
		return nil, errNotRunning
	}
	target, err := nodeIDParam(params, "target")
	if err != nil {
		return nil, err
	}
	limit := g.BucketSize()
	if v, ok := params["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}

	entries := g.GetClosestNodes(target, limit)
	out := make([]map[string]interface{}, len(entries))
	for i, e := range entries {
		out[i] = map[string]interface{}{
			"nodeId":   e.ID.Encode(),
			"address":  e.Address.String(),
			"lastSeen": e.LastSeen.Format(time.RFC3339),
		}
	}
	return map[string]interface{}{"nodes": out}, nil
}

func (s *Server) handleNodesAdd(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	g := s.agent.Graph()
	if g == nil {
		return nil, errNotRunning
	}
	id, err := nodeIDParam(params, "nodeId")
	if err != nil {
		return nil, err
	}
	addrStr, _ := params["address"].(string)
	if addrStr == "" {
		return nil, fmt.Errorf("address parameter is required")
	}
	addr, err := types.ParseNodeAddress(addrStr)
	if err != nil {
		return nil, err
	}
	if err := g.SetNode(ctx, id, addr); err != nil {
		return nil, fmt.Errorf("failed to add node: %w", err)
	}
	_, added := g.GetNode(id)
	return map[string]interface{}{"added": added}, nil
}

func (s *Server) handleNodesConnect(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := nodeIDParam(params, "nodeId")
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, constants.SignalingTimeout)
	defer cancel()

	conn, err := s.agent.Connect(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return map[string]interface{}{
		"nodeId":       conn.RemoteNodeID().Encode(),
		"connectionId": conn.ConnectionID().String(),
		"address":      conn.RemoteAddress().String(),
	}, nil
}

func nodeIDParam(params map[string]interface{}, key string) (types.NodeID, error) {
	s, ok := params[key].(string)
	if !ok || s == "" {
		return types.NodeID{}, fmt.Errorf("%s parameter is required", key)
	}
	id, err := types.ParseNodeID(s)
	if err != nil {
		return types.NodeID{}, fmt.Errorf("invalid %s: %w", key, err)
	}
	return id, nil
}
