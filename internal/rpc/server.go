package rpc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/WebFirstLanguage/polykey/internal/metrics"
	"github.com/WebFirstLanguage/polykey/pkg/transport"
	"github.com/WebFirstLanguage/polykey/pkg/types"
	"github.com/WebFirstLanguage/polykey/pkg/wire"
	"go.uber.org/zap"
)

// DefaultCallTimeout bounds a single inbound call
const DefaultCallTimeout = 30 * time.Second

// Peer describes the authenticated caller of an inbound request
type Peer struct {
	NodeID       types.NodeID
	Address      types.NodeAddress
	ConnectionID types.ConnectionID
}

// Request is an inbound call
type Request struct {
	*wire.Request
	Peer Peer
}

// HandlerFunc serves one method. Unary handlers call send once; streaming
// handlers call it per item. The server writes the final done frame.
type HandlerFunc func(ctx context.Context, req *Request, send func(item interface{}) error) error

// Server dispatches inbound calls to registered handlers
type Server struct {
	log     *zap.Logger
	metrics *metrics.Recorder
	timeout time.Duration

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewServer creates a server with no handlers
func NewServer(logger *zap.Logger, m *metrics.Recorder) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		log:      logger.Named("rpc"),
		metrics:  m,
		timeout:  DefaultCallTimeout,
		handlers: make(map[string]HandlerFunc),
	}
}

// Register installs the handler for method, replacing any previous one
func (s *Server) Register(method string, h HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// Methods returns the number of registered methods
func (s *Server) Methods() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handlers)
}

// ServeStream serves one call on stream and closes it
func (s *Server) ServeStream(ctx context.Context, stream transport.Stream, peer Peer) {
	defer stream.Close()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	defer transport.BindContext(ctx, stream)()

	var req wire.Request
	if err := wire.ReadFrame(stream, &req); err != nil {
		s.log.Debug("failed to read request", zap.String("peer", peer.NodeID.Short()), zap.Error(err))
		return
	}

	if err := req.Validate(); err != nil {
		s.finish(stream, &req, "invalid", err)
		return
	}

	s.mu.RLock()
	h, ok := s.handlers[req.Method]
	s.mu.RUnlock()
	if !ok {
		s.finish(stream, &req, "unknown", wire.ErrUnknownMethod(req.Method))
		return
	}

	send := func(item interface{}) error {
		resp := &wire.Response{ID: req.ID}
		raw, err := encodeBody(item)
		if err != nil {
			return err
		}
		resp.Body = raw
		return wire.WriteFrame(stream, resp)
	}

	err := h(ctx, &Request{Request: &req, Peer: peer}, send)
	s.finish(stream, &req, req.Method, err)
}

// finish writes the done frame; label names the method in metrics so that
// unregistered method names do not create new series
func (s *Server) finish(stream transport.Stream, req *wire.Request, label string, err error) {
	resp := &wire.Response{ID: req.ID, Done: true}
	result := "ok"
	if err != nil {
		var werr *wire.Error
		if !errors.As(err, &werr) {
			werr = wire.ErrInternal(err)
		}
		resp.Error = werr
		result = wire.ErrorCodeName(werr.Code)
		s.log.Debug("call failed", zap.String("method", req.Method), zap.Error(err))
	}
	s.metrics.ObserveRPC(label, result)

	if err := wire.WriteFrame(stream, resp); err != nil {
		s.log.Debug("failed to write final response", zap.String("method", req.Method), zap.Error(err))
	}
}
