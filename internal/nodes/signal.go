package nodes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/WebFirstLanguage/polykey/internal/rpc"
	"github.com/WebFirstLanguage/polykey/pkg/codec/cborcanon"
	"github.com/WebFirstLanguage/polykey/pkg/constants"
	"github.com/WebFirstLanguage/polykey/pkg/identity"
	"github.com/WebFirstLanguage/polykey/pkg/types"
	"github.com/WebFirstLanguage/polykey/pkg/wire"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	signalDedupSize = constants.SignalFinalDedupMax
	limiterIdleTTL  = time.Minute
)

// signalInitialRequest asks a signaler to relay a punch to Target. It is
// signed by the requesting node.
type signalInitialRequest struct {
	Target    types.NodeID `cbor:"target"`
	Timestamp int64        `cbor:"ts"`
	Signature []byte       `cbor:"sig,omitempty"`
}

// signalInitialResponse carries the target's address as seen by the signaler
type signalInitialResponse struct {
	Host string `cbor:"host"`
	Port uint16 `cbor:"port"`
}

// signalFinalRequest is relayed to the target. Host and Port are the
// requester's address as seen by the signaler.
type signalFinalRequest struct {
	Source           types.NodeID `cbor:"source"`
	Target           types.NodeID `cbor:"target"`
	Host             string       `cbor:"host"`
	Port             uint16       `cbor:"port"`
	Timestamp        int64        `cbor:"ts"`
	RequestSignature []byte       `cbor:"requestSig"`
	RelaySignature   []byte       `cbor:"relaySig,omitempty"`
}

type signalAck struct{}

// CreateConnectionPunch connects to target through NAT by asking signaler,
// which must hold live connections to both nodes, to coordinate a
// simultaneous open. Concurrent calls for the same pair share one attempt
// and its resulting connection.
func (m *Manager) CreateConnectionPunch(ctx context.Context, target, signaler types.NodeID) (Connection, error) {
	if m.isStopped() {
		return nil, ErrManagerStopped
	}
	if !m.HasConnection(signaler) {
		return nil, fmt.Errorf("%w: no connection to signaler %s", ErrSignalingUnavailable, signaler.Short())
	}
	if info, ok := m.GetConnection(target); ok {
		return info.Connection, nil
	}

	key := target.String() + "/" + signaler.String()
	ch := m.punches.DoChan(key, func() (interface{}, error) {
		if !m.track() {
			return nil, ErrManagerStopped
		}
		defer m.wg.Done()

		conn, err := m.punch(target, signaler)
		if err != nil {
			return nil, err
		}
		return conn, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Connection), nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: punch to %s: %w", ErrConnectionTimeout, target.Short(), ctx.Err())
		}
		return nil, ctx.Err()
	}
}

// punch runs one coordination on the manager's lifetime so that callers
// giving up do not abort it for the others
func (m *Manager) punch(target, signaler types.NodeID) (Connection, error) {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.PunchTimeout)
	defer cancel()

	req := &signalInitialRequest{Target: target, Timestamp: m.clock.Now().UnixMilli()}
	sig, err := m.sign(req, "sig")
	if err != nil {
		return nil, err
	}
	req.Signature = sig

	var resp signalInitialResponse
	err = m.WithConnF(ctx, signaler, func(ctx context.Context, conn Connection) error {
		return rpc.Call(ctx, conn, constants.MethodNodesConnectionSignalInitial, req, &resp)
	})
	if err != nil {
		m.metrics.ObservePunch("initiator", "signal_error")
		return nil, punchError(ctx, err)
	}

	addr := types.NodeAddress{Host: resp.Host, Port: resp.Port}
	if m.cfg.Puncher != nil {
		if err := m.cfg.Puncher.Punch(ctx, addr.String()); err != nil {
			m.log.Debug("punch failed", zap.String("target", target.Short()), zap.Error(err))
		}
	}

	conn, err := m.createConnection(ctx, []types.NodeID{target}, addr, true)
	if err != nil {
		m.metrics.ObservePunch("initiator", "dial_error")
		return nil, punchError(ctx, err)
	}
	m.metrics.ObservePunch("initiator", "ok")
	m.log.Info("hole punched connection established",
		zap.String("target", target.Short()),
		zap.String("signaler", signaler.Short()),
		zap.String("address", addr.String()))
	return conn, nil
}

func punchError(ctx context.Context, err error) error {
	err = remoteError(err)
	if errors.Is(err, ErrNoConnection) {
		err = fmt.Errorf("%w: %w", ErrSignalingUnavailable, err)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrConnectionTimeout) {
		err = fmt.Errorf("%w: %w", ErrConnectionTimeout, err)
	}
	return err
}

// handleSignalInitial runs on the signaler
func (m *Manager) handleSignalInitial(ctx context.Context, req *rpc.Request, send func(interface{}) error) error {
	var body signalInitialRequest
	if err := req.DecodeBody(&body); err != nil {
		return err
	}
	source := req.Peer.NodeID

	if !m.allowRelay(source) {
		m.metrics.ObserveSignalRelay("rate_limited")
		return wire.ErrRateLimit(1)
	}
	if err := verifySigned(source, &body, "sig", body.Signature); err != nil {
		m.metrics.ObserveSignalRelay("invalid")
		return wireError(err)
	}
	if err := m.checkFresh(body.Timestamp); err != nil {
		m.metrics.ObserveSignalRelay("invalid")
		return err
	}
	if body.Target == source || body.Target == m.NodeID() {
		m.metrics.ObserveSignalRelay("invalid")
		return wire.NewError(constants.ErrorInvalidRequest, "invalid signaling target")
	}

	info, ok := m.GetConnection(body.Target)
	if !ok {
		m.metrics.ObserveSignalRelay("unavailable")
		return wire.NewError(constants.ErrorSignalingUnavailable,
			fmt.Sprintf("no connection to %s", body.Target.Short()))
	}

	final := &signalFinalRequest{
		Source:           source,
		Target:           body.Target,
		Host:             req.Peer.Address.Host,
		Port:             req.Peer.Address.Port,
		Timestamp:        body.Timestamp,
		RequestSignature: body.Signature,
	}
	relaySig, err := m.sign(final, "relaySig")
	if err != nil {
		return err
	}
	final.RelaySignature = relaySig

	err = m.WithConnF(ctx, body.Target, func(ctx context.Context, conn Connection) error {
		return rpc.Call(ctx, conn, constants.MethodNodesConnectionSignalFinal, final, &signalAck{})
	})
	if err != nil {
		m.metrics.ObserveSignalRelay("error")
		m.log.Debug("signal relay failed",
			zap.String("source", source.Short()),
			zap.String("target", body.Target.Short()),
			zap.Error(err))
		return wire.NewError(constants.ErrorSignalingUnavailable, err.Error())
	}

	m.metrics.ObserveSignalRelay("ok")
	return send(&signalInitialResponse{Host: info.Address.Host, Port: info.Address.Port})
}

// handleSignalFinal runs on the target
func (m *Manager) handleSignalFinal(ctx context.Context, req *rpc.Request, send func(interface{}) error) error {
	var body signalFinalRequest
	if err := req.DecodeBody(&body); err != nil {
		return err
	}
	if body.Target != m.NodeID() {
		return wire.NewError(constants.ErrorInvalidRequest, "signal addressed to another node")
	}

	initial := &signalInitialRequest{Target: body.Target, Timestamp: body.Timestamp}
	if err := verifySigned(body.Source, initial, "sig", body.RequestSignature); err != nil {
		return wireError(err)
	}
	if err := verifySigned(req.Peer.NodeID, &body, "relaySig", body.RelaySignature); err != nil {
		return wireError(err)
	}
	if err := m.checkFresh(body.Timestamp); err != nil {
		return err
	}

	addr := types.NodeAddress{Host: body.Host, Port: body.Port}
	if !m.firstRelay(body.Source.String() + "|" + addr.String()) {
		m.metrics.ObservePunch("target", "duplicate")
		return send(&signalAck{})
	}

	if m.cfg.Puncher != nil {
		m.goBackground(func() {
			pctx, cancel := context.WithTimeout(m.ctx, m.cfg.PunchTimeout)
			defer cancel()
			if err := m.cfg.Puncher.Punch(pctx, addr.String()); err != nil {
				m.metrics.ObservePunch("target", "error")
				m.log.Debug("punch toward requester failed",
					zap.String("source", body.Source.Short()), zap.Error(err))
				return
			}
			m.metrics.ObservePunch("target", "ok")
		})
	}
	return send(&signalAck{})
}

func (m *Manager) allowRelay(source types.NodeID) bool {
	m.signalMu.Lock()
	defer m.signalMu.Unlock()

	l, ok := m.limiters.Get(source)
	if !ok {
		l = rate.NewLimiter(rate.Limit(m.cfg.SignalRelayRate), m.cfg.SignalRelayBurst)
		m.limiters.Add(source, l)
	}
	return l.AllowN(m.clock.Now(), 1)
}

// firstRelay reports whether key was not seen within the dedup window
func (m *Manager) firstRelay(key string) bool {
	m.signalMu.Lock()
	defer m.signalMu.Unlock()

	if m.relayed.Contains(key) {
		return false
	}
	m.relayed.Add(key, struct{}{})
	return true
}

func (m *Manager) checkFresh(ts int64) error {
	age := m.clock.Now().Sub(time.UnixMilli(ts))
	if age < 0 {
		age = -age
	}
	if age > m.cfg.SignalMaxSkew {
		return wire.NewError(constants.ErrorInvalidRequest, "stale signaling request")
	}
	return nil
}

func (m *Manager) sign(v interface{}, field string) ([]byte, error) {
	data, err := cborcanon.EncodeForSigning(v, field)
	if err != nil {
		return nil, fmt.Errorf("failed to encode for signing: %w", err)
	}
	return m.self.Sign(data), nil
}

func verifySigned(signer types.NodeID, v interface{}, field string, sig []byte) error {
	data, err := cborcanon.EncodeForSigning(v, field)
	if err != nil {
		return fmt.Errorf("failed to encode for signing: %w", err)
	}
	if !identity.Verify(signer, data, sig) {
		return fmt.Errorf("%w: signer %s", ErrInvalidSignature, signer.Short())
	}
	return nil
}
