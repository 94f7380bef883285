package nodes

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/WebFirstLanguage/polykey/internal/rpc"
	"github.com/WebFirstLanguage/polykey/pkg/constants"
	"github.com/WebFirstLanguage/polykey/pkg/types"
	"github.com/WebFirstLanguage/polykey/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// punchTopology connects initiator to signaler and signaler to target
func punchTopology(t *testing.T, cfg *Config) (initiator, signaler, target *testNode) {
	t.Helper()
	fn := newFakeNet()
	initiator = fn.addNode(t, cfg)
	signaler = fn.addNode(t, cfg)
	target = fn.addNode(t, cfg)

	ctx := context.Background()
	_, err := initiator.mgr.CreateConnection(ctx, []types.NodeID{signaler.nodeID()}, signaler.addr)
	require.NoError(t, err)
	_, err = signaler.mgr.CreateConnection(ctx, []types.NodeID{target.nodeID()}, target.addr)
	require.NoError(t, err)
	return initiator, signaler, target
}

func TestPunchWithoutSignalerConnection(t *testing.T) {
	fn := newFakeNet()
	a := fn.addNode(t, nil)
	s := fn.addNode(t, nil)
	target := fn.addNode(t, nil)

	_, err := a.mgr.CreateConnectionPunch(context.Background(), target.nodeID(), s.nodeID())
	assert.ErrorIs(t, err, ErrSignalingUnavailable)
	assert.Zero(t, a.puncher.calls.Load())
}

func TestPunchSignalerWithoutTargetConnection(t *testing.T) {
	fn := newFakeNet()
	a := fn.addNode(t, nil)
	s := fn.addNode(t, nil)
	target := fn.addNode(t, nil)

	_, err := a.mgr.CreateConnection(context.Background(), nil, s.addr)
	require.NoError(t, err)

	_, err = a.mgr.CreateConnectionPunch(context.Background(), target.nodeID(), s.nodeID())
	assert.ErrorIs(t, err, ErrSignalingUnavailable)
	assert.Equal(t, uint16(constants.ErrorSignalingUnavailable), wire.CodeOf(err))
	assert.Zero(t, a.puncher.calls.Load())
	assert.Zero(t, target.puncher.calls.Load())
	assert.False(t, s.mgr.HasConnection(target.nodeID()), "signaler never dials the target itself")
}

func TestPunchEstablishesConnection(t *testing.T) {
	a, s, target := punchTopology(t, nil)

	conn, err := a.mgr.CreateConnectionPunch(context.Background(), target.nodeID(), s.nodeID())
	require.NoError(t, err)
	assert.Equal(t, target.nodeID(), conn.RemoteNodeID())
	assert.True(t, a.mgr.HasConnection(target.nodeID()))

	assert.Equal(t, []string{target.addr.String()}, a.puncher.punchedAddrs())
	require.Eventually(t, func() bool {
		return target.puncher.calls.Load() == 1
	}, eventually, 5*time.Millisecond, "target punches toward the initiator")
	assert.Equal(t, []string{a.addr.String()}, target.puncher.punchedAddrs())

	// Signaler and initiator are both free again
	info, ok := a.mgr.GetConnection(s.nodeID())
	require.True(t, ok)
	assert.Equal(t, 0, info.UsageCount)
}

func TestConcurrentPunchesShareOneAttempt(t *testing.T) {
	a, s, target := punchTopology(t, nil)
	a.puncher.started = make(chan struct{}, 1)
	a.puncher.release = make(chan struct{})

	const n = 3
	conns := make([]Connection, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	call := func(i int) {
		defer wg.Done()
		conns[i], errs[i] = a.mgr.CreateConnectionPunch(context.Background(), target.nodeID(), s.nodeID())
	}

	wg.Add(1)
	go call(0)
	<-a.puncher.started
	for i := 1; i < n; i++ {
		wg.Add(1)
		go call(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(a.puncher.release)
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, conns[i])
		assert.Equal(t, conns[0].ConnectionID(), conns[i].ConnectionID())
	}
	assert.Equal(t, int32(1), a.puncher.calls.Load(), "one underlying punch")

	toTarget := 0
	for _, c := range a.mgr.ListConnections() {
		if c.NodeID == target.nodeID() {
			toTarget++
		}
	}
	assert.Equal(t, 1, toTarget)
}

func TestPunchTimeout(t *testing.T) {
	a, s, target := punchTopology(t, &Config{PunchTimeout: 100 * time.Millisecond})
	target.hang.Store(true)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = a.mgr.CreateConnectionPunch(context.Background(), target.nodeID(), s.nodeID())
		}()
	}
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, ErrConnectionTimeout)
	}
	assert.False(t, a.mgr.HasConnection(target.nodeID()))
}

func TestPunchCallerCancellation(t *testing.T) {
	a, s, target := punchTopology(t, nil)
	a.puncher.release = make(chan struct{})
	defer close(a.puncher.release)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := a.mgr.CreateConnectionPunch(ctx, target.nodeID(), s.nodeID())
	assert.ErrorIs(t, err, ErrConnectionTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	cancelled, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	_, err = a.mgr.CreateConnectionPunch(cancelled, target.nodeID(), s.nodeID())
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrConnectionTimeout)
}

func TestSignalRelayRateLimit(t *testing.T) {
	cfg := &Config{SignalRelayRate: 0.001, SignalRelayBurst: 1}
	fn := newFakeNet()
	a := fn.addNode(t, cfg)
	s := fn.addNode(t, cfg)
	target := fn.addNode(t, cfg)

	_, err := a.mgr.CreateConnection(context.Background(), nil, s.addr)
	require.NoError(t, err)

	_, err = a.mgr.CreateConnectionPunch(context.Background(), target.nodeID(), s.nodeID())
	assert.ErrorIs(t, err, ErrSignalingUnavailable)

	_, err = a.mgr.CreateConnectionPunch(context.Background(), target.nodeID(), s.nodeID())
	require.Error(t, err)
	assert.Equal(t, uint16(constants.ErrorRateLimit), wire.CodeOf(err))
}

func callSignalInitial(t *testing.T, from *testNode, via types.NodeID, req *signalInitialRequest) error {
	t.Helper()
	return from.mgr.WithConnF(context.Background(), via, func(ctx context.Context, conn Connection) error {
		return rpc.Call(ctx, conn, constants.MethodNodesConnectionSignalInitial, req, &signalInitialResponse{})
	})
}

func TestSignalInitialRejectsBadRequests(t *testing.T) {
	a, s, target := punchTopology(t, nil)

	forged := &signalInitialRequest{Target: target.nodeID(), Timestamp: time.Now().UnixMilli()}
	forged.Signature = make([]byte, 64)
	err := callSignalInitial(t, a, s.nodeID(), forged)
	assert.Equal(t, uint16(constants.ErrorInvalidSignature), wire.CodeOf(err))

	stale := &signalInitialRequest{Target: target.nodeID(), Timestamp: time.Now().Add(-time.Hour).UnixMilli()}
	stale.Signature, err = a.mgr.sign(stale, "sig")
	require.NoError(t, err)
	err = callSignalInitial(t, a, s.nodeID(), stale)
	assert.Equal(t, uint16(constants.ErrorInvalidRequest), wire.CodeOf(err))

	self := &signalInitialRequest{Target: a.nodeID(), Timestamp: time.Now().UnixMilli()}
	self.Signature, err = a.mgr.sign(self, "sig")
	require.NoError(t, err)
	err = callSignalInitial(t, a, s.nodeID(), self)
	assert.Equal(t, uint16(constants.ErrorInvalidRequest), wire.CodeOf(err))

	assert.Zero(t, target.puncher.calls.Load())
}

func TestSignalFinalVerifiesSignatures(t *testing.T) {
	a, s, target := punchTopology(t, nil)

	final := &signalFinalRequest{
		Source:    a.nodeID(),
		Target:    target.nodeID(),
		Host:      a.addr.Host,
		Port:      a.addr.Port,
		Timestamp: time.Now().UnixMilli(),
	}
	// Request signature made by the signaler instead of the source
	initial := &signalInitialRequest{Target: final.Target, Timestamp: final.Timestamp}
	var err error
	final.RequestSignature, err = s.mgr.sign(initial, "sig")
	require.NoError(t, err)
	final.RelaySignature, err = s.mgr.sign(final, "relaySig")
	require.NoError(t, err)

	err = s.mgr.WithConnF(context.Background(), target.nodeID(), func(ctx context.Context, conn Connection) error {
		return rpc.Call(ctx, conn, constants.MethodNodesConnectionSignalFinal, final, &signalAck{})
	})
	assert.Equal(t, uint16(constants.ErrorInvalidSignature), wire.CodeOf(err))
	assert.ErrorIs(t, remoteError(err), ErrInvalidSignature)
	assert.Zero(t, target.puncher.calls.Load())
}

func TestFirstRelayDedup(t *testing.T) {
	fn := newFakeNet()
	a := fn.addNode(t, nil)

	assert.True(t, a.mgr.firstRelay("x|10.0.0.1:1"))
	assert.False(t, a.mgr.firstRelay("x|10.0.0.1:1"))
	assert.True(t, a.mgr.firstRelay("x|10.0.0.1:2"))
}

func TestRemoteErrorMapping(t *testing.T) {
	tests := []struct {
		code     uint16
		sentinel error
	}{
		{constants.ErrorSignalingUnavailable, ErrSignalingUnavailable},
		{constants.ErrorInvalidSignature, ErrInvalidSignature},
		{constants.ErrorNodeNotFound, ErrNodeNotFound},
		{constants.ErrorNoConnection, ErrNoConnection},
	}
	for _, tt := range tests {
		err := remoteError(wire.NewError(tt.code, "x"))
		assert.ErrorIs(t, err, tt.sentinel)
		assert.Equal(t, tt.code, wire.CodeOf(err))

		back := wireError(tt.sentinel)
		assert.Equal(t, tt.code, wire.CodeOf(back))
	}
	assert.ErrorIs(t, remoteError(context.DeadlineExceeded), ErrConnectionTimeout)
	assert.Nil(t, remoteError(nil))
}
