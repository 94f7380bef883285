// Package constants defines cross-cutting defaults for the node agent
package constants

import "time"

// Node graph configuration
const (
	// NodeGraphBucketSize is k, the capacity of each bucket
	NodeGraphBucketSize = 20
	// NodeGraphBucketCount is one bucket per bit of the NodeID
	NodeGraphBucketCount = 256
	// FindNodeAlpha is the lookup concurrency
	FindNodeAlpha = 3
	// PingTimeout bounds a liveness probe of a bucket occupant
	PingTimeout = 5 * time.Second
)

// Connection lifecycle configuration
const (
	ConnectionConnectTimeout   = 15 * time.Second
	ConnectionIdleTimeoutMin   = 60 * time.Second
	ConnectionIdleTimeoutScale = 30 * time.Second
	ConnectionKeepAlive        = 10 * time.Second
	ConnectionMaxIdle          = 2 * time.Minute

	// SignalingTimeout bounds one signaling round trip plus the punched dial
	SignalingTimeout = 20 * time.Second
	// SignalMaxSkew is the accepted age of a signed signaling request
	SignalMaxSkew = 30 * time.Second
	// SignalFinalDedupTTL suppresses duplicate relays of the same punch
	SignalFinalDedupTTL = 10 * time.Second
	SignalFinalDedupMax = 1024

	// SignalRelayRate and SignalRelayBurst limit relays per requesting node
	SignalRelayRate  = 2.0
	SignalRelayBurst = 5

	// PunchAttempts and PunchInterval shape the UDP punch burst
	PunchAttempts = 5
	PunchInterval = 200 * time.Millisecond
)

// Protocol configuration
const (
	ProtocolVersion = 1
	ALPN            = "polykey/1"

	DefaultAgentHost   = "0.0.0.0"
	DefaultAgentPort   = 1314
	DefaultControlAddr = "127.0.0.1:1315"
	DefaultMetricsAddr = "127.0.0.1:1316"

	// MaxFrameSize limits a single RPC frame
	MaxFrameSize = 1 << 20
)

// Error codes carried in RPC error frames
const (
	ErrorInternal             = 1
	ErrorUnknownMethod        = 2
	ErrorInvalidRequest       = 3
	ErrorSignalingUnavailable = 10
	ErrorInvalidSignature     = 11
	ErrorRateLimit            = 12
	ErrorNodeNotFound         = 20
	ErrorNoConnection         = 21
)

// RPC method names
const (
	MethodNodesPing                        = "nodesPing"
	MethodNodesConnectionSignalInitial     = "nodesConnectionSignalInitial"
	MethodNodesConnectionSignalFinal       = "nodesConnectionSignalFinal"
	MethodNodesClosestActiveConnectionsGet = "nodesClosestActiveConnectionsGet"
	MethodNodesClosestLocalNodesGet        = "nodesClosestLocalNodesGet"
)
