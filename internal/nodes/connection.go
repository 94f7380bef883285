package nodes

import (
	"context"
	"time"

	"github.com/WebFirstLanguage/polykey/pkg/transport"
	"github.com/WebFirstLanguage/polykey/pkg/types"
)

// Connection is one authenticated, multiplexed session to a peer
type Connection interface {
	// ConnectionID is agreed by both endpoints during the handshake
	ConnectionID() types.ConnectionID
	RemoteNodeID() types.NodeID
	RemoteAddress() types.NodeAddress

	NewStream(ctx context.Context) (transport.Stream, error)
	AcceptStream(ctx context.Context) (transport.Stream, error)

	// Meta returns the peer's certificate chain (DER)
	Meta() [][]byte

	// Close tears the session down. Without force the transport may flush
	// pending writes first.
	Close(force bool) error

	// Done is closed once the session has terminated for any reason
	Done() <-chan struct{}
}

// Opener dials an address and authenticates whichever node answers
type Opener interface {
	Open(ctx context.Context, addr types.NodeAddress) (Connection, error)
}

// Puncher sends UDP packets toward addr to open a NAT mapping
type Puncher interface {
	Punch(ctx context.Context, addr string) error
}

// Signer is the local identity capability used to sign signaling messages
type Signer interface {
	NodeID() types.NodeID
	Sign(data []byte) []byte
}

// State is the lifecycle state of a pooled connection
type State int

const (
	StateCreated State = iota
	StateEstablished
	StateInUse
	StateDestroying
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateEstablished:
		return "established"
	case StateInUse:
		return "in_use"
	case StateDestroying:
		return "destroying"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

func (s State) live() bool {
	return s == StateEstablished || s == StateInUse
}

// ConnectionInfo describes a pooled connection
type ConnectionInfo struct {
	Connection   Connection
	NodeID       types.NodeID
	ConnectionID types.ConnectionID
	Address      types.NodeAddress
	UsageCount   int
	TimerArmed   bool
	State        State
}

// ConnectionSummary is the observability view of a pooled connection
type ConnectionSummary struct {
	NodeID       types.NodeID       `json:"nodeId"`
	Address      types.NodeAddress  `json:"address"`
	ConnectionID types.ConnectionID `json:"connectionId"`
	UsageCount   int                `json:"usageCount"`
	Inbound      bool               `json:"inbound"`
	Primary      bool               `json:"primary"`
	State        string             `json:"state"`
	Established  time.Time          `json:"established"`
}
