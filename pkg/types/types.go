// Package types defines the identifiers shared by the routing table, the
// connection manager and the wire protocol.
package types

import (
	"bytes"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"math/bits"
	"net"
	"strconv"
	"strings"
)

// NodeIDSize is the width of a NodeID in bytes.
const NodeIDSize = 32

// NodeID identifies a node. It is the node's ed25519 public key, so it doubles
// as the key that verifies the node's signatures.
type NodeID [NodeIDSize]byte

var nodeIDEncoding = base32.HexEncoding.WithPadding(base32.NoPadding)

// NodeIDFromBytes copies b into a NodeID
func NodeIDFromBytes(b []byte) (NodeID, error) {
	var id NodeID
	if len(b) != NodeIDSize {
		return id, fmt.Errorf("invalid node id length: %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}

// ParseNodeID decodes the text form produced by Encode
func ParseNodeID(s string) (NodeID, error) {
	if !strings.HasPrefix(s, "v") {
		return NodeID{}, fmt.Errorf("invalid node id %q: missing multibase prefix", s)
	}
	raw, err := nodeIDEncoding.DecodeString(strings.ToUpper(s[1:]))
	if err != nil {
		return NodeID{}, fmt.Errorf("invalid node id %q: %w", s, err)
	}
	return NodeIDFromBytes(raw)
}

// Encode returns the multibase-style base32hex form ("v" prefix)
func (n NodeID) Encode() string {
	return "v" + strings.ToLower(nodeIDEncoding.EncodeToString(n[:]))
}

// String returns the encoded form of the id
func (n NodeID) String() string {
	return n.Encode()
}

// Short returns an abbreviated id for logs
func (n NodeID) Short() string {
	s := n.Encode()
	if len(s) > 12 {
		return s[:12]
	}
	return s
}

// Bytes returns the NodeID as a byte slice
func (n NodeID) Bytes() []byte {
	return n[:]
}

// IsZero returns true if the NodeID is all zeros
func (n NodeID) IsZero() bool {
	return n == NodeID{}
}

// MarshalBinary encodes the id as raw bytes (CBOR byte string)
func (n NodeID) MarshalBinary() ([]byte, error) {
	return n[:], nil
}

// UnmarshalBinary decodes raw bytes
func (n *NodeID) UnmarshalBinary(data []byte) error {
	id, err := NodeIDFromBytes(data)
	if err != nil {
		return err
	}
	*n = id
	return nil
}

// MarshalText encodes the id in its text form (JSON string)
func (n NodeID) MarshalText() ([]byte, error) {
	return []byte(n.Encode()), nil
}

// UnmarshalText decodes the text form
func (n *NodeID) UnmarshalText(text []byte) error {
	id, err := ParseNodeID(string(text))
	if err != nil {
		return err
	}
	*n = id
	return nil
}

// Distance calculates the XOR distance between two node IDs
func (n NodeID) Distance(other NodeID) NodeID {
	var result NodeID
	for i := 0; i < NodeIDSize; i++ {
		result[i] = n[i] ^ other[i]
	}
	return result
}

// Less returns true if this NodeID is less than the other (for sorting)
func (n NodeID) Less(other NodeID) bool {
	return bytes.Compare(n[:], other[:]) < 0
}

// BucketIndex returns the position of the highest set bit of n XOR other,
// counted from the least significant bit (0..255). It returns -1 when the
// ids are equal.
func (n NodeID) BucketIndex(other NodeID) int {
	for i := 0; i < NodeIDSize; i++ {
		if x := n[i] ^ other[i]; x != 0 {
			return (NodeIDSize-1-i)*8 + bits.Len8(x) - 1
		}
	}
	return -1
}

// CloserTo reports whether a is strictly closer to target than b
func CloserTo(target, a, b NodeID) bool {
	return a.Distance(target).Less(b.Distance(target))
}

// NodeAddress is the last known network location of a node
type NodeAddress struct {
	Host string `cbor:"host" json:"host"`
	Port uint16 `cbor:"port" json:"port"`
}

// ParseNodeAddress parses a host:port string
func ParseNodeAddress(s string) (NodeAddress, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return NodeAddress{}, fmt.Errorf("invalid node address %q: %w", s, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return NodeAddress{}, fmt.Errorf("invalid port in %q: %w", s, err)
	}
	return NodeAddress{Host: host, Port: uint16(port)}, nil
}

// AddressFromNet converts a UDP or TCP net.Addr
func AddressFromNet(addr net.Addr) NodeAddress {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return NodeAddress{Host: a.IP.String(), Port: uint16(a.Port)}
	case *net.TCPAddr:
		return NodeAddress{Host: a.IP.String(), Port: uint16(a.Port)}
	}
	if addr == nil {
		return NodeAddress{}
	}
	parsed, err := ParseNodeAddress(addr.String())
	if err != nil {
		return NodeAddress{}
	}
	return parsed
}

// String returns host:port
func (a NodeAddress) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}

// IsZero reports whether the address is unset
func (a NodeAddress) IsZero() bool {
	return a.Host == "" && a.Port == 0
}

// ConnectionIDSize is the width of a ConnectionID in bytes.
const ConnectionIDSize = 32

// ConnectionID identifies one connection. Both endpoints derive the same
// value, so ordering by ConnectionID selects the same primary on each side.
type ConnectionID [ConnectionIDSize]byte

// Compare returns -1, 0 or 1
func (c ConnectionID) Compare(other ConnectionID) int {
	return bytes.Compare(c[:], other[:])
}

// Less returns true if c orders before other
func (c ConnectionID) Less(other ConnectionID) bool {
	return c.Compare(other) < 0
}

// String returns the hex form of the id
func (c ConnectionID) String() string {
	return fmt.Sprintf("%x", c[:])
}

// MarshalText encodes the id as hex
func (c ConnectionID) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText parses the hex form produced by MarshalText
func (c *ConnectionID) UnmarshalText(text []byte) error {
	if hex.DecodedLen(len(text)) != ConnectionIDSize {
		return fmt.Errorf("invalid connection id length %d", len(text))
	}
	_, err := hex.Decode(c[:], text)
	return err
}

// Short returns an abbreviated id for logs
func (c ConnectionID) Short() string {
	return fmt.Sprintf("%x", c[:6])
}
