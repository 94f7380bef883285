package nodegraph

import (
	"time"

	"github.com/WebFirstLanguage/polykey/pkg/types"
)

// NodeEntry is one routing table entry
type NodeEntry struct {
	ID       types.NodeID      `json:"nodeId"`
	Address  types.NodeAddress `json:"address"`
	LastSeen time.Time         `json:"lastSeen"`
}

// bucket is a k-bucket ordered from least to most recently contacted.
// It is not safe for concurrent use; the Graph serializes access.
type bucket struct {
	entries []NodeEntry
}

func (b *bucket) indexOf(id types.NodeID) int {
	for i := range b.entries {
		if b.entries[i].ID == id {
			return i
		}
	}
	return -1
}

// touch refreshes an existing entry and moves it to the most recent end.
// Returns false if id is not present.
func (b *bucket) touch(id types.NodeID, addr types.NodeAddress, now time.Time) bool {
	i := b.indexOf(id)
	if i < 0 {
		return false
	}
	entry := b.entries[i]
	entry.Address = addr
	entry.LastSeen = now
	b.moveToEnd(i)
	b.entries[len(b.entries)-1] = entry
	return true
}

func (b *bucket) add(entry NodeEntry) {
	b.entries = append(b.entries, entry)
}

func (b *bucket) remove(id types.NodeID) bool {
	i := b.indexOf(id)
	if i < 0 {
		return false
	}
	b.entries = append(b.entries[:i], b.entries[i+1:]...)
	return true
}

func (b *bucket) get(id types.NodeID) (NodeEntry, bool) {
	i := b.indexOf(id)
	if i < 0 {
		return NodeEntry{}, false
	}
	return b.entries[i], true
}

// oldest returns the least recently contacted entry
func (b *bucket) oldest() (NodeEntry, bool) {
	if len(b.entries) == 0 {
		return NodeEntry{}, false
	}
	return b.entries[0], true
}

func (b *bucket) len() int {
	return len(b.entries)
}

// moveToEnd moves the entry at index i to the end of the slice
func (b *bucket) moveToEnd(i int) {
	if i == len(b.entries)-1 {
		return
	}
	entry := b.entries[i]
	copy(b.entries[i:], b.entries[i+1:])
	b.entries[len(b.entries)-1] = entry
}
