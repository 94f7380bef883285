// Package nodegraph implements the Kademlia style routing table mapping
// NodeIDs to their last known addresses.
package nodegraph

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/WebFirstLanguage/polykey/internal/metrics"
	"github.com/WebFirstLanguage/polykey/pkg/constants"
	"github.com/WebFirstLanguage/polykey/pkg/types"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

const bucketCount = constants.NodeGraphBucketCount

// Pinger probes whether a node is alive at an address
type Pinger interface {
	Ping(ctx context.Context, id types.NodeID, addr types.NodeAddress) bool
}

// Config holds node graph configuration
type Config struct {
	// BucketSize is k, the capacity of each bucket
	BucketSize int
	// PingTimeout bounds the probe of a full bucket's oldest entry
	PingTimeout time.Duration

	Logger  *zap.Logger
	Clock   clock.Clock
	Metrics *metrics.Recorder
}

// DefaultConfig returns the default node graph configuration
func DefaultConfig() *Config {
	return &Config{
		BucketSize:  constants.NodeGraphBucketSize,
		PingTimeout: constants.PingTimeout,
	}
}

// Graph is the routing table of one node
type Graph struct {
	self types.NodeID
	cfg  Config
	log  *zap.Logger

	mu      sync.RWMutex
	buckets [bucketCount]bucket
	size    int
	pinger  Pinger
}

// New creates an empty graph for the local node self
func New(self types.NodeID, cfg *Config) *Graph {
	c := DefaultConfig()
	if cfg != nil {
		c.Logger, c.Clock, c.Metrics = cfg.Logger, cfg.Clock, cfg.Metrics
		if cfg.BucketSize > 0 {
			c.BucketSize = cfg.BucketSize
		}
		if cfg.PingTimeout > 0 {
			c.PingTimeout = cfg.PingTimeout
		}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}

	return &Graph{
		self: self,
		cfg:  *c,
		log:  c.Logger.Named("nodegraph"),
	}
}

// SetPinger installs the liveness probe used for full buckets. Without a
// pinger, occupants of full buckets are assumed alive.
func (g *Graph) SetPinger(p Pinger) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pinger = p
}

// Self returns the local NodeID
func (g *Graph) Self() types.NodeID {
	return g.self
}

// BucketSize returns k
func (g *Graph) BucketSize() int {
	return g.cfg.BucketSize
}

// SetNode inserts or refreshes an entry. When the target bucket is full the
// least recently contacted entry is probed and replaced only if the probe
// fails; otherwise the candidate is dropped.
func (g *Graph) SetNode(ctx context.Context, id types.NodeID, addr types.NodeAddress) error {
	if id == g.self {
		return nil
	}
	idx := g.self.BucketIndex(id)

	g.mu.Lock()
	b := &g.buckets[idx]
	now := g.cfg.Clock.Now()
	if b.touch(id, addr, now) {
		g.mu.Unlock()
		return nil
	}
	if b.len() < g.cfg.BucketSize {
		g.insertLocked(b, NodeEntry{ID: id, Address: addr, LastSeen: now})
		g.mu.Unlock()
		return nil
	}
	occupant, _ := b.oldest()
	pinger := g.pinger
	g.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	alive := true
	if pinger != nil {
		pctx, cancel := context.WithTimeout(ctx, g.cfg.PingTimeout)
		alive = pinger.Ping(pctx, occupant.ID, occupant.Address)
		cancel()
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	// The bucket may have changed while probing
	now = g.cfg.Clock.Now()
	if b.touch(id, addr, now) {
		return nil
	}

	if alive {
		if current, ok := b.get(occupant.ID); ok {
			b.touch(occupant.ID, current.Address, now)
		}
		g.cfg.Metrics.ObserveGraphProbe("kept")
		g.log.Debug("bucket full, occupant alive, dropping candidate",
			zap.Int("bucket", idx),
			zap.String("occupant", occupant.ID.Short()),
			zap.String("candidate", id.Short()))
		return nil
	}

	if b.remove(occupant.ID) {
		g.size--
	}
	if b.len() < g.cfg.BucketSize {
		g.insertLocked(b, NodeEntry{ID: id, Address: addr, LastSeen: now})
	}
	g.cfg.Metrics.ObserveGraphProbe("replaced")
	g.cfg.Metrics.SetGraphSize(g.size)
	g.log.Debug("replaced unresponsive occupant",
		zap.Int("bucket", idx),
		zap.String("occupant", occupant.ID.Short()),
		zap.String("candidate", id.Short()))
	return nil
}

func (g *Graph) insertLocked(b *bucket, entry NodeEntry) {
	b.add(entry)
	g.size++
	g.cfg.Metrics.SetGraphSize(g.size)
}

// GetNode returns the last known address of id
func (g *Graph) GetNode(id types.NodeID) (types.NodeAddress, bool) {
	if id == g.self {
		return types.NodeAddress{}, false
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	entry, ok := g.buckets[g.self.BucketIndex(id)].get(id)
	return entry.Address, ok
}

// RemoveNode removes id from the graph
func (g *Graph) RemoveNode(id types.NodeID) bool {
	if id == g.self {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.buckets[g.self.BucketIndex(id)].remove(id) {
		return false
	}
	g.size--
	g.cfg.Metrics.SetGraphSize(g.size)
	return true
}

// GetClosestNodes returns up to limit entries in non-decreasing XOR distance
// to target.
//
// Buckets are visited outward from the one that would hold target: that
// bucket first (distances below 2^i), then all lower buckets together
// (distances in [2^i, 2^(i+1))), then each higher bucket j in turn
// (distances in [2^j, 2^(j+1))). Every group is strictly farther than the
// previous one, so the scan stops as soon as limit entries are collected.
func (g *Graph) GetClosestNodes(target types.NodeID, limit int) []NodeEntry {
	if limit <= 0 {
		return nil
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	result := make([]NodeEntry, 0, limit)
	appendGroup := func(group []NodeEntry) {
		sortByDistance(group, target)
		for _, e := range group {
			if len(result) == limit {
				return
			}
			result = append(result, e)
		}
	}

	i := g.self.BucketIndex(target)
	if i >= 0 {
		appendGroup(append([]NodeEntry(nil), g.buckets[i].entries...))

		var lower []NodeEntry
		for j := i - 1; j >= 0 && len(result) < limit; j-- {
			lower = append(lower, g.buckets[j].entries...)
		}
		if len(result) < limit {
			appendGroup(lower)
		}
	}
	for j := i + 1; j < bucketCount && len(result) < limit; j++ {
		appendGroup(append([]NodeEntry(nil), g.buckets[j].entries...))
	}
	return result
}

// Nodes returns every entry in the graph
func (g *Graph) Nodes() []NodeEntry {
	g.mu.RLock()
	defer g.mu.RUnlock()

	nodes := make([]NodeEntry, 0, g.size)
	for i := range g.buckets {
		nodes = append(nodes, g.buckets[i].entries...)
	}
	return nodes
}

// Size returns the total number of entries
func (g *Graph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.size
}

// BucketInfo returns the occupancy of every non-empty bucket
func (g *Graph) BucketInfo() map[int]int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	info := make(map[int]int)
	for i := range g.buckets {
		if n := g.buckets[i].len(); n > 0 {
			info[i] = n
		}
	}
	return info
}

func sortByDistance(entries []NodeEntry, target types.NodeID) {
	sort.Slice(entries, func(a, b int) bool {
		return types.CloserTo(target, entries[a].ID, entries[b].ID)
	})
}
