package peer_registry

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cockroachdb/errors"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"

	"blockswap/network/peerscore"
)

// ConnectionType indicates how we are currently connected to a peer.
type ConnectionType int

const (
	ConnUnknown ConnectionType = iota
	ConnDirect
	ConnRelayed
)

func (c ConnectionType) String() string {
	switch c {
	case ConnDirect:
		return "direct"
	case ConnRelayed:
		return "relayed"
	default:
		return "unknown"
	}
}

// PeerRecord holds per-peer metadata.
type PeerRecord struct {
	ID       peer.ID
	Addrs    []string
	ConnType ConnectionType
	LastSeen time.Time
	Score    peerscore.Score
	// have is authoritative: it changes only on have/dont-have signals.
	have map[cid.Cid]struct{}
}

// Candidate is a ranked provider for a block.
type Candidate struct {
	ID         peer.ID
	Metric     float64
	AvgLatency float64
}

// Registry maintains peer records and the derived block→peers index.
//
// Invariant: providers[id] contains p exactly when peers[p].have contains id.
// Both maps are mutated only together under mu.
type Registry struct {
	clk clock.Clock

	mu        sync.RWMutex
	peers     map[peer.ID]*PeerRecord
	providers map[cid.Cid]map[peer.ID]struct{}
}

// New creates an empty registry. A nil clock uses the wall clock.
func New(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		clk:       clk,
		peers:     make(map[peer.ID]*PeerRecord),
		providers: make(map[cid.Cid]map[peer.ID]struct{}),
	}
}

func (r *Registry) record(pid peer.ID) *PeerRecord {
	rec, ok := r.peers[pid]
	if !ok {
		rec = &PeerRecord{ID: pid, have: make(map[cid.Cid]struct{})}
		r.peers[pid] = rec
	}
	return rec
}

// OnConnected records a connection event. Addrs may be nil. connType can be ConnUnknown.
func (r *Registry) OnConnected(pid peer.ID, addrs []string, connType ConnectionType) {
	now := r.clk.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.record(pid)
	if len(addrs) > 0 {
		rec.Addrs = append([]string(nil), addrs...)
	}
	if connType != ConnUnknown {
		rec.ConnType = connType
	}
	rec.LastSeen = now
	rec.Score.Touch(now)
}

// Remove drops the peer and every index entry that references it.
func (r *Registry) Remove(pid peer.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.peers[pid]
	if !ok {
		return false
	}
	for id := range rec.have {
		r.unindex(id, pid)
	}
	delete(r.peers, pid)
	return true
}

func (r *Registry) unindex(id cid.Cid, pid peer.ID) {
	set := r.providers[id]
	delete(set, pid)
	if len(set) == 0 {
		delete(r.providers, id)
	}
}

// RecordHave notes that a peer claims to have the block.
func (r *Registry) RecordHave(pid peer.ID, id cid.Cid) {
	now := r.clk.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.record(pid)
	rec.have[id] = struct{}{}
	set, ok := r.providers[id]
	if !ok {
		set = make(map[peer.ID]struct{})
		r.providers[id] = set
	}
	set[pid] = struct{}{}
	rec.LastSeen = now
}

// RecordDontHave notes that a peer does not (or no longer) hold the block.
func (r *Registry) RecordDontHave(pid peer.ID, id cid.Cid) {
	now := r.clk.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.peers[pid]
	if !ok {
		return
	}
	delete(rec.have, id)
	r.unindex(id, pid)
	rec.LastSeen = now
}

// RecordSuccess updates the peer's score for a delivered block.
func (r *Registry) RecordSuccess(pid peer.ID, bytes int, latency time.Duration) {
	now := r.clk.Now()
	r.mu.Lock()
	if rec, ok := r.peers[pid]; ok {
		rec.Score.RecordSuccess(bytes, latency, now)
		rec.LastSeen = now
	}
	r.mu.Unlock()
}

// RecordFailure penalises the peer.
func (r *Registry) RecordFailure(pid peer.ID) {
	r.mu.Lock()
	if rec, ok := r.peers[pid]; ok {
		rec.Score.RecordFailure()
	}
	r.mu.Unlock()
}

// RecordHeartbeat refreshes liveness for a peer that answered a probe.
func (r *Registry) RecordHeartbeat(pid peer.ID, ok bool) {
	if !ok {
		return
	}
	now := r.clk.Now()
	r.mu.Lock()
	if rec, exists := r.peers[pid]; exists {
		rec.LastSeen = now
		rec.Score.Touch(now)
	}
	r.mu.Unlock()
}

// Known reports whether a record exists for pid.
func (r *Registry) Known(pid peer.ID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.peers[pid]
	return ok
}

// Has reports whether pid is indexed as holding id.
func (r *Registry) Has(pid peer.ID, id cid.Cid) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[id][pid]
	return ok
}

// Score returns a copy of the peer's score.
func (r *Registry) Score(pid peer.ID) (peerscore.Score, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.peers[pid]
	if !ok {
		return peerscore.Score{}, false
	}
	return rec.Score, true
}

// Providers returns the peers holding id, best first, skipping those for
// which skip returns true. skip runs under the registry read lock and must
// not call back into the registry.
func (r *Registry) Providers(id cid.Cid, skip func(peer.ID) bool) []Candidate {
	now := r.clk.Now()
	r.mu.RLock()
	set := r.providers[id]
	out := make([]Candidate, 0, len(set))
	for pid := range set {
		if skip != nil && skip(pid) {
			continue
		}
		rec := r.peers[pid]
		if rec == nil {
			continue
		}
		out = append(out, Candidate{
			ID:         pid,
			Metric:     rec.Score.PerformanceMetric(now),
			AvgLatency: rec.Score.AvgResponseTimeUs,
		})
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Metric != out[j].Metric {
			return out[i].Metric > out[j].Metric
		}
		if out[i].AvgLatency != out[j].AvgLatency {
			return out[i].AvgLatency < out[j].AvgLatency
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of known peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// CheckInvariant verifies the derived index matches the have-sets.
func (r *Registry) CheckInvariant() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for pid, rec := range r.peers {
		for id := range rec.have {
			if _, ok := r.providers[id][pid]; !ok {
				return errors.Newf("peer %s has %s but is not indexed", pid, id)
			}
		}
	}
	for id, set := range r.providers {
		if len(set) == 0 {
			return errors.Newf("empty provider set for %s", id)
		}
		for pid := range set {
			rec, ok := r.peers[pid]
			if !ok {
				return errors.Newf("index references unknown peer %s for %s", pid, id)
			}
			if _, ok := rec.have[id]; !ok {
				return errors.Newf("index lists %s for %s missing from its have-set", pid, id)
			}
		}
	}
	return nil
}

// PeerSnapshot is a point-in-time view of one peer.
type PeerSnapshot struct {
	ID       string          `json:"id"`
	Addrs    []string        `json:"addrs"`
	Conn     string          `json:"conn_type"`
	Metric   float64         `json:"metric"`
	Score    peerscore.Score `json:"score"`
	LastSeen time.Time       `json:"last_seen"`
	HaveLen  int             `json:"have_count"`
}

// Snapshot returns all known peers ordered by metric desc, direct first on ties.
func (r *Registry) Snapshot() []PeerSnapshot {
	now := r.clk.Now()
	r.mu.RLock()
	out := make([]PeerSnapshot, 0, len(r.peers))
	for _, rec := range r.peers {
		out = append(out, PeerSnapshot{
			ID:       rec.ID.String(),
			Addrs:    append([]string(nil), rec.Addrs...),
			Conn:     rec.ConnType.String(),
			Metric:   rec.Score.PerformanceMetric(now),
			Score:    rec.Score,
			LastSeen: rec.LastSeen,
			HaveLen:  len(rec.have),
		})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Metric != out[j].Metric {
			return out[i].Metric > out[j].Metric
		}
		return out[i].Conn == "direct" && out[j].Conn != "direct"
	})
	return out
}

// InferConnTypeFromAddr infers connection type by inspecting an address string.
func InferConnTypeFromAddr(addr string) ConnectionType {
	if strings.Contains(addr, "/p2p-circuit") {
		return ConnRelayed
	}
	return ConnDirect
}
