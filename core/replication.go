package core

// replication.go – chunk placement, write/read flows and re-replication on
// churn (§4.8).
//
// Grounded on the teacher's connection_pool.go for the "per-peer stream,
// fire requests concurrently, collect the first/enough responses" shape
// (deleted — see DESIGN.md), re-targeted from connection keep-alive to
// chunk placement using the generic ClosestN helper from xorname.go instead
// of the teacher's fixed peer list.

import (
	"fmt"
	"math/rand"
	"sync"
)

// ChunkAddr is the content address of an immutable chunk: its data hash.
type ChunkAddr = XorName

// HashChunk derives a chunk's address from its content (§4.8: "addressing is
// content-based").
func HashChunk(data []byte) ChunkAddr {
	return HashXorName(data)
}

// ChunkStore is the local storage backend an adult plugs in; its durability
// guarantees (atomic write, content-addressed dedup) are an external
// collaborator's concern per the storage-engine Non-goal, not this file's.
type ChunkStore interface {
	Put(addr ChunkAddr, data []byte) error
	Get(addr ChunkAddr) ([]byte, error)
	Has(addr ChunkAddr) bool
	Delete(addr ChunkAddr) error
	Addrs() []ChunkAddr
}

// ChunkAck is an adult's reply to a StoreChunk forward.
type ChunkAck struct {
	Addr ChunkAddr
	From XorName
	OK   bool
}

// Placement computes the CHUNK_COPY_COUNT adults closest to addr out of the
// current adult population (§4.8: "deterministic from current membership;
// no master-of-chunks exists").
func Placement(addr ChunkAddr, adults []ElderInfo, copyCount int) []ElderInfo {
	return ClosestN(addr, adults, copyCount)
}

// ReplicationManager runs the elder-side write/read/re-replication logic of
// §4.8 for one section.
type ReplicationManager struct {
	mu         sync.Mutex
	copyCount  int
	send       func(to ElderInfo, addr ChunkAddr, data []byte) (ChunkAck, error)
	fetch      func(from ElderInfo, addr ChunkAddr) ([]byte, bool, error)
	store      ChunkStore
	ourName    XorName
	ourPrefix  Prefix
}

// NewReplicationManager wires send (used to forward StoreChunk to an
// adult) and fetch (used to pull a chunk from a specific adult, for both
// reads and re-replication) to a local store.
func NewReplicationManager(copyCount int, store ChunkStore, ourName XorName, ourPrefix Prefix,
	send func(to ElderInfo, addr ChunkAddr, data []byte) (ChunkAck, error),
	fetch func(from ElderInfo, addr ChunkAddr) ([]byte, bool, error)) *ReplicationManager {
	return &ReplicationManager{copyCount: copyCount, store: store, ourName: ourName, ourPrefix: ourPrefix, send: send, fetch: fetch}
}

// StoreChunk forwards data to each of the CHUNK_COPY_COUNT closest adults
// and returns once a supermajority of them ack (§4.8 "Write").
func (r *ReplicationManager) StoreChunk(addr ChunkAddr, data []byte, adults []ElderInfo) error {
	if HashChunk(data) != addr {
		return fmt.Errorf("replication: %w: content does not hash to addr", ErrMalformedFrame)
	}
	targets := Placement(addr, adults, r.copyCount)
	if len(targets) == 0 {
		return fmt.Errorf("replication: %w: no adults available", ErrNotEnoughSpace)
	}
	need := (2*len(targets) + 2) / 3

	type result struct {
		ack ChunkAck
		err error
	}
	results := make(chan result, len(targets))
	for _, t := range targets {
		t := t
		go func() {
			ack, err := r.send(t, addr, data)
			results <- result{ack: ack, err: err}
		}()
	}

	acked := 0
	for i := 0; i < len(targets); i++ {
		res := <-results
		if res.err == nil && res.ack.OK {
			acked++
		}
	}
	if acked < need {
		return fmt.Errorf("replication: %w: only %d/%d adults acked", ErrSendFailed, acked, need)
	}
	return nil
}

// GetChunk picks one adult at a time, jitter-randomized among the closest,
// and returns as soon as one returns content whose hash matches addr; later
// responses are discarded by the caller (§4.8 "Read").
func (r *ReplicationManager) GetChunk(addr ChunkAddr, adults []ElderInfo) ([]byte, error) {
	targets := Placement(addr, adults, r.copyCount)
	if len(targets) == 0 {
		return nil, fmt.Errorf("replication: %w", ErrChunkNotFound)
	}
	order := rand.Perm(len(targets))
	for _, idx := range order {
		data, ok, err := r.fetch(targets[idx], addr)
		if err != nil || !ok {
			continue
		}
		if HashChunk(data) != addr {
			continue
		}
		return data, nil
	}
	return nil, fmt.Errorf("replication: %w", ErrChunkNotFound)
}

// ChurnDelta is what an adult must do after a committed membership change
// (§4.8 "Re-replication on churn"): fetch chunks that should now live here
// but do not, and mark chunks that should no longer live here as eviction
// eligible rather than deleting them immediately.
type ChurnDelta struct {
	ToFetch  []ChunkAddr
	ToEvict  []ChunkAddr
}

// ComputeChurnDelta compares the chunks we hold against what placement says
// we should hold given the post-churn adult population.
func (r *ReplicationManager) ComputeChurnDelta(adults []ElderInfo, allKnownAddrs []ChunkAddr) ChurnDelta {
	held := make(map[ChunkAddr]struct{})
	for _, a := range r.store.Addrs() {
		held[a] = struct{}{}
	}
	shouldHold := make(map[ChunkAddr]struct{})
	for _, addr := range allKnownAddrs {
		targets := Placement(addr, adults, r.copyCount)
		for _, t := range targets {
			if t.Name == r.ourName {
				shouldHold[addr] = struct{}{}
				break
			}
		}
	}

	var delta ChurnDelta
	for addr := range shouldHold {
		if _, ok := held[addr]; !ok {
			delta.ToFetch = append(delta.ToFetch, addr)
		}
	}
	for addr := range held {
		if _, ok := shouldHold[addr]; !ok {
			delta.ToEvict = append(delta.ToEvict, addr)
		}
	}
	return delta
}

// ApplySplitEviction marks chunks whose address no longer matches our new
// prefix as eviction-eligible — the other half of a split, kept until disk
// pressure requires reclaiming it (§4.8 "Data exchange on split").
func (r *ReplicationManager) ApplySplitEviction(newPrefix Prefix) []ChunkAddr {
	r.ourPrefix = newPrefix
	var evictable []ChunkAddr
	for _, addr := range r.store.Addrs() {
		if !newPrefix.Matches(addr) {
			evictable = append(evictable, addr)
		}
	}
	return evictable
}
