package core

// aggregator.go – BLS share aggregation for membership votes, handover
// signatures and any other BlsShare-authority message (§4.6).
//
// Grounded on the teacher's quorum_tracker.go, which counted unique votes
// per address against a fixed threshold. The same counting discipline is
// kept (dedupe by signer index, compare against a threshold, expose
// HasQuorum-style readiness) but votes are now BLS signature shares that
// must themselves verify and be aggregated into one SectionSig, and the
// globally-scoped tracker is replaced by a TTL'd per-content-hash registry
// since many independent aggregations are in flight at once.

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// ShareVerifier checks one BLS share and the code that knows how to combine
// a quorum of shares into one section signature. dkg.go provides the
// implementation (kyberShareVerifier) bound to a certified session's key
// material; membership.go is handed one through SetVerifier.
type ShareVerifier interface {
	VerifyShare(shareIndex int, msg, share []byte) bool
	Combine(shares map[int][]byte, msg []byte) ([]byte, error)
}

type shareGroup struct {
	shares    map[int][]byte
	threshold int
	verifier  ShareVerifier
	msg       []byte
	done      bool
	result    []byte
	createdAt time.Time
}

// ShareAggregator accumulates BlsShare-authority messages keyed by
// (content hash, session), emitting the aggregated SectionSig exactly once
// threshold+1 distinct, verified shares have arrived (§4.6, §8 boundary:
// "threshold shares do NOT aggregate; threshold+1 do").
type ShareAggregator struct {
	mu     sync.Mutex
	groups map[string]*shareGroup
	ttl    time.Duration
}

// NewShareAggregator returns an aggregator whose groups expire after ttl,
// sized to cover worst-case network delay while bounding memory (§4.6).
func NewShareAggregator(ttl time.Duration) *ShareAggregator {
	return &ShareAggregator{groups: make(map[string]*shareGroup), ttl: ttl}
}

func groupKey(contentHash []byte, session string) string {
	return session + ":" + hex.EncodeToString(contentHash)
}

// AddShare records one share. On the transition from threshold to
// threshold+1 distinct verified shares it returns (aggregated, true, nil).
// Every call thereafter for the same group is a no-op: "further shares are
// discarded" (§4.6).
func (a *ShareAggregator) AddShare(contentHash []byte, session string, threshold int, verifier ShareVerifier, msg []byte, shareIndex int, share []byte) ([]byte, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.evictExpiredLocked()

	key := groupKey(contentHash, session)
	g, ok := a.groups[key]
	if !ok {
		g = &shareGroup{
			shares:    make(map[int][]byte),
			threshold: threshold,
			verifier:  verifier,
			msg:       msg,
			createdAt: time.Now(),
		}
		a.groups[key] = g
	}
	if g.done {
		return g.result, false, nil
	}
	if _, dup := g.shares[shareIndex]; dup {
		return nil, false, nil
	}
	if !verifier.VerifyShare(shareIndex, msg, share) {
		return nil, false, fmt.Errorf("core: %w: share %d failed verification", ErrBadSignature, shareIndex)
	}
	g.shares[shareIndex] = share

	if len(g.shares) < threshold+1 {
		return nil, false, nil
	}
	agg, err := verifier.Combine(g.shares, msg)
	if err != nil {
		return nil, false, err
	}
	g.done = true
	g.result = agg
	return agg, true, nil
}

func (a *ShareAggregator) evictExpiredLocked() {
	if a.ttl <= 0 {
		return
	}
	now := time.Now()
	for k, g := range a.groups {
		if now.Sub(g.createdAt) > a.ttl {
			delete(a.groups, k)
		}
	}
}

// Len reports the number of live (non-expired) groups, for diagnostics and tests.
func (a *ShareAggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.evictExpiredLocked()
	return len(a.groups)
}
