package core

// dysfunction.go – per-peer issue tracking and suspect detection (§4.9).
//
// Grounded on the teacher's quorum_tracker.go (since deleted — see
// DESIGN.md) for the idea of a small per-peer counter map guarded by one
// mutex; generalized here from a single vote counter into a TTL'd,
// categorized issue log with weighted mean+K*stddev scoring, since §4.9
// needs more than a single threshold comparison.

import (
	"math"
	"sync"
	"time"
)

// IssueCategory is one of the five kinds of misbehaviour §4.9 tracks.
type IssueCategory int

const (
	IssueCommunication IssueCategory = iota
	IssuePendingRequestOperation
	IssueAeProbe
	IssueDkg
	IssueKnowledge
)

// issueWeights gives each category's contribution to a peer's combined
// score. Knowledge and Dkg issues indicate structural unreliability and are
// weighted higher than a single slow reply.
var issueWeights = map[IssueCategory]float64{
	IssueCommunication:           1.0,
	IssuePendingRequestOperation: 1.5,
	IssueAeProbe:                 1.0,
	IssueDkg:                     2.0,
	IssueKnowledge:               2.5,
}

type issue struct {
	category  IssueCategory
	recordedAt time.Time
}

// DysfunctionTracker maintains the per-peer issue log for one section
// (§4.9).
type DysfunctionTracker struct {
	mu      sync.Mutex
	issues  map[XorName][]issue
	ttl     time.Duration
	kFactor float64
}

// NewDysfunctionTracker bounds how long an issue counts against a peer (ttl,
// "anti-flap") and how many standard deviations above the mean mark a peer
// suspect (kFactor, §4.9 "mean + K*stddev").
func NewDysfunctionTracker(ttl time.Duration, kFactor float64) *DysfunctionTracker {
	return &DysfunctionTracker{issues: make(map[XorName][]issue), ttl: ttl, kFactor: kFactor}
}

// TrackIssue records one occurrence of category against peer.
func (d *DysfunctionTracker) TrackIssue(peer XorName, category IssueCategory) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.issues[peer] = append(d.issues[peer], issue{category: category, recordedAt: time.Now()})
}

func (d *DysfunctionTracker) scoreLocked(peer XorName, now time.Time) float64 {
	var score float64
	fresh := d.issues[peer][:0]
	for _, is := range d.issues[peer] {
		if now.Sub(is.recordedAt) > d.ttl {
			continue
		}
		fresh = append(fresh, is)
		score += issueWeights[is.category]
	}
	d.issues[peer] = fresh
	return score
}

// Score returns peer's current weighted issue score, evicting expired
// issues as a side effect (§4.9 "TTL'd issues/anti-flap").
func (d *DysfunctionTracker) Score(peer XorName) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.scoreLocked(peer, time.Now())
}

// Suspects returns every peer (out of knownPeers) whose score exceeds
// mean + K*stddev across the population (§4.9 "Scoring"). A population of
// fewer than two peers never produces a suspect: stddev is undefined.
func (d *DysfunctionTracker) Suspects(knownPeers []XorName) []XorName {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	if len(knownPeers) < 2 {
		return nil
	}
	scores := make(map[XorName]float64, len(knownPeers))
	var sum float64
	for _, p := range knownPeers {
		s := d.scoreLocked(p, now)
		scores[p] = s
		sum += s
	}
	mean := sum / float64(len(knownPeers))
	var variance float64
	for _, s := range scores {
		variance += (s - mean) * (s - mean)
	}
	variance /= float64(len(knownPeers))
	stddev := math.Sqrt(variance)
	threshold := mean + d.kFactor*stddev

	var suspects []XorName
	for _, p := range knownPeers {
		if scores[p] > threshold && scores[p] > 0 {
			suspects = append(suspects, p)
		}
	}
	return suspects
}

// Forget discards peer's issue history, used once it has been proposed for
// Leave and the section no longer needs to track it (§4.9: "may propose
// them for Leave in the next membership generation").
func (d *DysfunctionTracker) Forget(peer XorName) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.issues, peer)
}
