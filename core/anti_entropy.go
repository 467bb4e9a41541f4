package core

// anti_entropy.go – classification and response for the Anti-Entropy engine
// (§4.5).
//
// Grounded on the teacher's distributed_network_coordination.go (deleted —
// see DESIGN.md), which ran a ticker loop comparing local chain height
// against peers and issuing catch-up requests; AeClassify below replaces
// "height" with "section key ancestry" as the thing being compared, and the
// periodic probe loop (AggressiveProber) keeps the same ticker-driven,
// jittered-target shape.

import (
	"math/rand"
	"sync"
	"time"
)

// AeOutcome tags which of the five §4.5 classifications a message fell into.
type AeOutcome int

const (
	AeIdentical AeOutcome = iota
	AeOutcomeRetry
	AeOutcomeRedirect
	AeOutcomeProbe
	AeOutcomeUpdateThenProcess
)

// AeRetry is returned when the sender is stale: its claimed section key is
// an ancestor of ours (§4.5 row 2).
type AeRetry struct {
	OurSAP     SAP
	ProofChain []chainEntry
}

// AeRedirect is returned when the sender's key is valid but no longer ours
// for this name — we split or moved (§4.5 row 3).
type AeRedirect struct {
	CorrectSAP SAP
	ProofChain []chainEntry
}

// AeProbe is returned (and the triggering message enqueued) when the
// sender's claimed key is unknown to us — we are the stale party and must
// learn from them before the message can be processed (§4.5 row 4).
type AeProbe struct {
	OurSAP SAP
}

// AeUpdate carries a proof chain that, once verified, unblocks processing —
// either a direct reply to our AeProbe, or the proof chain implied by a
// sender whose key is a descendant of ours (§4.5 rows 4-5).
type AeUpdate struct {
	TheirSAP   SAP
	ProofChain []chainEntry
}

// AeDecision is the result of classifying one incoming envelope's
// dst.section_key against local knowledge.
type AeDecision struct {
	Outcome  AeOutcome
	Retry    *AeRetry
	Redirect *AeRedirect
	Probe    *AeProbe
	Update   *AeUpdate
}

// ClassifyDestination runs the §4.5 decision table for an incoming
// envelope's destination against our current knowledge. name is the
// destination name the message is addressed to (used to find the correct
// SAP on a redirect).
func ClassifyDestination(nk *NetworkKnowledge, dst Destination) AeDecision {
	snap := nk.Snapshot()
	claimed := dst.SectionKey

	if snap.ourSectionKey.Equal(claimed) {
		return AeDecision{Outcome: AeIdentical}
	}

	if snap.chain.Has(claimed) {
		if snap.chain.IsDescendant(snap.ourSectionKey, claimed) {
			hops, err := snap.chain.ProofChain(snap.ourSectionKey, claimed)
			if err == nil {
				return AeDecision{Outcome: AeOutcomeRetry, Retry: &AeRetry{OurSAP: snap.ourSAP, ProofChain: hops}}
			}
		}
		if correctSAP, ok := snap.allSAPs.SAPFor(dst.Name); ok && !correctSAP.SectionKey.Equal(claimed) {
			hops, err := snap.chain.ProofChain(correctSAP.SectionKey, claimed)
			if err == nil {
				return AeDecision{Outcome: AeOutcomeRedirect, Redirect: &AeRedirect{CorrectSAP: correctSAP, ProofChain: hops}}
			}
		}
	}

	if snap.chain.IsDescendant(claimed, snap.ourSectionKey) {
		return AeDecision{Outcome: AeOutcomeUpdateThenProcess}
	}

	return AeDecision{Outcome: AeOutcomeProbe, Probe: &AeProbe{OurSAP: snap.ourSAP}}
}

// peerBackoff is the exponential backoff state kept per peer to prevent AE
// storms while knowledge churns (§4.5 "Backoff").
type peerBackoff struct {
	attempts int
	nextAt   time.Time
}

// AeBackoffTracker enforces the "must not resend the same msg_id after an
// AeRetry" rule and exponential per-peer cooldown (§4.5 "Backoff").
type AeBackoffTracker struct {
	mu        sync.Mutex
	peers     map[string]*peerBackoff
	retiredID map[string]struct{} // msg_ids that have been AeRetry'd, never to be reused
	base      time.Duration
	max       time.Duration
}

// NewAeBackoffTracker bounds per-peer retry delay between base and max,
// doubling on each consecutive AeRetry.
func NewAeBackoffTracker(base, max time.Duration) *AeBackoffTracker {
	return &AeBackoffTracker{
		peers:     make(map[string]*peerBackoff),
		retiredID: make(map[string]struct{}),
		base:      base,
		max:       max,
	}
}

// Allowed reports whether peerKey may be sent to now, given past AeRetry history.
func (t *AeBackoffTracker) Allowed(peerKey string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	pb, ok := t.peers[peerKey]
	if !ok {
		return true
	}
	return !time.Now().Before(pb.nextAt)
}

// RecordRetry marks msgID as retired (it must never be resent) and advances
// peerKey's backoff.
func (t *AeBackoffTracker) RecordRetry(peerKey, msgID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.retiredID[msgID] = struct{}{}
	pb, ok := t.peers[peerKey]
	if !ok {
		pb = &peerBackoff{}
		t.peers[peerKey] = pb
	}
	pb.attempts++
	delay := t.base << uint(pb.attempts-1)
	if delay > t.max || delay <= 0 {
		delay = t.max
	}
	pb.nextAt = time.Now().Add(delay)
}

// RecordSuccess clears a peer's backoff once a message is processed cleanly.
func (t *AeBackoffTracker) RecordSuccess(peerKey string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, peerKey)
}

// IsRetired reports whether msgID has already been the subject of an
// AeRetry and therefore must not be reused by the sender.
func (t *AeBackoffTracker) IsRetired(msgID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.retiredID[msgID]
	return ok
}

// NeighbourPicker resolves the peers this node could probe, supplied by the
// transport layer (core/transport.go) so this file stays free of networking
// concerns.
type NeighbourPicker interface {
	RandomNeighbourSectionPeer() (ElderInfo, bool)
}

// AggressiveProber periodically sends AeProbe to a random peer of a random
// neighbour section to surface stale knowledge pre-emptively (§4.5
// "Aggressive probing").
type AggressiveProber struct {
	picker   NeighbourPicker
	interval time.Duration
	send     func(ElderInfo, AeProbe)
	stop     chan struct{}
}

// NewAggressiveProber wires the probe loop to picker for peer selection and
// send for dispatch (typically Dispatcher.Enqueue wrapping a SendMsg cmd).
func NewAggressiveProber(picker NeighbourPicker, interval time.Duration, send func(ElderInfo, AeProbe)) *AggressiveProber {
	return &AggressiveProber{picker: picker, interval: interval, send: send, stop: make(chan struct{})}
}

// Run blocks, probing every interval (plus jitter) until Stop is called.
func (p *AggressiveProber) Run(ourSAP func() SAP) {
	jitter := time.Duration(rand.Int63n(int64(p.interval) / 4))
	ticker := time.NewTicker(p.interval + jitter)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			peer, ok := p.picker.RandomNeighbourSectionPeer()
			if !ok {
				continue
			}
			p.send(peer, AeProbe{OurSAP: ourSAP()})
		}
	}
}

// Stop ends the probe loop.
func (p *AggressiveProber) Stop() {
	close(p.stop)
}
