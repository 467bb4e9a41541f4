package core

// knowledge.go – the section chain DAG and the per-node NetworkKnowledge
// snapshot (§4.2, §3).
//
// Design note §9 calls for the chain to be "a flat table indexed by BLS
// public key with parent keys as foreign-key-style references; never as
// owning pointers" and for NetworkKnowledge to be "an immutable snapshot
// behind a single-writer lock; writers swap the whole snapshot". Both are
// implemented literally below: chainEntry.Parent is a ChainKey, not a
// pointer, and NetworkKnowledge holds an atomic.Pointer to an immutable
// knowledgeSnapshot that Snapshot() loads without ever blocking on the
// writer lock.

import (
	"fmt"
	"sync"
	"sync/atomic"
)

type chainEntry struct {
	Key    ChainKey
	Parent ChainKey // zero value for the genesis entry
	Sig    []byte   // parent's signature over Key.Bytes, empty for genesis
}

// SectionChain is the flat, foreign-key table of section public keys
// described in §3 and §9.
type SectionChain struct {
	mu      sync.RWMutex
	genesis ChainKey
	entries map[string]chainEntry // keyed by ChainKey.String()
}

// NewSectionChain roots a chain at genesis. genesis has no parent and no
// signature to verify — it is, per §4.2, "a configured constant".
func NewSectionChain(genesis ChainKey) *SectionChain {
	c := &SectionChain{
		genesis: genesis,
		entries: make(map[string]chainEntry),
	}
	c.entries[genesis.String()] = chainEntry{Key: genesis}
	return c
}

// Has reports whether key is already known to the chain.
func (c *SectionChain) Has(key ChainKey) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[key.String()]
	return ok
}

// Insert links child to parent with sig = parent-signature-over-child, after
// verifying both that parent is already known and that sig verifies.
// Two keys may share a parent — that's how a split produces sibling keys
// from one (§3).
func (c *SectionChain) Insert(child, parent ChainKey, sig []byte) error {
	if !c.Has(parent) {
		return fmt.Errorf("core: %w: parent %s", ErrUnknownProofChain, parent)
	}
	ok, err := VerifySectionSignature(parent, child.Bytes, sig)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("core: %w: child %s not signed by claimed parent", ErrBadSignature, child)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[child.String()]; ok {
		if existing.Parent.Equal(parent) {
			return nil // idempotent re-insert
		}
		return fmt.Errorf("core: %w: %s already has a different parent", ErrImpossibleState, child)
	}
	c.entries[child.String()] = chainEntry{Key: child, Parent: parent, Sig: sig}
	return nil
}

// IsDescendant reports whether candidate is reachable from incumbent by
// following Parent links forward (i.e. incumbent is an ancestor of candidate,
// including candidate == incumbent).
func (c *SectionChain) IsDescendant(candidate, incumbent ChainKey) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cur := candidate
	for i := 0; i < len(c.entries)+1; i++ {
		if cur.Equal(incumbent) {
			return true
		}
		e, ok := c.entries[cur.String()]
		if !ok || e.Parent.IsZero() {
			return false
		}
		cur = e.Parent
	}
	return false
}

// ProofChain returns the path of (key, parent, sig) hops connecting from to
// to, inclusive of to, by walking parent links. It assumes `to` is an
// ancestor of `from` (call IsDescendant first); lowest-common-ancestor forks
// from a genuine sibling split are resolved by the caller walking both
// sides to genesis and trimming the common prefix.
func (c *SectionChain) ProofChain(from, to ChainKey) ([]chainEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var hops []chainEntry
	cur := from
	for i := 0; i < len(c.entries)+1; i++ {
		e, ok := c.entries[cur.String()]
		if !ok {
			return nil, fmt.Errorf("core: %w: %s", ErrUnknownProofChain, cur)
		}
		hops = append(hops, e)
		if cur.Equal(to) {
			return hops, nil
		}
		if e.Parent.IsZero() {
			return nil, fmt.Errorf("core: %w: %s does not connect to %s", ErrUntrustedProofChain, from, to)
		}
		cur = e.Parent
	}
	return nil, fmt.Errorf("core: %w: proof chain exceeded table size", ErrImpossibleState)
}

// AllEntries returns every entry in the chain including genesis, for
// persistence (§6).
func (c *SectionChain) AllEntries() []chainEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]chainEntry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	return out
}

// VerifyChain checks every hop in a proof chain, in order from the deepest
// descendant back to its ancestor (as returned by ProofChain), re-verifying
// signatures independent of what's already stored locally. This is what
// lets an AE update be checked before it is merged.
func VerifyChain(hops []chainEntry) error {
	for _, e := range hops {
		if e.Parent.IsZero() {
			continue // genesis: no signature to check
		}
		ok, err := VerifySectionSignature(e.Parent, e.Key.Bytes, e.Sig)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("core: %w: hop %s -> %s", ErrBadSignature, e.Parent, e.Key)
		}
	}
	return nil
}

// NodeMemberState describes a name's membership lifecycle (§3).
type NodeMemberState int

const (
	StateJoined NodeMemberState = iota
	StateLeft
	StateRelocated
)

type NodeState struct {
	Name          XorName
	Addr          string
	Age           uint8
	State         NodeMemberState
	TargetPrefix  Prefix // only meaningful when State == StateRelocated
}

func (n NodeState) XorName() XorName { return n.Name }

// knowledgeSnapshot is the immutable value NetworkKnowledge swaps atomically.
type knowledgeSnapshot struct {
	ourSectionKey   ChainKey
	ourSAP          SAP
	allSAPs         *PrefixMap
	chain           *SectionChain
	archivedMembers map[XorName]NodeState
}

// NetworkKnowledge is the one-per-node view of the network described in §3
// and §9: many concurrent readers, a single writer that swaps the whole
// snapshot, so readers never observe a torn update.
type NetworkKnowledge struct {
	writeMu sync.Mutex // serializes writers; readers never take this
	ptr     atomic.Pointer[knowledgeSnapshot]
}

// NewNetworkKnowledge seeds knowledge with the genesis SAP. Per §4.2 "the
// only exception is the genesis SAP, which is a configured constant" — it is
// accepted here without a proof chain.
func NewNetworkKnowledge(genesisSAP SAP) *NetworkKnowledge {
	chain := NewSectionChain(genesisSAP.SectionKey)
	allSAPs := NewPrefixMap()
	always := func(candidate, incumbent ChainKey) bool { return true }
	_ = allSAPs.Insert(genesisSAP, always)
	nk := &NetworkKnowledge{}
	nk.ptr.Store(&knowledgeSnapshot{
		ourSectionKey:   genesisSAP.SectionKey,
		ourSAP:          genesisSAP,
		allSAPs:         allSAPs,
		chain:           chain,
		archivedMembers: make(map[XorName]NodeState),
	})
	return nk
}

// Snapshot returns the current immutable view. Callers must not mutate
// anything reachable from it.
func (nk *NetworkKnowledge) Snapshot() *knowledgeSnapshot {
	return nk.ptr.Load()
}

// OurSAP returns the locally-held SAP for our own section.
func (nk *NetworkKnowledge) OurSAP() SAP { return nk.Snapshot().ourSAP }

// OurSectionKey returns the section key this node currently believes is current for itself.
func (nk *NetworkKnowledge) OurSectionKey() ChainKey { return nk.Snapshot().ourSectionKey }

// SectionKeyByName returns the SAP key covering name (§4.2).
func (nk *NetworkKnowledge) SectionKeyByName(name XorName) (ChainKey, bool) {
	sap, ok := nk.Snapshot().allSAPs.SAPFor(name)
	if !ok {
		return ChainKey{}, false
	}
	return sap.SectionKey, true
}

// VerifySAP checks proofChain, ordered from sap.SectionKey back to an
// ancestor (as ProofChain returns it): its first entry must be
// sap.SectionKey, each entry's Parent must be the next entry's Key, its last
// entry must be a key already in our chain, and every link must carry a
// valid signature (§4.2).
func (nk *NetworkKnowledge) VerifySAP(sap SAP, proofChain []chainEntry) error {
	if len(proofChain) == 0 {
		if nk.Snapshot().chain.Has(sap.SectionKey) {
			return nil
		}
		return fmt.Errorf("core: %w", ErrUntrustedProofChain)
	}
	tail := proofChain[len(proofChain)-1]
	if !nk.Snapshot().chain.Has(tail.Key) {
		return fmt.Errorf("core: %w: chain does not connect to local knowledge", ErrUntrustedProofChain)
	}
	for i := 0; i+1 < len(proofChain); i++ {
		if !proofChain[i].Parent.Equal(proofChain[i+1].Key) {
			return fmt.Errorf("core: %w: proof chain hops are not linked", ErrUntrustedProofChain)
		}
	}
	if !proofChain[0].Key.Equal(sap.SectionKey) {
		return fmt.Errorf("core: %w: proof chain does not terminate at sap.SectionKey", ErrImpossibleState)
	}
	return VerifyChain(proofChain)
}

// UpdateKnowledge verifies then merges sap/proofChain into chain and
// all_saps (§4.2). It fails with ErrUntrustedProofChain if the incoming
// chain does not connect, ErrOutdatedSAP if strictly older than what we hold.
func (nk *NetworkKnowledge) UpdateKnowledge(sap SAP, proofChain []chainEntry) error {
	if err := nk.VerifySAP(sap, proofChain); err != nil {
		return err
	}
	nk.writeMu.Lock()
	defer nk.writeMu.Unlock()

	old := nk.ptr.Load()
	newChain := old.chain
	for i := len(proofChain) - 1; i >= 0; i-- {
		e := proofChain[i]
		if e.Parent.IsZero() {
			continue
		}
		if err := newChain.Insert(e.Key, e.Parent, e.Sig); err != nil {
			return err
		}
	}

	isDescendant := newChain.IsDescendant
	if err := old.allSAPs.Insert(sap, isDescendant); err != nil {
		return err
	}

	next := &knowledgeSnapshot{
		ourSectionKey:   old.ourSectionKey,
		ourSAP:          old.ourSAP,
		allSAPs:         old.allSAPs,
		chain:           newChain,
		archivedMembers: old.archivedMembers,
	}
	if sap.Prefix.Matches(old.ourSAP.Prefix.Name) && sap.Prefix.Len >= old.ourSAP.Prefix.Len {
		next.ourSAP = sap
		next.ourSectionKey = sap.SectionKey
	}
	nk.ptr.Store(next)
	return nil
}

// ArchiveMember records a superseded NodeState without deleting membership
// history (§3 "Ownership & lifecycle": archived, never deleted).
func (nk *NetworkKnowledge) ArchiveMember(ns NodeState) {
	nk.writeMu.Lock()
	defer nk.writeMu.Unlock()
	old := nk.ptr.Load()
	archived := make(map[XorName]NodeState, len(old.archivedMembers)+1)
	for k, v := range old.archivedMembers {
		archived[k] = v
	}
	archived[ns.Name] = ns
	next := *old
	next.archivedMembers = archived
	nk.ptr.Store(&next)
}
