package core

// prefixmap.go – the trie of Section Authority Providers covering the
// address space (§4.1).
//
// Grounded on the teacher's sharding.go, which partitioned accounts into a
// static 2^ShardBits table keyed by the first ShardBits of the account
// hash. A PrefixMap generalises that idea to a *dynamic*, variable-depth
// partition: instead of a fixed shard count decided up front, prefixes grow
// and shrink as sections split, and every leaf carries the SAP rather than
// a leader address.

import (
	"encoding/json"
	"fmt"
	"sync"
)

// ElderInfo identifies one elder by name and socket address (§3).
type ElderInfo struct {
	Name XorName
	Addr string
}

func (e ElderInfo) XorName() XorName { return e.Name }

// SAP is the Section Authority Provider: the authoritative descriptor of a
// section's current elders and BLS key (§3). It is always carried alongside
// a proof chain connecting SectionKey back to genesis.
type SAP struct {
	Prefix               Prefix
	SectionKey           ChainKey
	Elders               []ElderInfo
	MembershipGeneration uint64
}

func (s SAP) ElderCount() int { return len(s.Elders) }

// Threshold is the BRB/BLS quorum size for this SAP: ceil(2/3 * n).
func (s SAP) Threshold() int {
	n := len(s.Elders)
	return (2*n + 2) / 3
}

// pmNode is one node of the binary trie. Exactly one of (sap, left/right) is
// populated at any time: a node is either a leaf (covering SAP) or an
// internal fork.
type pmNode struct {
	sap         *SAP
	left, right *pmNode
}

// PrefixMap is the binary trie of SAPs covering the full address space. It
// is kept covering at all times: every leaf is a SAP and no two leaf
// prefixes overlap (invariant 2 in §8).
type PrefixMap struct {
	mu   sync.RWMutex
	root *pmNode
}

// NewPrefixMap returns an empty map; callers must Insert a genesis SAP with
// the root prefix before any lookup succeeds.
func NewPrefixMap() *PrefixMap {
	return &PrefixMap{root: &pmNode{}}
}

// SAPFor returns the SAP whose prefix covers name, in O(depth) = O(log N)
// trie descents where N is the number of live sections.
func (m *PrefixMap) SAPFor(name XorName) (SAP, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	node := m.root
	depth := 0
	for node != nil {
		if node.sap != nil {
			return *node.sap, true
		}
		if name.Bit(depth) == 0 {
			node = node.left
		} else {
			node = node.right
		}
		depth++
	}
	return SAP{}, false
}

// SAPForPrefix returns the SAP stored at exactly prefix, if any leaf matches it.
func (m *PrefixMap) SAPForPrefix(prefix Prefix) (SAP, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	node := m.root
	for depth := 0; depth < prefix.Len; depth++ {
		if node == nil {
			return SAP{}, false
		}
		if node.sap != nil {
			// prefix is strictly longer than any leaf seen so far: no exact match.
			return SAP{}, false
		}
		if prefix.Name.Bit(depth) == 0 {
			node = node.left
		} else {
			node = node.right
		}
	}
	if node != nil && node.sap != nil {
		return *node.sap, true
	}
	return SAP{}, false
}

// Insert merges sap into the map, maintaining the covering invariant.
//
//   - Equal prefix, descendant key (per isDescendant): replace (idempotent
//     no-op if the keys match exactly).
//   - Equal prefix, non-descendant key: rejected, caller should treat this
//     as OutdatedSap.
//   - Longer prefix than the current leaf covering it: the leaf is split
//     into two sibling leaves; the sibling not described by sap is left
//     pending (nil) until AE supplies it.
//
// isDescendant answers "is candidate a chain-descendant of incumbent" and is
// supplied by the caller (NetworkKnowledge), since only the section chain
// knows ancestry.
func (m *PrefixMap) Insert(sap SAP, isDescendant func(candidate, incumbent ChainKey) bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(m.root, RootPrefix(), sap, isDescendant)
}

func (m *PrefixMap) insertLocked(node *pmNode, at Prefix, sap SAP, isDescendant func(a, b ChainKey) bool) error {
	if at.Len == sap.Prefix.Len {
		if node.sap == nil && node.left == nil && node.right == nil {
			node.sap = &sap
			return nil
		}
		if node.sap != nil {
			if node.sap.SectionKey.Equal(sap.SectionKey) {
				return nil // idempotent no-op, round-trip law in §8
			}
			if isDescendant(sap.SectionKey, node.sap.SectionKey) {
				node.sap = &sap
				return nil
			}
			return fmt.Errorf("prefixmap: %w for prefix %s", ErrOutdatedSAP, at)
		}
		return fmt.Errorf("prefixmap: %w: internal node at %s has no leaf to replace", ErrImpossibleState, at)
	}

	if node.sap != nil {
		// sap.Prefix is longer: split this leaf into two siblings along the
		// next bit. The branch matching sap gets it; the other is pending.
		bit := sap.Prefix.Name.Bit(at.Len)
		node.sap = nil
		node.left = &pmNode{}
		node.right = &pmNode{}
		if bit == 0 {
			return m.insertLocked(node.left, at.PushBit(0), sap, isDescendant)
		}
		return m.insertLocked(node.right, at.PushBit(1), sap, isDescendant)
	}

	bit := sap.Prefix.Name.Bit(at.Len)
	if bit == 0 {
		if node.left == nil {
			node.left = &pmNode{}
		}
		return m.insertLocked(node.left, at.PushBit(0), sap, isDescendant)
	}
	if node.right == nil {
		node.right = &pmNode{}
	}
	return m.insertLocked(node.right, at.PushBit(1), sap, isDescendant)
}

// AllPrefixes returns every leaf prefix currently stored, used to assert the
// covering-partition invariant (§8, invariant 2) in tests and diagnostics.
func (m *PrefixMap) AllPrefixes() []Prefix {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Prefix
	var walk func(n *pmNode, at Prefix)
	walk = func(n *pmNode, at Prefix) {
		if n == nil {
			return
		}
		if n.sap != nil {
			out = append(out, at)
			return
		}
		walk(n.left, at.PushBit(0))
		walk(n.right, at.PushBit(1))
	}
	walk(m.root, RootPrefix())
	return out
}

// AllSAPs returns every leaf SAP, for gossip and persistence.
func (m *PrefixMap) AllSAPs() []SAP {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []SAP
	var walk func(n *pmNode)
	walk = func(n *pmNode) {
		if n == nil {
			return
		}
		if n.sap != nil {
			out = append(out, *n.sap)
			return
		}
		walk(n.left)
		walk(n.right)
	}
	walk(m.root)
	return out
}

// IsCovering reports whether every leaf has a SAP (no pending branch left by
// a split that AE has not yet filled). A non-covering map must still answer
// lookups for names whose branch is resolved; it is a transient state.
func (m *PrefixMap) IsCovering() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var walk func(n *pmNode) bool
	walk = func(n *pmNode) bool {
		if n == nil {
			return false // pending branch
		}
		if n.sap != nil {
			return true
		}
		return walk(n.left) && walk(n.right)
	}
	return walk(m.root)
}

// pmWireEntry/MarshalJSON/UnmarshalJSON implement the persisted on-disk form
// named in §6 ("prefix_map — binary serialization ... written atomically").
// JSON is used here as the concrete self-describing encoding layered under
// persist.go's atomic-rename writer.
type pmWireEntry struct {
	PrefixLen  int         `json:"prefix_len"`
	PrefixName XorName     `json:"prefix_name"`
	SectionKey ChainKey    `json:"section_key"`
	Elders     []ElderInfo `json:"elders"`
	Generation uint64      `json:"generation"`
}

func (m *PrefixMap) MarshalJSON() ([]byte, error) {
	saps := m.AllSAPs()
	entries := make([]pmWireEntry, len(saps))
	for i, s := range saps {
		entries[i] = pmWireEntry{
			PrefixLen:  s.Prefix.Len,
			PrefixName: s.Prefix.Name,
			SectionKey: s.SectionKey,
			Elders:     s.Elders,
			Generation: s.MembershipGeneration,
		}
	}
	return json.Marshal(entries)
}

func (m *PrefixMap) UnmarshalJSON(data []byte) error {
	var entries []pmWireEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	fresh := NewPrefixMap()
	always := func(candidate, incumbent ChainKey) bool { return true }
	for _, e := range entries {
		sap := SAP{
			Prefix:               Prefix{Name: e.PrefixName, Len: e.PrefixLen},
			SectionKey:           e.SectionKey,
			Elders:               e.Elders,
			MembershipGeneration: e.Generation,
		}
		if err := fresh.Insert(sap, always); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.root = fresh.root
	m.mu.Unlock()
	return nil
}
