package core

// persist.go – atomic on-disk persistence for the two artifacts a section
// must survive a restart with (§6): the PrefixMap and the SectionChain.
//
// Grounded on the teacher's storage.go diskLRU (os.MkdirAll + os.WriteFile
// under one mutex, JSON-encoded payloads, logrus on every write) but
// generalized from "cache entries keyed by CID" to "one named artifact
// replaced as a whole", and hardened with the write-to-temp-then-rename
// sequence storage.go's put() lacked, since losing prefix_map.json or
// section_chain.json to a crash mid-write would corrupt a section's only
// record of its own membership history.

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	prefixMapFile    = "prefix_map.json"
	sectionChainFile = "section_chain.json"
)

// persistedChain is the wire-stable JSON shape for a SectionChain.
type persistedChain struct {
	Genesis ChainKey     `json:"genesis"`
	Entries []chainEntry `json:"entries"`
}

// Store persists a section's PrefixMap and SectionChain to dir, replacing
// each file atomically on every write.
type Store struct {
	mu  sync.Mutex
	dir string
	log *logrus.Entry
}

// NewStore ensures dir exists and returns a Store rooted there.
func NewStore(dir string, log *logrus.Entry) (*Store, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("persist: %w", err)
	}
	return &Store{dir: dir, log: log}, nil
}

func (s *Store) writeAtomic(name string, data []byte) error {
	final := filepath.Join(s.dir, name)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("persist: write temp: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("persist: rename: %w", err)
	}
	return nil
}

// SavePrefixMap writes every SAP in pm to disk, replacing the file as a
// whole (§6: "single atomic replace, never partial merge"), reusing
// PrefixMap's own MarshalJSON so the on-disk shape and the in-memory
// round-trip law (§8) never drift apart.
func (s *Store) SavePrefixMap(pm *PrefixMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(pm, "", "  ")
	if err != nil {
		return fmt.Errorf("persist: marshal prefix map: %w", err)
	}
	if err := s.writeAtomic(prefixMapFile, data); err != nil {
		return err
	}
	s.log.WithField("saps", len(pm.AllSAPs())).Debug("persisted prefix map")
	return nil
}

// LoadPrefixMap rebuilds a PrefixMap from disk. A missing file is not an
// error: a freshly bootstrapped node has nothing to load yet.
func (s *Store) LoadPrefixMap() (*PrefixMap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, prefixMapFile))
	if os.IsNotExist(err) {
		return NewPrefixMap(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("persist: read prefix map: %w", err)
	}
	pm := NewPrefixMap()
	if err := json.Unmarshal(data, pm); err != nil {
		return nil, fmt.Errorf("persist: unmarshal prefix map: %w", err)
	}
	return pm, nil
}

// SaveChain writes the genesis key and every entry in chain (key, parent,
// signature) to disk as a flat list, so a reload can rebuild the
// parent-reference graph exactly (§9 "flat table of keys, not owning
// pointers").
func (s *Store) SaveChain(chain *SectionChain) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := persistedChain{Genesis: chain.genesis, Entries: chain.AllEntries()}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("persist: marshal chain: %w", err)
	}
	if err := s.writeAtomic(sectionChainFile, data); err != nil {
		return err
	}
	s.log.WithField("entries", len(out.Entries)).Debug("persisted section chain")
	return nil
}

// LoadChain rebuilds a SectionChain from disk, verifying every hop as it
// goes. A missing file yields a chain holding only the genesis entry.
func (s *Store) LoadChain(genesis ChainKey) (*SectionChain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, sectionChainFile))
	if os.IsNotExist(err) {
		return NewSectionChain(genesis), nil
	}
	if err != nil {
		return nil, fmt.Errorf("persist: read chain: %w", err)
	}
	var stored persistedChain
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("persist: unmarshal chain: %w", err)
	}
	chain := NewSectionChain(stored.Genesis)
	pending := make([]chainEntry, 0, len(stored.Entries))
	for _, e := range stored.Entries {
		if e.Key.Equal(stored.Genesis) {
			continue
		}
		pending = append(pending, e)
	}
	// Entries come back from a Go map in unspecified order, so a parent may
	// sort after its child; insert in topological passes until none remain.
	for len(pending) > 0 {
		progressed := false
		remaining := pending[:0]
		for _, e := range pending {
			if !chain.Has(e.Parent) {
				remaining = append(remaining, e)
				continue
			}
			if err := chain.Insert(e.Key, e.Parent, e.Sig); err != nil {
				return nil, fmt.Errorf("persist: rebuild chain: %w", err)
			}
			progressed = true
		}
		pending = remaining
		if !progressed {
			return nil, fmt.Errorf("persist: rebuild chain: %w: unreachable entries remain", ErrUntrustedProofChain)
		}
	}
	return chain, nil
}
