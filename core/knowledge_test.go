package core

import "testing"

func TestSectionChainInsertAndProofChain(t *testing.T) {
	genesisKey, genesisSk, err := GenesisKeyPair()
	if err != nil {
		t.Fatalf("GenesisKeyPair: %v", err)
	}
	childKey, _, err := GenesisKeyPair()
	if err != nil {
		t.Fatalf("GenesisKeyPair: %v", err)
	}
	sig := SignGenesis(genesisSk, childKey.Bytes)

	chain := NewSectionChain(genesisKey)
	if !chain.Has(genesisKey) {
		t.Fatalf("expected genesis to be present immediately")
	}

	if err := chain.Insert(childKey, genesisKey, sig); err != nil {
		t.Fatalf("insert child: %v", err)
	}
	if !chain.IsDescendant(childKey, genesisKey) {
		t.Fatalf("expected child to be a descendant of genesis")
	}

	hops, err := chain.ProofChain(childKey, genesisKey)
	if err != nil {
		t.Fatalf("ProofChain: %v", err)
	}
	if len(hops) != 2 {
		t.Fatalf("expected 2 hops (child, genesis), got %d", len(hops))
	}
	if err := VerifyChain(hops); err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
}

func TestSectionChainInsertRejectsBadSignature(t *testing.T) {
	genesisKey, _, err := GenesisKeyPair()
	if err != nil {
		t.Fatalf("GenesisKeyPair: %v", err)
	}
	childKey, _, err := GenesisKeyPair()
	if err != nil {
		t.Fatalf("GenesisKeyPair: %v", err)
	}
	chain := NewSectionChain(genesisKey)
	if err := chain.Insert(childKey, genesisKey, []byte("not a real signature")); err == nil {
		t.Fatalf("expected bad signature to be rejected")
	}
}

func TestSectionChainInsertRejectsUnknownParent(t *testing.T) {
	genesisKey, _, err := GenesisKeyPair()
	if err != nil {
		t.Fatalf("GenesisKeyPair: %v", err)
	}
	strangerKey, strangerSk, err := GenesisKeyPair()
	if err != nil {
		t.Fatalf("GenesisKeyPair: %v", err)
	}
	childKey, _, err := GenesisKeyPair()
	if err != nil {
		t.Fatalf("GenesisKeyPair: %v", err)
	}
	sig := SignGenesis(strangerSk, childKey.Bytes)

	chain := NewSectionChain(genesisKey)
	if err := chain.Insert(childKey, strangerKey, sig); err == nil {
		t.Fatalf("expected insert with an unknown parent to fail")
	}
}

func TestNetworkKnowledgeUpdateKnowledge(t *testing.T) {
	genesisKey, genesisSk, err := GenesisKeyPair()
	if err != nil {
		t.Fatalf("GenesisKeyPair: %v", err)
	}
	genesisSAP := SAP{Prefix: RootPrefix(), SectionKey: genesisKey, Elders: []ElderInfo{{Name: XorName{0x01}}}}
	nk := NewNetworkKnowledge(genesisSAP)

	childKey, _, err := GenesisKeyPair()
	if err != nil {
		t.Fatalf("GenesisKeyPair: %v", err)
	}
	sig := SignGenesis(genesisSk, childKey.Bytes)
	childSAP := SAP{Prefix: RootPrefix(), SectionKey: childKey, Elders: []ElderInfo{{Name: XorName{0x02}}}, MembershipGeneration: 1}

	proofChain := []chainEntry{
		{Key: childKey, Parent: genesisKey, Sig: sig},
		{Key: genesisKey},
	}
	if err := nk.UpdateKnowledge(childSAP, proofChain); err != nil {
		t.Fatalf("UpdateKnowledge: %v", err)
	}

	if !nk.OurSectionKey().Equal(childKey) {
		t.Fatalf("expected our section key to advance to the child key")
	}
	gotKey, ok := nk.SectionKeyByName(XorName{0xAB})
	if !ok || !gotKey.Equal(childKey) {
		t.Fatalf("expected lookups to resolve to the new section key")
	}
}

func TestNetworkKnowledgeArchiveMember(t *testing.T) {
	genesisKey, _, err := GenesisKeyPair()
	if err != nil {
		t.Fatalf("GenesisKeyPair: %v", err)
	}
	nk := NewNetworkKnowledge(SAP{Prefix: RootPrefix(), SectionKey: genesisKey})
	ns := NodeState{Name: XorName{0x09}, State: StateLeft}
	nk.ArchiveMember(ns)

	snap := nk.Snapshot()
	got, ok := snap.archivedMembers[ns.Name]
	if !ok || got.State != StateLeft {
		t.Fatalf("expected archived member to be recorded")
	}
}
