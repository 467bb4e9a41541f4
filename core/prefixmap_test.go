package core

import "testing"

func testChainKey(b byte) ChainKey {
	return ChainKey{Algo: AlgoGenesisBLS, Bytes: []byte{b}}
}

func TestPrefixMapInsertAndLookup(t *testing.T) {
	pm := NewPrefixMap()
	genesis := SAP{Prefix: RootPrefix(), SectionKey: testChainKey(1), Elders: []ElderInfo{{Name: XorName{0x01}}}}
	always := func(candidate, incumbent ChainKey) bool { return true }

	if err := pm.Insert(genesis, always); err != nil {
		t.Fatalf("insert genesis: %v", err)
	}

	got, ok := pm.SAPFor(XorName{0xAB})
	if !ok {
		t.Fatalf("expected root SAP to cover every name")
	}
	if !got.SectionKey.Equal(genesis.SectionKey) {
		t.Fatalf("unexpected section key returned")
	}
	if !pm.IsCovering() {
		t.Fatalf("expected a single root leaf to be covering")
	}
}

func TestPrefixMapSplitOnLongerPrefix(t *testing.T) {
	pm := NewPrefixMap()
	always := func(candidate, incumbent ChainKey) bool { return true }
	genesis := SAP{Prefix: RootPrefix(), SectionKey: testChainKey(1)}
	if err := pm.Insert(genesis, always); err != nil {
		t.Fatalf("insert genesis: %v", err)
	}

	left := RootPrefix().PushBit(0)
	child := SAP{Prefix: left, SectionKey: testChainKey(2)}
	if err := pm.Insert(child, always); err != nil {
		t.Fatalf("insert split child: %v", err)
	}

	if pm.IsCovering() {
		t.Fatalf("expected map to be non-covering after a one-sided split")
	}

	prefixes := pm.AllPrefixes()
	if len(prefixes) != 1 {
		t.Fatalf("expected exactly one resolved leaf, got %d", len(prefixes))
	}

	got, ok := pm.SAPForPrefix(left)
	if !ok || !got.SectionKey.Equal(child.SectionKey) {
		t.Fatalf("expected SAPForPrefix to resolve the split child")
	}
}

func TestPrefixMapInsertRejectsNonDescendant(t *testing.T) {
	pm := NewPrefixMap()
	genesis := SAP{Prefix: RootPrefix(), SectionKey: testChainKey(1)}
	never := func(candidate, incumbent ChainKey) bool { return false }
	if err := pm.Insert(genesis, never); err != nil {
		t.Fatalf("insert genesis: %v", err)
	}

	competing := SAP{Prefix: RootPrefix(), SectionKey: testChainKey(2)}
	if err := pm.Insert(competing, never); err == nil {
		t.Fatalf("expected ErrOutdatedSAP for a non-descendant key at the same prefix")
	}
}

func TestPrefixMapInsertIdempotent(t *testing.T) {
	pm := NewPrefixMap()
	always := func(candidate, incumbent ChainKey) bool { return true }
	genesis := SAP{Prefix: RootPrefix(), SectionKey: testChainKey(1), MembershipGeneration: 3}
	if err := pm.Insert(genesis, always); err != nil {
		t.Fatalf("insert genesis: %v", err)
	}
	if err := pm.Insert(genesis, always); err != nil {
		t.Fatalf("expected idempotent re-insert to succeed, got %v", err)
	}
	if len(pm.AllSAPs()) != 1 {
		t.Fatalf("expected exactly one SAP after idempotent re-insert")
	}
}

func TestPrefixMapJSONRoundTrip(t *testing.T) {
	pm := NewPrefixMap()
	always := func(candidate, incumbent ChainKey) bool { return true }
	genesis := SAP{
		Prefix:               RootPrefix(),
		SectionKey:           testChainKey(7),
		Elders:               []ElderInfo{{Name: XorName{0x02}, Addr: "127.0.0.1:1234"}},
		MembershipGeneration: 5,
	}
	if err := pm.Insert(genesis, always); err != nil {
		t.Fatalf("insert genesis: %v", err)
	}

	data, err := pm.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	fresh := NewPrefixMap()
	if err := fresh.UnmarshalJSON(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	got, ok := fresh.SAPFor(XorName{0x02})
	if !ok {
		t.Fatalf("expected round-tripped map to resolve lookups")
	}
	if got.MembershipGeneration != 5 || len(got.Elders) != 1 {
		t.Fatalf("round-tripped SAP lost data: %+v", got)
	}
}
