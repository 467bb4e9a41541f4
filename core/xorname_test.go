package core

import "testing"

func TestXorNameDistanceAndCloserTo(t *testing.T) {
	a := XorName{0x00}
	b := XorName{0x01}
	target := XorName{0x00}

	if !a.CloserTo(b, target) {
		t.Fatalf("expected a closer to target than b")
	}
	if b.CloserTo(a, target) {
		t.Fatalf("expected b not closer to target than a")
	}
}

func TestXorNameCommonPrefixLen(t *testing.T) {
	var a, b XorName
	a[0] = 0b11110000
	b[0] = 0b11111111
	if got := a.CommonPrefixLen(b); got != 4 {
		t.Fatalf("expected common prefix len 4, got %d", got)
	}

	if got := a.CommonPrefixLen(a); got != len(a)*8 {
		t.Fatalf("expected identical names to share every bit, got %d", got)
	}
}

func TestXorNameBit(t *testing.T) {
	var n XorName
	n[0] = 0b10100000
	if n.Bit(0) != 1 {
		t.Fatalf("expected bit 0 set")
	}
	if n.Bit(1) != 0 {
		t.Fatalf("expected bit 1 clear")
	}
	if n.Bit(2) != 1 {
		t.Fatalf("expected bit 2 set")
	}
}

type namedPeer struct {
	name XorName
}

func (p namedPeer) XorName() XorName { return p.name }

func TestClosestNOrdersByDistance(t *testing.T) {
	target := XorName{0x00}
	far := namedPeer{name: XorName{0xff}}
	near := namedPeer{name: XorName{0x01}}
	mid := namedPeer{name: XorName{0x10}}

	out := ClosestN(target, []namedPeer{far, mid, near}, 2)
	if len(out) != 2 {
		t.Fatalf("expected 2 results, got %d", len(out))
	}
	if out[0] != near || out[1] != mid {
		t.Fatalf("expected [near, mid], got %v", out)
	}
}

func TestPrefixPushBitAndMatches(t *testing.T) {
	root := RootPrefix()
	if root.Len != 0 {
		t.Fatalf("expected root prefix to have length 0")
	}

	var name XorName
	name[0] = 0b10000000
	if !root.Matches(name) {
		t.Fatalf("expected root to match every name")
	}

	one := root.PushBit(1)
	if one.Len != 1 {
		t.Fatalf("expected pushed prefix length 1, got %d", one.Len)
	}
	if !one.Matches(name) {
		t.Fatalf("expected prefix '1' to match a name starting with 1")
	}

	var other XorName
	other[0] = 0b00000000
	if one.Matches(other) {
		t.Fatalf("expected prefix '1' not to match a name starting with 0")
	}
}

func TestPrefixSiblingAndIsExtensionOf(t *testing.T) {
	root := RootPrefix()
	zero := root.PushBit(0)
	one := root.PushBit(1)

	if !zero.Sibling().Equal(one) {
		t.Fatalf("expected sibling of '0' to equal '1'")
	}

	zeroZero := zero.PushBit(0)
	if !zeroZero.IsExtensionOf(zero) {
		t.Fatalf("expected '00' to extend '0'")
	}
	if zero.IsExtensionOf(zeroZero) {
		t.Fatalf("did not expect '0' to extend '00'")
	}
}

func TestPrefixStringRoundTrips(t *testing.T) {
	root := RootPrefix()
	p := root.PushBit(1).PushBit(0).PushBit(1)
	if got := p.String(); got != "101" {
		t.Fatalf("expected string '101', got %q", got)
	}
}
