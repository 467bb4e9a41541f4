package core

import (
	"errors"
	"testing"
)

type memRegisterStore struct {
	applied map[RegisterAddr][]byte
}

func newMemRegisterStore() *memRegisterStore {
	return &memRegisterStore{applied: make(map[RegisterAddr][]byte)}
}

func (s *memRegisterStore) Apply(addr RegisterAddr, op []byte) error {
	s.applied[addr] = append(s.applied[addr], op...)
	return nil
}

func (s *memRegisterStore) Read(addr RegisterAddr) ([]byte, error) {
	return s.applied[addr], nil
}

func (s *memRegisterStore) Has(addr RegisterAddr) bool {
	_, ok := s.applied[addr]
	return ok
}

func (s *memRegisterStore) Addrs() []RegisterAddr {
	out := make([]RegisterAddr, 0, len(s.applied))
	for a := range s.applied {
		out = append(out, a)
	}
	return out
}

type allowAllPerms struct{}

func (allowAllPerms) Admit(addr RegisterAddr, signer []byte) bool { return true }

type denyAllPerms struct{}

func (denyAllPerms) Admit(addr RegisterAddr, signer []byte) bool { return false }

func TestRegisterManagerApplyOpAppliesLocallyOnQuorum(t *testing.T) {
	store := newMemRegisterStore()
	rm := NewRegisterManager(3, allowAllPerms{}, store, XorName{0x01}, func(to ElderInfo, op RegisterOp) (ChunkAck, error) {
		return ChunkAck{OK: true}, nil
	})
	addr := RegisterAddr{Name: XorName{0x02}, Tag: 1}
	op := RegisterOp{Addr: addr, Payload: []byte("op-1"), Signer: []byte("client")}

	if err := rm.ApplyOp(op, testAdults(5)); err != nil {
		t.Fatalf("ApplyOp: %v", err)
	}
	got, err := rm.ReadRegister(addr)
	if err != nil {
		t.Fatalf("ReadRegister: %v", err)
	}
	if string(got) != "op-1" {
		t.Fatalf("expected locally-applied payload, got %q", got)
	}
}

func TestRegisterManagerApplyOpRejectsUnadmittedSigner(t *testing.T) {
	store := newMemRegisterStore()
	rm := NewRegisterManager(3, denyAllPerms{}, store, XorName{0x01}, func(to ElderInfo, op RegisterOp) (ChunkAck, error) {
		return ChunkAck{OK: true}, nil
	})
	addr := RegisterAddr{Name: XorName{0x02}, Tag: 1}
	op := RegisterOp{Addr: addr, Payload: []byte("op-1"), Signer: []byte("client")}
	if err := rm.ApplyOp(op, testAdults(5)); err == nil {
		t.Fatalf("expected an unadmitted signer to be rejected")
	}
}

func TestRegisterManagerApplyOpFailsBelowSupermajority(t *testing.T) {
	store := newMemRegisterStore()
	rm := NewRegisterManager(3, allowAllPerms{}, store, XorName{0x01}, func(to ElderInfo, op RegisterOp) (ChunkAck, error) {
		return ChunkAck{}, errors.New("send failed")
	})
	addr := RegisterAddr{Name: XorName{0x02}, Tag: 1}
	op := RegisterOp{Addr: addr, Payload: []byte("op-1"), Signer: []byte("client")}
	if err := rm.ApplyOp(op, testAdults(5)); err == nil {
		t.Fatalf("expected ApplyOp to fail when every send errors")
	}
	if store.Has(addr) {
		t.Fatalf("expected no local apply when quorum was not reached")
	}
}

func TestRegisterManagerReadRegisterNotFound(t *testing.T) {
	store := newMemRegisterStore()
	rm := NewRegisterManager(3, allowAllPerms{}, store, XorName{0x01}, nil)
	if _, err := rm.ReadRegister(RegisterAddr{Name: XorName{0x09}, Tag: 2}); err == nil {
		t.Fatalf("expected ErrRegisterNotFound for an absent register")
	}
}
