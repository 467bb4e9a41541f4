package core

import (
	"testing"
	"time"
)

func TestMembershipCoordinatorReceiveVoteReachesCommit(t *testing.T) {
	agg := NewShareAggregator(time.Minute)
	verifier := fakeVerifier{rejectIndex: -1}
	m := NewMembershipCoordinator(2, verifier, agg) // elderCount=2 -> threshold=1, needs 2 shares (supermajority of 2)

	txn := MembershipTxn{Kind: TxnJoin, Node: NodeState{Name: XorName{0x01}}, ProposerName: XorName{0x02}}

	commit, err := m.ReceiveVote(MembershipVote{Generation: 0, Txn: txn, ShareIndex: 0, VoteShare: []byte(shareLabel(0))})
	if err != nil {
		t.Fatalf("ReceiveVote: %v", err)
	}
	if commit != nil {
		t.Fatalf("did not expect commit before threshold+1 shares")
	}

	commit, err = m.ReceiveVote(MembershipVote{Generation: 0, Txn: txn, ShareIndex: 1, VoteShare: []byte(shareLabel(1))})
	if err != nil {
		t.Fatalf("ReceiveVote: %v", err)
	}
	if commit == nil {
		t.Fatalf("expected commit once threshold+1 shares arrived")
	}
	if commit.Generation != 0 || len(commit.SectionSig) == 0 {
		t.Fatalf("unexpected commit: %+v", commit)
	}

	// Further votes at a now-settled generation are a no-op, not an error.
	again, err := m.ReceiveVote(MembershipVote{Generation: 0, Txn: txn, ShareIndex: 2, VoteShare: []byte(shareLabel(2))})
	if err != nil || again != nil {
		t.Fatalf("expected settled generation to ignore further votes, got commit=%v err=%v", again, err)
	}
}

func TestMembershipCoordinatorRecordsEquivocatingProposal(t *testing.T) {
	agg := NewShareAggregator(time.Minute)
	verifier := fakeVerifier{rejectIndex: -1}
	m := NewMembershipCoordinator(2, verifier, agg)

	txnA := MembershipTxn{Kind: TxnJoin, Node: NodeState{Name: XorName{0x01}}}
	txnB := MembershipTxn{Kind: TxnJoin, Node: NodeState{Name: XorName{0x02}}}

	if _, err := m.ReceiveVote(MembershipVote{Generation: 0, Txn: txnA, ShareIndex: 0, VoteShare: []byte(shareLabel(0))}); err != nil {
		t.Fatalf("ReceiveVote: %v", err)
	}
	commit, err := m.ReceiveVote(MembershipVote{Generation: 0, Txn: txnB, ShareIndex: 0, VoteShare: []byte(shareLabel(0))})
	if err != nil || commit != nil {
		t.Fatalf("expected an equivocating proposal to be recorded, not aggregated: commit=%v err=%v", commit, err)
	}
}

func TestMembershipCoordinatorResolveRaceIsDeterministic(t *testing.T) {
	agg := NewShareAggregator(time.Minute)
	m := NewMembershipCoordinator(2, fakeVerifier{rejectIndex: -1}, agg)

	a := MembershipTxn{Kind: TxnJoin, Node: NodeState{Name: XorName{0x01}}}
	b := MembershipTxn{Kind: TxnJoin, Node: NodeState{Name: XorName{0x02}}}

	w1, l1 := m.ResolveRace(0, a, b)
	w2, l2 := m.ResolveRace(0, b, a)
	if string(w1.Hash()) != string(w2.Hash()) || string(l1.Hash()) != string(l2.Hash()) {
		t.Fatalf("expected ResolveRace to be order-independent")
	}
}

func TestMembershipCoordinatorAdvanceGeneration(t *testing.T) {
	m := NewMembershipCoordinator(2, fakeVerifier{rejectIndex: -1}, NewShareAggregator(time.Minute))
	if m.Generation() != 0 {
		t.Fatalf("expected generation to start at 0")
	}
	m.AdvanceGeneration()
	if m.Generation() != 1 {
		t.Fatalf("expected generation to advance to 1")
	}
}

func TestPermittedJoinAgeIsBoundedAndDeterministic(t *testing.T) {
	sig := []byte{200, 1, 2}
	a := PermittedJoinAge(sig)
	b := PermittedJoinAge(sig)
	if a != b {
		t.Fatalf("expected PermittedJoinAge to be deterministic")
	}
	if a < 1 || a > 16 {
		t.Fatalf("expected age in [1,16], got %d", a)
	}
	if PermittedJoinAge(nil) != 0 {
		t.Fatalf("expected empty signature to yield age 0")
	}
}

func TestVerifyResourceProofRejectsInsufficientWork(t *testing.T) {
	if VerifyResourceProof([]byte{0xFF}, []byte("nonce"), 4) {
		t.Fatalf("expected a proof with no leading zero bits to fail at difficulty 4")
	}
	if !VerifyResourceProof([]byte{0x00, 0xFF}, []byte("nonce"), 8) {
		t.Fatalf("expected a proof with a full leading zero byte to satisfy difficulty 8")
	}
	if VerifyResourceProof(nil, []byte("nonce"), 1) {
		t.Fatalf("expected an empty proof to fail")
	}
}

func TestSelectRelocationsIsDeterministicAndBounded(t *testing.T) {
	members := []NodeState{{Name: XorName{0x01}}, {Name: XorName{0x02}}, {Name: XorName{0x03}}}
	sig := ChurnSignature(1, testChainKey(5))

	a := SelectRelocations(sig, members, 1.0)
	b := SelectRelocations(sig, members, 1.0)
	if len(a) != len(members) || len(b) != len(members) {
		t.Fatalf("expected probability 1.0 to select every member")
	}
	if SelectRelocations(sig, members, 0) != nil {
		t.Fatalf("expected probability 0 to select nobody")
	}
}

func shareLabel(i int) string {
	return "share-" + string(rune('0'+i))
}
