package core

import (
	"testing"
	"time"
)

func TestDysfunctionTrackerScoreWeightsCategories(t *testing.T) {
	d := NewDysfunctionTracker(time.Minute, 2.0)
	peer := XorName{0x01}
	d.TrackIssue(peer, IssueCommunication)
	d.TrackIssue(peer, IssueDkg)

	got := d.Score(peer)
	want := issueWeights[IssueCommunication] + issueWeights[IssueDkg]
	if got != want {
		t.Fatalf("expected score %v, got %v", want, got)
	}
}

func TestDysfunctionTrackerExpiresOldIssues(t *testing.T) {
	d := NewDysfunctionTracker(time.Millisecond, 2.0)
	peer := XorName{0x01}
	d.TrackIssue(peer, IssueKnowledge)
	time.Sleep(5 * time.Millisecond)

	if got := d.Score(peer); got != 0 {
		t.Fatalf("expected expired issue to no longer count, got score %v", got)
	}
}

func TestDysfunctionTrackerSuspectsRequiresTwoPeers(t *testing.T) {
	d := NewDysfunctionTracker(time.Minute, 2.0)
	peer := XorName{0x01}
	d.TrackIssue(peer, IssueKnowledge)
	if got := d.Suspects([]XorName{peer}); got != nil {
		t.Fatalf("expected no suspects with a population smaller than 2, got %v", got)
	}
}

func TestDysfunctionTrackerSuspectsOutlier(t *testing.T) {
	d := NewDysfunctionTracker(time.Minute, 1.0)
	good1 := XorName{0x01}
	good2 := XorName{0x02}
	bad := XorName{0x03}

	for i := 0; i < 10; i++ {
		d.TrackIssue(bad, IssueKnowledge)
		d.TrackIssue(bad, IssueDkg)
	}

	suspects := d.Suspects([]XorName{good1, good2, bad})
	found := false
	for _, s := range suspects {
		if s == bad {
			found = true
		}
		if s == good1 || s == good2 {
			t.Fatalf("did not expect a quiet peer to be marked suspect")
		}
	}
	if !found {
		t.Fatalf("expected the heavily-flagged peer to be marked suspect")
	}
}

func TestDysfunctionTrackerForget(t *testing.T) {
	d := NewDysfunctionTracker(time.Minute, 2.0)
	peer := XorName{0x01}
	d.TrackIssue(peer, IssueKnowledge)
	d.Forget(peer)
	if got := d.Score(peer); got != 0 {
		t.Fatalf("expected forgotten peer to have zero score, got %v", got)
	}
}
