package core

import (
	"fmt"
	"testing"
	"time"
)

// fakeVerifier treats a share as valid if it equals fmt.Sprintf("share-%d",
// shareIndex), and combines by concatenating every share in index order —
// enough to exercise ShareAggregator's bookkeeping without real BLS math.
type fakeVerifier struct {
	rejectIndex int
}

func (f fakeVerifier) VerifyShare(shareIndex int, msg, share []byte) bool {
	if shareIndex == f.rejectIndex {
		return false
	}
	return string(share) == fmt.Sprintf("share-%d", shareIndex)
}

func (f fakeVerifier) Combine(shares map[int][]byte, msg []byte) ([]byte, error) {
	out := make([]byte, 0)
	for i := 0; i < len(shares)+1; i++ {
		if s, ok := shares[i]; ok {
			out = append(out, s...)
		}
	}
	return out, nil
}

func TestShareAggregatorReachesThresholdPlusOne(t *testing.T) {
	agg := NewShareAggregator(time.Minute)
	v := fakeVerifier{rejectIndex: -1}
	msg := []byte("msg")

	_, ready, err := agg.AddShare([]byte("hash"), "sess", 2, v, msg, 0, []byte("share-0"))
	if err != nil || ready {
		t.Fatalf("expected not ready after 1 share, got ready=%v err=%v", ready, err)
	}
	_, ready, err = agg.AddShare([]byte("hash"), "sess", 2, v, msg, 1, []byte("share-1"))
	if err != nil || ready {
		t.Fatalf("expected not ready after 2 shares (threshold=2 requires 3), got ready=%v err=%v", ready, err)
	}
	result, ready, err := agg.AddShare([]byte("hash"), "sess", 2, v, msg, 2, []byte("share-2"))
	if err != nil {
		t.Fatalf("AddShare: %v", err)
	}
	if !ready {
		t.Fatalf("expected ready once threshold+1 shares arrived")
	}
	if len(result) == 0 {
		t.Fatalf("expected a non-empty aggregated result")
	}
}

func TestShareAggregatorIgnoresDuplicateAndFurtherShares(t *testing.T) {
	agg := NewShareAggregator(time.Minute)
	v := fakeVerifier{rejectIndex: -1}
	msg := []byte("msg")

	agg.AddShare([]byte("hash"), "sess", 1, v, msg, 0, []byte("share-0"))
	_, ready, err := agg.AddShare([]byte("hash"), "sess", 1, v, msg, 0, []byte("share-0"))
	if err != nil || ready {
		t.Fatalf("expected duplicate share to be a silent no-op")
	}
	result, ready, err := agg.AddShare([]byte("hash"), "sess", 1, v, msg, 1, []byte("share-1"))
	if err != nil || !ready || len(result) == 0 {
		t.Fatalf("expected threshold+1 (2) distinct shares to produce a result")
	}

	// Further shares after completion must return the cached result, not error.
	again, ready, err := agg.AddShare([]byte("hash"), "sess", 1, v, msg, 2, []byte("share-2"))
	if err != nil || ready {
		t.Fatalf("expected post-completion shares to be discarded, got ready=%v err=%v", ready, err)
	}
	if string(again) != string(result) {
		t.Fatalf("expected cached result to be returned")
	}
}

func TestShareAggregatorRejectsInvalidShare(t *testing.T) {
	agg := NewShareAggregator(time.Minute)
	v := fakeVerifier{rejectIndex: 0}
	_, _, err := agg.AddShare([]byte("hash"), "sess", 1, v, []byte("msg"), 0, []byte("share-0"))
	if err == nil {
		t.Fatalf("expected verification failure to surface as an error")
	}
}

func TestShareAggregatorEvictsExpiredGroups(t *testing.T) {
	agg := NewShareAggregator(time.Millisecond)
	v := fakeVerifier{rejectIndex: -1}
	agg.AddShare([]byte("hash"), "sess", 5, v, []byte("msg"), 0, []byte("share-0"))
	time.Sleep(5 * time.Millisecond)
	if got := agg.Len(); got != 0 {
		t.Fatalf("expected expired group to be evicted, Len=%d", got)
	}
}
