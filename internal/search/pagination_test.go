package search

import "testing"

func TestHasMoreWithKnownTotal(t *testing.T) {
	if !HasMore(true, 45, 20, 20, 20) {
		t.Error("20 of 45 accumulated should have more")
	}
	if HasMore(true, 45, 45, 5, 20) {
		t.Error("45 of 45 accumulated should be exhausted")
	}
	if HasMore(true, 0, 0, 0, 20) {
		t.Error("empty result set should be exhausted")
	}
}

func TestHasMoreHeuristic(t *testing.T) {
	// Unknown total: a full page may have more, a short page proves the end.
	if !HasMore(false, 0, 20, 20, 20) {
		t.Error("full page with unknown total should assume more")
	}
	if HasMore(false, 0, 27, 7, 20) {
		t.Error("short page with unknown total should be the end")
	}
	if HasMore(false, 0, 20, 0, 20) {
		t.Error("empty page should be the end")
	}
}

func TestTotalEstimate(t *testing.T) {
	if total, known := TotalEstimate(true, 45, 20, true); !known || total != 45 {
		t.Errorf("known total = %d,%v, want 45,true", total, known)
	}
	if _, known := TotalEstimate(false, 0, 20, true); known {
		t.Error("unknown total with more pages pending should stay unknown")
	}
	if total, known := TotalEstimate(false, 0, 27, false); !known || total != 27 {
		t.Errorf("exhausted scan = %d,%v, want 27,true", total, known)
	}
}
