package identity

import "testing"

func TestBindsNewestQueuedFrameOnSimulationBegin(t *testing.T) {
	tr := New[string]()
	tr.AddFrame("A")
	tr.AddFrame("B")

	tr.MarkSimulationBegin(42)

	got, ok := tr.Get(42)
	if !ok || got != "B" {
		t.Fatalf("Get(42) = (%v, %v), want (B, true)", got, ok)
	}
}

func TestPresentBindsAndEvictsStaleMappings(t *testing.T) {
	tr := New[string]()
	tr.AddFrame("A")
	tr.AddFrame("B")
	tr.MarkSimulationBegin(42) // binds 42 -> B

	tr.Present(41) // binds 41 -> A, then evicts k <= 41

	if _, ok := tr.Get(41); ok {
		t.Fatalf("Get(41) after Present(41) should be stale (None)")
	}
	got, ok := tr.Get(42)
	if !ok || got != "B" {
		t.Fatalf("Get(42) = (%v, %v), want (B, true)", got, ok)
	}
}

func TestGetAfterPresentRejectsLesserOrEqualIDs(t *testing.T) {
	tr := New[string]()
	tr.AddFrame("A")
	tr.Present(10)

	if _, ok := tr.Get(5); ok {
		t.Fatalf("Get(5) after Present(10) should be None (stale)")
	}
	if _, ok := tr.Get(10); ok {
		t.Fatalf("Get(10) after Present(10) should be None (already evicted as stale)")
	}
}

func TestMarkSimulationBeginWithEmptyQueueIsUntracked(t *testing.T) {
	tr := New[string]()
	tr.MarkSimulationBegin(1) // no frames queued -> Untracked, no recalibration needed

	if tr.NeedsRecalibration() {
		t.Fatalf("MarkSimulationBegin on empty queue should not need recalibration (allow_untracked=true)")
	}
	if _, ok := tr.Get(1); ok {
		t.Fatalf("Get(1) for an Untracked binding should be None")
	}
}

func TestPresentWithEmptyQueueTriggersRecalibration(t *testing.T) {
	tr := New[string]()
	tr.Present(1) // no frames queued, allow_untracked=false

	if !tr.NeedsRecalibration() {
		t.Fatalf("Present on empty queue should set need_recalibrate")
	}
}

func TestQueueOverflowTriggersRecalibration(t *testing.T) {
	tr := New[string]()
	for i := 0; i < 9; i++ {
		tr.AddFrame("frame")
	}
	if !tr.NeedsRecalibration() {
		t.Fatalf("queue of 9 frames should exceed the 8-frame threshold and need recalibration")
	}
}

func TestRecalibrateClearsQueueAndFlag(t *testing.T) {
	tr := New[string]()
	for i := 0; i < 9; i++ {
		tr.AddFrame("frame")
	}
	tr.Recalibrate()
	if tr.NeedsRecalibration() {
		t.Fatalf("Recalibrate should clear need_recalibrate")
	}
	// queue was cleared, so a subsequent MarkSimulationBegin is Untracked.
	tr.MarkSimulationBegin(1)
	if _, ok := tr.Get(1); ok {
		t.Fatalf("after Recalibrate the queue should be empty")
	}
}

func TestAlreadyBoundIDReturnsExistingBinding(t *testing.T) {
	tr := New[string]()
	tr.AddFrame("A")
	tr.AddFrame("B")
	tr.MarkSimulationBegin(42) // binds 42 -> B
	tr.MarkSimulationBegin(42) // should not pop A

	got, ok := tr.Get(42)
	if !ok || got != "B" {
		t.Fatalf("repeated MarkSimulationBegin(42) changed binding to (%v, %v), want (B, true)", got, ok)
	}
}

func TestQueueDepthTracksUnboundFrames(t *testing.T) {
	tr := New[string]()
	if got := tr.QueueDepth(); got != 0 {
		t.Fatalf("QueueDepth() = %d, want 0 on an empty tracker", got)
	}

	tr.AddFrame("A")
	tr.AddFrame("B")
	if got := tr.QueueDepth(); got != 2 {
		t.Fatalf("QueueDepth() = %d, want 2 after two AddFrame calls", got)
	}

	tr.MarkSimulationBegin(42) // pops B
	if got := tr.QueueDepth(); got != 1 {
		t.Fatalf("QueueDepth() = %d, want 1 after binding one queued frame", got)
	}
}
