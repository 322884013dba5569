package sessions

import (
	"context"
	"reflect"
	"testing"
	"time"
)

func TestTracker_RegisterCountUnregister(t *testing.T) {
	tr := NewTracker()

	un1 := tr.Register("s1", Handle{})
	un2 := tr.Register("s2", Handle{})
	if tr.Count() != 2 {
		t.Fatalf("Count=%d, want 2", tr.Count())
	}

	un1()
	un1() // idempotent
	if tr.Count() != 1 {
		t.Fatalf("Count=%d, want 1", tr.Count())
	}
	un2()
	if tr.Count() != 0 {
		t.Fatalf("Count=%d, want 0", tr.Count())
	}
}

func TestTracker_IDsAreSorted(t *testing.T) {
	tr := NewTracker()
	tr.Register("zebra", Handle{})
	tr.Register("alpha", Handle{})
	tr.Register("mango", Handle{})

	if got := tr.IDs(); !reflect.DeepEqual(got, []string{"alpha", "mango", "zebra"}) {
		t.Fatalf("IDs=%v", got)
	}
}

func TestTracker_ReregisterEvictsOldEntry(t *testing.T) {
	tr := NewTracker()
	unOld := tr.Register("s1", Handle{})
	tr.Register("s1", Handle{})

	if tr.Count() != 1 {
		t.Fatalf("Count=%d, want 1 after re-register", tr.Count())
	}

	// The stale unregister must not remove the new entry.
	unOld()
	if tr.Count() != 1 {
		t.Fatalf("Count=%d, stale unregister removed the live entry", tr.Count())
	}
}

func TestTracker_CancelAll(t *testing.T) {
	tr := NewTracker()
	canceled := make(map[string]bool)
	tr.Register("s1", Handle{Cancel: func() { canceled["s1"] = true }})
	tr.Register("s2", Handle{Cancel: func() { canceled["s2"] = true }})
	tr.Register("s3", Handle{}) // no cancel func

	if n := tr.CancelAll(); n != 2 {
		t.Fatalf("CancelAll=%d, want 2", n)
	}
	if !canceled["s1"] || !canceled["s2"] {
		t.Fatalf("canceled=%v", canceled)
	}
}

func TestTracker_WaitDrains(t *testing.T) {
	tr := NewTracker()
	un := tr.Register("s1", Handle{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if tr.Wait(ctx) {
		t.Fatalf("Wait should time out while a session is live")
	}

	un()
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	if !tr.Wait(ctx2) {
		t.Fatalf("Wait should report drained after unregister")
	}
}

func TestTracker_NilReceiverIsSafe(t *testing.T) {
	var tr *Tracker
	un := tr.Register("s1", Handle{})
	un()
	if tr.Count() != 0 || tr.CancelAll() != 0 || len(tr.IDs()) != 0 {
		t.Fatalf("nil tracker must behave as empty")
	}
	if !tr.Wait(context.Background()) {
		t.Fatalf("nil tracker Wait must report drained")
	}
}
