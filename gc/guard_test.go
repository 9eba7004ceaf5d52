package gc

import (
	"errors"
	"testing"

	"github.com/wippyai/heap-bridge/heap"
)

func TestPauseResume(t *testing.T) {
	h := heap.New(heap.WithCollectEvery(0))

	s := Pause(h)
	if !s.WasEnabled() {
		t.Fatal("collector should have been enabled before Pause")
	}
	if h.Enabled() {
		t.Fatal("collector enabled inside a pause")
	}
	Resume(h, s)
	if !h.Enabled() {
		t.Fatal("Resume did not restore the enabled state")
	}
}

func TestNestedGuardsRestoreInOrder(t *testing.T) {
	h := heap.New(heap.WithCollectEvery(0))

	outer := Enter(h)
	inner := Enter(h)
	if inner.State().WasEnabled() {
		t.Fatal("inner guard observed an enabled collector")
	}

	inner.Exit()
	if h.Enabled() {
		t.Fatal("inner Exit re-enabled the collector while the outer guard is held")
	}

	outer.Exit()
	if !h.Enabled() {
		t.Fatal("outer Exit did not restore the collector")
	}
}

func TestGuardDefersCollection(t *testing.T) {
	h := heap.New(heap.WithCollectEvery(0))

	g := Enter(h)
	v, err := h.Eval("[1, 2]", nil)
	if err != nil {
		t.Fatalf("Eval failed: %v", err)
	}
	h.Collect()
	if v.(*heap.Object).Freed() {
		t.Fatal("value collected inside a guard")
	}
	g.Exit()

	if !v.(*heap.Object).Freed() {
		t.Fatal("requested collection did not run when the guard ended")
	}
}

func TestExitIsIdempotent(t *testing.T) {
	h := heap.New()

	outer := Enter(h)
	g := Enter(h)
	g.Exit()
	g.Exit()
	if h.Enabled() {
		t.Fatal("second Exit released the outer guard's pause")
	}
	outer.Exit()
	if h.Paused() != 0 {
		t.Fatalf("Paused() = %d after all guards exited", h.Paused())
	}

	var nilGuard *Guard
	nilGuard.Exit()
}

func TestDoRestoresOnPanic(t *testing.T) {
	h := heap.New()

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic")
			}
		}()
		Do(h, func() error {
			panic("inside guard")
		})
	}()

	if !h.Enabled() {
		t.Fatal("panic inside Do left the collector paused")
	}
}

func TestDoReturnsError(t *testing.T) {
	h := heap.New()
	want := errors.New("failed")

	err := Do(h, func() error {
		if h.Enabled() {
			t.Fatal("collector enabled inside Do")
		}
		return want
	})
	if err != want {
		t.Fatalf("Do returned %v, want %v", err, want)
	}
	if !h.Enabled() {
		t.Fatal("collector not restored after Do")
	}
}

func TestPauseKeepsDisabledState(t *testing.T) {
	h := heap.New()
	h.SetEnabled(false)

	s := Pause(h)
	if s.WasEnabled() {
		t.Fatal("Pause observed enabled while the collector flag was off")
	}
	Resume(h, s)
	if h.Enabled() {
		t.Fatal("Resume enabled a collector that was disabled before the pause")
	}

	var zero State
	Resume(h, zero)
	if h.Paused() != 0 {
		t.Fatal("zero State changed the pause count")
	}
}
