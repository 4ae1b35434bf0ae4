package reply

import (
	"testing"
	"time"
)

func TestRegistryResolveInvokesCallbackOnce(t *testing.T) {
	r := NewRegistry()
	results := make(chan Result, 2)
	r.Register("1", time.Second, func(res Result) { results <- res })

	r.Resolve("1", StatusOK, nil)
	select {
	case res := <-results:
		if res.Status != StatusOK {
			t.Fatalf("expected ok, got %v", res.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}

	if r.Outstanding() != 0 {
		t.Fatalf("expected zero outstanding after resolve, got %d", r.Outstanding())
	}

	// A second resolve for the same (now-unknown) seq must be a no-op.
	r.Resolve("1", StatusOK, nil)
	select {
	case <-results:
		t.Fatal("callback fired twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRegistryTimeout(t *testing.T) {
	r := NewRegistry()
	results := make(chan Result, 1)
	r.Register("2", 10*time.Millisecond, func(res Result) { results <- res })

	select {
	case res := <-results:
		if res.Status != StatusTimeout {
			t.Fatalf("expected timeout, got %v", res.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout callback never fired")
	}
	if r.Outstanding() != 0 {
		t.Fatalf("expected zero outstanding after timeout, got %d", r.Outstanding())
	}
}

func TestRegistryLateReplyAfterTimeoutDiscarded(t *testing.T) {
	r := NewRegistry()
	results := make(chan Result, 2)
	r.Register("3", 10*time.Millisecond, func(res Result) { results <- res })

	time.Sleep(30 * time.Millisecond)
	r.Resolve("3", StatusOK, nil) // arrives after timeout already fired

	select {
	case res := <-results:
		if res.Status != StatusTimeout {
			t.Fatalf("expected the timeout to have won, got %v", res.Status)
		}
	default:
		t.Fatal("expected timeout callback to have already fired")
	}
	select {
	case <-results:
		t.Fatal("late reply must not invoke the callback a second time")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRegistryCancelSettlesAllOutstanding(t *testing.T) {
	r := NewRegistry()
	n := 5
	results := make(chan Result, n)
	for i := 0; i < n; i++ {
		r.Register(string(rune('a'+i)), time.Minute, func(res Result) { results <- res })
	}
	r.Cancel("link closed")
	for i := 0; i < n; i++ {
		select {
		case res := <-results:
			if res.Status != StatusError {
				t.Fatalf("expected error status on cancel, got %v", res.Status)
			}
		case <-time.After(time.Second):
			t.Fatal("cancel did not settle all entries")
		}
	}
	if r.Outstanding() != 0 {
		t.Fatalf("expected zero outstanding after cancel, got %d", r.Outstanding())
	}
}
