package chatsync

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestDebouncer(t *testing.T) {
	t.Run("coalesces bursts", func(t *testing.T) {
		var calls int32
		d := NewDebouncer(20*time.Millisecond, func() { atomic.AddInt32(&calls, 1) })
		for i := 0; i < 5; i++ {
			d.Trigger()
		}
		if !d.Pending() {
			t.Fatal("not pending after trigger")
		}
		eventually(t, "debounced call", func() bool { return atomic.LoadInt32(&calls) == 1 })
		time.Sleep(40 * time.Millisecond)
		if n := atomic.LoadInt32(&calls); n != 1 {
			t.Fatalf("calls = %d, want 1", n)
		}
	})

	t.Run("flush runs now", func(t *testing.T) {
		var calls int32
		d := NewDebouncer(time.Hour, func() { atomic.AddInt32(&calls, 1) })
		d.Flush()
		if calls != 0 {
			t.Fatal("flush without a pending call ran fn")
		}
		d.Trigger()
		d.Flush()
		if calls != 1 || d.Pending() {
			t.Fatalf("calls = %d pending = %v", calls, d.Pending())
		}
	})

	t.Run("stop drops pending", func(t *testing.T) {
		var calls int32
		d := NewDebouncer(10*time.Millisecond, func() { atomic.AddInt32(&calls, 1) })
		d.Trigger()
		d.Stop()
		d.Trigger()
		time.Sleep(30 * time.Millisecond)
		if n := atomic.LoadInt32(&calls); n != 0 {
			t.Fatalf("calls after stop = %d", n)
		}
	})
}

func TestRefresherCoalesces(t *testing.T) {
	var runs int32
	started := make(chan struct{}, 10)
	release := make(chan struct{})
	r := newRefresher(time.Millisecond, 1, func(ctx context.Context) {
		atomic.AddInt32(&runs, 1)
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
		}
	})
	defer r.Stop()

	r.Trigger()
	<-started
	for i := 0; i < 5; i++ {
		r.Trigger()
	}
	close(release)

	eventually(t, "queued rerun", func() bool { return atomic.LoadInt32(&runs) == 2 })
	time.Sleep(20 * time.Millisecond)
	if n := atomic.LoadInt32(&runs); n != 2 {
		t.Fatalf("runs = %d, want 2", n)
	}
}

func TestRefresherStop(t *testing.T) {
	cancelled := make(chan struct{})
	r := newRefresher(time.Millisecond, 1, func(ctx context.Context) {
		<-ctx.Done()
		close(cancelled)
	})
	r.Trigger()
	r.Stop()
	select {
	case <-cancelled:
	default:
		// Stop may win before the first run starts; then fn never runs.
	}
	r.Trigger()
}
