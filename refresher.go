package chatsync

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// refresher coalesces refetch requests: at most one run in flight and one
// rerun queued behind it, paced by a token bucket.
type refresher struct {
	fn      func(ctx context.Context)
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
	pending bool
	stopped bool
}

func newRefresher(every time.Duration, burst int, fn func(ctx context.Context)) *refresher {
	if every <= 0 {
		every = time.Second
	}
	if burst <= 0 {
		burst = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &refresher{
		fn:      fn,
		limiter: rate.NewLimiter(rate.Every(every), burst),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Trigger requests a run. Requests arriving while one is in flight collapse
// into a single rerun.
func (r *refresher) Trigger() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	if r.running {
		r.pending = true
		return
	}
	r.running = true
	r.wg.Add(1)
	go r.loop()
}

func (r *refresher) loop() {
	defer r.wg.Done()
	for {
		if err := r.limiter.Wait(r.ctx); err != nil {
			r.mu.Lock()
			r.running, r.pending = false, false
			r.mu.Unlock()
			return
		}
		r.fn(r.ctx)

		r.mu.Lock()
		if !r.pending || r.stopped {
			r.running, r.pending = false, false
			r.mu.Unlock()
			return
		}
		r.pending = false
		r.mu.Unlock()
	}
}

// Stop cancels a waiting or running fetch and waits for it to return.
func (r *refresher) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	r.cancel()
	r.wg.Wait()
}
