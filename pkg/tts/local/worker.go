package local

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/sipeed/picovoice/pkg/metrics"
)

var errWorkerStopped = errors.New("local inference worker stopped")

type job struct {
	run  func(c *residencyCache)
	done chan struct{}
}

// worker serializes every engine call onto a single goroutine. Requests are
// handled in arrival order, one at a time, so cache selection, eviction,
// loading and inference never interleave.
type worker struct {
	cache *residencyCache
	jobs  chan job
	quit  chan struct{}
	depth atomic.Int64

	stopOnce sync.Once
	stopped  chan struct{}
}

func newWorker(cache *residencyCache, backlog int) *worker {
	if backlog <= 0 {
		backlog = 64
	}
	w := &worker{
		cache:   cache,
		jobs:    make(chan job, backlog),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *worker) loop() {
	// Engines backed by native runtimes expect a stable thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(w.stopped)

	for {
		select {
		case <-w.quit:
			return
		case j := <-w.jobs:
			metrics.SetLocalQueue(w.depth.Add(-1))
			j.run(w.cache)
			close(j.done)
		}
	}
}

// submit runs fn on the worker and waits for it. When ctx ends first the job
// still runs to completion on the worker, but its result is abandoned.
func (w *worker) submit(ctx context.Context, fn func(c *residencyCache)) error {
	j := job{run: fn, done: make(chan struct{})}

	select {
	case <-w.quit:
		return errWorkerStopped
	default:
	}

	metrics.SetLocalQueue(w.depth.Add(1))
	select {
	case w.jobs <- j:
	case <-ctx.Done():
		metrics.SetLocalQueue(w.depth.Add(-1))
		return ctx.Err()
	case <-w.quit:
		metrics.SetLocalQueue(w.depth.Add(-1))
		return errWorkerStopped
	}

	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-w.stopped:
		// the job may have been dequeued and finished just before stopping
		select {
		case <-j.done:
			return nil
		default:
			return errWorkerStopped
		}
	}
}

func (w *worker) stop() {
	w.stopOnce.Do(func() {
		close(w.quit)
	})
	<-w.stopped
}
