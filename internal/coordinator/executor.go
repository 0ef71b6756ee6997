package coordinator

import (
	"context"
	"hash/fnv"
	"log"
	"sync"
)

// Executor serializes work per session while using multiple cores across
// sessions. Each shard is one goroutine draining a buffered queue; a session
// ID always hashes to the same shard, so operations against one session run
// strictly in arrival order with no locking inside the handlers.
type Executor struct {
	shards  []chan func()
	wg      sync.WaitGroup
	quit    chan struct{}
	drained chan struct{} // closed once every shard goroutine has exited
	started bool
	mu      sync.Mutex
}

// NewExecutor creates an executor with the given shard count and per-shard
// queue depth.
func NewExecutor(shardCount, queueSize int) *Executor {
	if shardCount <= 0 {
		shardCount = 8
	}
	if queueSize <= 0 {
		queueSize = 256
	}

	shards := make([]chan func(), shardCount)
	for i := range shards {
		shards[i] = make(chan func(), queueSize)
	}
	return &Executor{
		shards:  shards,
		quit:    make(chan struct{}),
		drained: make(chan struct{}),
	}
}

// Start launches the shard goroutines.
func (e *Executor) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true

	for i, shard := range e.shards {
		e.wg.Add(1)
		go e.run(i, shard)
	}
}

func (e *Executor) run(index int, shard chan func()) {
	defer e.wg.Done()

	for {
		select {
		case fn := <-shard:
			fn()
		case <-e.quit:
			// Drain whatever was already accepted so callers blocked in
			// Do are released before shutdown completes.
			for {
				select {
				case fn := <-shard:
					fn()
				default:
					log.Printf("executor shard %d stopped", index)
					return
				}
			}
		}
	}
}

// Stop drains accepted work and stops the shards. Do calls after Stop fail
// with ErrExecutorStopped.
func (e *Executor) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	e.mu.Unlock()

	close(e.quit)
	e.wg.Wait()
	close(e.drained)
}

// Do runs fn on the shard owning key and waits for it to finish. Handlers
// never block on I/O, so waiting is bounded by queue position. Returns
// ctx.Err() if the context expires before the work is accepted.
func (e *Executor) Do(ctx context.Context, key string, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}

	shard := e.shards[shardIndex(key, len(e.shards))]
	select {
	case shard <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.quit:
		return ErrExecutorStopped
	}

	// The buffered enqueue can win the race against Stop. Work accepted
	// before the shards exit still runs during the shutdown drain, but work
	// queued after it would never be picked up, so waiting on done alone
	// could block forever.
	select {
	case <-done:
		return nil
	case <-e.drained:
		select {
		case <-done:
			return nil
		default:
			return ErrExecutorStopped
		}
	}
}

func shardIndex(key string, shards int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(shards))
}
