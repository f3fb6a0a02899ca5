package media

import "sync"

// emitQueue hands handler callbacks to their own goroutine, one queue per
// worker object. The binding emits events synchronously on the goroutine that
// read them off the worker channel, and close cascades emit on the closing
// goroutine; room handlers re-acquire the room lock, so running them inline
// would either stall the read loop or deadlock a caller that closes an object
// while holding that lock. Queued callbacks for one object still run in
// emission order.
type emitQueue struct {
	mu      sync.Mutex
	pending []func()
	running bool
}

func (q *emitQueue) dispatch(fn func()) {
	q.mu.Lock()
	q.pending = append(q.pending, fn)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()
	go q.drain()
}

func (q *emitQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		fn := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()
		fn()
	}
}
