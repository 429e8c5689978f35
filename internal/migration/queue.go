package migration

import (
	"sync"
	"time"

	"zoneworld/internal/entity"
)

// Request asks the zone to start migrating an entity on a future tick.
// Requests are produced wherever boundary crossings are detected and drained
// by the tick loop, which feeds them to the manager a bounded batch at a
// time.
type Request struct {
	Handle     entity.Handle
	PlayerID   uint64
	TargetZone uint32
	Reason     string
	QueuedAt   time.Time
}

// Queue buffers migration requests between goroutines. Unlike the manager
// it is safe for concurrent use: network handlers enqueue, the tick drains.
type Queue struct {
	mu      sync.Mutex
	pending []Request
}

func NewQueue() *Queue {
	return &Queue{
		pending: make([]Request, 0),
	}
}

func (q *Queue) Enqueue(req Request) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, req)
}

// Drain removes and returns up to max requests in arrival order. A max of
// zero or less drains everything and releases the backing storage.
func (q *Queue) Drain(max int) []Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	if max <= 0 || max >= len(q.pending) {
		batch := q.pending
		q.pending = nil
		return batch
	}
	batch := append([]Request(nil), q.pending[:max]...)
	q.pending = q.pending[max:]
	return batch
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
