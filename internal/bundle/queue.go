package bundle

import (
	"sync"

	"github.com/proposer-node/proposer/internal/types"
)

// Queue is the in-memory, FIFO pending-execution queue the intention
// pipeline feeds and the proposer tick drains. Bounded: Enqueue returns
// types.ErrQueueFull once capacity is reached, matching the bounded
// webhook/delivery queue idiom used elsewhere in this codebase.
type Queue struct {
	mu       sync.Mutex
	pending  []types.ExecutionObject
	capacity int
}

// NewQueue constructs a Queue with the given capacity (0 means unbounded).
func NewQueue(capacity int) *Queue {
	return &Queue{capacity: capacity}
}

// Enqueue appends exec to the pending queue.
func (q *Queue) Enqueue(exec types.ExecutionObject) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.capacity > 0 && len(q.pending) >= q.capacity {
		return types.ErrQueueFull
	}
	q.pending = append(q.pending, exec)
	return nil
}

// Drain removes and returns every currently pending execution object,
// leaving the queue empty. Called once per proposer tick.
func (q *Queue) Drain() []types.ExecutionObject {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	drained := q.pending
	q.pending = nil
	return drained
}

// Len reports the number of currently pending execution objects.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
