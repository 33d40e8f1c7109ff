package bundle

import (
	"errors"
	"testing"

	"github.com/proposer-node/proposer/internal/types"
)

func TestQueueEnqueueDrainRoundTrips(t *testing.T) {
	q := NewQueue(0)
	exec := types.ExecutionObject{FromVault: 1}
	if err := q.Enqueue(exec); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("expected length 1, got %d", q.Len())
	}
	drained := q.Drain()
	if len(drained) != 1 {
		t.Fatalf("expected 1 drained execution, got %d", len(drained))
	}
	if q.Len() != 0 {
		t.Fatalf("expected queue empty after drain, got %d", q.Len())
	}
}

func TestQueueDrainOnEmptyReturnsNil(t *testing.T) {
	q := NewQueue(0)
	if drained := q.Drain(); drained != nil {
		t.Fatalf("expected nil drain on empty queue, got %v", drained)
	}
}

func TestQueueEnforcesCapacity(t *testing.T) {
	q := NewQueue(2)
	if err := q.Enqueue(types.ExecutionObject{}); err != nil {
		t.Fatalf("enqueue 1: %v", err)
	}
	if err := q.Enqueue(types.ExecutionObject{}); err != nil {
		t.Fatalf("enqueue 2: %v", err)
	}
	err := q.Enqueue(types.ExecutionObject{})
	if !errors.Is(err, types.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestQueueUnboundedWhenCapacityZero(t *testing.T) {
	q := NewQueue(0)
	for i := 0; i < 100; i++ {
		if err := q.Enqueue(types.ExecutionObject{}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if q.Len() != 100 {
		t.Fatalf("expected 100 pending, got %d", q.Len())
	}
}
