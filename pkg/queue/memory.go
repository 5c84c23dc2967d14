package queue

import (
	"context"
	"sort"
	"sync"
)

// MemoryQueue is a pure in-memory Queue for unit tests that don't need a
// Redis wire round-trip, only the same Enqueue/Lease/Purge semantics.
type MemoryQueue struct {
	mu     sync.Mutex
	tasks  map[string][]Task
	dedupe map[string]struct{}
	now    func() int64
}

// NewMemoryQueue builds an empty MemoryQueue. now lets tests control what
// Lease considers "due" without real sleeps.
func NewMemoryQueue(now func() int64) *MemoryQueue {
	return &MemoryQueue{
		tasks:  make(map[string][]Task),
		dedupe: make(map[string]struct{}),
		now:    now,
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, t Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if t.Name != "" {
		key := t.Queue + "\x00" + t.Name
		if _, exists := q.dedupe[key]; exists {
			return ErrDuplicateTask
		}
		q.dedupe[key] = struct{}{}
	}
	q.tasks[t.Queue] = append(q.tasks[t.Queue], t)
	return nil
}

func (q *MemoryQueue) Lease(ctx context.Context, queue string, max int) ([]Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending := q.tasks[queue]
	sort.Slice(pending, func(i, j int) bool { return pending[i].ETA.Before(pending[j].ETA) })

	now := q.now()
	var leased []Task
	var remaining []Task
	for _, t := range pending {
		if len(leased) < max && t.ETA.Unix() <= now {
			leased = append(leased, t)
			continue
		}
		remaining = append(remaining, t)
	}
	q.tasks[queue] = remaining
	return leased, nil
}

func (q *MemoryQueue) Purge(ctx context.Context, queue, name string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var remaining []Task
	for _, t := range q.tasks[queue] {
		if t.Name != name {
			remaining = append(remaining, t)
		}
	}
	q.tasks[queue] = remaining
	delete(q.dedupe, queue+"\x00"+name)
	return nil
}

func (q *MemoryQueue) Close() error { return nil }
