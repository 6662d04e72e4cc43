// Package queue implements the FIFO queue of job ids awaiting orchestrator
// attention. The queue stores only ids; the full job is read from the job
// store on dequeue so the driver always sees the latest state.
package queue

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrQueueFull is returned when the queue is at max capacity.
	ErrQueueFull = errors.New("queue is full")
	// ErrJobQueued is returned when a job id is already waiting in the queue.
	ErrJobQueued = errors.New("job already queued")
)

// QueuedJob is one queue entry.
type QueuedJob struct {
	JobID    string
	QueuedAt time.Time
}

// JobQueue is a FIFO of job ids with duplicate suppression. Each enqueued id
// is returned by exactly one Dequeue call.
type JobQueue struct {
	mu      sync.Mutex
	entries []*QueuedJob
	queued  map[string]bool
	maxSize int
	closed  bool
}

// New creates a job queue; maxSize 0 means unbounded.
func New(maxSize int) *JobQueue {
	return &JobQueue{
		queued:  make(map[string]bool),
		maxSize: maxSize,
	}
}

// Enqueue appends a job id to the tail.
func (q *JobQueue) Enqueue(jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.queued[jobID] {
		return ErrJobQueued
	}
	if q.maxSize > 0 && len(q.entries) >= q.maxSize {
		return ErrQueueFull
	}

	q.entries = append(q.entries, &QueuedJob{JobID: jobID, QueuedAt: time.Now()})
	q.queued[jobID] = true
	return nil
}

// Dequeue pops the head; returns nil if the queue is empty. Once an id is
// returned no concurrent Dequeue call returns the same id.
func (q *JobQueue) Dequeue() *QueuedJob {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return nil
	}

	entry := q.entries[0]
	q.entries[0] = nil
	q.entries = q.entries[1:]
	delete(q.queued, entry.JobID)
	return entry
}

// Requeue appends a job id to the tail; used after retry or re-readiness.
// An id already in the queue is left where it is.
func (q *JobQueue) Requeue(jobID string) error {
	err := q.Enqueue(jobID)
	if errors.Is(err, ErrJobQueued) {
		return nil
	}
	return err
}

// RequeueAfter re-enqueues the job id after the given delay. Used for
// backpressure when no agent is available for a ready task.
func (q *JobQueue) RequeueAfter(jobID string, delay time.Duration) {
	go func() {
		time.Sleep(delay)
		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return
		}
		_ = q.Requeue(jobID)
	}()
}

// Remove drops a specific job id from the queue.
func (q *JobQueue) Remove(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.queued[jobID] {
		return false
	}
	for i, entry := range q.entries {
		if entry.JobID == jobID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			break
		}
	}
	delete(q.queued, jobID)
	return true
}

// Len returns the number of queued job ids.
func (q *JobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// List returns a snapshot of the queue in FIFO order.
func (q *JobQueue) List() []*QueuedJob {
	q.mu.Lock()
	defer q.mu.Unlock()

	result := make([]*QueuedJob, len(q.entries))
	copy(result, q.entries)
	return result
}

// Close stops pending delayed requeues from re-adding ids.
func (q *JobQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}
