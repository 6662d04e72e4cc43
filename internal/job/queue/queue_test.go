package queue

import (
	"sync"
	"testing"
	"time"
)

func TestEnqueueDequeueFIFO(t *testing.T) {
	q := New(10)

	for _, id := range []string{"job-1", "job-2", "job-3"} {
		if err := q.Enqueue(id); err != nil {
			t.Fatalf("Enqueue(%s) failed: %v", id, err)
		}
	}

	for _, want := range []string{"job-1", "job-2", "job-3"} {
		got := q.Dequeue()
		if got == nil {
			t.Fatal("Dequeue returned nil")
		}
		if got.JobID != want {
			t.Errorf("expected %s, got %s", want, got.JobID)
		}
	}
	if q.Dequeue() != nil {
		t.Error("expected nil from empty queue")
	}
}

func TestEnqueueDuplicate(t *testing.T) {
	q := New(10)
	_ = q.Enqueue("job-1")
	if err := q.Enqueue("job-1"); err != ErrJobQueued {
		t.Errorf("expected ErrJobQueued, got %v", err)
	}
}

func TestEnqueueQueueFull(t *testing.T) {
	q := New(2)
	_ = q.Enqueue("job-1")
	_ = q.Enqueue("job-2")
	if err := q.Enqueue("job-3"); err != ErrQueueFull {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
}

func TestRequeueExistingIsNoop(t *testing.T) {
	q := New(10)
	_ = q.Enqueue("job-1")
	if err := q.Requeue("job-1"); err != nil {
		t.Errorf("Requeue of queued id should be a no-op, got %v", err)
	}
	if q.Len() != 1 {
		t.Errorf("expected Len() = 1, got %d", q.Len())
	}
}

func TestRemove(t *testing.T) {
	q := New(10)
	_ = q.Enqueue("job-1")
	_ = q.Enqueue("job-2")

	if !q.Remove("job-1") {
		t.Error("Remove returned false for queued id")
	}
	if q.Remove("job-1") {
		t.Error("Remove returned true for absent id")
	}
	if got := q.Dequeue(); got == nil || got.JobID != "job-2" {
		t.Errorf("expected job-2 at head, got %v", got)
	}
}

func TestAtMostOnceDelivery(t *testing.T) {
	q := New(0)
	const n = 200
	for i := 0; i < n; i++ {
		_ = q.Enqueue(jobID(i))
	}

	seen := make(map[string]int)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				entry := q.Dequeue()
				if entry == nil {
					return
				}
				mu.Lock()
				seen[entry.JobID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Fatalf("expected %d distinct ids, got %d", n, len(seen))
	}
	for id, count := range seen {
		if count != 1 {
			t.Errorf("id %s delivered %d times", id, count)
		}
	}
}

func TestRequeueAfter(t *testing.T) {
	q := New(10)
	q.RequeueAfter("job-1", 10*time.Millisecond)

	deadline := time.After(time.Second)
	for {
		if entry := q.Dequeue(); entry != nil {
			if entry.JobID != "job-1" {
				t.Errorf("expected job-1, got %s", entry.JobID)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("delayed requeue never arrived")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func jobID(i int) string {
	return "job-" + string(rune('a'+i/26)) + string(rune('a'+i%26))
}
