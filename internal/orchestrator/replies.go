package orchestrator

import (
	"sync"

	"github.com/agentrix/agentrix/internal/protocol"
)

// waiterBuffer bounds how many undelivered replies a waiter channel holds:
// a few interim acks plus the terminal reply.
const waiterBuffer = 4

// replyTracker correlates asynchronous agent replies to outstanding
// requests. The dispatcher registers a waiter per request message id; the
// intake API resolves it when a reply arrives with a matching in_reply_to.
type replyTracker struct {
	mu      sync.Mutex
	waiters map[string]chan *protocol.Envelope
}

func newReplyTracker() *replyTracker {
	return &replyTracker{waiters: make(map[string]chan *protocol.Envelope)}
}

// Expect registers a waiter for replies to the given request id. The channel
// is buffered so Resolve never blocks on a slow dispatcher.
func (t *replyTracker) Expect(requestID string) <-chan *protocol.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch := make(chan *protocol.Envelope, waiterBuffer)
	t.waiters[requestID] = ch
	return ch
}

// Resolve delivers a reply to its waiter. Interim acks (agree, confirm)
// leave the waiter registered so the terminal reply that follows still has
// a home; terminal replies retire it. Returns false when no request is
// outstanding: the reply is late or unsolicited and only lands in the audit
// trail.
func (t *replyTracker) Resolve(env *protocol.Envelope) bool {
	t.mu.Lock()
	ch, ok := t.waiters[env.Correlation.InReplyTo]
	if ok && env.Type.IsReply() {
		delete(t.waiters, env.Correlation.InReplyTo)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	select {
	case ch <- env:
		return true
	default:
		// Buffer full: the dispatcher has stopped draining, treat as late.
		return false
	}
}

// Forget drops the waiter for a request; called when the dispatcher stops
// waiting (timeout, cancellation).
func (t *replyTracker) Forget(requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.waiters, requestID)
}

// Outstanding returns the number of requests still awaiting a reply.
func (t *replyTracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters)
}
