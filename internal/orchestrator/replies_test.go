package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrix/agentrix/internal/protocol"
)

func trackedReply(requestID string, msgType protocol.MessageType) *protocol.Envelope {
	return &protocol.Envelope{
		ID:          "msg-" + string(msgType),
		Timestamp:   time.Now().UTC(),
		Type:        msgType,
		Sender:      "agent://test/peer",
		Intent:      "echo",
		Correlation: protocol.Correlation{InReplyTo: requestID},
	}
}

func TestReplyTrackerRetainsWaiterAcrossInterimAcks(t *testing.T) {
	tr := newReplyTracker()
	waiter := tr.Expect("req-1")

	// An interim ack must not retire the waiter: the terminal reply can
	// arrive immediately after, before the dispatcher reads the ack.
	assert.True(t, tr.Resolve(trackedReply("req-1", protocol.TypeAgree)))
	assert.Equal(t, 1, tr.Outstanding())

	assert.True(t, tr.Resolve(trackedReply("req-1", protocol.TypeDone)))
	assert.Zero(t, tr.Outstanding())

	first := <-waiter
	require.Equal(t, protocol.TypeAgree, first.Type)
	second := <-waiter
	require.Equal(t, protocol.TypeDone, second.Type)
}

func TestReplyTrackerUnknownRequestIsLate(t *testing.T) {
	tr := newReplyTracker()
	assert.False(t, tr.Resolve(trackedReply("nobody-asked", protocol.TypeDone)))
}

func TestReplyTrackerForgetDropsWaiter(t *testing.T) {
	tr := newReplyTracker()
	tr.Expect("req-1")
	tr.Forget("req-1")
	assert.Zero(t, tr.Outstanding())
	assert.False(t, tr.Resolve(trackedReply("req-1", protocol.TypeDone)))
}
