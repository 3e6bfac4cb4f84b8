package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relaychat/relay/internal/event"
	"github.com/relaychat/relay/internal/protocol"
)

func messageEvent(t *testing.T, roomID, sender, content string) event.Event {
	t.Helper()
	evt, err := event.NewMessage(roomID, sender, content, 1, "p1")
	require.NoError(t, err)
	return evt
}

func joinedEvent(roomID, subject string) event.Event {
	return event.NewPresence(event.TypeUserJoined, roomID, subject, 1, "p1")
}

// next pops one frame with a short deadline so a broken queue fails the test
// instead of hanging it.
func next(t *testing.T, q *Queue) (protocol.Outbound, bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return q.Next(ctx)
}

func TestFanoutSequencesPerConnection(t *testing.T) {
	p := New(16, 0, zap.NewNop())
	qa := p.Attach("a")
	qb := p.Attach("b")

	for i := 0; i < 3; i++ {
		p.Fanout(messageEvent(t, "general", "alice", fmt.Sprintf("m%d", i)), []string{"a", "b"})
	}

	for _, q := range []*Queue{qa, qb} {
		for want := uint64(1); want <= 3; want++ {
			frame, ok := next(t, q)
			require.True(t, ok)
			assert.Equal(t, protocol.TypeReceiveMessage, frame.Type)
			assert.Equal(t, want, frame.Sequence)
			assert.Equal(t, "alice", frame.UserID)
		}
	}
}

func TestFanoutSkipsDetachedConnections(t *testing.T) {
	p := New(16, 0, zap.NewNop())
	qa := p.Attach("a")

	// "b" was in the snapshot but disconnected before enqueue.
	p.Fanout(messageEvent(t, "general", "alice", "hi"), []string{"a", "b"})

	frame, ok := next(t, qa)
	require.True(t, ok)
	assert.Equal(t, "hi", frame.Content)
	assert.Equal(t, uint64(1), p.Stats().Delivered)
	assert.Equal(t, uint64(1), p.Stats().Dropped)
}

func TestOverflowShedsPresenceBeforeMessages(t *testing.T) {
	p := New(3, 0, zap.NewNop())
	q := p.Attach("a")

	p.Fanout(joinedEvent("general", "u1"), []string{"a"})
	p.Fanout(messageEvent(t, "general", "alice", "m1"), []string{"a"})
	p.Fanout(messageEvent(t, "general", "alice", "m2"), []string{"a"})

	// Queue full: the oldest presence frame is shed for the new message.
	p.Fanout(messageEvent(t, "general", "alice", "m3"), []string{"a"})

	var got []string
	for i := 0; i < 3; i++ {
		frame, ok := next(t, q)
		require.True(t, ok)
		require.Equal(t, protocol.TypeReceiveMessage, frame.Type)
		got = append(got, frame.Content)
	}
	assert.Equal(t, []string{"m1", "m2", "m3"}, got)
	assert.False(t, q.Failed())
}

func TestOverflowDropsIncomingPresenceWhenFullOfMessages(t *testing.T) {
	p := New(2, 0, zap.NewNop())
	q := p.Attach("a")

	p.Fanout(messageEvent(t, "general", "alice", "m1"), []string{"a"})
	p.Fanout(messageEvent(t, "general", "alice", "m2"), []string{"a"})
	p.Fanout(joinedEvent("general", "u1"), []string{"a"})

	assert.Equal(t, 2, q.Len())
	assert.False(t, q.Failed())
}

func TestSlowConsumerFailure(t *testing.T) {
	p := New(2, 0, zap.NewNop())
	q := p.Attach("a")

	for i := 0; i < 3; i++ {
		p.Fanout(messageEvent(t, "general", "alice", fmt.Sprintf("m%d", i)), []string{"a"})
	}

	// The queue was never drained and held only messages: it fails with a
	// single terminal error frame.
	require.True(t, q.Failed())
	frame, ok := next(t, q)
	require.True(t, ok)
	assert.Equal(t, protocol.TypeError, frame.Type)
	assert.Equal(t, protocol.CodeSlowConsumer, frame.Code)

	_, ok = next(t, q)
	assert.False(t, ok)
	assert.True(t, q.Ended())
	assert.Equal(t, uint64(1), p.Stats().SlowConsumers)

	// Anything enqueued after failure is refused.
	p.Fanout(messageEvent(t, "general", "alice", "late"), []string{"a"})
	assert.Equal(t, 0, q.Len())
}

func TestSlowConsumerDoesNotAffectOthers(t *testing.T) {
	p := New(2, 0, zap.NewNop())
	qslow := p.Attach("slow")
	qfast := p.Attach("fast")

	for i := 0; i < 5; i++ {
		p.Fanout(messageEvent(t, "general", "alice", fmt.Sprintf("m%d", i)), []string{"slow", "fast"})
		// The fast connection drains as it goes.
		frame, ok := next(t, qfast)
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("m%d", i), frame.Content)
		assert.Equal(t, uint64(i+1), frame.Sequence)
	}

	assert.True(t, qslow.Failed())
	assert.False(t, qfast.Failed())
	assert.Equal(t, uint64(1), p.Stats().SlowConsumers)
}

func TestDrainDeliversQueuedThenEnds(t *testing.T) {
	p := New(16, 0, zap.NewNop())
	q := p.Attach("a")

	p.Fanout(messageEvent(t, "general", "alice", "m1"), []string{"a"})
	p.Drain("a")
	// Enqueues after draining are refused.
	p.Fanout(messageEvent(t, "general", "alice", "m2"), []string{"a"})

	frame, ok := next(t, q)
	require.True(t, ok)
	assert.Equal(t, "m1", frame.Content)

	_, ok = next(t, q)
	assert.False(t, ok)
	assert.True(t, q.Ended())
}

func TestDetachClosesQueue(t *testing.T) {
	p := New(16, 0, zap.NewNop())
	q := p.Attach("a")
	p.Fanout(messageEvent(t, "general", "alice", "m1"), []string{"a"})

	p.Detach("a")
	_, ok := next(t, q)
	assert.False(t, ok)

	// Safe on unknown connections.
	p.Detach("ghost")
}

func TestSendErrorBypassesSequencing(t *testing.T) {
	p := New(16, 0, zap.NewNop())
	q := p.Attach("a")

	p.SendError("a", protocol.CodeValidationError, "bad frame")
	p.SendError("ghost", protocol.CodeValidationError, "ignored")

	frame, ok := next(t, q)
	require.True(t, ok)
	assert.Equal(t, protocol.TypeError, frame.Type)
	assert.Equal(t, protocol.CodeValidationError, frame.Code)
	assert.Zero(t, frame.Sequence)
}

func TestMalformedAndOversizedEventsDropped(t *testing.T) {
	p := New(16, 8, zap.NewNop())
	q := p.Attach("a")

	p.Fanout(event.Event{
		RoomID:  "general",
		Type:    event.TypeMessage,
		Payload: json.RawMessage(`{broken`),
	}, []string{"a"})
	p.Fanout(messageEvent(t, "general", "alice", "way too long for the cap"), []string{"a"})
	p.Fanout(event.Event{RoomID: "general", Type: event.Type("bogus")}, []string{"a"})

	assert.Equal(t, 0, q.Len())
	assert.Equal(t, uint64(3), p.Stats().Dropped)
}
