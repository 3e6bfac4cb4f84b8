package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(time.Minute, zap.NewNop())
}

func TestRegisterAndState(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.Register("c1", "alice"))
	assert.Equal(t, StateActive, r.State("c1"))
	assert.Equal(t, 1, r.Len())

	subject, err := r.Subject("c1")
	require.NoError(t, err)
	assert.Equal(t, "alice", subject)
}

func TestRegisterDuplicate(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.Register("c1", "alice"))
	assert.ErrorIs(t, r.Register("c1", "bob"), ErrDuplicateConnection)

	// The original registration is untouched.
	subject, err := r.Subject("c1")
	require.NoError(t, err)
	assert.Equal(t, "alice", subject)
}

func TestRecordJoinIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register("c1", "alice"))

	for i := 0; i < 5; i++ {
		require.NoError(t, r.RecordJoin("c1", "general"))
	}

	rooms, err := r.Rooms("c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"general"}, rooms)
}

func TestRecordLeaveNeverJoined(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register("c1", "alice"))

	// Leaving a room never joined is a no-op success.
	require.NoError(t, r.RecordLeave("c1", "general"))

	rooms, err := r.Rooms("c1")
	require.NoError(t, err)
	assert.Empty(t, rooms)
}

func TestOperationsOnUnknownConnection(t *testing.T) {
	r := newTestRegistry(t)

	assert.ErrorIs(t, r.RecordJoin("ghost", "general"), ErrUnknownConnection)
	assert.ErrorIs(t, r.RecordLeave("ghost", "general"), ErrUnknownConnection)
	assert.ErrorIs(t, r.MarkDraining("ghost"), ErrUnknownConnection)
	_, err := r.Unregister("ghost")
	assert.ErrorIs(t, err, ErrUnknownConnection)
	assert.Equal(t, StateUnregistered, r.State("ghost"))
}

func TestUnregisterReturnsJoinedRooms(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register("c1", "alice"))
	require.NoError(t, r.RecordJoin("c1", "general"))
	require.NoError(t, r.RecordJoin("c1", "random"))

	rooms, err := r.Unregister("c1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"general", "random"}, rooms)
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, StateUnregistered, r.State("c1"))
}

func TestTombstoneBlocksRetriedHandshake(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register("c1", "alice"))
	_, err := r.Unregister("c1")
	require.NoError(t, err)

	// The same connection ID cannot come back within the grace window.
	assert.ErrorIs(t, r.Register("c1", "alice"), ErrDuplicateConnection)

	// A fresh ID for the same subject is fine.
	assert.NoError(t, r.Register("c2", "alice"))
}

func TestTombstoneDisabled(t *testing.T) {
	r := New(0, zap.NewNop())
	require.NoError(t, r.Register("c1", "alice"))
	_, err := r.Unregister("c1")
	require.NoError(t, err)

	assert.NoError(t, r.Register("c1", "alice"))
}

func TestMarkDraining(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register("c1", "alice"))

	require.NoError(t, r.MarkDraining("c1"))
	assert.Equal(t, StateDraining, r.State("c1"))

	// Idempotent.
	require.NoError(t, r.MarkDraining("c1"))
	assert.Equal(t, StateDraining, r.State("c1"))
}

func TestJoinedAndSnapshot(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register("c1", "alice"))
	require.NoError(t, r.Register("c2", "bob"))
	require.NoError(t, r.RecordJoin("c1", "general"))

	assert.True(t, r.Joined("c1", "general"))
	assert.False(t, r.Joined("c2", "general"))
	assert.False(t, r.Joined("ghost", "general"))

	snap := r.Snapshot()
	assert.Equal(t, []string{"general"}, snap["c1"])
	assert.Empty(t, snap["c2"])
}

func TestConcurrentJoinLeave(t *testing.T) {
	r := newTestRegistry(t)
	const conns = 16
	const rooms = 8

	for i := 0; i < conns; i++ {
		require.NoError(t, r.Register(fmt.Sprintf("c%d", i), fmt.Sprintf("u%d", i)))
	}

	var wg sync.WaitGroup
	for i := 0; i < conns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			connID := fmt.Sprintf("c%d", i)
			for j := 0; j < 100; j++ {
				roomID := fmt.Sprintf("r%d", j%rooms)
				_ = r.RecordJoin(connID, roomID)
				if j%3 == 0 {
					_ = r.RecordLeave(connID, roomID)
				}
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, conns, r.Len())
	for connID, joined := range r.Snapshot() {
		assert.LessOrEqual(t, len(joined), rooms, "connection %s", connID)
	}
}
