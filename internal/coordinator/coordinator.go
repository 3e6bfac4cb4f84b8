package coordinator

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/relaychat/relay/internal/broker"
	"github.com/relaychat/relay/internal/delivery"
	"github.com/relaychat/relay/internal/event"
	"github.com/relaychat/relay/internal/history"
	"github.com/relaychat/relay/internal/registry"
	"github.com/relaychat/relay/internal/roomtable"
)

var (
	// ErrConnectionNotActive rejects commands from connections that are
	// draining, closed, or were never registered.
	ErrConnectionNotActive = errors.New("connection not active")
	// ErrNotRoomMember rejects sends to rooms the connection has not
	// joined.
	ErrNotRoomMember = errors.New("not a member of room")
)

// lockStripes is the number of per-connection lock stripes. Connections
// hashing to different stripes never serialize on each other.
const lockStripes = 64

// Coordinator reconciles membership changes across the registry, the room
// table, and the broker subscription set.
type Coordinator struct {
	origin   string
	registry *registry.Registry
	table    *roomtable.Table
	pipeline *delivery.Pipeline
	recorder history.Recorder
	log      *zap.Logger

	broker broker.Broker

	locks [lockStripes]sync.Mutex
	// roomLocks serialize a room's empty/non-empty transitions together with
	// the matching broker subscribe or unsubscribe. Connection stripes alone
	// are not enough: a last-leave and a first-join on different connections
	// could otherwise reorder the broker calls against the table transitions,
	// leaving a member in a room the process is not subscribed to.
	roomLocks [lockStripes]sync.Mutex

	hintMu sync.Mutex
	hints  map[string]*atomic.Int64
}

// New builds a coordinator for the process identified by origin. The broker
// is bound separately because its delivery handler needs the coordinator.
func New(origin string, reg *registry.Registry, table *roomtable.Table,
	pipe *delivery.Pipeline, rec history.Recorder, log *zap.Logger) *Coordinator {
	if rec == nil {
		rec = history.Nop{}
	}
	return &Coordinator{
		origin:   origin,
		registry: reg,
		table:    table,
		pipeline: pipe,
		recorder: rec,
		log:      log,
		hints:    make(map[string]*atomic.Int64),
	}
}

// BindBroker attaches the broker client. Must be called before any join.
func (c *Coordinator) BindBroker(b broker.Broker) {
	c.broker = b
}

func stripe(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % lockStripes
}

func (c *Coordinator) lockConn(connID string) func() {
	mu := &c.locks[stripe(connID)]
	mu.Lock()
	return mu.Unlock
}

// lockRoom is always taken after the connection stripe, never before.
func (c *Coordinator) lockRoom(roomID string) func() {
	mu := &c.roomLocks[stripe(roomID)]
	mu.Lock()
	return mu.Unlock
}

func (c *Coordinator) nextHint(roomID string) int64 {
	c.hintMu.Lock()
	counter, ok := c.hints[roomID]
	if !ok {
		counter = &atomic.Int64{}
		c.hints[roomID] = counter
	}
	c.hintMu.Unlock()
	return counter.Add(1)
}

func (c *Coordinator) dropHint(roomID string) {
	c.hintMu.Lock()
	delete(c.hints, roomID)
	c.hintMu.Unlock()
}

// Register admits a new connection with an empty room set.
func (c *Coordinator) Register(connID, subjectID string) error {
	if err := c.registry.Register(connID, subjectID); err != nil {
		return fmt.Errorf("register %s: %w", connID, err)
	}
	return nil
}

// Join adds the connection to a room, updating both membership indexes under
// the connection's lock stripe and subscribing the broker when this is the
// room's first local member. A re-join is idempotent on the indexes but still
// republishes userJoined so other members' view can self-heal.
func (c *Coordinator) Join(ctx context.Context, connID, roomID string) error {
	unlock := c.lockConn(connID)

	if c.registry.State(connID) != registry.StateActive {
		unlock()
		return ErrConnectionNotActive
	}
	subject, err := c.registry.Subject(connID)
	if err != nil {
		unlock()
		return ErrConnectionNotActive
	}

	if err := c.registry.RecordJoin(connID, roomID); err != nil {
		unlock()
		return ErrConnectionNotActive
	}
	runlock := c.lockRoom(roomID)
	first := c.table.AddMember(roomID, connID)
	if first {
		if err := c.broker.Subscribe(roomID); err != nil {
			// Roll back so the indexes stay consistent with the
			// subscription set.
			c.table.RemoveMember(roomID, connID)
			if lerr := c.registry.RecordLeave(connID, roomID); lerr != nil {
				c.log.Error("rollback failed", zap.String("connId", connID), zap.Error(lerr))
			}
			runlock()
			unlock()
			return fmt.Errorf("subscribe %q: %w", roomID, err)
		}
	}
	runlock()
	unlock()

	return c.publishPresence(ctx, event.TypeUserJoined, roomID, subject)
}

// Leave removes the connection from a room. Leaving a room never joined
// succeeds, and userLeft is republished either way for the same self-healing
// reason as Join.
func (c *Coordinator) Leave(ctx context.Context, connID, roomID string) error {
	unlock := c.lockConn(connID)

	subject, err := c.registry.Subject(connID)
	if err != nil {
		unlock()
		return ErrConnectionNotActive
	}

	if err := c.registry.RecordLeave(connID, roomID); err != nil {
		unlock()
		return ErrConnectionNotActive
	}
	runlock := c.lockRoom(roomID)
	if empty := c.table.RemoveMember(roomID, connID); empty {
		c.unsubscribe(roomID)
	}
	runlock()
	unlock()

	return c.publishPresence(ctx, event.TypeUserLeft, roomID, subject)
}

// Disconnect tears the connection down: the registry entry goes first,
// atomically yielding every joined room, then each room's local set is
// updated. No room table entry survives its connection.
func (c *Coordinator) Disconnect(ctx context.Context, connID string) {
	unlock := c.lockConn(connID)

	subject, err := c.registry.Subject(connID)
	if err != nil {
		// Already unregistered; a concurrent disconnect won.
		unlock()
		return
	}
	rooms, err := c.registry.Unregister(connID)
	if err != nil {
		unlock()
		return
	}
	for _, roomID := range rooms {
		runlock := c.lockRoom(roomID)
		if empty := c.table.RemoveMember(roomID, connID); empty {
			c.unsubscribe(roomID)
		}
		runlock()
	}
	unlock()

	c.pipeline.Detach(connID)

	for _, roomID := range rooms {
		if err := c.publishPresence(ctx, event.TypeUserLeft, roomID, subject); err != nil {
			c.log.Warn("userLeft publish failed on disconnect",
				zap.String("room", roomID), zap.Error(err))
		}
	}
}

// MarkDraining stops accepting inbound commands from the connection while its
// queued outbound frames are delivered.
func (c *Coordinator) MarkDraining(connID string) {
	if err := c.registry.MarkDraining(connID); err != nil {
		return
	}
	c.pipeline.Drain(connID)
}

// Send validates and publishes a chat message. The sender must be active and
// a member of the room; the broker being down is surfaced to the caller, not
// retried. History recording is a separate, independently failing write path.
func (c *Coordinator) Send(ctx context.Context, connID, roomID, content string) error {
	if c.registry.State(connID) != registry.StateActive {
		return ErrConnectionNotActive
	}
	if !c.registry.Joined(connID, roomID) {
		return ErrNotRoomMember
	}
	subject, err := c.registry.Subject(connID)
	if err != nil {
		return ErrConnectionNotActive
	}

	evt, err := event.NewMessage(roomID, subject, content, c.nextHint(roomID), c.origin)
	if err != nil {
		return fmt.Errorf("build message event: %w", err)
	}
	if err := c.broker.Publish(ctx, evt); err != nil {
		return fmt.Errorf("publish message to %q: %w", roomID, err)
	}

	go func() {
		recCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.recorder.Record(recCtx, roomID, subject, content); err != nil {
			c.log.Warn("history record failed", zap.String("room", roomID), zap.Error(err))
		}
	}()
	return nil
}

// HandleEvent is the broker delivery callback: fan the event out to the
// room's current local members. An event for a room with no local members is
// the expected race between an in-flight publish and our unsubscribe, and is
// dropped silently.
func (c *Coordinator) HandleEvent(evt event.Event) {
	members := c.table.LocalMembers(evt.RoomID)
	if len(members) == 0 {
		return
	}
	c.pipeline.Fanout(evt, members)
}

func (c *Coordinator) unsubscribe(roomID string) {
	if err := c.broker.Unsubscribe(roomID); err != nil {
		c.log.Warn("unsubscribe failed", zap.String("room", roomID), zap.Error(err))
	}
	c.dropHint(roomID)
}

func (c *Coordinator) publishPresence(ctx context.Context, t event.Type, roomID, subject string) error {
	evt := event.NewPresence(t, roomID, subject, c.nextHint(roomID), c.origin)
	if err := c.broker.Publish(ctx, evt); err != nil {
		return fmt.Errorf("publish %s to %q: %w", t, roomID, err)
	}
	return nil
}

// VerifyIntegrity cross-checks the two membership indexes and returns an
// error describing the first divergence found. A non-nil result is a local
// bug: the coordinator is the only mutator, so the indexes must agree.
func (c *Coordinator) VerifyIntegrity() error {
	byConn := c.registry.Snapshot()
	byRoom := c.table.Snapshot()

	for connID, rooms := range byConn {
		for _, roomID := range rooms {
			if !contains(byRoom[roomID], connID) {
				err := fmt.Errorf("connection %s joined to %q but absent from room table", connID, roomID)
				c.log.Error("membership index divergence", zap.Error(err))
				return err
			}
		}
	}
	for roomID, members := range byRoom {
		for _, connID := range members {
			if !contains(byConn[connID], roomID) {
				err := fmt.Errorf("room %q lists %s but connection is not joined", roomID, connID)
				c.log.Error("membership index divergence", zap.Error(err))
				return err
			}
		}
	}
	return nil
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
