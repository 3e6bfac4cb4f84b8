package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

// State is the lifecycle state of a registered connection.
type State int

const (
	// StateUnregistered is reported for connection IDs the registry does
	// not know about.
	StateUnregistered State = iota
	// StateActive connections accept inbound commands and receive events.
	StateActive
	// StateDraining connections reject inbound commands while queued
	// outbound delivery finishes.
	StateDraining
	// StateClosed is terminal. The registry never holds closed entries;
	// the state exists so callers can reason about the full lifecycle.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unregistered"
	}
}

var (
	// ErrDuplicateConnection is returned when a connection ID is already
	// registered, or was unregistered so recently that a re-registration
	// is treated as a retried handshake for a dead connection.
	ErrDuplicateConnection = errors.New("duplicate connection id")
	// ErrUnknownConnection is returned for operations on IDs the registry
	// does not hold.
	ErrUnknownConnection = errors.New("unknown connection id")
)

type entry struct {
	mu      sync.Mutex
	subject string
	state   State
	rooms   map[string]struct{}
}

// Registry is the per-process connection index. The outer lock guards the
// map; each entry carries its own lock so unrelated connections never
// serialize on one another.
type Registry struct {
	mu        sync.RWMutex
	conns     map[string]*entry
	tombstone *expirable.LRU[string, time.Time]
	log       *zap.Logger
}

// tombstoneCap bounds the reconnect-dedup cache; entries also expire on TTL.
const tombstoneCap = 4096

// New creates an empty registry. graceWindow is how long an unregistered
// connection ID stays unusable for re-registration; zero disables the cache.
func New(graceWindow time.Duration, log *zap.Logger) *Registry {
	r := &Registry{
		conns: make(map[string]*entry),
		log:   log,
	}
	if graceWindow > 0 {
		r.tombstone = expirable.NewLRU[string, time.Time](tombstoneCap, nil, graceWindow)
	}
	return r
}

// Register inserts a new active connection with an empty room set.
func (r *Registry) Register(connID, subjectID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[connID]; ok {
		return ErrDuplicateConnection
	}
	if r.tombstone != nil {
		if _, dead := r.tombstone.Get(connID); dead {
			r.log.Warn("rejected re-registration of recently closed connection",
				zap.String("connId", connID))
			return ErrDuplicateConnection
		}
	}

	r.conns[connID] = &entry{
		subject: subjectID,
		state:   StateActive,
		rooms:   make(map[string]struct{}),
	}
	return nil
}

func (r *Registry) lookup(connID string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[connID]
	return e, ok
}

// RecordJoin adds roomID to the connection's joined set. Joining a room
// already joined is a no-op success so clients can retry freely.
func (r *Registry) RecordJoin(connID, roomID string) error {
	e, ok := r.lookup(connID)
	if !ok {
		return ErrUnknownConnection
	}
	e.mu.Lock()
	e.rooms[roomID] = struct{}{}
	e.mu.Unlock()
	return nil
}

// RecordLeave removes roomID from the connection's joined set. Leaving a room
// never joined is a no-op success.
func (r *Registry) RecordLeave(connID, roomID string) error {
	e, ok := r.lookup(connID)
	if !ok {
		return ErrUnknownConnection
	}
	e.mu.Lock()
	delete(e.rooms, roomID)
	e.mu.Unlock()
	return nil
}

// MarkDraining moves an active connection to draining. Marking a draining
// connection again is a no-op.
func (r *Registry) MarkDraining(connID string) error {
	e, ok := r.lookup(connID)
	if !ok {
		return ErrUnknownConnection
	}
	e.mu.Lock()
	if e.state == StateActive {
		e.state = StateDraining
	}
	e.mu.Unlock()
	return nil
}

// Unregister removes the connection and returns every room it was joined to,
// so the caller can emit userLeft events without re-reading mutable state.
func (r *Registry) Unregister(connID string) ([]string, error) {
	r.mu.Lock()
	e, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrUnknownConnection
	}
	delete(r.conns, connID)
	if r.tombstone != nil {
		r.tombstone.Add(connID, time.Now())
	}
	r.mu.Unlock()

	e.mu.Lock()
	e.state = StateClosed
	rooms := make([]string, 0, len(e.rooms))
	for roomID := range e.rooms {
		rooms = append(rooms, roomID)
	}
	e.rooms = nil
	e.mu.Unlock()
	return rooms, nil
}

// State reports the lifecycle state for connID.
func (r *Registry) State(connID string) State {
	e, ok := r.lookup(connID)
	if !ok {
		return StateUnregistered
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Subject returns the authenticated subject bound to connID.
func (r *Registry) Subject(connID string) (string, error) {
	e, ok := r.lookup(connID)
	if !ok {
		return "", ErrUnknownConnection
	}
	return e.subject, nil
}

// Rooms returns a snapshot of the connection's joined rooms.
func (r *Registry) Rooms(connID string) ([]string, error) {
	e, ok := r.lookup(connID)
	if !ok {
		return nil, ErrUnknownConnection
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	rooms := make([]string, 0, len(e.rooms))
	for roomID := range e.rooms {
		rooms = append(rooms, roomID)
	}
	return rooms, nil
}

// Joined reports whether connID currently has roomID in its joined set.
func (r *Registry) Joined(connID, roomID string) bool {
	e, ok := r.lookup(connID)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, joined := e.rooms[roomID]
	return joined
}

// Snapshot returns every registered connection ID mapped to a copy of its
// joined-room set. Used for integrity verification and introspection.
func (r *Registry) Snapshot() map[string][]string {
	r.mu.RLock()
	entries := make(map[string]*entry, len(r.conns))
	for id, e := range r.conns {
		entries[id] = e
	}
	r.mu.RUnlock()

	out := make(map[string][]string, len(entries))
	for id, e := range entries {
		e.mu.Lock()
		rooms := make([]string, 0, len(e.rooms))
		for roomID := range e.rooms {
			rooms = append(rooms, roomID)
		}
		e.mu.Unlock()
		out[id] = rooms
	}
	return out
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
