package roomtable

import "sync"

type room struct {
	mu      sync.RWMutex
	members map[string]struct{}
	// order preserves join order for delivery snapshots.
	order []string
	// evicted marks a room removed from the table between another
	// goroutine's map lookup and member insert; the insert retries.
	evicted bool
}

// Table maps room IDs to their local member sets. The outer lock guards the
// room map; each room carries its own lock so traffic in one room never
// blocks another.
type Table struct {
	mu    sync.RWMutex
	rooms map[string]*room
}

// New creates an empty table.
func New() *Table {
	return &Table{rooms: make(map[string]*room)}
}

// AddMember joins connID to roomID, creating the room on first local join.
// It returns true when this member caused the room entry to be created, which
// is the caller's cue to subscribe to the room's broker topic. Adding a
// member twice is a no-op.
func (t *Table) AddMember(roomID, connID string) (first bool) {
	for {
		t.mu.Lock()
		r, ok := t.rooms[roomID]
		created := false
		if !ok {
			r = &room{members: make(map[string]struct{})}
			t.rooms[roomID] = r
			created = true
		}
		t.mu.Unlock()

		r.mu.Lock()
		if r.evicted {
			// Lost a race with the eviction of the last member.
			r.mu.Unlock()
			continue
		}
		if _, present := r.members[connID]; !present {
			r.members[connID] = struct{}{}
			r.order = append(r.order, connID)
		}
		r.mu.Unlock()
		return created
	}
}

// RemoveMember removes connID from roomID. It returns true when the local
// member set became empty and the room entry was evicted, the caller's cue to
// unsubscribe from the room's broker topic. Removing an absent member or an
// unknown room is a no-op.
func (t *Table) RemoveMember(roomID, connID string) (empty bool) {
	t.mu.RLock()
	r, ok := t.rooms[roomID]
	t.mu.RUnlock()
	if !ok {
		return false
	}

	r.mu.Lock()
	if r.evicted {
		// A concurrent removal already emptied the room; only that
		// removal reports the eviction.
		r.mu.Unlock()
		return false
	}
	if _, present := r.members[connID]; !present {
		r.mu.Unlock()
		return false
	}
	delete(r.members, connID)
	for i, id := range r.order {
		if id == connID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if len(r.members) > 0 {
		r.mu.Unlock()
		return false
	}
	r.evicted = true
	r.mu.Unlock()

	t.mu.Lock()
	// A racing AddMember may have replaced the evicted entry already.
	if t.rooms[roomID] == r {
		delete(t.rooms, roomID)
	}
	t.mu.Unlock()
	return true
}

// LocalMembers returns a join-ordered snapshot of the room's local members.
// Delivery iterates the snapshot; a member that leaves mid-delivery may still
// receive the in-flight event, which is the intended at-least-once behavior.
func (t *Table) LocalMembers(roomID string) []string {
	t.mu.RLock()
	r, ok := t.rooms[roomID]
	t.mu.RUnlock()
	if !ok {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	snapshot := make([]string, len(r.order))
	copy(snapshot, r.order)
	return snapshot
}

// Contains reports whether connID is a current local member of roomID.
func (t *Table) Contains(roomID, connID string) bool {
	t.mu.RLock()
	r, ok := t.rooms[roomID]
	t.mu.RUnlock()
	if !ok {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, present := r.members[connID]
	return present
}

// Snapshot returns every room mapped to a copy of its local member set. Used
// for integrity verification and introspection.
func (t *Table) Snapshot() map[string][]string {
	t.mu.RLock()
	rooms := make(map[string]*room, len(t.rooms))
	for id, r := range t.rooms {
		rooms[id] = r
	}
	t.mu.RUnlock()

	out := make(map[string][]string, len(rooms))
	for id, r := range rooms {
		r.mu.RLock()
		members := make([]string, len(r.order))
		copy(members, r.order)
		r.mu.RUnlock()
		out[id] = members
	}
	return out
}

// Rooms returns the number of rooms with at least one local member.
func (t *Table) Rooms() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rooms)
}
