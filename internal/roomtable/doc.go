// Package roomtable holds the per-process view of room membership: for each
// room with at least one local member, the ordered set of connection IDs
// joined on this process. Rooms are created by the first local join and
// evicted by the last local leave; the empty/non-empty transitions drive the
// broker subscription for the room's topic. No process ever materializes a
// room's global membership.
package roomtable
