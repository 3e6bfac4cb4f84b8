// Package coordinator is the only mutator of the connection registry and the
// room table. Join, leave, and disconnect each run under a per-connection
// lock stripe so the two indexes of the membership relation move together and
// can never diverge, while traffic for unrelated connections proceeds in
// parallel. The coordinator also owns the broker subscription lifecycle
// (subscribe on first local member, unsubscribe on last) and publishes every
// membership and message event.
package coordinator
