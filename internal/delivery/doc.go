// Package delivery turns fan-out events into sequenced client frames and
// pushes them onto per-connection bounded outbound queues. Each connection's
// write pump drains its own queue, so one slow client never blocks delivery
// to the rest of its room. When a queue overflows, presence frames are shed
// first; if chat messages alone fill the bound the connection is failed with
// SlowConsumer and force-closed.
package delivery
