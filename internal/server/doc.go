// Package server implements the WebSocket transport and HTTP surface of the
// relay: connection upgrades, per-connection read/write pumps, origin and
// rate-limit enforcement, health and metrics endpoints, and graceful
// shutdown. The distribution core (registry, room table, coordinator,
// delivery pipeline, broker client) is wired together here but lives in its
// own packages.
package server
