// Package history defines the message-history collaborator. Durable storage
// and pagination live in a separate service; this process only feeds it sent
// messages on a write path that fails independently of delivery.
package history

import "context"

// Recorder persists a sent message. Failures are logged by the caller and
// never affect fan-out.
type Recorder interface {
	Record(ctx context.Context, roomID, userID, content string) error
}

// Nop discards everything. Used when no history service is configured.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(context.Context, string, string, string) error { return nil }
