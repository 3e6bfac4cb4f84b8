package broker

import (
	"context"
	"errors"

	"github.com/relaychat/relay/internal/event"
)

// ErrUnavailable reports that the broker could not accept a publish or
// subscription change. It is surfaced to the sender as a send failure and
// never retried internally; the client owns the retry.
var ErrUnavailable = errors.New("broker unavailable")

// Handler receives events for subscribed topics. Implementations are invoked
// sequentially per endpoint, preserving each publisher's per-topic order.
type Handler func(evt event.Event)

// Broker is the process's client to the shared fan-out channel. Subscribe and
// Unsubscribe are idempotent: subscribing to a subscribed topic or
// unsubscribing from an unknown one is a no-op.
type Broker interface {
	Publish(ctx context.Context, evt event.Event) error
	Subscribe(roomID string) error
	Unsubscribe(roomID string) error
	Close() error
}
