package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/relaychat/relay/internal/event"
)

// NATS implements Broker on a NATS connection with one subject per room.
type NATS struct {
	conn    *nats.Conn
	prefix  string
	handler Handler
	log     *zap.Logger

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// ConnectNATS dials the NATS server and returns a broker publishing under the
// given subject prefix. Received events are handed to handler in subscription
// order.
func ConnectNATS(url, prefix string, handler Handler, log *zap.Logger) (*NATS, error) {
	conn, err := nats.Connect(url,
		nats.Name("relay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATS{
		conn:    conn,
		prefix:  prefix,
		handler: handler,
		log:     log,
		subs:    make(map[string]*nats.Subscription),
	}, nil
}

func (n *NATS) subjectFor(roomID string) string {
	return n.prefix + "." + escapeSubjectToken(roomID)
}

// escapeSubjectToken maps a room ID onto a single NATS subject token. Bytes
// with meaning in subject syntax are hex-escaped so any well-formed room ID
// is publishable.
func escapeSubjectToken(roomID string) string {
	var b strings.Builder
	for i := 0; i < len(roomID); i++ {
		c := roomID[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02x", c)
		}
	}
	return b.String()
}

// Publish sends the event to the room's subject. A disconnected broker is
// reported as ErrUnavailable rather than buffered, so the sender learns the
// message did not go out.
func (n *NATS) Publish(_ context.Context, evt event.Event) error {
	if !n.conn.IsConnected() {
		return ErrUnavailable
	}
	body, err := evt.Encode()
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := n.conn.Publish(n.subjectFor(evt.RoomID), body); err != nil {
		n.log.Warn("publish failed", zap.String("room", evt.RoomID), zap.Error(err))
		return ErrUnavailable
	}
	return nil
}

// Subscribe starts receiving the room's events. Subscribing twice is a no-op.
func (n *NATS) Subscribe(roomID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.subs[roomID]; ok {
		return nil
	}
	sub, err := n.conn.Subscribe(n.subjectFor(roomID), func(msg *nats.Msg) {
		evt, err := event.Decode(msg.Data)
		if err != nil {
			n.log.Warn("dropping undecodable event", zap.String("room", roomID), zap.Error(err))
			return
		}
		n.handler(evt)
	})
	if err != nil {
		return ErrUnavailable
	}
	n.subs[roomID] = sub
	return nil
}

// Unsubscribe stops receiving the room's events. Unsubscribing from a room
// that was never subscribed is a no-op.
func (n *NATS) Unsubscribe(roomID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	sub, ok := n.subs[roomID]
	if !ok {
		return nil
	}
	delete(n.subs, roomID)
	if err := sub.Unsubscribe(); err != nil {
		n.log.Warn("unsubscribe failed", zap.String("room", roomID), zap.Error(err))
	}
	return nil
}

// Close flushes pending publishes and closes the connection.
func (n *NATS) Close() error {
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return err
	}
	return nil
}
