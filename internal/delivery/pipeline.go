package delivery

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/relaychat/relay/internal/event"
	"github.com/relaychat/relay/internal/protocol"
)

// Stats are cumulative pipeline counters, read by the metrics exporter.
type Stats struct {
	Delivered     uint64
	Dropped       uint64
	SlowConsumers uint64
}

// Pipeline owns every connection's outbound queue and translates fan-out
// events into sequenced client frames.
type Pipeline struct {
	mu     sync.RWMutex
	queues map[string]*Queue

	queueSize  int
	maxContent int
	log        *zap.Logger

	delivered atomic.Uint64
	dropped   atomic.Uint64
	slow      atomic.Uint64
}

// New creates a pipeline whose queues hold at most queueSize frames and whose
// message contents are capped at maxContent bytes.
func New(queueSize, maxContent int, log *zap.Logger) *Pipeline {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Pipeline{
		queues:     make(map[string]*Queue),
		queueSize:  queueSize,
		maxContent: maxContent,
		log:        log,
	}
}

// Attach creates (or returns) the outbound queue for a connection. The
// connection's write pump drains it with Next.
func (p *Pipeline) Attach(connID string) *Queue {
	p.mu.Lock()
	defer p.mu.Unlock()
	if q, ok := p.queues[connID]; ok {
		return q
	}
	q := newQueue(p.queueSize)
	p.queues[connID] = q
	return q
}

// Detach closes and removes a connection's queue. Safe to call for unknown
// connections.
func (p *Pipeline) Detach(connID string) {
	p.mu.Lock()
	q, ok := p.queues[connID]
	delete(p.queues, connID)
	p.mu.Unlock()
	if ok {
		q.Close()
	}
}

// Drain flips a connection's queue into draining mode: queued frames are
// still delivered, new ones are refused.
func (p *Pipeline) Drain(connID string) {
	p.mu.RLock()
	q, ok := p.queues[connID]
	p.mu.RUnlock()
	if ok {
		q.Drain()
	}
}

// SendError enqueues an error frame for one connection, bypassing sequencing.
func (p *Pipeline) SendError(connID, code, message string) {
	p.mu.RLock()
	q, ok := p.queues[connID]
	p.mu.RUnlock()
	if ok {
		q.pushDirect(protocol.ErrorFrame(code, message))
	}
}

// Fanout delivers one event to the given local member snapshot. Members whose
// queues are gone by enqueue time are skipped; that is the expected race with
// disconnect and keeps delivery at-least-once to the snapshot, not
// exactly-once.
func (p *Pipeline) Fanout(evt event.Event, members []string) {
	frame, ok := p.frameFor(evt)
	if !ok {
		return
	}

	for _, connID := range members {
		p.mu.RLock()
		q, attached := p.queues[connID]
		p.mu.RUnlock()
		if !attached {
			p.dropped.Add(1)
			continue
		}

		switch q.push(frame) {
		case pushEnqueued:
			p.delivered.Add(1)
		case pushShedOld:
			p.delivered.Add(1)
			p.dropped.Add(1)
		case pushShedNew, pushClosed:
			p.dropped.Add(1)
		case pushFailed:
			p.slow.Add(1)
			p.log.Warn("closing slow consumer",
				zap.String("connId", connID),
				zap.String("room", evt.RoomID))
		}
	}
}

// frameFor validates the event and builds the outbound frame all targets
// share. Sequence numbers are assigned per connection at enqueue.
func (p *Pipeline) frameFor(evt event.Event) (protocol.Outbound, bool) {
	switch evt.Type {
	case event.TypeMessage:
		msg, err := evt.Message()
		if err != nil {
			p.log.Warn("dropping malformed message event",
				zap.String("room", evt.RoomID), zap.Error(err))
			p.dropped.Add(1)
			return protocol.Outbound{}, false
		}
		if p.maxContent > 0 && len(msg.Content) > p.maxContent {
			p.log.Warn("dropping oversized message event",
				zap.String("room", evt.RoomID),
				zap.Int("bytes", len(msg.Content)))
			p.dropped.Add(1)
			return protocol.Outbound{}, false
		}
		return protocol.Outbound{
			Type:      protocol.TypeReceiveMessage,
			RoomID:    evt.RoomID,
			UserID:    evt.SenderID,
			Content:   msg.Content,
			Timestamp: msg.Timestamp,
		}, true
	case event.TypeUserJoined:
		return protocol.Outbound{
			Type:   protocol.TypeUserJoined,
			RoomID: evt.RoomID,
			UserID: evt.SenderID,
		}, true
	case event.TypeUserLeft:
		return protocol.Outbound{
			Type:   protocol.TypeUserLeft,
			RoomID: evt.RoomID,
			UserID: evt.SenderID,
		}, true
	default:
		p.log.Warn("dropping event of unknown type",
			zap.String("room", evt.RoomID),
			zap.String("type", string(evt.Type)))
		p.dropped.Add(1)
		return protocol.Outbound{}, false
	}
}

// Stats returns cumulative delivery counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Delivered:     p.delivered.Load(),
		Dropped:       p.dropped.Load(),
		SlowConsumers: p.slow.Load(),
	}
}
