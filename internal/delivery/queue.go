package delivery

import (
	"context"
	"sync"

	"github.com/relaychat/relay/internal/protocol"
)

// pushOutcome tells the pipeline what happened to an enqueued frame.
type pushOutcome int

const (
	pushEnqueued pushOutcome = iota
	// pushShedOld means the frame went in after an older presence frame
	// was dropped to make room.
	pushShedOld
	// pushShedNew means the incoming presence frame was dropped because
	// the queue held only chat messages.
	pushShedNew
	// pushFailed means chat messages alone filled the bound; the queue now
	// holds a single SlowConsumer error frame and accepts nothing more.
	pushFailed
	// pushClosed means the queue no longer accepts frames.
	pushClosed
)

// Queue is one connection's bounded outbound buffer. Frames are sequenced at
// enqueue time with a per-connection monotonic counter so clients can detect
// gaps.
type Queue struct {
	mu       sync.Mutex
	items    []protocol.Outbound
	max      int
	seq      uint64
	notify   chan struct{}
	draining bool
	failed   bool
	closed   bool
}

func newQueue(max int) *Queue {
	return &Queue{
		max:    max,
		notify: make(chan struct{}, 1),
	}
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// push enqueues a frame, applying the overflow policy when the bound is hit.
func (q *Queue) push(f protocol.Outbound) pushOutcome {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.failed || q.draining {
		return pushClosed
	}

	outcome := pushEnqueued
	if len(q.items) >= q.max {
		shed := -1
		for i, queued := range q.items {
			if !queued.IsMessage() {
				shed = i
				break
			}
		}
		switch {
		case shed >= 0:
			q.items = append(q.items[:shed], q.items[shed+1:]...)
			outcome = pushShedOld
		case f.IsMessage():
			// The client cannot keep up with chat traffic. Replace
			// everything with a terminal error frame.
			q.items = q.items[:0]
			q.items = append(q.items, protocol.ErrorFrame(
				protocol.CodeSlowConsumer,
				"outbound queue overflow, closing connection"))
			q.failed = true
			q.wake()
			return pushFailed
		default:
			return pushShedNew
		}
	}

	q.seq++
	f.Sequence = q.seq
	q.items = append(q.items, f)
	q.wake()
	return outcome
}

// pushDirect enqueues an unsequenced frame (error frames) without applying
// the overflow policy beyond the hard bound.
func (q *Queue) pushDirect(f protocol.Outbound) pushOutcome {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.failed || q.draining || len(q.items) >= q.max {
		return pushClosed
	}
	q.items = append(q.items, f)
	q.wake()
	return pushEnqueued
}

// Next blocks until a frame is available and returns it. The second return is
// false when the queue has ended: closed, drained empty, or after the final
// frame of a failed queue has been handed out.
func (q *Queue) Next(ctx context.Context) (protocol.Outbound, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			f := q.items[0]
			q.items = q.items[1:]
			if q.failed && len(q.items) == 0 {
				q.closed = true
			}
			q.mu.Unlock()
			return f, true
		}
		done := q.closed || q.draining
		q.mu.Unlock()
		if done {
			return protocol.Outbound{}, false
		}

		select {
		case <-q.notify:
		case <-ctx.Done():
			return protocol.Outbound{}, false
		}
	}
}

// Ended reports whether the queue will never produce another frame.
func (q *Queue) Ended() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed || (q.draining && len(q.items) == 0)
}

// Failed reports whether the queue was closed by the SlowConsumer policy.
func (q *Queue) Failed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.failed
}

// Drain stops accepting frames and lets Next hand out what is already
// queued before ending.
func (q *Queue) Drain() {
	q.mu.Lock()
	q.draining = true
	q.mu.Unlock()
	q.wake()
}

// Close ends the queue immediately, discarding queued frames.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
	q.wake()
}

// Len returns the number of queued frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
