package server

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relaychat/relay/internal/broker"
	"github.com/relaychat/relay/internal/coordinator"
	"github.com/relaychat/relay/internal/delivery"
	"github.com/relaychat/relay/internal/protocol"
)

const (
	// pongWait is how long a connection may stay silent before the read
	// deadline fires.
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait.
	pingPeriod = 54 * time.Second
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
)

// Client is one accepted WebSocket connection: its identity, its transport,
// and the pumps moving frames in and out.
type Client struct {
	id      string
	subject string
	conn    *websocket.Conn
	core    *Core
	queue   *delivery.Queue
	limiter *rateLimiter
	log     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func newClient(core *Core, conn *websocket.Conn, id, subject string) *Client {
	conn.SetReadLimit(core.cfg.MaxMessageSize)
	ctx, cancel := context.WithCancel(core.ctx)
	return &Client{
		id:      id,
		subject: subject,
		conn:    conn,
		core:    core,
		queue:   core.pipeline.Attach(id),
		limiter: newRateLimiter(core.cfg.RateLimit.Burst, core.cfg.RateLimit.RefillInterval),
		log:     core.log.Named("client").With(zap.String("connId", id), zap.String("subject", subject)),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// start launches the read and write pumps under the core's wait group.
func (c *Client) start() {
	c.core.wg.Add(2)
	go func() {
		defer c.core.wg.Done()
		c.readPump()
	}()
	go func() {
		defer c.core.wg.Done()
		c.writePump()
	}()
}

// forceClose tears the transport down immediately.
func (c *Client) forceClose() {
	c.once.Do(func() {
		_ = c.conn.Close()
	})
}

// setupReadDeadlines configures the read deadline and its pong refresh.
func (c *Client) setupReadDeadlines() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Warn("setting initial read deadline failed", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.log.Warn("refreshing read deadline failed", zap.Error(err))
		}
		return nil
	})
}

func (c *Client) readPump() {
	defer func() {
		c.cancel()
		c.core.coord.Disconnect(context.Background(), c.id)
		c.core.removeClient(c.id)
		c.forceClose()
	}()

	c.setupReadDeadlines()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}

		if !c.limiter.allow() {
			c.log.Debug("rate limit exceeded, discarding frame")
			continue
		}

		c.handleFrame(raw)
	}
}

// handleFrame decodes one inbound command and dispatches it to the
// coordinator. Validation failures answer with an error frame and leave the
// connection open.
func (c *Client) handleFrame(raw []byte) {
	in, err := protocol.DecodeInbound(raw)
	if err != nil {
		c.core.pipeline.SendError(c.id, protocol.CodeValidationError, "malformed frame")
		return
	}

	switch in.Action {
	case protocol.ActionJoinRoom:
		c.reportCommandError(c.core.coord.Join(c.ctx, c.id, in.RoomID))
	case protocol.ActionLeaveRoom:
		c.reportCommandError(c.core.coord.Leave(c.ctx, c.id, in.RoomID))
	case protocol.ActionSendMessage:
		if strings.TrimSpace(in.Content) == "" {
			c.core.pipeline.SendError(c.id, protocol.CodeValidationError, "empty message content")
			return
		}
		if int64(len(in.Content)) > c.core.cfg.MaxMessageSize {
			c.core.pipeline.SendError(c.id, protocol.CodeValidationError, "message content too large")
			return
		}
		c.reportCommandError(c.core.coord.Send(c.ctx, c.id, in.RoomID, in.Content))
	}
}

// reportCommandError maps coordinator errors onto the wire taxonomy.
func (c *Client) reportCommandError(err error) {
	switch {
	case err == nil:
	case errors.Is(err, broker.ErrUnavailable):
		c.core.pipeline.SendError(c.id, protocol.CodeBrokerUnavailable, "message not delivered, retry")
	case errors.Is(err, coordinator.ErrNotRoomMember):
		c.core.pipeline.SendError(c.id, protocol.CodeValidationError, "not a member of that room")
	case errors.Is(err, coordinator.ErrConnectionNotActive):
		c.core.pipeline.SendError(c.id, protocol.CodeValidationError, "connection is not accepting commands")
	default:
		c.log.Warn("command failed", zap.Error(err))
	}
}

// logReadError classifies a read failure; everything ends the pump.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Info("frame exceeded read limit",
			zap.Int64("limit", c.core.cfg.MaxMessageSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.log.Debug("client disconnected", zap.Error(err))
	case errors.Is(err, io.EOF), isExpectedCloseError(err):
		c.log.Debug("connection closed", zap.Error(err))
	default:
		c.log.Warn("read error", zap.Error(err))
	}
}

func (c *Client) writePump() {
	defer func() {
		c.cancel()
		c.forceClose()
	}()

	for {
		waitCtx, cancelWait := context.WithTimeout(c.ctx, pingPeriod)
		frame, ok := c.queue.Next(waitCtx)
		cancelWait()

		if ok {
			if !c.writeFrame(frame) {
				return
			}
			continue
		}

		if c.ctx.Err() != nil {
			return
		}
		if c.queue.Ended() {
			c.writeClose()
			return
		}
		if !c.writePing() {
			return
		}
	}
}

func (c *Client) writeFrame(frame protocol.Outbound) bool {
	data, err := frame.Encode()
	if err != nil {
		c.log.Warn("encoding outbound frame failed", zap.Error(err))
		return true
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn("write failed", zap.Error(err))
		}
		return false
	}
	return true
}

// writeClose tells the client why the connection is ending. A queue failed by
// the backpressure policy closes with a policy violation code.
func (c *Client) writeClose() {
	code := websocket.CloseNormalClosure
	reason := ""
	if c.queue.Failed() {
		code = websocket.ClosePolicyViolation
		reason = "slow consumer"
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason)); err != nil && !isExpectedCloseError(err) {
		c.log.Debug("writing close frame failed", zap.Error(err))
	}
}

func (c *Client) writePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Debug("ping failed", zap.Error(err))
		}
		return false
	}
	return true
}

// isExpectedCloseError checks for the error strings a closing transport
// produces in normal operation.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
