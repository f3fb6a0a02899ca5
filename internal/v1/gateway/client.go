package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/voxelink/mediabridge/internal/v1/logging"
	"github.com/voxelink/mediabridge/internal/v1/metrics"
	"github.com/voxelink/mediabridge/internal/v1/types"
)

const (
	writeWait = 10 * time.Second

	// Push requests (newConsumer) wait this long for an ack. The initial send
	// gets up to three retries, so four sends total before ErrRequestTimeout.
	requestTimeout  = 20 * time.Second
	requestAttempts = 4

	sendBufferSize = 256
)

// wsConnection defines the interface for WebSocket connection operations.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// Client is one participant's signaling socket. It implements
// types.ClientConn; the room core only ever sees that interface.
type Client struct {
	conn wsConnection
	hub  *Hub

	userID    types.UserID
	sessionID types.SessionID
	device    string
	kind      types.TransportKind

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
	send      chan []byte

	nextReqID atomic.Int64
	pending   map[int64]chan struct{}
}

func newClient(conn wsConnection, hub *Hub, query types.HandshakeQuery) *Client {
	return &Client{
		conn:      conn,
		hub:       hub,
		userID:    query.UserID,
		sessionID: query.SessionID,
		device:    query.Device,
		kind:      query.Kind,
		send:      make(chan []byte, sendBufferSize),
		pending:   make(map[int64]chan struct{}),
	}
}

// --- types.ClientConn ---

func (c *Client) UserID() types.UserID       { return c.userID }
func (c *Client) SessionID() types.SessionID { return c.sessionID }
func (c *Client) Device() string             { return c.device }
func (c *Client) Kind() types.TransportKind  { return c.kind }

// Send queues a fire-and-forget event. It never blocks; a full buffer drops
// the frame with a log entry.
func (c *Client) Send(event string, payload any) {
	c.sendFrame(types.Frame{Event: event, Data: marshalPayload(event, payload)})
}

// Request sends an event carrying a reqId and blocks until the client acks,
// the context is cancelled, or the retry budget runs out.
func (c *Client) Request(ctx context.Context, event string, payload any) error {
	reqID := c.nextReqID.Add(1)

	ackCh := make(chan struct{}, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return types.ErrRequestTimeout
	}
	c.pending[reqID] = ackCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
	}()

	frame := types.Frame{Event: event, Data: marshalPayload(event, payload), ReqID: reqID}

	for attempt := 1; attempt <= requestAttempts; attempt++ {
		c.sendFrame(frame)

		timer := time.NewTimer(requestTimeout)
		select {
		case <-ackCh:
			timer.Stop()
			return nil
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			logging.Warn(ctx, "request not acked, retrying",
				zap.String("user_id", string(c.userID)),
				zap.String("event", event),
				zap.Int64("req_id", reqID),
				zap.Int("attempt", attempt),
			)
		}
	}

	return types.ErrRequestTimeout
}

// Close tears down the socket. Closing the send channel drives the writePump
// to emit a close frame and drop the connection.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// --- Internals ---

func marshalPayload(event string, payload any) json.RawMessage {
	if payload == nil {
		return nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw
	}
	data, err := json.Marshal(payload)
	if err != nil {
		logging.Error(context.Background(), "failed to marshal event payload",
			zap.String("event", event),
			zap.Error(err),
		)
		return nil
	}
	return data
}

func (c *Client) sendFrame(frame types.Frame) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	data, err := json.Marshal(frame)
	if err != nil {
		logging.Error(context.Background(), "failed to marshal frame",
			zap.String("event", frame.Event),
			zap.Error(err),
		)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			logging.Warn(context.Background(), "recovered from send on closed client",
				zap.String("user_id", string(c.userID)),
				zap.Any("panic", r),
			)
		}
	}()

	select {
	case c.send <- data:
	default:
		logging.Warn(context.Background(), "client send buffer full, dropping frame",
			zap.String("user_id", string(c.userID)),
			zap.String("event", frame.Event),
		)
	}
}

// reply answers one inbound frame, echoing its reqId and packing either the
// result or the error envelope.
func (c *Client) reply(reqID int64, event string, result any, err error) {
	frame := types.Frame{Event: event, ReqID: reqID}
	if err != nil {
		frame.Error = err.Error()
	} else {
		frame.Data = marshalPayload(event, result)
	}
	c.sendFrame(frame)
}

func (c *Client) resolveAck(reqID int64) {
	c.mu.Lock()
	ackCh, ok := c.pending[reqID]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ackCh <- struct{}{}:
	default:
	}
}

// readPump processes inbound frames until the socket dies, then dispatches
// the disconnect.
func (c *Client) readPump() {
	defer func() {
		c.hub.handleDisconnect(c)
		c.Close()
		_ = c.conn.Close()
		metrics.DecConnection()
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame types.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			logging.Warn(context.Background(), "failed to unmarshal frame",
				zap.String("user_id", string(c.userID)),
				zap.Error(err),
			)
			continue
		}

		if frame.Event == types.EventAck {
			c.resolveAck(frame.ReqID)
			continue
		}

		ctx := context.WithValue(context.Background(), logging.UserIDKey, string(c.userID))
		ctx = context.WithValue(ctx, logging.RoomIDKey, string(c.sessionID))
		c.hub.routeFrame(ctx, c, frame)
	}
}

func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()

	for message := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			logging.Error(context.Background(), "error writing message",
				zap.String("user_id", string(c.userID)),
				zap.Error(err),
			)
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
