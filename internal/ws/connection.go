package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"voltgate/internal/adapter"
	"voltgate/internal/ocpp"
	"voltgate/internal/registry"
)

// Swappable in tests for deterministic outbound message ids.
var newMessageID = func() string { return uuid.NewString() }

// wsConn is the subset of *websocket.Conn the connection uses; tests swap in
// a fake.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

type callOutcome struct {
	payload json.RawMessage
	err     error
}

// Connection is one live station link. Inbound frames are processed in
// arrival order by the read pump; outbound calls block their caller until
// the station answers or the link dies.
type Connection struct {
	session *registry.Session
	ws      wsConn
	handler adapter.Adapter
	parser  *ocpp.Parser
	logger  *zap.Logger

	send chan []byte
	done chan struct{}

	mu      sync.Mutex
	pending map[string]chan callOutcome
	closed  bool

	readTimeout  time.Duration
	writeTimeout time.Duration
	pingInterval time.Duration
	onClose      func(*Connection)
}

// Timeouts bundles the link deadlines.
type Timeouts struct {
	Read  time.Duration
	Write time.Duration
	Ping  time.Duration
}

func NewConnection(session *registry.Session, ws wsConn, handler adapter.Adapter, timeouts Timeouts, logger *zap.Logger, onClose func(*Connection)) *Connection {
	if timeouts.Read <= 0 {
		timeouts.Read = 60 * time.Second
	}
	if timeouts.Write <= 0 {
		timeouts.Write = 10 * time.Second
	}
	if timeouts.Ping <= 0 {
		timeouts.Ping = 30 * time.Second
	}
	return &Connection{
		session:      session,
		ws:           ws,
		handler:      handler,
		parser:       ocpp.NewParser(),
		logger:       logger,
		send:         make(chan []byte, 16),
		done:         make(chan struct{}),
		pending:      make(map[string]chan callOutcome),
		readTimeout:  timeouts.Read,
		writeTimeout: timeouts.Write,
		pingInterval: timeouts.Ping,
		onClose:      onClose,
	}
}

// Identity returns the station name this link serves.
func (c *Connection) Identity() string {
	return c.session.Identity
}

// Start launches the pumps and blocks until the link closes.
func (c *Connection) Start(ctx context.Context) {
	go c.writePump(ctx)
	c.readPump(ctx)
}

func (c *Connection) readPump(ctx context.Context) {
	defer c.cleanup()
	c.ws.SetReadLimit(1024 * 1024)
	c.ws.SetReadDeadline(time.Now().Add(c.readTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.readTimeout))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			c.logger.Info("connection read closed",
				zap.String("station_id", c.Identity()), zap.Error(err))
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(c.readTimeout))
		c.dispatch(ctx, raw)
	}
}

// dispatch routes one inbound frame. Processing stays on the read pump so a
// station's messages are handled strictly in arrival order.
func (c *Connection) dispatch(ctx context.Context, raw []byte) {
	msg, err := c.parser.Parse(raw)
	if err != nil {
		c.logger.Warn("unparseable frame",
			zap.String("station_id", c.Identity()), zap.Error(err))
		return
	}

	switch msg.MessageType {
	case ocpp.MessageTypeCall:
		c.handleCall(ctx, msg)
	case ocpp.MessageTypeCallResult:
		c.resolve(msg.UniqueID, callOutcome{payload: msg.Payload})
	case ocpp.MessageTypeCallError:
		c.resolve(msg.UniqueID, callOutcome{
			err: fmt.Errorf("station error %s: %s", msg.ErrorCode, msg.ErrorDescription),
		})
	}
}

func (c *Connection) handleCall(ctx context.Context, msg *ocpp.Message) {
	result, perr := c.handler.Handle(ctx, c.session, msg.Action, msg.Payload)

	var frame []byte
	var err error
	if perr != nil {
		frame, err = ocpp.BuildCallError(msg.UniqueID, perr.Code, perr.Description)
	} else {
		frame, err = ocpp.BuildCallResult(msg.UniqueID, result)
	}
	if err != nil {
		c.logger.Error("response encode failed",
			zap.String("station_id", c.Identity()), zap.String("action", msg.Action), zap.Error(err))
		return
	}
	if err := c.enqueue(frame); err != nil {
		c.logger.Warn("response send failed",
			zap.String("station_id", c.Identity()), zap.String("action", msg.Action), zap.Error(err))
	}
}

// Call sends an outbound CALL and blocks until its CALLRESULT, a CALLERROR,
// context cancellation, or link close. No extra application timeout exists
// on top of the transport.
func (c *Connection) Call(ctx context.Context, action string, payload interface{}) (json.RawMessage, error) {
	id := newMessageID()
	frame, err := ocpp.BuildCall(id, action, payload)
	if err != nil {
		return nil, fmt.Errorf("ws: encode %s call: %w", action, err)
	}

	ch := make(chan callOutcome, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("ws: connection to %s closed", c.Identity())
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.enqueue(frame); err != nil {
		c.drop(id)
		return nil, fmt.Errorf("ws: send %s call to %s: %w", action, c.Identity(), err)
	}

	select {
	case <-ctx.Done():
		c.drop(id)
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("ws: connection to %s closed", c.Identity())
	case outcome := <-ch:
		return outcome.payload, outcome.err
	}
}

func (c *Connection) resolve(id string, outcome callOutcome) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("response for unknown call",
			zap.String("station_id", c.Identity()), zap.String("unique_id", id))
		return
	}
	ch <- outcome
}

func (c *Connection) drop(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// enqueue hands a frame to the write pump, waiting up to the write timeout
// for buffer space. A frame that cannot be queued is an error the caller must
// see: a silently dropped CALL would strand its pending entry forever.
func (c *Connection) enqueue(frame []byte) error {
	timer := time.NewTimer(c.writeTimeout)
	defer timer.Stop()
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed")
	case <-timer.C:
		return fmt.Errorf("send buffer full")
	}
}

func (c *Connection) writePump(ctx context.Context) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, []byte("ping")); err != nil {
				return
			}
		}
	}
}

func (c *Connection) write(messageType int, data []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(messageType, data)
}

// cleanup closes the link and fails every in-flight outbound call.
func (c *Connection) cleanup() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]chan callOutcome)
	c.mu.Unlock()

	close(c.done)
	for _, ch := range pending {
		ch <- callOutcome{err: fmt.Errorf("ws: connection to %s closed", c.Identity())}
	}
	_ = c.ws.Close()
	if c.onClose != nil {
		c.onClose(c)
	}
}
