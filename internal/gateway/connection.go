package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"mtmfeed/internal/bus"
	"mtmfeed/internal/models"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 2 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound message size.
	maxMessageSize = 64 * 1024
)

type connState int32

const (
	stateConnecting connState = iota
	stateOpen
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateOpen:
		return "open"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// connection is one websocket client. It owns its bus subscription. The
// writer goroutine is the only one writing to ws.
type connection struct {
	id        string
	ws        *websocket.Conn
	server    *Server
	state     atomic.Int32
	responses chan []byte
	logger    *slog.Logger
}

func newConnection(id string, ws *websocket.Conn, s *Server) *connection {
	c := &connection{
		id:        id,
		ws:        ws,
		server:    s,
		responses: make(chan []byte, 4),
		logger:    s.logger.With("connection_id", id, "remote_addr", ws.RemoteAddr().String()),
	}
	c.setState(stateConnecting)
	return c
}

func (c *connection) setState(s connState) {
	c.state.Store(int32(s))
}

func (c *connection) State() connState {
	return connState(c.state.Load())
}

// serve runs the connection until the client leaves, a write fails or ctx is
// cancelled. On return the subscription is closed and the socket released.
func (c *connection) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sub, err := c.server.bus.Subscribe(ctx, models.BroadcastTopics...)
	if err != nil {
		c.logger.Error("subscribe_failed", "error", err)
		c.server.recordError("subscribe")
		c.setState(stateClosed)
		c.ws.Close()
		return
	}

	c.setState(stateOpen)
	if c.server.metrics != nil {
		c.server.metrics.ConnectionOpened()
	}
	c.logger.Info("connection_opened")

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer cancel()
		c.readLoop(ctx)
	}()

	c.writeLoop(ctx, sub)
	cancel()

	c.setState(stateClosed)
	if err := sub.Close(); err != nil {
		c.logger.Warn("unsubscribe_failed", "error", err)
	}
	c.ws.Close()
	<-readerDone

	if c.server.metrics != nil {
		c.server.metrics.ConnectionClosed()
	}
	c.logger.Info("connection_closed")
}

// readLoop reads client frames until the socket fails. Requests are answered
// inline; relay is not affected since the writer runs on its own goroutine.
func (c *connection) readLoop(ctx context.Context) {
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) && ctx.Err() == nil {
				c.logger.Debug("read_failed", "error", err)
			}
			return
		}
		c.handleMessage(ctx, data)
	}
}

func (c *connection) handleMessage(ctx context.Context, data []byte) {
	if len(bytes.TrimSpace(data)) == 0 {
		return
	}

	req, err := c.server.requests.Parse(data)
	if err != nil {
		kind := KindOf(err)
		c.logger.Warn("client_message_rejected", "kind", kind, "error", err)
		if c.server.metrics != nil && kind != KindMalformed {
			c.server.metrics.RecordHistorical(string(kind))
		}
		return
	}

	if req.Type != models.RequestHistoricalData {
		c.logger.Debug("client_message_ignored", "type", req.Type)
		return
	}

	c.answerHistorical(ctx, req.Cutoff)
}

func (c *connection) answerHistorical(ctx context.Context, cutoff time.Time) {
	startTime := time.Now()

	qctx, cancel := context.WithTimeout(ctx, c.server.opts.HistoricalTimeout)
	defer cancel()

	resp, err := c.server.history.Query(qctx, cutoff)
	if err != nil {
		kind := KindOf(err)
		c.logger.Error("historical_query_failed", "kind", kind, "error", err)
		if c.server.metrics != nil {
			c.server.metrics.RecordHistorical(string(kind))
		}
		return
	}

	data, err := json.Marshal(resp)
	if err != nil {
		c.logger.Error("historical_encode_failed", "error", err)
		c.server.recordError("encode")
		return
	}

	if state := c.State(); state != stateOpen {
		c.logger.Debug("historical_response_discarded", "state", state.String())
		return
	}

	select {
	case c.responses <- data:
		if c.server.metrics != nil {
			c.server.metrics.RecordHistorical("ok")
		}
		c.logger.Info("historical_answered",
			"cutoff", cutoff.Format(time.TimeOnly),
			"size_bytes", len(data),
			"latency_ms", time.Since(startTime).Milliseconds(),
		)
	case <-ctx.Done():
		c.logger.Debug("historical_response_discarded", "state", c.State().String())
	}
}

// writeLoop relays bus messages, sends responses and keeps the socket alive.
func (c *connection) writeLoop(ctx context.Context, sub bus.Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	messages := sub.Messages()
	for {
		select {
		case <-ctx.Done():
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return

		case msg, ok := <-messages:
			if !ok {
				return
			}
			if err := c.write(websocket.TextMessage, msg.Payload); err != nil {
				c.writeFailed(ctx, err)
				return
			}
			if c.server.metrics != nil {
				c.server.metrics.RecordRelayed()
			}

		case data := <-c.responses:
			if err := c.write(websocket.TextMessage, data); err != nil {
				c.writeFailed(ctx, err)
				return
			}

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.writeFailed(ctx, err)
				return
			}
		}
	}
}

func (c *connection) write(messageType int, data []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(messageType, data)
}

func (c *connection) writeFailed(ctx context.Context, err error) {
	if ctx.Err() != nil || errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	c.logger.Info("write_failed", "error", err)
	c.server.recordError("write")
}
