package server

import (
	"errors"
	"io"
	"time"

	"github.com/Tyrowin/roomrelay/internal/relay"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Client is one relay connection. The hub owns its lifecycle; the client
// owns the read and write pumps of its WebSocket.
type Client struct {
	id       relay.ConnID
	conn     *websocket.Conn
	send     chan []byte
	hub      *Hub
	addr     string
	logger   *zap.SugaredLogger
	maxSize  int64
	pongWait time.Duration
	pingTick time.Duration
	writeDur time.Duration
}

// NewClient creates a client for conn with a fresh connection id. Its send
// channel is buffered according to the hub's settings.
func NewClient(conn *websocket.Conn, hub *Hub, addr string) *Client {
	id := relay.ConnID(uuid.NewString())
	settings := hub.settings

	if conn != nil {
		conn.SetReadLimit(settings.MaxMessageSize)
	}

	return &Client{
		id:       id,
		conn:     conn,
		send:     make(chan []byte, settings.SendBuffer),
		hub:      hub,
		addr:     addr,
		logger:   hub.logger.With("conn", id, "addr", addr),
		maxSize:  settings.MaxMessageSize,
		pongWait: settings.PongWait,
		pingTick: settings.PingPeriod,
		writeDur: settings.WriteWait,
	}
}

// ID returns the connection id used by the relay engine.
func (c *Client) ID() relay.ConnID {
	return c.id
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.pongWait)); err != nil {
		c.logger.Warnw("error setting initial read deadline", "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.pongWait)); err != nil {
			c.logger.Warnw("error setting read deadline in pong handler", "error", err)
		}
		return nil
	})
}

// logReadError records why the read loop stopped.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warnw("frame exceeded maximum size", "limit", c.maxSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		c.logger.Debugw("client closed connection", "error", err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Debugw("connection closed", "error", err)
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.logger.Warnw("unexpected websocket close", "error", err)
	default:
		c.logger.Debugw("websocket read error", "error", err)
	}
}

// readPump forwards inbound frames to the hub until the connection fails,
// then reports the client as gone.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.ctx.Done():
		}
		c.closeConnection()
	}()

	c.setupReadConnection()

	for {
		messageType, payload, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}

		select {
		case c.hub.inbound <- inboundFrame{client: c, payload: payload}:
		case <-c.hub.ctx.Done():
			return
		}
	}
}

// writePump drains the send channel, one WebSocket frame per notification,
// and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.pingTick)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Debugw("error closing connection", "error", err)
	}
}

// handleMessage processes outgoing messages and returns false if the connection should be closed
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeDur)); err != nil {
		c.logger.Debugw("error setting write deadline", "error", err)
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Debugw("error writing message", "error", err)
		}
		return false
	}
	return true
}

// writeCloseMessage sends a close message to the client
func (c *Client) writeCloseMessage() bool {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.conn.WriteMessage(websocket.CloseMessage, msg); err != nil && !isExpectedCloseError(err) {
		c.logger.Debugw("error writing close message", "error", err)
	}
	return false
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeDur)); err != nil {
		c.logger.Debugw("error setting write deadline for ping", "error", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Debugw("error writing ping", "error", err)
		return false
	}
	return true
}
