package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	ws "github.com/coder/websocket"

	"github.com/dukerupert/quoteclaim/internal/idle"
)

const (
	sendBufferSize = 16
	pingInterval   = 30 * time.Second
	readLimit      = 4096
)

// Controls is the part of idle.Monitor a connection drives.
type Controls interface {
	Activity(signal string)
	VisibilityRegained()
	Extend()
}

// Client represents a single WebSocket connection for one session. It is
// the session monitor's idle.Sink for that tab.
type Client struct {
	hub       *Hub
	conn      *ws.Conn
	sessionID string
	logger    *slog.Logger
	send      chan []byte

	closeOnce   sync.Once
	done        chan struct{}
	closeReason string
}

// NewClient creates a Client tied to the given hub and connection.
func NewClient(hub *Hub, conn *ws.Conn, sessionID string, logger *slog.Logger) *Client {
	return &Client{
		hub:       hub,
		conn:      conn,
		sessionID: sessionID,
		logger:    logger,
		send:      make(chan []byte, sendBufferSize),
		done:      make(chan struct{}),
	}
}

// Notify implements idle.Sink. It never blocks: progress messages are
// dropped when the buffer is full, while expiry and sign-out evict queued
// messages to get through. Either one closes the socket once the queue is
// written.
func (c *Client) Notify(n idle.Notice) {
	switch n.Kind {
	case idle.NoticeExpired:
		c.enqueue(NoticeMessage(n), true)
		c.finish(ExpiredReason)
	case idle.NoticeClosed:
		c.enqueue(NoticeMessage(n), true)
		c.finish("signed out")
	default:
		c.enqueue(NoticeMessage(n), false)
	}
}

func (c *Client) enqueue(msg Message, terminal bool) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("marshal message", "error", err)
		return
	}
	for {
		select {
		case c.send <- data:
			return
		default:
		}
		if !terminal {
			c.logger.Debug("dropped message", "type", msg.Type)
			return
		}
		select {
		case <-c.send:
			c.logger.Debug("evicted queued message", "type", msg.Type)
		default:
		}
	}
}

func (c *Client) finish(reason string) {
	c.closeOnce.Do(func() {
		c.closeReason = reason
		close(c.done)
	})
}

// Run registers the client, starts the write pump, and runs the read pump.
// It blocks until the connection is closed, then unregisters.
func (c *Client) Run(ctx context.Context, controls Controls) {
	c.hub.Register(c)
	defer c.hub.Unregister(c)
	c.logger.Info("websocket connected", "session_tabs", c.hub.SessionClients(c.sessionID))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.conn.SetReadLimit(readLimit)
	go c.writePump(ctx)
	c.readPump(ctx, controls)
}

// readPump feeds inbound messages to the monitor. It returns on error
// (connection close), which triggers cleanup.
func (c *Client) readPump(ctx context.Context, controls Controls) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != ws.MessageText {
			continue
		}
		var in Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			c.logger.Debug("malformed message", "error", err)
			continue
		}
		c.dispatch(in, controls)
	}
}

func (c *Client) dispatch(in Inbound, controls Controls) {
	switch in.Type {
	case TypeActivity:
		controls.Activity(in.Signal)
	case TypeVisibility:
		if in.Visible {
			controls.VisibilityRegained()
		}
	case TypeExtend:
		controls.Extend()
	default:
		c.logger.Debug("unknown message type", "type", in.Type)
	}
}

// writePump drains the send channel and writes messages to the WebSocket.
// It also sends periodic pings to detect stale connections.
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			if err := c.conn.Write(ctx, ws.MessageText, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.Ping(ctx); err != nil {
				return
			}
		case <-c.done:
			c.flush(ctx)
			c.conn.Close(ws.StatusNormalClosure, c.closeReason)
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) flush(ctx context.Context) {
	for {
		select {
		case msg := <-c.send:
			if err := c.conn.Write(ctx, ws.MessageText, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}
