package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/walink/internal/linker"
	"github.com/nextlevelbuilder/walink/internal/phone"
	"github.com/nextlevelbuilder/walink/pkg/protocol"
)

// maxWSMessageSize bounds inbound frames; linking requests are tiny.
const maxWSMessageSize = 16 * 1024

const (
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	pingInterval  = 30 * time.Second
)

// Client is one WebSocket connection to the browser UI (or a CLI probe).
// Events queued on send are delivered in order, which carries the
// orchestrator's ordering guarantee across the wire.
type Client struct {
	id     string
	ip     string
	conn   *websocket.Conn
	server *Server
	send   chan []byte

	cancelLink context.CancelFunc // cancels the active linking attempt
}

func NewClient(conn *websocket.Conn, server *Server, ip string) *Client {
	return &Client{
		id:     uuid.NewString(),
		ip:     ip,
		conn:   conn,
		server: server,
		send:   make(chan []byte, 256),
	}
}

// Run pumps the connection until it closes. A linking attempt started by
// this client is cancelled when the socket goes away.
func (c *Client) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.writePump()
	c.readPump(ctx)
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		if c.cancelLink != nil {
			c.cancelLink()
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxWSMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("websocket read error", "client", c.id, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		c.handleFrame(ctx, data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleFrame(ctx context.Context, data []byte) {
	frameType, err := protocol.ParseFrameType(data)
	if err != nil || frameType != protocol.FrameTypeRequest {
		c.sendError("", protocol.ErrInvalidRequest, "expected a request frame")
		return
	}

	var req protocol.RequestFrame
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendError("", protocol.ErrInvalidRequest, "malformed request: "+err.Error())
		return
	}

	switch req.Method {
	case protocol.MethodPing:
		c.sendResponse(protocol.NewOKResponse(req.ID, map[string]any{"pong": true}))
	case protocol.MethodLinkStart:
		c.handleLinkStart(ctx, &req)
	default:
		c.sendError(req.ID, protocol.ErrInvalidRequest, "unknown method: "+req.Method)
	}
}

// handleLinkStart validates and normalizes the number, then spawns one
// orchestrator whose events flow back over this connection.
func (c *Client) handleLinkStart(ctx context.Context, req *protocol.RequestFrame) {
	var params struct {
		PhoneNumber string `json:"phoneNumber"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		c.sendError(req.ID, protocol.ErrInvalidRequest, "malformed params: "+err.Error())
		return
	}

	if !c.server.limiter.Allow(c.ip) {
		c.sendError(req.ID, protocol.ErrRateLimited, "Too many linking attempts. Please wait a minute and retry.")
		return
	}

	cfg := c.server.cfg
	identifier, err := phone.Normalize(params.PhoneNumber, cfg.Linking.DefaultRegion)
	if err != nil {
		c.sendError(req.ID, protocol.ErrInvalidNumber, "Invalid phone number format. Please include the country code.")
		return
	}

	orch, err := linker.New(identifier, newSink(c, cfg.Linking.QRSize), linker.Options{
		Store:       c.server.store,
		Dialer:      c.server.dialer,
		Registry:    c.server.registry,
		Logger:      slog.Default(),
		DisplayName: cfg.Linking.DisplayName,
	})
	if err != nil {
		c.sendError(req.ID, protocol.ErrInternal, err.Error())
		return
	}

	linkCtx, cancel := context.WithCancel(ctx)
	c.cancelLink = cancel
	go func() {
		defer cancel()
		if err := orch.Run(linkCtx); err != nil {
			slog.Warn("linking attempt ended", "identifier", identifier, "error", err)
		}
	}()

	c.sendResponse(protocol.NewOKResponse(req.ID, map[string]any{"identifier": identifier}))
}

func (c *Client) sendResponse(resp *protocol.ResponseFrame) {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("marshal response failed", "error", err)
		return
	}
	c.enqueue(data)
}

func (c *Client) sendError(id, code, message string) {
	c.sendResponse(protocol.NewErrorResponse(id, code, message))
}

// SendEvent pushes an event frame to the browser, preserving submission
// order through the single send channel.
func (c *Client) SendEvent(ev *protocol.EventFrame) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("marshal event failed", "error", err)
		return
	}
	c.enqueue(data)
}

func (c *Client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		slog.Warn("client send buffer full, dropping frame", "client", c.id)
	}
}
