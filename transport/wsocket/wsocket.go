// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package wsocket implements the WebSocket MTP: each USP message is one
// binary WebSocket frame carrying a CBOR-encoded Message, following the
// same connection-lifecycle and deadline conventions as transport/tcp.go
// (explicit read/write deadlines, ping/pong keepalive) adapted to
// gorilla/websocket's framed connection instead of a raw net.Conn.
package wsocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/uspbroker/broker/internal/core"
	"github.com/uspbroker/broker/internal/protocol"
)

// pongWait is how long a connection may go without a pong before it is
// considered dead.
const pongWait = 60 * time.Second

// pingPeriod must be less than pongWait so a ping always has time to be
// answered before the deadline it is defending.
const pingPeriod = (pongWait * 9) / 10

// writeWait bounds a single frame write.
const writeWait = 10 * time.Second

// ErrNotHandled is returned by Send when handle was not issued by this
// package's Handler, so a multi-transport router (cmd/uspbroker-daemon)
// can try the next transport instead of treating it as a send failure.
var ErrNotHandled = errors.New("wsocket: handle not owned by this transport")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

var _ core.Transport = (*Handler)(nil)

// Handler is an http.Handler that upgrades requests to WebSocket
// connections and feeds decoded messages into a Core. Mount it under
// the path a deployment designates for the WebSocket MTP.
type Handler struct {
	core     *core.Core
	registry *core.Registry
	logger   *slog.Logger

	mu    sync.Mutex
	conns map[*conn]struct{}
}

func NewHandler(c *core.Core, registry *core.Registry, logger *slog.Logger) *Handler {
	return &Handler{core: c, registry: registry, logger: logger, conns: make(map[*conn]struct{})}
}

// ServeHTTP upgrades the request and identifies the connecting peer from
// query parameters, since the WebSocket handshake has no room for a CBOR
// hello frame before the connection is a WebSocket connection. A
// "controller=1" peer is an external Controller identified by "id" and
// "role" rather than a Service's "endpoint"/"leg" pair, and is delivered
// to Core without a registry entry.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("controller") == "1" {
		h.serveController(w, r)
		return
	}

	endpoint := r.URL.Query().Get("endpoint")
	if endpoint == "" {
		http.Error(w, "missing endpoint query parameter", http.StatusBadRequest)
		return
	}
	agentSide := r.URL.Query().Get("leg") == "agent"

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("wsocket: upgrade failed", slog.Any("error", err))
		return
	}

	role := core.RoleControllerSide
	if agentSide {
		role = core.RoleAgentSide
	}

	cn := &conn{endpoint: endpoint, ws: wsConn}
	h.mu.Lock()
	h.conns[cn] = struct{}{}
	h.mu.Unlock()

	svc, err := h.registry.Add(endpoint, role, cn)
	if err != nil {
		h.logger.Error("wsocket: registering connection failed", slog.String("endpoint", endpoint), slog.Any("error", err))
		wsConn.Close()
		h.mu.Lock()
		delete(h.conns, cn)
		h.mu.Unlock()
		return
	}
	svc.Protocol = "websocket"

	go h.pump(cn, endpoint, role, false)
}

func (h *Handler) serveController(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "missing id query parameter", http.StatusBadRequest)
		return
	}
	role := r.URL.Query().Get("role")

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("wsocket: controller upgrade failed", slog.Any("error", err))
		return
	}

	cn := &conn{endpoint: id, ws: wsConn, role: role, controller: true}
	h.mu.Lock()
	h.conns[cn] = struct{}{}
	h.mu.Unlock()

	h.logger.Info("wsocket: controller connected", slog.String("id", id), slog.String("role", role))
	go h.pump(cn, id, core.RoleControllerSide, true)
}

// Send writes msg to the connection identified by handle.
func (h *Handler) Send(handle any, msg protocol.Message) error {
	cn, ok := handle.(*conn)
	if !ok {
		return fmt.Errorf("wsocket: Send: handle %T: %w", handle, ErrNotHandled)
	}
	return cn.write(msg)
}

func (h *Handler) pump(cn *conn, endpoint string, role core.TransportRole, isController bool) {
	cn.ws.SetReadDeadline(time.Now().Add(pongWait))
	cn.ws.SetPongHandler(func(string) error {
		cn.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	stopPing := make(chan struct{})
	go h.keepalive(cn, stopPing)

	if !isController {
		h.logger.Info("wsocket: service connected", slog.String("endpoint", endpoint))
	}

	for {
		kind, data, err := cn.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("wsocket: read failed", slog.String("endpoint", endpoint), slog.Any("error", err))
			}
			break
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		msg, err := protocol.DecodeMessage(data)
		if err != nil {
			h.logger.Warn("wsocket: decoding message failed", slog.String("endpoint", endpoint), slog.Any("error", err))
			continue
		}
		h.core.Deliver(core.Inbound{
			FromEndpoint: endpoint,
			FromService:  !isController,
			Role:         cn.role,
			Handle:       cn,
			Message:      msg,
		})
	}

	close(stopPing)
	h.mu.Lock()
	delete(h.conns, cn)
	h.mu.Unlock()
	cn.ws.Close()
	if !isController {
		h.core.HandleTransportLost(endpoint, role, true)
	}
}

func (h *Handler) keepalive(cn *conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := cn.writePing(); err != nil {
				return
			}
		}
	}
}

// conn wraps one upgraded connection. gorilla/websocket connections do
// not support concurrent writers, so every write (message or ping)
// goes through writeMu.
type conn struct {
	endpoint   string
	ws         *websocket.Conn
	writeMu    sync.Mutex
	role       string // permission role, set only for controller connections
	controller bool
}

func (c *conn) write(msg protocol.Message) error {
	data, err := protocol.EncodeMessage(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

func (c *conn) writePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.PingMessage, nil)
}

// Dial connects to a peer's WebSocket MTP endpoint as the Agent-side
// leg and registers the connection. Mirrors Handler.ServeHTTP's
// endpoint/leg query-parameter identification scheme from the dialing
// side.
func Dial(ctx context.Context, url, endpoint string, c *core.Core, registry *core.Registry, logger *slog.Logger) error {
	dialURL := fmt.Sprintf("%s?endpoint=%s&leg=agent", url, endpoint)
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, dialURL, nil)
	if err != nil {
		return fmt.Errorf("wsocket: dialing %s: %w", url, err)
	}

	cn := &conn{endpoint: endpoint, ws: ws}
	svc, err := registry.Add(endpoint, core.RoleAgentSide, cn)
	if err != nil {
		ws.Close()
		return err
	}
	svc.Protocol = "websocket"

	go func() {
		for {
			kind, data, err := ws.ReadMessage()
			if err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					logger.Warn("wsocket: agent-side read failed", slog.String("endpoint", endpoint), slog.Any("error", err))
				}
				break
			}
			if kind != websocket.BinaryMessage {
				continue
			}
			msg, err := protocol.DecodeMessage(data)
			if err != nil {
				logger.Warn("wsocket: agent-side decode failed", slog.String("endpoint", endpoint), slog.Any("error", err))
				continue
			}
			c.Deliver(core.Inbound{FromEndpoint: endpoint, FromService: true, Handle: cn, Message: msg})
		}
		ws.Close()
		c.HandleTransportLost(endpoint, core.RoleAgentSide, true)
	}()

	return nil
}
