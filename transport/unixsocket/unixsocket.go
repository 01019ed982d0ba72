// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package unixsocket implements the domain-socket MTP: USP messages
// framed as CBOR values (via lib/codec's deterministic encoding, which
// is self-delimiting, so no length prefix is needed on top of it) sent
// one per connection-scoped stream, mirroring lib/service's
// CBOR-over-Unix-socket convention but held open for the lifetime of
// the Service rather than closed after one request.
package unixsocket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/uspbroker/broker/internal/core"
	"github.com/uspbroker/broker/internal/protocol"
	"github.com/uspbroker/broker/lib/codec"
)

// readTimeout bounds how long a connection may sit idle without
// sending a message before a read is abandoned and retried; it is not
// a connection-lifetime timeout.
const readTimeout = 60 * time.Second

// writeTimeout bounds a single message write.
const writeTimeout = 10 * time.Second

// ErrNotHandled is returned by Send when handle was not issued by this
// package's Listener, so a multi-transport router (cmd/uspbroker-daemon)
// can try the next transport instead of treating it as a send failure.
var ErrNotHandled = errors.New("unixsocket: handle not owned by this transport")

// helloFrame is the first value exchanged on a new connection,
// identifying which Service (and which of its two transport legs) the
// connection belongs to. USP's own Record envelope carries this
// information on the wire in deployments that use it; since that
// framing is an external collaborator here (see internal/protocol's
// Kind doc comment), the domain-socket MTP carries it explicitly as
// the connection's first frame instead.
type helloFrame struct {
	Endpoint string `cbor:"endpoint"`
	Agent    bool   `cbor:"agent"` // true for the Service's Agent-side leg

	// Controller marks this connection as an external Controller rather
	// than a Service. Controller connections carry Role and never
	// register with the Service registry: HandleFrontDoorRequest only
	// needs a valid Handle and Role to reply.
	Controller bool   `cbor:"controller,omitempty"`
	Role       string `cbor:"role,omitempty"`
}

var _ core.Transport = (*Listener)(nil)

// Listener accepts Service connections on a Unix domain socket and
// feeds decoded messages into a Core.
type Listener struct {
	socketPath string
	core       *core.Core
	registry   *core.Registry
	logger     *slog.Logger

	listener *net.UnixListener

	mu    sync.Mutex
	conns map[*conn]struct{}
}

// NewListener creates a domain-socket listener at socketPath. Any
// existing socket file at that path is removed before listening.
func NewListener(socketPath string, c *core.Core, registry *core.Registry, logger *slog.Logger) (*Listener, error) {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("unixsocket: removing stale socket %s: %w", socketPath, err)
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("unixsocket: listening on %s: %w", socketPath, err)
	}
	return &Listener{
		socketPath: socketPath,
		core:       c,
		registry:   registry,
		logger:     logger,
		listener:   ln.(*net.UnixListener),
		conns:      make(map[*conn]struct{}),
	}, nil
}

// Serve accepts connections until ctx is canceled.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.listener.Close()
	}()

	l.logger.Info("unixsocket: listening", slog.String("path", l.socketPath))
	for {
		nc, err := l.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				l.closeAll()
				os.Remove(l.socketPath)
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.logger.Error("unixsocket: accept failed", slog.Any("error", err))
			continue
		}
		go l.handle(ctx, nc)
	}
}

// Send writes msg to the connection identified by handle, which must
// be a *conn previously handed to Core via Inbound.Handle or a
// registry transport handle.
func (l *Listener) Send(handle any, msg protocol.Message) error {
	cn, ok := handle.(*conn)
	if !ok {
		return fmt.Errorf("unixsocket: Send: handle %T: %w", handle, ErrNotHandled)
	}
	return cn.write(msg)
}

func (l *Listener) closeAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for cn := range l.conns {
		cn.netConn.Close()
	}
}

func (l *Listener) handle(ctx context.Context, nc net.Conn) {
	nc.SetReadDeadline(time.Now().Add(readTimeout))
	dec := codec.NewDecoder(nc)
	var hello helloFrame
	if err := dec.Decode(&hello); err != nil {
		l.logger.Warn("unixsocket: connection dropped before hello frame", slog.Any("error", err))
		nc.Close()
		return
	}
	if hello.Endpoint == "" {
		l.logger.Warn("unixsocket: hello frame missing endpoint")
		nc.Close()
		return
	}

	cn := &conn{endpoint: hello.Endpoint, netConn: nc}
	l.mu.Lock()
	l.conns[cn] = struct{}{}
	l.mu.Unlock()

	role := core.RoleControllerSide
	if hello.Agent {
		role = core.RoleAgentSide
	}

	if hello.Controller {
		l.logger.Info("unixsocket: controller connected", slog.String("id", hello.Endpoint), slog.String("role", hello.Role))
	} else {
		svc, err := l.registry.Add(hello.Endpoint, role, cn)
		if err != nil {
			l.logger.Error("unixsocket: registering connection failed", slog.String("endpoint", hello.Endpoint), slog.Any("error", err))
			nc.Close()
			l.mu.Lock()
			delete(l.conns, cn)
			l.mu.Unlock()
			return
		}
		svc.Protocol = "unix_socket"
		l.logger.Info("unixsocket: service connected", slog.String("endpoint", hello.Endpoint), slog.Bool("agent_side", hello.Agent))
	}

	for {
		nc.SetReadDeadline(time.Now().Add(readTimeout))
		var raw codec.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if !errors.Is(err, io.EOF) {
				l.logger.Warn("unixsocket: read failed", slog.String("endpoint", hello.Endpoint), slog.Any("error", err))
			}
			break
		}
		msg, err := protocol.DecodeMessage(raw)
		if err != nil {
			l.logger.Warn("unixsocket: decoding message failed", slog.String("endpoint", hello.Endpoint), slog.Any("error", err))
			continue
		}
		l.core.Deliver(core.Inbound{
			FromEndpoint: hello.Endpoint,
			FromService:  !hello.Controller,
			Role:         hello.Role,
			Handle:       cn,
			Message:      msg,
		})
	}

	l.mu.Lock()
	delete(l.conns, cn)
	l.mu.Unlock()
	nc.Close()
	if !hello.Controller {
		l.core.HandleTransportLost(hello.Endpoint, role, true)
	}
}

// Dial connects to a Service's own domain socket for the Agent-side
// leg (the Broker acting as that Service's Controller's Controller —
// see internal/core's TransportRole doc comment) and registers the
// resulting connection under registry. The returned handle is only
// useful to pass to a Listener's Send, since reading from the
// connection runs on its own goroutine here.
func Dial(ctx context.Context, socketPath, endpoint string, c *core.Core, registry *core.Registry, logger *slog.Logger) error {
	d := net.Dialer{}
	nc, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return fmt.Errorf("unixsocket: dialing %s: %w", socketPath, err)
	}

	nc.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := codec.NewEncoder(nc).Encode(helloFrame{Endpoint: endpoint, Agent: true}); err != nil {
		nc.Close()
		return fmt.Errorf("unixsocket: sending hello to %s: %w", socketPath, err)
	}

	cn := &conn{endpoint: endpoint, netConn: nc}
	svc, err := registry.Add(endpoint, core.RoleAgentSide, cn)
	if err != nil {
		nc.Close()
		return err
	}
	svc.Protocol = "unix_socket"

	go func() {
		dec := codec.NewDecoder(nc)
		for {
			nc.SetReadDeadline(time.Now().Add(readTimeout))
			var raw codec.RawMessage
			if err := dec.Decode(&raw); err != nil {
				if !errors.Is(err, io.EOF) {
					logger.Warn("unixsocket: agent-side read failed", slog.String("endpoint", endpoint), slog.Any("error", err))
				}
				break
			}
			msg, err := protocol.DecodeMessage(raw)
			if err != nil {
				logger.Warn("unixsocket: agent-side decode failed", slog.String("endpoint", endpoint), slog.Any("error", err))
				continue
			}
			c.Deliver(core.Inbound{FromEndpoint: endpoint, FromService: true, Handle: cn, Message: msg})
		}
		nc.Close()
		c.HandleTransportLost(endpoint, core.RoleAgentSide, true)
	}()

	return nil
}

// conn wraps one accepted connection. Writes are serialized since two
// core goroutines could otherwise interleave partial CBOR values on
// the wire; reads happen only on the connection's own handle goroutine.
type conn struct {
	endpoint string
	netConn  net.Conn
	writeMu  sync.Mutex
}

func (c *conn) write(msg protocol.Message) error {
	data, err := protocol.EncodeMessage(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.netConn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err = c.netConn.Write(data)
	return err
}
