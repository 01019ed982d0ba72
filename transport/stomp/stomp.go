// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package stomp implements the STOMP MTP directly on the standard
// library: no STOMP client or server library appears anywhere in the
// retrieval pack, and the wire format itself — a line-oriented text
// protocol, command line, header lines, blank line, NUL-terminated
// body — needs nothing beyond bufio and net.Conn to frame correctly.
// Since this is a direct peer connection rather than a relay through a
// STOMP message broker, every frame carrying a Message uses the SEND
// command regardless of direction; CONNECT/CONNECTED is used only for
// the initial handshake that identifies the connecting Service.
package stomp

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/uspbroker/broker/internal/core"
	"github.com/uspbroker/broker/internal/framecodec"
	"github.com/uspbroker/broker/internal/protocol"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
)

// ErrNotHandled is returned by Send when handle was not issued by this
// package's Listener, so a multi-transport router (cmd/uspbroker-daemon)
// can try the next transport instead of treating it as a send failure.
var ErrNotHandled = fmt.Errorf("stomp: handle not owned by this transport")

// CompressionThreshold is the frame body size above which Send
// compresses the payload before writing it. Below the threshold
// compression overhead isn't worth the CPU.
const CompressionThreshold = 512

// Codec selects which of the two compression algorithms a Listener or
// Dial applies to frame bodies above CompressionThreshold.
type Codec int

const (
	CodecZstd Codec = iota
	CodecLZ4
)

func (c Codec) tag() framecodec.Tag {
	if c == CodecLZ4 {
		return framecodec.TagLZ4
	}
	return framecodec.TagZstd
}

func (c Codec) header() string {
	if c == CodecLZ4 {
		return "lz4"
	}
	return "zstd"
}

var _ core.Transport = (*Listener)(nil)

// Listener accepts STOMP connections on a TCP address.
type Listener struct {
	core     *core.Core
	registry *core.Registry
	logger   *slog.Logger
	codec    Codec

	ln net.Listener

	mu    sync.Mutex
	conns map[*conn]struct{}
}

// NewListener creates a STOMP listener on address (e.g. ":6163", the
// conventional STOMP port).
func NewListener(address string, c *core.Core, registry *core.Registry, logger *slog.Logger, codec Codec) (*Listener, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("stomp: listening on %s: %w", address, err)
	}
	return &Listener{core: c, registry: registry, logger: logger, codec: codec, ln: ln, conns: make(map[*conn]struct{})}, nil
}

func (l *Listener) Address() string { return l.ln.Addr().String() }

func (l *Listener) Close() error { return l.ln.Close() }

// Serve accepts connections until Close is called.
func (l *Listener) Serve() error {
	for {
		nc, err := l.ln.Accept()
		if err != nil {
			if isClosed(err) {
				return nil
			}
			l.logger.Error("stomp: accept failed", slog.Any("error", err))
			continue
		}
		go l.handle(nc)
	}
}

func (l *Listener) Send(handle any, msg protocol.Message) error {
	cn, ok := handle.(*conn)
	if !ok {
		return fmt.Errorf("stomp: Send: handle %T: %w", handle, ErrNotHandled)
	}
	return cn.writeSend(msg, l.codec)
}

func (l *Listener) handle(nc net.Conn) {
	nc.SetReadDeadline(time.Now().Add(readTimeout))
	r := bufio.NewReader(nc)

	fr, err := readFrame(r)
	if err != nil {
		l.logger.Warn("stomp: connection dropped before CONNECT", slog.Any("error", err))
		nc.Close()
		return
	}
	if fr.command != "CONNECT" {
		l.logger.Warn("stomp: expected CONNECT, got", slog.String("command", fr.command))
		nc.Close()
		return
	}
	endpoint := fr.headers["login"]
	if endpoint == "" {
		l.logger.Warn("stomp: CONNECT missing login header")
		nc.Close()
		return
	}
	isController := fr.headers["controller"] == "true"
	controllerRole := fr.headers["role"]
	role := core.RoleControllerSide
	if fr.headers["agent-leg"] == "true" {
		role = core.RoleAgentSide
	}

	cn := &conn{endpoint: endpoint, nc: nc, w: bufio.NewWriter(nc)}
	if err := cn.writeFrame(frame{command: "CONNECTED", headers: map[string]string{"session": endpoint}}); err != nil {
		nc.Close()
		return
	}

	l.mu.Lock()
	l.conns[cn] = struct{}{}
	l.mu.Unlock()

	if isController {
		l.logger.Info("stomp: controller connected", slog.String("id", endpoint), slog.String("role", controllerRole))
	} else {
		svc, err := l.registry.Add(endpoint, role, cn)
		if err != nil {
			l.logger.Error("stomp: registering connection failed", slog.String("endpoint", endpoint), slog.Any("error", err))
			nc.Close()
			l.mu.Lock()
			delete(l.conns, cn)
			l.mu.Unlock()
			return
		}
		svc.Protocol = "stomp"
		l.logger.Info("stomp: service connected", slog.String("endpoint", endpoint))
	}

	l.readLoop(r, nc, cn, endpoint, role, isController, controllerRole)
}

func (l *Listener) readLoop(r *bufio.Reader, nc net.Conn, cn *conn, endpoint string, role core.TransportRole, isController bool, controllerRole string) {
	for {
		nc.SetReadDeadline(time.Now().Add(readTimeout))
		f, err := readFrame(r)
		if err != nil {
			l.logger.Warn("stomp: read failed", slog.String("endpoint", endpoint), slog.Any("error", err))
			break
		}
		if f.command != "SEND" {
			continue
		}
		msg, err := decodeFrameBody(f)
		if err != nil {
			l.logger.Warn("stomp: decoding frame failed", slog.String("endpoint", endpoint), slog.Any("error", err))
			continue
		}
		l.core.Deliver(core.Inbound{
			FromEndpoint: endpoint,
			FromService:  !isController,
			Role:         controllerRole,
			Handle:       cn,
			Message:      msg,
		})
	}

	l.mu.Lock()
	delete(l.conns, cn)
	l.mu.Unlock()
	nc.Close()
	if !isController {
		l.core.HandleTransportLost(endpoint, role, true)
	}
}

func isClosed(err error) bool {
	return strings.Contains(err.Error(), "use of closed network connection")
}

// Dial connects to a peer's STOMP listener as the Agent-side leg.
func Dial(address, endpoint string, c *core.Core, registry *core.Registry, logger *slog.Logger, codec Codec) error {
	nc, err := net.DialTimeout("tcp", address, writeTimeout)
	if err != nil {
		return fmt.Errorf("stomp: dialing %s: %w", address, err)
	}

	cn := &conn{endpoint: endpoint, nc: nc, w: bufio.NewWriter(nc)}
	if err := cn.writeFrame(frame{command: "CONNECT", headers: map[string]string{"login": endpoint, "agent-leg": "true"}}); err != nil {
		nc.Close()
		return err
	}

	r := bufio.NewReader(nc)
	nc.SetReadDeadline(time.Now().Add(readTimeout))
	reply, err := readFrame(r)
	if err != nil {
		nc.Close()
		return fmt.Errorf("stomp: reading CONNECTED: %w", err)
	}
	if reply.command != "CONNECTED" {
		nc.Close()
		return fmt.Errorf("stomp: expected CONNECTED, got %s", reply.command)
	}

	svc, err := registry.Add(endpoint, core.RoleAgentSide, cn)
	if err != nil {
		nc.Close()
		return err
	}
	svc.Protocol = "stomp"

	go func() {
		for {
			nc.SetReadDeadline(time.Now().Add(readTimeout))
			f, err := readFrame(r)
			if err != nil {
				logger.Warn("stomp: agent-side read failed", slog.String("endpoint", endpoint), slog.Any("error", err))
				break
			}
			if f.command != "SEND" {
				continue
			}
			msg, err := decodeFrameBody(f)
			if err != nil {
				logger.Warn("stomp: agent-side decode failed", slog.String("endpoint", endpoint), slog.Any("error", err))
				continue
			}
			c.Deliver(core.Inbound{FromEndpoint: endpoint, FromService: true, Handle: cn, Message: msg})
		}
		nc.Close()
		c.HandleTransportLost(endpoint, core.RoleAgentSide, true)
	}()

	return nil
}

// conn wraps one STOMP connection.
type conn struct {
	endpoint string
	nc       net.Conn
	w        *bufio.Writer
	writeMu  sync.Mutex
}

func (c *conn) writeSend(msg protocol.Message, codec Codec) error {
	data, err := protocol.EncodeMessage(msg)
	if err != nil {
		return err
	}

	headers := map[string]string{"destination": "usp", "content-length": strconv.Itoa(len(data))}
	if len(data) > CompressionThreshold {
		compressed, err := framecodec.Compress(data, codec.tag())
		if err == nil {
			headers["content-encoding"] = codec.header()
			headers["content-length"] = strconv.Itoa(len(compressed))
			headers["x-uncompressed-length"] = strconv.Itoa(len(data))
			data = compressed
		}
	}

	return c.writeFrame(frame{command: "SEND", headers: headers, body: data})
}

func (c *conn) writeFrame(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := encodeFrame(c.w, f); err != nil {
		return err
	}
	return c.w.Flush()
}

// frame is one STOMP frame: a command line, header lines, a blank
// line, an optional body, and a trailing NUL.
type frame struct {
	command string
	headers map[string]string
	body    []byte
}

func encodeFrame(w *bufio.Writer, f frame) error {
	if _, err := w.WriteString(f.command + "\n"); err != nil {
		return err
	}
	for k, v := range f.headers {
		if _, err := w.WriteString(k + ":" + v + "\n"); err != nil {
			return err
		}
	}
	if _, err := w.WriteString("\n"); err != nil {
		return err
	}
	if len(f.body) > 0 {
		if _, err := w.Write(f.body); err != nil {
			return err
		}
	}
	return w.WriteByte(0)
}

// readFrame reads one STOMP frame from r. Headers are read line by
// line until a blank line; the body is read either for
// content-length bytes (if present) or up to the next NUL byte.
func readFrame(r *bufio.Reader) (frame, error) {
	var command string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return frame{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line != "" {
			command = line
			break
		}
		// STOMP allows a leading EOL as a heartbeat; skip blank lines
		// before the command.
	}

	headers := make(map[string]string)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return frame{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		headers[k] = v
	}

	var body []byte
	if cl, ok := headers["content-length"]; ok {
		n, err := strconv.Atoi(cl)
		if err != nil {
			return frame{}, fmt.Errorf("stomp: invalid content-length %q: %w", cl, err)
		}
		body = make([]byte, n)
		if _, err := readFull(r, body); err != nil {
			return frame{}, err
		}
		if _, err := r.ReadByte(); err != nil { // trailing NUL
			return frame{}, err
		}
	} else {
		b, err := r.ReadBytes(0)
		if err != nil {
			return frame{}, err
		}
		body = b[:len(b)-1]
	}

	return frame{command: command, headers: headers, body: body}, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func decodeFrameBody(f frame) (protocol.Message, error) {
	data := f.body
	if enc, ok := f.headers["content-encoding"]; ok {
		var tag framecodec.Tag
		switch enc {
		case "lz4":
			tag = framecodec.TagLZ4
		case "zstd":
			tag = framecodec.TagZstd
		default:
			return protocol.Message{}, fmt.Errorf("stomp: unsupported content-encoding %q", enc)
		}
		n, err := strconv.Atoi(f.headers["x-uncompressed-length"])
		if err != nil {
			return protocol.Message{}, fmt.Errorf("stomp: invalid x-uncompressed-length: %w", err)
		}
		data, err = framecodec.Decompress(data, tag, n)
		if err != nil {
			return protocol.Message{}, fmt.Errorf("stomp: decompressing frame body: %w", err)
		}
	}
	return protocol.DecodeMessage(data)
}
