// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package stomp

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/uspbroker/broker/internal/clock"
	"github.com/uspbroker/broker/internal/core"
	"github.com/uspbroker/broker/internal/permission"
	"github.com/uspbroker/broker/internal/protocol"
	"github.com/uspbroker/broker/internal/reqtable"
	"github.com/uspbroker/broker/internal/schema"
	"github.com/uspbroker/broker/internal/substable"
)

type forwardingTransport struct{ target core.Transport }

func (f *forwardingTransport) Send(handle any, msg protocol.Message) error {
	return f.target.Send(handle, msg)
}

func TestEncodeDecodeFrameRoundtrip(t *testing.T) {
	want := frame{
		command: "SEND",
		headers: map[string]string{"destination": "usp", "content-length": "3"},
		body:    []byte("abc"),
	}
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := encodeFrame(w, want); err != nil {
		t.Fatalf("encodeFrame() error = %v", err)
	}
	w.Flush()

	got, err := readFrame(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("readFrame() error = %v", err)
	}
	if got.command != want.command {
		t.Errorf("command = %q, want %q", got.command, want.command)
	}
	if string(got.body) != string(want.body) {
		t.Errorf("body = %q, want %q", got.body, want.body)
	}
}

func TestDecodeFrameBodyCompressesAboveThreshold(t *testing.T) {
	longPath := strings.Repeat("Device.WiFi.SSID.1.Name.", 64)
	msg := protocol.Message{MsgID: "m1", Body: protocol.Get{Paths: []string{longPath}}}
	cn := &conn{}
	var buf bytes.Buffer
	cn.nc = &loopbackConn{buf: &buf}
	cn.w = bufio.NewWriter(cn.nc)

	if err := cn.writeSend(msg, CodecZstd); err != nil {
		t.Fatalf("writeSend() error = %v", err)
	}

	f, err := readFrame(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("readFrame() error = %v", err)
	}
	if f.headers["content-encoding"] != "zstd" {
		t.Fatalf("content-encoding = %q, want zstd for a body above the threshold", f.headers["content-encoding"])
	}

	got, err := decodeFrameBody(f)
	if err != nil {
		t.Fatalf("decodeFrameBody() error = %v", err)
	}
	gotBody, ok := got.Body.(protocol.Get)
	if !ok || len(gotBody.Paths) != 1 || gotBody.Paths[0] != longPath {
		t.Errorf("decoded body = %#v, want the original Get", got.Body)
	}
}

// loopbackConn is a minimal net.Conn that writes into an in-memory
// buffer, enough for writeSend's write-only path in the test above.
type loopbackConn struct {
	buf *bytes.Buffer
	net.Conn
}

func (c *loopbackConn) Write(p []byte) (int, error)      { return c.buf.Write(p) }
func (c *loopbackConn) SetWriteDeadline(time.Time) error { return nil }

func TestListenerHandshakeRegistersService(t *testing.T) {
	registry := core.NewRegistry(4)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fwd := &forwardingTransport{}
	c := core.New(logger, clock.Real(), fwd, registry, schema.NewInMemoryTree(), reqtable.NewInMemoryTable(), substable.NewInMemoryTable(), permission.NewStaticStore(nil))

	ln, err := NewListener(":0", c, registry, logger, CodecZstd)
	if err != nil {
		t.Fatalf("NewListener() error = %v", err)
	}
	fwd.target = ln
	defer ln.Close()
	go ln.Serve()

	nc, err := net.Dial("tcp", ln.Address())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer nc.Close()

	w := bufio.NewWriter(nc)
	if err := encodeFrame(w, frame{command: "CONNECT", headers: map[string]string{"login": "svc-a"}}); err != nil {
		t.Fatalf("encodeFrame() error = %v", err)
	}
	w.Flush()

	nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, err := readFrame(bufio.NewReader(nc))
	if err != nil {
		t.Fatalf("reading CONNECTED: %v", err)
	}
	if reply.command != "CONNECTED" {
		t.Fatalf("reply command = %q, want CONNECTED", reply.command)
	}
	if registry.FindByEndpoint("svc-a") == nil {
		t.Fatal("service never appeared in the registry after handshake")
	}
}

func TestListenerControllerHandshakeSkipsRegistryAndReplies(t *testing.T) {
	registry := core.NewRegistry(4)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fwd := &forwardingTransport{}
	c := core.New(logger, clock.Real(), fwd, registry, schema.NewInMemoryTree(), reqtable.NewInMemoryTable(), substable.NewInMemoryTable(), permission.NewStaticStore(nil))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	ln, err := NewListener(":0", c, registry, logger, CodecZstd)
	if err != nil {
		t.Fatalf("NewListener() error = %v", err)
	}
	fwd.target = ln
	defer ln.Close()
	go ln.Serve()

	nc, err := net.Dial("tcp", ln.Address())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer nc.Close()

	w := bufio.NewWriter(nc)
	if err := encodeFrame(w, frame{command: "CONNECT", headers: map[string]string{
		"login": "ctrl-a", "controller": "true", "role": "admin",
	}}); err != nil {
		t.Fatalf("encodeFrame() error = %v", err)
	}
	w.Flush()

	r := bufio.NewReader(nc)
	nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, err := readFrame(r)
	if err != nil {
		t.Fatalf("reading CONNECTED: %v", err)
	}
	if reply.command != "CONNECTED" {
		t.Fatalf("reply command = %q, want CONNECTED", reply.command)
	}

	data, err := protocol.EncodeMessage(protocol.Message{MsgID: "m1", Body: protocol.Get{Paths: []string{"Device.WiFi."}}})
	if err != nil {
		t.Fatalf("EncodeMessage() error = %v", err)
	}
	if err := encodeFrame(w, frame{command: "SEND", headers: map[string]string{"content-length": strconv.Itoa(len(data))}, body: data}); err != nil {
		t.Fatalf("encodeFrame() error = %v", err)
	}
	w.Flush()

	nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	respFrame, err := readFrame(r)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	resp, err := decodeFrameBody(respFrame)
	if err != nil {
		t.Fatalf("decodeFrameBody() error = %v", err)
	}
	if resp.MsgID != "m1" {
		t.Errorf("response MsgID = %q, want m1", resp.MsgID)
	}
	if registry.FindByEndpoint("ctrl-a") != nil {
		t.Error("a controller connection must never occupy a registry slot")
	}
}
