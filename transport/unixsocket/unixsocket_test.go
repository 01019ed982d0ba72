// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package unixsocket

import (
	"context"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/uspbroker/broker/internal/clock"
	"github.com/uspbroker/broker/internal/core"
	"github.com/uspbroker/broker/internal/permission"
	"github.com/uspbroker/broker/internal/protocol"
	"github.com/uspbroker/broker/internal/reqtable"
	"github.com/uspbroker/broker/internal/schema"
	"github.com/uspbroker/broker/internal/substable"
	"github.com/uspbroker/broker/lib/codec"
)

// forwardingTransport breaks the construction cycle between Core (which
// needs a Transport at New time) and Listener (which needs a Core):
// Core gets a stable pointer to forward through, and the test sets its
// target once the Listener exists.
type forwardingTransport struct{ target core.Transport }

func (f *forwardingTransport) Send(handle any, msg protocol.Message) error {
	return f.target.Send(handle, msg)
}

func newTestCoreAndListener(t *testing.T) (*core.Core, *core.Registry, *Listener, string) {
	t.Helper()
	registry := core.NewRegistry(4)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	socketPath := filepath.Join(t.TempDir(), "broker.sock")
	fwd := &forwardingTransport{}
	c := core.New(logger, clock.Real(), fwd, registry, schema.NewInMemoryTree(), reqtable.NewInMemoryTable(), substable.NewInMemoryTable(), permission.NewStaticStore(nil))

	ln, err := NewListener(socketPath, c, registry, logger)
	if err != nil {
		t.Fatalf("NewListener() error = %v", err)
	}
	fwd.target = ln
	return c, registry, ln, socketPath
}

func TestListenerRegistersServiceOnHelloFrame(t *testing.T) {
	_, registry, ln, socketPath := newTestCoreAndListener(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ln.Serve(ctx)

	nc, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer nc.Close()

	if err := codec.NewEncoder(nc).Encode(helloFrame{Endpoint: "svc-a"}); err != nil {
		t.Fatalf("sending hello: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if registry.FindByEndpoint("svc-a") != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("service never appeared in the registry after the hello frame")
}

func TestListenerControllerConnectionSkipsRegistryAndReplies(t *testing.T) {
	c, registry, ln, socketPath := newTestCoreAndListener(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ln.Serve(ctx)
	go c.Run(ctx)

	nc, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer nc.Close()

	if err := codec.NewEncoder(nc).Encode(helloFrame{Endpoint: "ctrl-a", Controller: true, Role: "admin"}); err != nil {
		t.Fatalf("sending hello: %v", err)
	}

	data, err := protocol.EncodeMessage(protocol.Message{MsgID: "m1", Body: protocol.Get{Paths: []string{"Device.WiFi."}}})
	if err != nil {
		t.Fatalf("EncodeMessage() error = %v", err)
	}
	if _, err := nc.Write(data); err != nil {
		t.Fatalf("write: %v", err)
	}

	nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	var raw codec.RawMessage
	if err := codec.NewDecoder(nc).Decode(&raw); err != nil {
		t.Fatalf("reading response: %v", err)
	}
	resp, err := protocol.DecodeMessage(raw)
	if err != nil {
		t.Fatalf("DecodeMessage() error = %v", err)
	}
	if resp.MsgID != "m1" {
		t.Errorf("response MsgID = %q, want m1", resp.MsgID)
	}
	if registry.FindByEndpoint("ctrl-a") != nil {
		t.Error("a controller connection must never occupy a registry slot")
	}
}

func TestListenerDeliversMessageAndReplies(t *testing.T) {
	c, _, ln, socketPath := newTestCoreAndListener(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ln.Serve(ctx)
	go c.Run(ctx)

	nc, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer nc.Close()

	if err := codec.NewEncoder(nc).Encode(helloFrame{Endpoint: "svc-a"}); err != nil {
		t.Fatalf("sending hello: %v", err)
	}

	data, err := protocol.EncodeMessage(protocol.Message{MsgID: "m1", Body: protocol.Register{Paths: []string{"Device.WiFi."}}})
	if err != nil {
		t.Fatalf("EncodeMessage() error = %v", err)
	}
	if _, err := nc.Write(data); err != nil {
		t.Fatalf("write: %v", err)
	}

	nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	var raw codec.RawMessage
	if err := codec.NewDecoder(nc).Decode(&raw); err != nil {
		t.Fatalf("reading response: %v", err)
	}
	resp, err := protocol.DecodeMessage(raw)
	if err != nil {
		t.Fatalf("DecodeMessage() error = %v", err)
	}
	if resp.MsgID != "m1" {
		t.Errorf("response MsgID = %q, want m1", resp.MsgID)
	}
	if _, ok := resp.Body.(protocol.RegisterResp); !ok {
		t.Errorf("response body = %T, want RegisterResp", resp.Body)
	}
}
