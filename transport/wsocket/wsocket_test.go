// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wsocket

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

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

func TestHandlerRegistersServiceAndRoundTripsRegister(t *testing.T) {
	registry := core.NewRegistry(4)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fwd := &forwardingTransport{}
	c := core.New(logger, clock.Real(), fwd, registry, schema.NewInMemoryTree(), reqtable.NewInMemoryTable(), substable.NewInMemoryTable(), permission.NewStaticStore(nil))
	h := NewHandler(c, registry, logger)
	fwd.target = h

	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?endpoint=svc-a"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if registry.FindByEndpoint("svc-a") != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if registry.FindByEndpoint("svc-a") == nil {
		t.Fatal("service never appeared in the registry")
	}

	data, err := protocol.EncodeMessage(protocol.Message{MsgID: "m1", Body: protocol.Register{Paths: []string{"Device.WiFi."}}})
	if err != nil {
		t.Fatalf("EncodeMessage() error = %v", err)
	}
	if err := ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, raw, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	if kind != websocket.BinaryMessage {
		t.Fatalf("response frame kind = %d, want BinaryMessage", kind)
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

func TestHandlerControllerConnectionSkipsRegistryAndReplies(t *testing.T) {
	registry := core.NewRegistry(4)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fwd := &forwardingTransport{}
	c := core.New(logger, clock.Real(), fwd, registry, schema.NewInMemoryTree(), reqtable.NewInMemoryTable(), substable.NewInMemoryTable(), permission.NewStaticStore(nil))
	h := NewHandler(c, registry, logger)
	fwd.target = h

	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?controller=1&id=ctrl-a&role=admin"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	data, err := protocol.EncodeMessage(protocol.Message{MsgID: "m1", Body: protocol.Get{Paths: []string{"Device.WiFi."}}})
	if err != nil {
		t.Fatalf("EncodeMessage() error = %v", err)
	}
	if err := ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := ws.ReadMessage()
	if err != nil {
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
