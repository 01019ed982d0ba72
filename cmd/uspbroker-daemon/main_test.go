// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"io"
	"log/slog"
	"testing"

	"github.com/uspbroker/broker/internal/core"
	"github.com/uspbroker/broker/internal/protocol"
	"github.com/uspbroker/broker/transport/unixsocket"
	"github.com/uspbroker/broker/transport/wsocket"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTransportRouterSendSkipsUnconfiguredTransports(t *testing.T) {
	router := &transportRouter{}
	err := router.Send("some-handle", protocol.Message{MsgID: "m1", Body: protocol.Get{Paths: []string{"Device."}}})
	if err == nil {
		t.Fatal("Send() error = nil, want an error when no transport is configured")
	}
}

func TestTransportRouterSendTriesEachTransportInTurn(t *testing.T) {
	registry := core.NewRegistry(4)
	logger := discardLogger()

	unixLn, err := unixsocket.NewListener(t.TempDir()+"/test.sock", nil, registry, logger)
	if err != nil {
		t.Fatalf("unixsocket.NewListener() error = %v", err)
	}
	wsHandler := wsocket.NewHandler(nil, registry, logger)

	router := &transportRouter{unixSocket: unixLn, webSocket: wsHandler}

	// Neither transport recognizes a handle that belongs to neither's
	// connection type, so Send should fall through both and report that
	// nothing matched rather than returning the first transport's
	// internal "not handled" error verbatim.
	err = router.Send(42, protocol.Message{MsgID: "m1", Body: protocol.Get{Paths: []string{"Device."}}})
	if err == nil {
		t.Fatal("Send() error = nil, want an error for a handle no transport recognizes")
	}
}

func TestIsNilTransportCatchesTypedNilPointers(t *testing.T) {
	var ln *unixsocket.Listener
	if !isNilTransport(ln) {
		t.Error("isNilTransport(nil *unixsocket.Listener) = false, want true")
	}

	registry := core.NewRegistry(4)
	live, err := unixsocket.NewListener(t.TempDir()+"/test.sock", nil, registry, discardLogger())
	if err != nil {
		t.Fatalf("unixsocket.NewListener() error = %v", err)
	}
	if isNilTransport(live) {
		t.Error("isNilTransport(live listener) = true, want false")
	}
}
