// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"log/slog"
	"testing"
	"time"

	"github.com/uspbroker/broker/internal/clock"
	"github.com/uspbroker/broker/internal/permission"
	"github.com/uspbroker/broker/internal/protocol"
	"github.com/uspbroker/broker/internal/reqtable"
	"github.com/uspbroker/broker/internal/schema"
	"github.com/uspbroker/broker/internal/substable"
)

// fakeTransport records every message handed to Send and, when respond
// is set, synthesizes the Service's reply by delivering it straight back
// onto the owning Core's inbound channel. Since sendAndWaitForResponse
// registers its waiter before calling send, a reply delivered from
// inside Send is always observed by the pump loop that follows.
type fakeTransport struct {
	core     *Core
	endpoint string
	sent     []protocol.Message
	respond  func(msg protocol.Message) (protocol.Message, bool)
}

func (f *fakeTransport) Send(handle any, msg protocol.Message) error {
	f.sent = append(f.sent, msg)
	if f.respond == nil {
		return nil
	}
	resp, ok := f.respond(msg)
	if !ok {
		return nil
	}
	f.core.Deliver(Inbound{FromEndpoint: f.endpoint, FromService: true, Handle: handle, Message: resp})
	return nil
}

func (f *fakeTransport) last() protocol.Message {
	return f.sent[len(f.sent)-1]
}

// allowAllStore grants every action on every path, for tests that are
// not exercising the permission layer itself.
type allowAllStore struct{}

func (allowAllStore) Allowed(role string, action permission.Action, path string) bool { return true }

func newTestCore(t *testing.T, capacity int) (*Core, *Registry, *fakeTransport) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
	fc := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	registry := NewRegistry(capacity)
	tree := schema.NewInMemoryTree()
	reqs := reqtable.NewInMemoryTable()
	subs := substable.NewInMemoryTable()

	ft := &fakeTransport{}
	c := New(logger, fc, ft, registry, tree, reqs, subs, allowAllStore{})
	ft.core = c
	return c, registry, ft
}

// testWriter discards log output; slog.HandlerOptions.Level already
// suppresses everything these tests emit, this just satisfies io.Writer.
type testWriter struct{ t *testing.T }

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

// drainOne dispatches exactly one pending inbound message, failing the
// test if none is queued. Used to drive fire-and-forget flows (Register's
// follow-up GetSupportedDM, a Service's unsolicited Notify) that don't
// go through sendAndWaitForResponse's pump.
func drainOne(t *testing.T, c *Core) {
	t.Helper()
	select {
	case in := <-c.inbound:
		c.dispatch(in)
	default:
		t.Fatal("drainOne: no inbound message queued")
	}
}
