// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"context"
	"log/slog"
	"time"

	"github.com/uspbroker/broker/internal/clock"
	"github.com/uspbroker/broker/internal/permission"
	"github.com/uspbroker/broker/internal/protocol"
	"github.com/uspbroker/broker/internal/reqtable"
	"github.com/uspbroker/broker/internal/schema"
	"github.com/uspbroker/broker/internal/substable"
)

// DefaultResponseTimeout is the deadline sendAndWaitForResponse waits
// before giving up on a Service's response, absent a SetResponseTimeout
// call.
const DefaultResponseTimeout = 30 * time.Second

// Transport is the MTP collaborator contract the core depends on: the
// ability to hand a message to whatever connection a handle denotes.
// Concrete transports (transport/unixsocket, transport/wsocket, ...)
// implement this by writing the message on the wire; tests implement it
// in memory.
type Transport interface {
	Send(handle any, msg protocol.Message) error
}

// Inbound is one message arriving at the core from either a Controller
// or a Service, tagged with enough routing metadata to reply.
type Inbound struct {
	FromEndpoint string
	FromService  bool // true if FromEndpoint names a connected Service, false if a Controller
	// Role is the permission role bound to this Controller's session;
	// ignored for messages from a Service. Session-to-role binding is
	// an external collaborator (an auth layer in front of the core).
	Role    string
	Handle  any
	Message protocol.Message
}

// Core owns every data structure the hard core touches and the single
// goroutine that processes them.
type Core struct {
	logger      *slog.Logger
	clock       clock.Clock
	transport   Transport
	registry    *Registry
	schemaTree  schema.Tree
	reqTable    reqtable.Table
	subTable    substable.Table
	permissions permission.Store
	idgen       *protocol.IDGenerator

	inbound chan Inbound
	waiters map[string]chan protocol.Message

	notificationSink NotificationSink

	// passthroughMaxDepth bounds tryPassthrough's eligibility check to
	// paths at most this many segments deep; 0 means unbounded. See
	// SetPassthroughMaxDepth.
	passthroughMaxDepth int

	responseTimeout time.Duration
}

// SetNotificationSink installs the callback HandleNotify uses to
// deliver a routed notification to its owning Controller.
func (c *Core) SetNotificationSink(sink NotificationSink) {
	c.notificationSink = sink
}

// SetPassthroughMaxDepth bounds the passthrough fast path (§4.7) to
// requests whose every path is at most maxDepth segments deep, falling
// back to the normal per-operation adapter for anything deeper. A
// wildcard or high-level partial path touching many nested objects costs
// more to validate for single-Service ownership the deeper it reaches;
// this caps that cost the same way the reference implementation's
// PP_MAX_PASSTHRU_GET_DEPTH does. maxDepth <= 0 disables the bound.
func (c *Core) SetPassthroughMaxDepth(maxDepth int) {
	c.passthroughMaxDepth = maxDepth
}

// New constructs a Core. transport is the outbound send collaborator;
// every other dependency is injected so tests can substitute in-memory
// implementations.
func New(logger *slog.Logger, c clock.Clock, transport Transport, registry *Registry, tree schema.Tree, reqs reqtable.Table, subs substable.Table, perms permission.Store) *Core {
	return &Core{
		logger:      logger,
		clock:       c,
		transport:   transport,
		registry:    registry,
		schemaTree:  tree,
		reqTable:    reqs,
		subTable:    subs,
		permissions: perms,
		idgen:       protocol.NewIDGenerator(c),
		inbound:     make(chan Inbound, 64),
		waiters:     make(map[string]chan protocol.Message),

		responseTimeout: DefaultResponseTimeout,
	}
}

// SetResponseTimeout overrides the deadline sendAndWaitForResponse waits
// before giving up on a Service's response.
func (c *Core) SetResponseTimeout(d time.Duration) {
	c.responseTimeout = d
}

// Deliver enqueues an inbound message for processing by Run. Safe to
// call from any goroutine (the transport layer's read loops); Run
// itself is the only consumer.
func (c *Core) Deliver(in Inbound) {
	c.inbound <- in
}

// Run processes inbound messages until ctx is canceled.
func (c *Core) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in := <-c.inbound:
			c.dispatch(in)
		}
	}
}

func (c *Core) send(svc *Service, msg protocol.Message) {
	if svc.ControllerHandle == nil {
		c.logger.Error("cannot send: service has no controller-side transport", slog.String("service", svc.Endpoint))
		return
	}
	if err := c.transport.Send(svc.ControllerHandle, msg); err != nil {
		c.logger.Error("send failed", slog.String("service", svc.Endpoint), slog.Any("error", err))
	}
}

// sendAndWaitForResponse sends req to svc and blocks until a response
// bearing the same MsgID arrives, the response timeout (30 seconds by
// default, see SetResponseTimeout) elapses, or
// ctx is canceled. While waiting it keeps pulling from c.inbound and
// dispatching every message that isn't the awaited response, so other
// Services' traffic and other Controllers' requests are not starved by
// one blocked round trip. This is the re-entrant suspension point: a
// handler invoked from within this pump may itself observe registry and
// schema mutations that happened while its caller was blocked here.
func (c *Core) sendAndWaitForResponse(ctx context.Context, svc *Service, req protocol.Message) (protocol.Message, error) {
	if svc.ControllerHandle == nil {
		return protocol.Message{}, ErrControllerAbsent
	}
	reply := make(chan protocol.Message, 1)
	c.waiters[req.MsgID] = reply
	defer delete(c.waiters, req.MsgID)

	c.send(svc, req)

	deadline := c.clock.After(c.responseTimeout)
	for {
		select {
		case <-ctx.Done():
			return protocol.Message{}, ctx.Err()
		case <-deadline:
			return protocol.Message{}, ErrResponseTimeout
		case msg := <-reply:
			return msg, nil
		case in := <-c.inbound:
			c.dispatch(in)
		}
	}
}

// dispatch routes one inbound message: first to a waiter expecting
// exactly this MsgID (a response to a request the core itself issued),
// then to the passthrough router's MsgMap, then to the ordinary
// per-Kind handlers.
func (c *Core) dispatch(in Inbound) {
	if reply, ok := c.waiters[in.Message.MsgID]; ok {
		reply <- in.Message
		return
	}

	if in.FromService {
		if svc := c.registry.FindByEndpoint(in.FromEndpoint); svc != nil {
			if c.dispatchPassthroughResponse(svc, in.Message) {
				return
			}
		}
	}

	c.dispatchByKind(in)
}

func (c *Core) dispatchByKind(in Inbound) {
	switch body := in.Message.Body.(type) {
	case protocol.Register:
		svc := c.registry.FindByEndpoint(in.FromEndpoint)
		if svc == nil {
			c.logger.Error("register from unknown endpoint", slog.String("endpoint", in.FromEndpoint))
			return
		}
		resp := c.HandleRegister(svc, body)
		c.replyTo(in, protocol.Message{MsgID: in.Message.MsgID, Body: resp})
	case protocol.Deregister:
		svc := c.registry.FindByEndpoint(in.FromEndpoint)
		if svc == nil {
			c.logger.Error("deregister from unknown endpoint", slog.String("endpoint", in.FromEndpoint))
			return
		}
		resp := c.HandleDeregister(svc, body)
		c.replyTo(in, protocol.Message{MsgID: in.Message.MsgID, Body: resp})
	case protocol.GetSupportedDMResp:
		if svc := c.registry.FindByEndpoint(in.FromEndpoint); svc != nil {
			c.HandleGetSupportedDMResp(svc, in.Message.MsgID, body)
		}
	case protocol.Notify:
		c.HandleNotify(in, body)
	case protocol.Get, protocol.Set, protocol.Add, protocol.Delete, protocol.GetInstances, protocol.Operate:
		c.HandleFrontDoorRequest(context.Background(), in)
	default:
		c.logger.Warn("dispatch: unhandled message kind", slog.String("kind", string(in.Message.Body.Kind())))
	}
}

func (c *Core) replyTo(in Inbound, msg protocol.Message) {
	if err := c.transport.Send(in.Handle, msg); err != nil {
		c.logger.Error("reply failed", slog.String("endpoint", in.FromEndpoint), slog.Any("error", err))
	}
}
