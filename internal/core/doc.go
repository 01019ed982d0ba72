// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package core implements the Broker's hard core: the Service registry,
// the registration protocol, the operation adapter that bridges unified
// data-model operations to per-Service request/response round trips,
// the passthrough router, the notification router, failure propagation,
// and the single-threaded cooperative event loop that ties them
// together.
//
// Everything in this package runs on one goroutine (Core.Run). No type
// here uses a mutex; concurrent access from another goroutine is a
// caller bug, not a condition this package defends against. The one
// blocking primitive, Core.sendAndWaitForResponse, is re-entrant: while
// it waits for a Service's response it keeps draining Core's inbound
// queue and dispatching other events, so handlers must not assume
// registry or schema state is unchanged across a call to it.
package core
