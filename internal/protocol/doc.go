// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol models the logical USP message bodies the Broker
// core exchanges with Controllers and Services, independent of any wire
// framing. Body is a closed sum type: every concrete body lives in this
// package and implements the unexported body() method, so a type switch
// over Body in the core's dispatcher is exhaustive by construction —
// adding a new Kind without a matching case is a compile error at the
// switch, not a runtime surprise.
//
// build.go holds constructors for requests the Broker originates toward
// a Service. decode.go holds shape validation for the responses those
// requests provoke; a violation surfaces as ErrShapeViolation rather
// than a panic or a silently accepted malformed value. msgid.go mints
// the message and subscription identifiers the Broker stamps on
// everything it originates.
package protocol
