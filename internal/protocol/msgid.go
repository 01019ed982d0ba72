// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/uspbroker/broker/internal/clock"
)

// BrokerMarker is the literal substring subscription reconciliation
// uses to recognize Broker-created message and subscription ids on the
// wire.
const BrokerMarker = "BROKER"

// IDGenerator mints Broker-unique message ids and subscription ids. It
// is safe for concurrent use, though the core's single-threaded loop
// never calls it concurrently in practice.
type IDGenerator struct {
	clock   clock.Clock
	counter atomic.Uint64
}

func NewIDGenerator(c clock.Clock) *IDGenerator {
	return &IDGenerator{clock: c}
}

// NextMsgID returns "BROKER-<monotonic>-<unix-seconds>".
func (g *IDGenerator) NextMsgID() string {
	n := g.counter.Add(1)
	return fmt.Sprintf("%s-%d-%d", BrokerMarker, n, g.clock.Now().Unix())
}

// NextSubscriptionID returns "<hex-counter>-<hex-unix-seconds>-BROKER".
// The timestamp component separates ids minted by different Broker
// runs, where the counter alone would repeat; the counter keeps ids
// ordered within a single process's lifetime for easier log correlation.
func (g *IDGenerator) NextSubscriptionID() string {
	n := g.counter.Add(1)
	return fmt.Sprintf("%s-%s-%s", strconv.FormatUint(n, 16), strconv.FormatInt(g.clock.Now().Unix(), 16), BrokerMarker)
}

// IsBrokerID reports whether id was minted by an IDGenerator (i.e.
// carries the Broker marker), regardless of which Broker process
// generated it. Used by subscription reconciliation.
func IsBrokerID(id string) bool {
	return len(id) >= len(BrokerMarker) && containsMarker(id)
}

func containsMarker(id string) bool {
	for i := 0; i+len(BrokerMarker) <= len(id); i++ {
		if id[i:i+len(BrokerMarker)] == BrokerMarker {
			return true
		}
	}
	return false
}
