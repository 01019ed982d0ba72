// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"github.com/uspbroker/broker/internal/protocol"
	"github.com/uspbroker/broker/internal/schema"
)

// SubsMapEntry pairs a Broker subscription instance with the Service
// subscription instance that backs one of its reference paths.
type SubsMapEntry struct {
	BrokerInstance  int
	ServiceInstance int
	SubscriptionID  string
	Path            string
}

// ReqMapEntry pairs a Broker Request-table instance with the
// (command_path, command_key) identifying an async command in flight on
// this Service.
type ReqMapEntry struct {
	BrokerInstance int
	CommandPath    string
	CommandKey     string
}

// MsgMapEntry records enough to restore and redeliver a passthrough
// response: the Broker-remapped outbound id this entry is keyed by, and
// where the original request came from.
type MsgMapEntry struct {
	OriginalMsgID  string
	OriginEndpoint string
	OriginHandle   any
}

// Service is one connected USP Service's full Broker-side state.
type Service struct {
	Endpoint string
	Instance int
	Group    schema.GroupID

	// ControllerHandle is the transport handle the Broker uses to send
	// requests to this Service (Broker acting as Controller).
	ControllerHandle any
	// AgentHandle is the transport handle this Service uses to send the
	// Broker requests (Service acting as Controller to the Broker's
	// Agent side). Present once the Service itself opens that leg.
	AgentHandle any

	// HasController is set once AgentHandle is non-nil: the Service has
	// connected its own controller-facing leg to the Broker.
	HasController bool

	// Protocol names the MTP this Service connected over (e.g.
	// "unix_socket", "websocket", "mqtt", "stomp"), surfaced read-only in
	// the Device.USPServices.USPService.{i}.Protocol diagnostic (§6). Set
	// once by the transport package right after a successful Add.
	Protocol string

	// PendingGetSupportedDMMsgID correlates an outstanding GetSupportedDM
	// request issued during registration to its eventual response.
	PendingGetSupportedDMMsgID string

	RegisteredPrefixes []string

	SubsMap []SubsMapEntry
	ReqMap  []ReqMapEntry
	MsgMap  map[string]MsgMapEntry

	// addInProgress counts concurrently in-flight Add round trips for
	// this Service. While non-zero, ObjectCreation/ObjectDeletion
	// notifications are held out of passthrough (see passthrough.go).
	addInProgress int

	// heldNotifications queues ObjectCreation/ObjectDeletion
	// notifications that arrived while addInProgress was non-zero, for
	// delivery once the in-flight Add completes (§4.7, §5 re-entrancy
	// hazard). See notify.go.
	heldNotifications []heldNotification
}

// heldNotification pairs a suppressed notification with the Inbound it
// arrived on, so a later replay through HandleNotify can still answer a
// protocol violation on the MTP it came in on.
type heldNotification struct {
	in Inbound
	n  protocol.Notify
}

func newService(endpoint string, instance int, group schema.GroupID) *Service {
	return &Service{
		Endpoint: endpoint,
		Instance: instance,
		Group:    group,
		MsgMap:   make(map[string]MsgMapEntry),
	}
}

func (s *Service) hasRegisteredPrefix(prefix string) bool {
	for _, p := range s.RegisteredPrefixes {
		if p == prefix {
			return true
		}
	}
	return false
}

func (s *Service) removeRegisteredPrefix(prefix string) {
	out := s.RegisteredPrefixes[:0]
	for _, p := range s.RegisteredPrefixes {
		if p != prefix {
			out = append(out, p)
		}
	}
	s.RegisteredPrefixes = out
}

func (s *Service) findSubsMapByID(subscriptionID string) (SubsMapEntry, bool) {
	for _, e := range s.SubsMap {
		if e.SubscriptionID == subscriptionID {
			return e, true
		}
	}
	return SubsMapEntry{}, false
}

func (s *Service) removeSubsMapByID(subscriptionID string) {
	out := s.SubsMap[:0]
	for _, e := range s.SubsMap {
		if e.SubscriptionID != subscriptionID {
			out = append(out, e)
		}
	}
	s.SubsMap = out
}

func (s *Service) findReqMap(path, commandKey string) (ReqMapEntry, bool) {
	for _, e := range s.ReqMap {
		if e.CommandPath == path && e.CommandKey == commandKey {
			return e, true
		}
	}
	return ReqMapEntry{}, false
}

func (s *Service) removeReqMapByInstance(instance int) {
	out := s.ReqMap[:0]
	for _, e := range s.ReqMap {
		if e.BrokerInstance != instance {
			out = append(out, e)
		}
	}
	s.ReqMap = out
}
