// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"log/slog"

	"github.com/uspbroker/broker/internal/protocol"
)

// HandleTransportLost implements failure propagation (§4.8): called by a
// transport package when a Service's connection drops. Losing the leg
// the Broker sends requests on (RoleControllerSide) demotes every
// subscription bound to this Service, tears down its schema subtree,
// and — when failInProgress is set — marks every in-flight async
// Operate's Request table row failed, removes it, and delivers an
// OperationComplete carrying the failure to the subscribed Controller.
// A caller blocked in sendAndWaitForResponse is not signalled. The Service
// record itself survives if the Service's own Controller leg toward the
// Broker (RoleAgentSide) is still connected; only total disconnection
// destroys it.
func (c *Core) HandleTransportLost(endpoint string, role TransportRole, failInProgress bool) {
	svc := c.registry.FindByEndpoint(endpoint)
	if svc == nil {
		return
	}

	if role == RoleControllerSide {
		c.propagateFailure(svc, failInProgress)
	}

	c.registry.HandleDisconnect(endpoint, role)
}

func (c *Core) propagateFailure(svc *Service, failInProgress bool) {
	for _, entry := range svc.SubsMap {
		c.subTable.Unbind(entry.BrokerInstance, entry.Path)
	}
	svc.SubsMap = nil

	if failInProgress {
		const msg = "service transport lost before command completed"
		for _, entry := range svc.ReqMap {
			c.reqTable.Fail(entry.BrokerInstance, protocol.ErrCommandFailure, msg)
			c.reqTable.Remove(entry.BrokerInstance)
			c.deliverOperationCompleteFailure(entry, msg)
		}
	}
	svc.ReqMap = nil
	svc.addInProgress = 0
	svc.heldNotifications = nil

	for msgID, entry := range svc.MsgMap {
		c.logger.Debug("failure propagation: discarding in-flight passthrough", slog.String("service", svc.Endpoint), slog.String("origin", entry.OriginEndpoint))
		delete(svc.MsgMap, msgID)
	}

	removed := c.schemaTree.RemoveGroup(svc.Group)
	for _, prefix := range removed {
		c.logger.Info("failure propagation: schema subtree removed", slog.String("service", svc.Endpoint), slog.String("prefix", prefix))
	}
	svc.RegisteredPrefixes = nil
}
