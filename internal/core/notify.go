// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"log/slog"
	"strings"

	"github.com/uspbroker/broker/internal/protocol"
)

// NotificationSink delivers a validated, routed notification to the
// Controller that owns the subscription. The concrete send over that
// Controller's MTP handle is an external collaborator; this package
// only decides who should receive it.
type NotificationSink func(recipient string, n protocol.Notify)

// HandleNotify implements the Notification Router (§4.6): validates
// that send_resp is false, that the sender is a known Service, and that
// its subscription id matches a live SubsMap entry — the first two are
// protocol violations answered with a USP ERROR on the receiving MTP,
// since a Broker-created subscription always sets NotifRetry=false and
// a Service has no business sending NOTIFY before it registers. A valid
// notification then resolves an OperationComplete against ReqMap, holds
// an ObjectCreation/ObjectDeletion notification racing an in-flight Add
// (§4.7, §5), or is handed to the Subscription table for delivery to
// the Controller that owns it.
//
// A Service emitting an unmatched OperationComplete, or a NOTIFY whose
// subscription_id matches nothing in SubsMap, is tolerated (logged and
// discarded): the spec singles these out from the protocol violations
// above since a Service resending after a lost acknowledgment is
// expected behavior, not malformed input.
func (c *Core) HandleNotify(in Inbound, n protocol.Notify) {
	fromEndpoint := in.FromEndpoint
	if n.SendResp {
		c.logger.Warn("notify: protocol violation: send_resp=true", slog.String("service", fromEndpoint))
		c.replyNotifyError(in, "send_resp=true is not supported: Broker subscriptions are created with NotifRetry=false")
		return
	}
	svc := c.registry.FindByEndpoint(fromEndpoint)
	if svc == nil {
		c.logger.Warn("notify from unknown endpoint", slog.String("endpoint", fromEndpoint))
		c.replyNotifyError(in, "notify received from an endpoint with no registered service")
		return
	}

	entry, ok := svc.findSubsMapByID(n.SubscriptionID)
	if !ok {
		c.logger.Debug("notify: subscription id not in subsmap", slog.String("service", fromEndpoint), slog.String("subscription_id", n.SubscriptionID))
		return
	}

	switch {
	case n.NotifType == protocol.NotifOperationComplete:
		c.resolveOperationComplete(svc, n)
	case mustHoldForAddInProgress(svc, n):
		svc.heldNotifications = append(svc.heldNotifications, heldNotification{in: in, n: n})
		c.logger.Debug("notify: holding notification until in-flight Add completes",
			slog.String("service", fromEndpoint), slog.String("notif_type", string(n.NotifType)))
		return
	}

	row, ok := c.subTable.Get(entry.BrokerInstance)
	if !ok {
		c.logger.Debug("notify: subsmap points at a removed subscription row", slog.Int("instance", entry.BrokerInstance))
		return
	}
	if c.notificationPassesThrough(svc, n) {
		c.logger.Debug("notify: passthrough fast path", slog.String("service", fromEndpoint), slog.String("notif_type", string(n.NotifType)))
	}
	c.deliverNotification(row.Recipient, n)
}

func (c *Core) resolveOperationComplete(svc *Service, n protocol.Notify) {
	entry, ok := svc.findReqMap(n.ObjPath+n.CommandName, n.CommandKey)
	if !ok {
		c.logger.Debug("notify: unmatched OperationComplete", slog.String("service", svc.Endpoint), slog.String("command_key", n.CommandKey))
		return
	}
	if n.CommandFailure {
		c.reqTable.Fail(entry.BrokerInstance, n.ErrCode, n.ErrMsg)
	} else {
		c.reqTable.Complete(entry.BrokerInstance, outputArgsFromMap(n.OutputArgs))
	}
	c.reqTable.Remove(entry.BrokerInstance)
	svc.removeReqMapByInstance(entry.BrokerInstance)
}

func outputArgsFromMap(m map[string]string) []protocol.OperateArg {
	if m == nil {
		return nil
	}
	out := make([]protocol.OperateArg, 0, len(m))
	for k, v := range m {
		out = append(out, protocol.OperateArg{Name: k, Value: v})
	}
	return out
}

// deliverOperationCompleteFailure synthesizes and routes an
// OperationComplete notification with CommandFailure for a ReqMap entry
// the Broker itself is abandoning — transport loss (§4.8 scenario 5) or
// a deregister tearing down the command's prefix (§4.2 scenario 6) —
// rather than completing it via a real NOTIFY from the Service. Both
// scenarios expect the Controller holding the OperationComplete
// subscription to still be told; a command with no such subscription
// (it was required at Operate time, but may have since been cancelled)
// is silently dropped.
func (c *Core) deliverOperationCompleteFailure(entry ReqMapEntry, msg string) {
	recipient, ok := c.operationCompleteRecipient(entry.CommandPath)
	if !ok {
		return
	}
	objPath, commandName := splitCommandPath(entry.CommandPath)
	c.deliverNotification(recipient, protocol.Notify{
		NotifType:      protocol.NotifOperationComplete,
		ObjPath:        objPath,
		CommandName:    commandName,
		CommandKey:     entry.CommandKey,
		CommandFailure: true,
		ErrCode:        protocol.ErrCommandFailure,
		ErrMsg:         msg,
	})
}

// splitCommandPath reverses the concatenation Operate's CommandPath is
// built from: the object path (dot-terminated) and the bare command
// name, e.g. "Device.WiFi.Reset()" -> ("Device.WiFi.", "Reset()").
func splitCommandPath(commandPath string) (objPath, commandName string) {
	idx := strings.LastIndex(commandPath, ".")
	if idx < 0 {
		return "", commandPath
	}
	return commandPath[:idx+1], commandPath[idx+1:]
}

func (c *Core) deliverNotification(recipient string, n protocol.Notify) {
	if c.notificationSink == nil {
		return
	}
	c.notificationSink(recipient, n)
}

// replyNotifyError answers a malformed NOTIFY with a USP ERROR on the
// MTP it arrived on (§4.6). in.Handle may be nil for notifications
// synthesized internally (e.g. replayed held notifications); Send on a
// nil handle is the transport's concern, not this package's.
func (c *Core) replyNotifyError(in Inbound, msg string) {
	c.replyTo(in, protocol.Message{MsgID: in.Message.MsgID, Body: protocol.NewError(protocol.NewFault(protocol.ErrMessageNotUnderstood, msg))})
}
