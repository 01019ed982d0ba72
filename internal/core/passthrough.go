// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"context"

	"github.com/uspbroker/broker/internal/permission"
	"github.com/uspbroker/broker/internal/protocol"
	"github.com/uspbroker/broker/internal/usppath"
)

// tryPassthrough attempts the passthrough fast path (§4.7) for a
// Get/Set/Add/Delete request: forwards the message unchanged except for
// a remapped message id, bypassing decode/re-encode, when every
// referenced path resolves to the same single Service and the
// originator's role permits the action on every path. Returns false
// (declining, no side effect) for any other Kind or on any eligibility
// failure, leaving the caller to fall back to the normal handlers.
func (c *Core) tryPassthrough(ctx context.Context, in Inbound) bool {
	paths, action, ok := passthroughSubject(in.Message.Body)
	if !ok || len(paths) == 0 {
		return false
	}
	if c.passthroughMaxDepth > 0 {
		for _, p := range paths {
			if usppath.Depth(p) > c.passthroughMaxDepth {
				return false
			}
		}
	}

	group, err := c.resolveSingleGroup(paths)
	if err != nil {
		return false
	}
	svc, err := c.serviceForGroup(group)
	if err != nil {
		return false
	}
	if err := c.checkPermission(in.Role, action, paths...); err != nil {
		return false
	}

	brokerMsgID := c.idgen.NextMsgID()
	svc.MsgMap[brokerMsgID] = MsgMapEntry{
		OriginalMsgID:  in.Message.MsgID,
		OriginEndpoint: in.FromEndpoint,
		OriginHandle:   in.Handle,
	}
	c.send(svc, protocol.Message{MsgID: brokerMsgID, Body: in.Message.Body})
	return true
}

// passthroughSubject extracts the paths a Get/Set/Add/Delete body
// touches and the permission action it requires, or ok=false for any
// other body.
func passthroughSubject(body protocol.Body) (paths []string, action permission.Action, ok bool) {
	switch b := body.(type) {
	case protocol.Get:
		return b.Paths, permission.ActionGet, true
	case protocol.Set:
		p := make([]string, len(b.Params))
		for i, sp := range b.Params {
			p[i] = sp.Path
		}
		return p, permission.ActionSet, true
	case protocol.Add:
		return []string{b.ObjPath}, permission.ActionAdd, true
	case protocol.Delete:
		return b.ObjPaths, permission.ActionDelete, true
	default:
		return nil, "", false
	}
}

// dispatchPassthroughResponse consults svc's MsgMap for a response
// arriving from svc. On a hit it restores the original message id,
// delivers the response to the recorded originator, and removes the
// entry. Returns false if the response's MsgID does not match any
// in-flight passthrough request.
func (c *Core) dispatchPassthroughResponse(svc *Service, msg protocol.Message) bool {
	if !isPassthroughResponseKind(msg.Body.Kind()) {
		return false
	}
	entry, ok := svc.MsgMap[msg.MsgID]
	if !ok {
		return false
	}
	delete(svc.MsgMap, msg.MsgID)

	restored := protocol.Message{MsgID: entry.OriginalMsgID, Body: msg.Body}
	if err := c.transport.Send(entry.OriginHandle, restored); err != nil {
		c.logger.Error("passthrough response delivery failed", "originator", entry.OriginEndpoint, "error", err)
	}
	return true
}

func isPassthroughResponseKind(k protocol.Kind) bool {
	switch k {
	case protocol.KindGetResp, protocol.KindSetResp, protocol.KindAddResp, protocol.KindDeleteResp, protocol.KindError:
		return true
	default:
		return false
	}
}

// notificationPassesThrough reports whether a Notify from svc qualifies
// for passthrough delivery without decode/re-encode: it must not be
// OperationComplete or OnBoardRequest, must match a live SubsMap entry,
// and — while an Add is in flight on svc — must not be an
// ObjectCreation/ObjectDeletion (§5's re-entrancy hazard: a Get/Set/Add
// round trip can pump notifications that raced it).
func (c *Core) notificationPassesThrough(svc *Service, n protocol.Notify) bool {
	switch n.NotifType {
	case protocol.NotifOperationComplete, protocol.NotifOnBoardRequest:
		return false
	case protocol.NotifObjectCreation, protocol.NotifObjectDeletion:
		if svc.addInProgress > 0 {
			return false
		}
	}
	_, ok := svc.findSubsMapByID(n.SubscriptionID)
	return ok
}

// mustHoldForAddInProgress reports whether n must be queued rather than
// delivered right now: only ObjectCreation/ObjectDeletion racing an
// in-flight Add on svc are held (§4.7, §5). notificationPassesThrough's
// broader "false" — e.g. for OnBoardRequest — means "skip the raw
// passthrough fast path", not "hold"; this is the narrower predicate
// HandleNotify needs to tell the two apart.
func mustHoldForAddInProgress(svc *Service, n protocol.Notify) bool {
	switch n.NotifType {
	case protocol.NotifObjectCreation, protocol.NotifObjectDeletion:
		return svc.addInProgress > 0
	default:
		return false
	}
}
