// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"context"
	"sort"

	"github.com/uspbroker/broker/internal/permission"
	"github.com/uspbroker/broker/internal/protocol"
	"github.com/uspbroker/broker/internal/schema"
)

// HandleFrontDoorRequest is the entry point for a Get/Set/Add/Delete
// request arriving from a Controller: it tries the passthrough fast
// path first and falls back to the per-operation adapter below.
//
// Requests whose paths span more than one owning group are rejected
// with Internal: the adapter resolves one owning Service per call by
// design (see the "no speculative fan-out" non-goal); decomposing a
// mixed-group batch into several round trips is left to a layer above
// this package, which is out of scope here.
func (c *Core) HandleFrontDoorRequest(ctx context.Context, in Inbound) {
	if c.tryPassthrough(ctx, in) {
		return
	}

	role := in.Role
	var reply protocol.Message
	switch body := in.Message.Body.(type) {
	case protocol.Get:
		resp, err := c.Get(ctx, body, role)
		if err != nil {
			reply = protocol.Message{MsgID: in.Message.MsgID, Body: protocol.NewError(protocol.AsFault(err))}
		} else {
			reply = protocol.Message{MsgID: in.Message.MsgID, Body: resp}
		}
	case protocol.Set:
		resp, err := c.Set(ctx, body, role)
		if err != nil {
			reply = protocol.Message{MsgID: in.Message.MsgID, Body: protocol.NewError(protocol.AsFault(err))}
		} else {
			reply = protocol.Message{MsgID: in.Message.MsgID, Body: resp}
		}
	case protocol.Add:
		resp, err := c.Add(ctx, body, role)
		if err != nil {
			reply = protocol.Message{MsgID: in.Message.MsgID, Body: protocol.NewError(protocol.AsFault(err))}
		} else {
			reply = protocol.Message{MsgID: in.Message.MsgID, Body: resp}
		}
	case protocol.Delete:
		resp, err := c.Delete(ctx, body, role)
		if err != nil {
			reply = protocol.Message{MsgID: in.Message.MsgID, Body: protocol.NewError(protocol.AsFault(err))}
		} else {
			reply = protocol.Message{MsgID: in.Message.MsgID, Body: resp}
		}
	case protocol.GetInstances:
		resp, err := c.GetInstances(ctx, body, role)
		if err != nil {
			reply = protocol.Message{MsgID: in.Message.MsgID, Body: protocol.NewError(protocol.AsFault(err))}
		} else {
			reply = protocol.Message{MsgID: in.Message.MsgID, Body: resp}
		}
	case protocol.Operate:
		resp, err := c.Operate(ctx, body, role)
		if err != nil {
			reply = protocol.Message{MsgID: in.Message.MsgID, Body: protocol.NewError(protocol.AsFault(err))}
		} else {
			reply = protocol.Message{MsgID: in.Message.MsgID, Body: resp}
		}
	default:
		return
	}
	c.replyTo(in, reply)
}

func (c *Core) resolveSingleGroup(paths []string) (schema.GroupID, error) {
	var group schema.GroupID
	set := false
	for _, p := range paths {
		g, ok := c.schemaTree.GroupOf(p)
		if !ok {
			return 0, protocol.NewFault(protocol.ErrInternal, "path does not resolve in the data model: "+p)
		}
		if !set {
			group, set = g, true
			continue
		}
		if g != group {
			return 0, protocol.NewFault(protocol.ErrInternal, "request spans more than one service")
		}
	}
	if !set {
		return 0, protocol.NewFault(protocol.ErrInternal, "request names no paths")
	}
	return group, nil
}

func (c *Core) serviceForGroup(group schema.GroupID) (*Service, error) {
	svc := c.registry.ByGroup(group)
	if svc == nil {
		return nil, ErrUnknownGroup
	}
	if svc.ControllerHandle == nil {
		return nil, ErrControllerAbsent
	}
	return svc, nil
}

func (c *Core) checkPermission(role string, action permission.Action, paths ...string) error {
	for _, p := range paths {
		if !c.permissions.Allowed(role, action, p) {
			return protocol.NewFault(protocol.ErrRequestDenied, "role "+role+" may not "+string(action)+" "+p)
		}
	}
	return nil
}

// Get implements the Get operation adapter (§4.4): one round trip to
// the owning Service, max_depth=0, merging results back keyed by
// requested path. A requested path that names a multi-instance table
// itself (e.g. "Device.X.Z.", §8 scenario 1), rather than a leaf
// parameter under it, is answered with GetInstances instead of a wire
// Get: the Service has nothing to return for a bare table path besides
// its current instances.
func (c *Core) Get(ctx context.Context, req protocol.Get, role string) (protocol.GetResp, error) {
	if err := c.checkPermission(role, permission.ActionGet, req.Paths...); err != nil {
		return protocol.GetResp{}, err
	}
	if isUSPServicesPath(req.Paths) {
		return c.handleUSPServicesGet(req), nil
	}
	group, err := c.resolveSingleGroup(req.Paths)
	if err != nil {
		return protocol.GetResp{}, err
	}
	svc, err := c.serviceForGroup(group)
	if err != nil {
		return protocol.GetResp{}, err
	}

	tableRoots := c.schemaTree.TopLevelMultiInstance(group)
	var tablePaths, leafPaths []string
	for _, p := range req.Paths {
		if isMultiInstanceTablePath(tableRoots, p) {
			tablePaths = append(tablePaths, p)
		} else {
			leafPaths = append(leafPaths, p)
		}
	}
	if len(tablePaths) == 0 {
		return c.getLeaves(ctx, svc, req.Paths)
	}

	var results []protocol.GetResultEntry
	if len(leafPaths) > 0 {
		leafResp, err := c.getLeaves(ctx, svc, leafPaths)
		if err != nil {
			return protocol.GetResp{}, err
		}
		results = append(results, leafResp.Results...)
	}
	for _, p := range tablePaths {
		entries, err := c.getTableInstances(ctx, svc, p)
		if err != nil {
			return protocol.GetResp{}, err
		}
		results = append(results, entries...)
	}
	return protocol.GetResp{Results: results}, nil
}

// isMultiInstanceTablePath reports whether path is one of the schema's
// registered top-level multi-instance table paths, as opposed to a
// parameter or instance nested under one.
func isMultiInstanceTablePath(tableRoots []string, path string) bool {
	for _, root := range tableRoots {
		if root == path {
			return true
		}
	}
	return false
}

// getLeaves performs the wire Get round trip for a batch of leaf
// parameter paths.
func (c *Core) getLeaves(ctx context.Context, svc *Service, paths []string) (protocol.GetResp, error) {
	out := protocol.BuildGet(paths, 0)
	msgID := c.idgen.NextMsgID()
	respMsg, err := c.sendAndWaitForResponse(ctx, svc, protocol.Message{MsgID: msgID, Body: out})
	if err != nil {
		return protocol.GetResp{}, err
	}
	resp, ok := respMsg.Body.(protocol.GetResp)
	if !ok {
		return protocol.GetResp{}, protocol.ErrUnexpectedKind
	}
	if err := protocol.DecodeGetResp(out, resp); err != nil {
		return protocol.GetResp{}, err
	}
	return resp, nil
}

// getTableInstances answers a bare table path with the Service's
// current instances, one GetResultEntry per instance, keyed back to the
// requested table path the same way handleUSPServicesGet keys its
// synthesized entries.
func (c *Core) getTableInstances(ctx context.Context, svc *Service, tablePath string) ([]protocol.GetResultEntry, error) {
	instReq := protocol.GetInstances{ObjPaths: []string{tablePath}, FirstLevelOnly: false}
	msgID := c.idgen.NextMsgID()
	respMsg, err := c.sendAndWaitForResponse(ctx, svc, protocol.Message{MsgID: msgID, Body: instReq})
	if err != nil {
		return nil, err
	}
	resp, ok := respMsg.Body.(protocol.GetInstancesResp)
	if !ok {
		return nil, protocol.ErrUnexpectedKind
	}
	if err := protocol.DecodeGetInstancesResp(instReq, resp); err != nil {
		return nil, err
	}
	out := make([]protocol.GetResultEntry, 0, len(resp.Instances))
	for _, inst := range resp.Instances {
		out = append(out, protocol.GetResultEntry{RequestedPath: tablePath, ResolvedPath: inst.InstantiatedPath})
	}
	return out, nil
}

// Set implements the Set operation adapter.
func (c *Core) Set(ctx context.Context, req protocol.Set, role string) (protocol.SetResp, error) {
	paths := make([]string, len(req.Params))
	for i, p := range req.Params {
		paths[i] = p.Path
	}
	if err := c.checkPermission(role, permission.ActionSet, paths...); err != nil {
		return protocol.SetResp{}, err
	}
	group, err := c.resolveSingleGroup(paths)
	if err != nil {
		return protocol.SetResp{}, err
	}
	svc, err := c.serviceForGroup(group)
	if err != nil {
		return protocol.SetResp{}, err
	}

	out := protocol.BuildSet(false, req.Params)
	msgID := c.idgen.NextMsgID()
	respMsg, err := c.sendAndWaitForResponse(ctx, svc, protocol.Message{MsgID: msgID, Body: out})
	if err != nil {
		return protocol.SetResp{}, err
	}
	resp, ok := respMsg.Body.(protocol.SetResp)
	if !ok {
		return protocol.SetResp{}, protocol.ErrUnexpectedKind
	}
	if err := protocol.DecodeSetResp(out, resp); err != nil {
		return protocol.SetResp{}, err
	}
	return resp, nil
}

// Add implements the Add/CreateObject operation adapter. While the
// round trip is outstanding, svc.addInProgress is incremented so
// notification routing holds ObjectCreation/ObjectDeletion
// notifications that might race it (§4.7, §5 re-entrancy hazard); once
// the last concurrent Add on svc completes, every held notification is
// replayed through HandleNotify in arrival order.
func (c *Core) Add(ctx context.Context, req protocol.Add, role string) (protocol.AddResp, error) {
	if err := c.checkPermission(role, permission.ActionAdd, req.ObjPath); err != nil {
		return protocol.AddResp{}, err
	}
	group, ok := c.schemaTree.GroupOf(req.ObjPath)
	if !ok {
		return protocol.AddResp{}, protocol.NewFault(protocol.ErrInternal, "object does not resolve in the data model: "+req.ObjPath)
	}
	svc, err := c.serviceForGroup(group)
	if err != nil {
		return protocol.AddResp{}, err
	}

	svc.addInProgress++
	defer func() {
		svc.addInProgress--
		if svc.addInProgress == 0 {
			held := svc.heldNotifications
			svc.heldNotifications = nil
			for _, h := range held {
				c.HandleNotify(h.in, h.n)
			}
		}
	}()

	msgID := c.idgen.NextMsgID()
	respMsg, err := c.sendAndWaitForResponse(ctx, svc, protocol.Message{MsgID: msgID, Body: req})
	if err != nil {
		return protocol.AddResp{}, err
	}
	resp, ok := respMsg.Body.(protocol.AddResp)
	if !ok {
		return protocol.AddResp{}, protocol.ErrUnexpectedKind
	}
	if err := protocol.DecodeAddResp(req, resp); err != nil {
		return protocol.AddResp{}, err
	}
	if resp.OK && len(resp.UniqueKeys) > 0 {
		keys := make([]string, 0, len(resp.UniqueKeys))
		for name := range resp.UniqueKeys {
			keys = append(keys, name)
		}
		sort.Strings(keys)
		c.schemaTree.RegisterUniqueKeys(resp.InstantiatedPath, keys)
	}
	return resp, nil
}

// Delete implements the Delete/MultiDelete operation adapter.
func (c *Core) Delete(ctx context.Context, req protocol.Delete, role string) (protocol.DeleteResp, error) {
	if err := c.checkPermission(role, permission.ActionDelete, req.ObjPaths...); err != nil {
		return protocol.DeleteResp{}, err
	}
	group, err := c.resolveSingleGroup(req.ObjPaths)
	if err != nil {
		return protocol.DeleteResp{}, err
	}
	svc, err := c.serviceForGroup(group)
	if err != nil {
		return protocol.DeleteResp{}, err
	}

	msgID := c.idgen.NextMsgID()
	respMsg, err := c.sendAndWaitForResponse(ctx, svc, protocol.Message{MsgID: msgID, Body: req})
	if err != nil {
		return protocol.DeleteResp{}, err
	}
	resp, ok := respMsg.Body.(protocol.DeleteResp)
	if !ok {
		return protocol.DeleteResp{}, protocol.ErrUnexpectedKind
	}
	if err := protocol.DecodeDeleteResp(req, resp); err != nil {
		return protocol.DeleteResp{}, err
	}
	return resp, nil
}

// GetInstances implements the GetInstances operation adapter.
func (c *Core) GetInstances(ctx context.Context, req protocol.GetInstances, role string) (protocol.GetInstancesResp, error) {
	if err := c.checkPermission(role, permission.ActionGet, req.ObjPaths...); err != nil {
		return protocol.GetInstancesResp{}, err
	}
	if isUSPServicesPath(req.ObjPaths) {
		return c.handleUSPServicesGetInstances(), nil
	}
	group, err := c.resolveSingleGroup(req.ObjPaths)
	if err != nil {
		return protocol.GetInstancesResp{}, err
	}
	svc, err := c.serviceForGroup(group)
	if err != nil {
		return protocol.GetInstancesResp{}, err
	}

	msgID := c.idgen.NextMsgID()
	respMsg, err := c.sendAndWaitForResponse(ctx, svc, protocol.Message{MsgID: msgID, Body: req})
	if err != nil {
		return protocol.GetInstancesResp{}, err
	}
	resp, ok := respMsg.Body.(protocol.GetInstancesResp)
	if !ok {
		return protocol.GetInstancesResp{}, protocol.ErrUnexpectedKind
	}
	if err := protocol.DecodeGetInstancesResp(req, resp); err != nil {
		return protocol.GetInstancesResp{}, err
	}
	return resp, nil
}

// Operate implements the sync and async Operate operation adapter
// (§4.4). The two are a data-model-level property of the command itself
// (CMD_SYNC vs CMD_ASYNC, discovered at GetSupportedDM import time, see
// schema.Command.Type) — orthogonal to whether this particular call
// happens to come back with its OutputArgs already filled in. Only the
// async path carries preconditions: an existing OperationComplete
// subscription on commandPath, and (commandPath, commandKey) uniqueness
// among this Service's in-flight commands, enforced via a Request table
// entry inserted before the request is sent. A synchronous command
// skips both checks entirely and never touches the Request table.
func (c *Core) Operate(ctx context.Context, req protocol.Operate, role string) (protocol.OperateResp, error) {
	if err := c.checkPermission(role, permission.ActionOperate, req.CommandPath); err != nil {
		return protocol.OperateResp{}, err
	}
	group, ok := c.schemaTree.GroupOf(req.CommandPath)
	if !ok {
		return protocol.OperateResp{}, protocol.NewFault(protocol.ErrInternal, "command does not resolve in the data model: "+req.CommandPath)
	}
	svc, err := c.serviceForGroup(group)
	if err != nil {
		return protocol.OperateResp{}, err
	}

	if !c.commandIsAsync(req.CommandPath) {
		return c.syncOperate(ctx, svc, req)
	}
	return c.asyncOperate(ctx, svc, req)
}

// commandIsAsync looks up the declared type of the command backing
// commandPath. A command the schema tree cannot resolve, or whose
// containing Object doesn't list it, is treated as async: the same
// conservative default usp_broker.c's import switch applies to an
// unrecognized command_type.
func (c *Core) commandIsAsync(commandPath string) bool {
	obj, ok := c.schemaTree.Resolve(commandPath)
	if !ok {
		return true
	}
	_, name := splitCommandPath(commandPath)
	for _, cmd := range obj.Commands {
		if cmd.Name == name {
			return !cmd.IsSync()
		}
	}
	return true
}

// syncOperate is Broker_SyncOperate's Go counterpart: send the request
// and return whatever comes back, with no subscription precondition and
// no Request table bookkeeping.
func (c *Core) syncOperate(ctx context.Context, svc *Service, req protocol.Operate) (protocol.OperateResp, error) {
	resp, err := c.sendOperate(ctx, svc, req)
	if err != nil {
		return protocol.OperateResp{}, err
	}
	return resp, nil
}

// asyncOperate is Broker_AsyncOperate's Go counterpart: require an
// OperationComplete subscription and (commandPath, commandKey)
// uniqueness, insert a Request table entry before sending, and resolve
// or tear it down depending on how the round trip settles. An async
// command can still complete inside the OperateResponse itself (the
// is_complete fast path); that still clears the entry it just inserted.
func (c *Core) asyncOperate(ctx context.Context, svc *Service, req protocol.Operate) (protocol.OperateResp, error) {
	if _, exists := svc.findReqMap(req.CommandPath, req.CommandKey); exists {
		return protocol.OperateResp{}, protocol.NewFault(protocol.ErrRequestDenied, "command already in flight for this (path, command_key)")
	}
	if !c.hasOperationCompleteSubscription(req.CommandPath) {
		return protocol.OperateResp{}, protocol.NewFault(protocol.ErrRequestDenied, "no OperationComplete subscription covers this command")
	}

	instance, err := c.reqTable.Add(req.CommandPath, req.CommandKey)
	if err != nil {
		return protocol.OperateResp{}, protocol.AsFault(err)
	}
	svc.ReqMap = append(svc.ReqMap, ReqMapEntry{BrokerInstance: instance, CommandPath: req.CommandPath, CommandKey: req.CommandKey})

	resp, err := c.sendOperate(ctx, svc, req)
	if err != nil {
		c.reqTable.Remove(instance)
		svc.removeReqMapByInstance(instance)
		return protocol.OperateResp{}, err
	}

	if err := c.reqTable.SetActive(instance); err != nil {
		c.logger.Error("reqtable: SetActive on an instance we just inserted", "instance", instance, "error", err)
	}

	switch {
	case resp.OutputArgs != nil:
		c.reqTable.Complete(instance, resp.OutputArgs)
		c.reqTable.Remove(instance)
		svc.removeReqMapByInstance(instance)
	case resp.CommandFailure:
		c.reqTable.Fail(instance, resp.ErrCode, resp.ErrMsg)
		c.reqTable.Remove(instance)
		svc.removeReqMapByInstance(instance)
	}
	return resp, nil
}

// sendOperate sends req to svc and decodes the OperateResp, shared by
// the sync and async branches.
func (c *Core) sendOperate(ctx context.Context, svc *Service, req protocol.Operate) (protocol.OperateResp, error) {
	msgID := c.idgen.NextMsgID()
	respMsg, err := c.sendAndWaitForResponse(ctx, svc, protocol.Message{MsgID: msgID, Body: req})
	if err != nil {
		return protocol.OperateResp{}, err
	}
	resp, ok := respMsg.Body.(protocol.OperateResp)
	if !ok {
		return protocol.OperateResp{}, protocol.ErrUnexpectedKind
	}
	if err := protocol.DecodeOperateResp(resp); err != nil {
		return protocol.OperateResp{}, err
	}
	return resp, nil
}

func (c *Core) hasOperationCompleteSubscription(commandPath string) bool {
	_, ok := c.operationCompleteRecipient(commandPath)
	return ok
}

// operationCompleteRecipient returns the Controller endpoint that holds
// the enabled OperationComplete subscription covering commandPath, as
// used both by Operate's precondition check and by the Broker's own
// synthesized failure notifications (§4.8, §8 scenarios 5 and 6) when a
// command never gets to complete via a real NOTIFY from the Service.
func (c *Core) operationCompleteRecipient(commandPath string) (string, bool) {
	for _, row := range c.subTable.List() {
		if row.NotifType != protocol.NotifOperationComplete || !row.Enabled {
			continue
		}
		for _, ref := range row.ReferencePaths {
			if ref == commandPath {
				return row.Recipient, true
			}
		}
	}
	return "", false
}
