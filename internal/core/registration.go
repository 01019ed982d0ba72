// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/uspbroker/broker/internal/protocol"
	"github.com/uspbroker/broker/internal/schema"
	"github.com/uspbroker/broker/internal/usppath"
)

// HandleRegister implements the registration protocol: validates each
// requested prefix, rejects prefixes already owned by any Service or
// reserved by the Broker, installs a schema placeholder for every
// accepted prefix, and schedules a GetSupportedDM request to discover
// the real shape.
//
// A Service that has already registered successfully is refused
// outright (single-registration policy): Register only ever grows a
// fresh Service's schema, never a connected one's.
func (c *Core) HandleRegister(svc *Service, req protocol.Register) protocol.RegisterResp {
	if svc.PendingGetSupportedDMMsgID != "" {
		return c.rejectRegister(req.Paths, ErrGSDMPending)
	}
	if len(svc.RegisteredPrefixes) > 0 {
		return c.rejectRegister(req.Paths, ErrAlreadyRegistered)
	}

	results := make([]protocol.RegisterResult, 0, len(req.Paths))
	accepted := make([]string, 0, len(req.Paths))
	for _, prefix := range req.Paths {
		if err := c.validateRegistrablePrefix(prefix); err != nil {
			results = append(results, protocol.RegisterResult{Path: prefix, OK: false, ErrCode: registerErrCode(err), ErrMsg: err.Error()})
			continue
		}
		results = append(results, protocol.RegisterResult{Path: prefix, OK: true})
		accepted = append(accepted, prefix)
	}

	anyFailed := false
	for _, r := range results {
		if !r.OK {
			anyFailed = true
			break
		}
	}
	// allow_partial=false fails the whole batch on any single conflict, but
	// each path keeps its own failure reason (e.g. PathAlreadyRegistered):
	// only the paths that individually validated fine are demoted to a
	// generic rejection, since they have no natural error of their own.
	if anyFailed && !req.AllowPartial {
		failed := make([]protocol.RegisterResult, len(results))
		for i, r := range results {
			if r.OK {
				failed[i] = protocol.RegisterResult{Path: r.Path, OK: false, ErrCode: protocol.ErrRegisterFailure, ErrMsg: "register rejected: allow_partial is false and at least one prefix failed"}
				continue
			}
			failed[i] = r
		}
		return protocol.RegisterResp{Results: failed}
	}

	for _, prefix := range accepted {
		if err := c.schemaTree.RegisterPlaceholder(svc.Group, prefix); err != nil {
			c.logger.Warn("register: placeholder install failed after acceptance", slog.String("prefix", prefix), slog.Any("error", err))
			continue
		}
		svc.RegisteredPrefixes = append(svc.RegisteredPrefixes, prefix)
	}

	if len(accepted) > 0 {
		c.logger.Debug("register: accepted prefixes",
			slog.String("service", svc.Endpoint),
			slog.String("paths_fingerprint", pathListFingerprint(svc.RegisteredPrefixes)))
		c.scheduleGetSupportedDM(svc)
	}

	return protocol.RegisterResp{Results: results}
}

// pathListFingerprint hashes a Service's registered path-prefix list
// into a short, stable identifier for log correlation and for the
// Device.USPServices diagnostics table (§6), cheaper to eyeball and
// grep than the full comma-joined path list.
func pathListFingerprint(prefixes []string) string {
	h := blake3.New()
	h.Write([]byte(strings.Join(prefixes, ",")))
	return hex.EncodeToString(h.Sum(nil)[:6])
}

// rejectRegister builds a RegisterResp failing every requested path with
// the same underlying cause, distinguishing "a GetSupportedDM round trip
// from an earlier Register is still outstanding" (ErrGSDMPending) from
// "this Service has already completed a successful Register"
// (ErrAlreadyRegistered) — the original broker treats an interleaved
// Register during an in-flight GetSupportedDM as a different failure
// than a plain re-register attempt.
func (c *Core) rejectRegister(paths []string, cause error) protocol.RegisterResp {
	results := make([]protocol.RegisterResult, len(paths))
	for i, p := range paths {
		results[i] = protocol.RegisterResult{Path: p, OK: false, ErrCode: protocol.ErrRegisterFailure, ErrMsg: cause.Error()}
	}
	return protocol.RegisterResp{Results: results}
}

// registerErrCode maps a validateRegistrablePrefix failure to the wire
// error code RegisterResp reports for it. A prefix already owned by
// another Service's group, or falling under a Broker-reserved subtree
// (effectively already present in the data model), is reported as
// PathAlreadyRegistered rather than the generic RegisterFailure — the
// original broker returns the same USP_ERR_PATH_ALREADY_REGISTERED for
// both cases.
func registerErrCode(err error) protocol.ErrKind {
	if errors.Is(err, schema.ErrPrefixOwned) || errors.Is(err, usppath.ErrReservedPrefix) {
		return protocol.ErrPathAlreadyRegistered
	}
	return protocol.ErrRegisterFailure
}

func (c *Core) validateRegistrablePrefix(prefix string) error {
	if err := usppath.ValidatePrefix(prefix); err != nil {
		return err
	}
	if usppath.IsReserved(prefix) {
		return usppath.ErrReservedPrefix
	}
	if _, owned := c.schemaTree.GroupOf(prefix); owned {
		return schema.ErrPrefixOwned
	}
	return nil
}

// scheduleGetSupportedDM issues the follow-up GetSupportedDM request
// that refines a Service's freshly-accepted placeholder prefixes into
// their real shape. The request is fire-and-forget from Register's
// point of view; the response is correlated asynchronously by
// PendingGetSupportedDMMsgID when it arrives.
func (c *Core) scheduleGetSupportedDM(svc *Service) {
	req := protocol.BuildGetSupportedDM(svc.RegisteredPrefixes, true, true, true)
	msgID := c.idgen.NextMsgID()
	svc.PendingGetSupportedDMMsgID = msgID
	c.send(svc, protocol.Message{MsgID: msgID, Body: req})
}

// HandleGetSupportedDMResp processes a Service's response to the
// GetSupportedDM request Register scheduled. Mismatched message ids
// (a response to a stale or unrelated request) are dropped.
func (c *Core) HandleGetSupportedDMResp(svc *Service, msgID string, resp protocol.GetSupportedDMResp) {
	if svc.PendingGetSupportedDMMsgID == "" || svc.PendingGetSupportedDMMsgID != msgID {
		c.logger.Debug("dropping unmatched GetSupportedDMResp", slog.String("service", svc.Endpoint), slog.String("msg_id", msgID))
		return
	}
	svc.PendingGetSupportedDMMsgID = ""

	objects, err := schema.FromSupportedDM(resp.Objects)
	if err != nil {
		c.logger.Warn("GetSupportedDM response rejected", slog.String("service", svc.Endpoint), slog.Any("error", err))
		return
	}
	for _, prefix := range svc.RegisteredPrefixes {
		var subset []schema.Object
		for _, obj := range objects {
			if usppath.HasPrefixPath(prefix, obj.Path) {
				subset = append(subset, obj)
			}
		}
		c.schemaTree.Import(svc.Group, prefix, subset)
	}
	c.syncSubscriptions(svc)
}

// HandleDeregister implements the deregister side of the registration
// protocol (§4.2): each requested prefix (or every owned prefix, for a
// single empty-string entry) is verified as owned by svc, then torn
// down — in-flight commands and subscriptions under it are cleared and
// its schema subtree removed.
func (c *Core) HandleDeregister(svc *Service, req protocol.Deregister) protocol.DeregisterResp {
	prefixes := req.Paths
	if len(prefixes) == 1 && prefixes[0] == "" {
		prefixes = append([]string(nil), svc.RegisteredPrefixes...)
	}

	var success protocol.DeregisterResultEntry
	success.OK = true
	for _, prefix := range prefixes {
		if !svc.hasRegisteredPrefix(prefix) {
			return protocol.DeregisterResp{Results: []protocol.DeregisterResultEntry{{
				OK: false, Path: prefix, ErrCode: protocol.ErrDeregisterFailure, ErrMsg: "prefix not owned by this service",
			}}}
		}
		c.tearDownPrefix(svc, prefix)
		success.DeregisteredPaths = append(success.DeregisteredPaths, prefix)
	}
	return protocol.DeregisterResp{Results: []protocol.DeregisterResultEntry{success}}
}

func (c *Core) tearDownPrefix(svc *Service, prefix string) {
	// Commands under prefix are failed out, and their OperationComplete
	// subscription notified, before that same subscription's SubsMap
	// entry (and subTable row) is torn down below — otherwise the
	// Controller that should hear about K1's failure is unreachable by
	// the time the notification would be sent.
	keptReqs := svc.ReqMap[:0]
	for _, e := range svc.ReqMap {
		if usppath.HasPrefixPath(prefix, e.CommandPath) {
			const msg = "command's prefix deregistered before completion"
			c.reqTable.Fail(e.BrokerInstance, protocol.ErrCommandFailure, msg)
			c.reqTable.Remove(e.BrokerInstance)
			c.deliverOperationCompleteFailure(e, msg)
		} else {
			keptReqs = append(keptReqs, e)
		}
	}
	svc.ReqMap = keptReqs

	for _, e := range svc.SubsMap {
		if usppath.HasPrefixPath(prefix, e.Path) {
			c.subTable.Remove(e.BrokerInstance)
		}
	}
	keptSubs := svc.SubsMap[:0]
	for _, e := range svc.SubsMap {
		if !usppath.HasPrefixPath(prefix, e.Path) {
			keptSubs = append(keptSubs, e)
		}
	}
	svc.SubsMap = keptSubs

	c.schemaTree.RemovePrefix(svc.Group, prefix)
	svc.removeRegisteredPrefix(prefix)
}
