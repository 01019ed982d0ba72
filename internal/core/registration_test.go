// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"testing"

	"github.com/uspbroker/broker/internal/protocol"
	"github.com/uspbroker/broker/internal/substable"
)

func TestHandleRegisterAcceptsValidPrefixAndSchedulesGetSupportedDM(t *testing.T) {
	c, registry, ft := newTestCore(t, 4)
	svc, _ := registry.Add("svc-a", RoleControllerSide, "handle-a")
	ft.endpoint = "svc-a"

	resp := c.HandleRegister(svc, protocol.Register{Paths: []string{"Device.WiFi."}})

	if len(resp.Results) != 1 || !resp.Results[0].OK {
		t.Fatalf("HandleRegister() = %+v, want a single OK result", resp.Results)
	}
	if len(ft.sent) != 1 || ft.sent[0].Body.Kind() != protocol.KindGetSupportedDM {
		t.Fatalf("expected a GetSupportedDM to be scheduled, sent = %+v", ft.sent)
	}
	if svc.PendingGetSupportedDMMsgID == "" {
		t.Error("PendingGetSupportedDMMsgID not set after scheduling")
	}
}

func TestHandleRegisterRejectsReservedPrefix(t *testing.T) {
	c, registry, _ := newTestCore(t, 4)
	svc, _ := registry.Add("svc-a", RoleControllerSide, "h")

	resp := c.HandleRegister(svc, protocol.Register{Paths: []string{"Device.LocalAgent."}})

	if resp.Results[0].OK {
		t.Error("HandleRegister() accepted a reserved prefix")
	}
	if resp.Results[0].ErrCode != protocol.ErrPathAlreadyRegistered {
		t.Errorf("ErrCode = %v, want PathAlreadyRegistered (a reserved prefix is already present in the data model)", resp.Results[0].ErrCode)
	}
}

func TestHandleRegisterConflictingPrefixFromAnotherServiceIsPathAlreadyRegistered(t *testing.T) {
	c, registry, ft := newTestCore(t, 4)
	s1, _ := registry.Add("svc-a", RoleControllerSide, "ha")
	ft.endpoint = "svc-a"
	c.HandleRegister(s1, protocol.Register{Paths: []string{"Device.WiFi."}})

	s2, _ := registry.Add("svc-b", RoleControllerSide, "hb")
	resp := c.HandleRegister(s2, protocol.Register{AllowPartial: false, Paths: []string{"Device.WiFi."}})

	if resp.Results[0].OK {
		t.Error("HandleRegister() let a second service claim an already-owned prefix")
	}
	if resp.Results[0].ErrCode != protocol.ErrPathAlreadyRegistered {
		t.Errorf("ErrCode = %v, want PathAlreadyRegistered", resp.Results[0].ErrCode)
	}
	if len(s2.RegisteredPrefixes) != 0 {
		t.Errorf("s2.RegisteredPrefixes = %v, want s2 to own nothing", s2.RegisteredPrefixes)
	}
}

func TestHandleRegisterAllowPartialFalseFailsWholeBatch(t *testing.T) {
	c, registry, _ := newTestCore(t, 4)
	svc, _ := registry.Add("svc-a", RoleControllerSide, "h")

	resp := c.HandleRegister(svc, protocol.Register{
		AllowPartial: false,
		Paths:        []string{"Device.WiFi.", "Device.LocalAgent."},
	})

	for _, r := range resp.Results {
		if r.OK {
			t.Errorf("result for %q = OK, want every result to fail when allow_partial is false", r.Path)
		}
	}
	if len(svc.RegisteredPrefixes) != 0 {
		t.Errorf("RegisteredPrefixes = %v, want none installed on whole-batch failure", svc.RegisteredPrefixes)
	}
}

func TestHandleRegisterWhileGetSupportedDMPendingIsRefused(t *testing.T) {
	c, registry, ft := newTestCore(t, 4)
	svc, _ := registry.Add("svc-a", RoleControllerSide, "h")
	ft.endpoint = "svc-a"
	c.HandleRegister(svc, protocol.Register{Paths: []string{"Device.WiFi."}})
	if svc.PendingGetSupportedDMMsgID == "" {
		t.Fatal("first Register() did not schedule a GetSupportedDM request")
	}

	resp := c.HandleRegister(svc, protocol.Register{Paths: []string{"Device.DeviceInfo."}})

	if resp.Results[0].OK {
		t.Error("Register() while a GetSupportedDM round trip is outstanding was accepted")
	}
	if resp.Results[0].ErrCode != protocol.ErrRegisterFailure {
		t.Errorf("ErrCode = %v, want ErrRegisterFailure", resp.Results[0].ErrCode)
	}
	if resp.Results[0].ErrMsg != ErrGSDMPending.Error() {
		t.Errorf("ErrMsg = %q, want %q", resp.Results[0].ErrMsg, ErrGSDMPending.Error())
	}
}

func TestHandleRegisterAfterSuccessfulRegistrationIsRefused(t *testing.T) {
	c, registry, ft := newTestCore(t, 4)
	svc, _ := registry.Add("svc-a", RoleControllerSide, "h")
	ft.endpoint = "svc-a"
	ft.respond = func(msg protocol.Message) (protocol.Message, bool) {
		if _, ok := msg.Body.(protocol.GetInstances); ok {
			return protocol.Message{MsgID: msg.MsgID, Body: protocol.GetInstancesResp{}}, true
		}
		return protocol.Message{}, false
	}
	c.HandleRegister(svc, protocol.Register{Paths: []string{"Device.WiFi."}})
	c.HandleGetSupportedDMResp(svc, svc.PendingGetSupportedDMMsgID, protocol.GetSupportedDMResp{})

	resp := c.HandleRegister(svc, protocol.Register{Paths: []string{"Device.DeviceInfo."}})

	if resp.Results[0].OK {
		t.Error("second Register() on an already-registered service was accepted")
	}
	if resp.Results[0].ErrMsg != ErrAlreadyRegistered.Error() {
		t.Errorf("ErrMsg = %q, want %q", resp.Results[0].ErrMsg, ErrAlreadyRegistered.Error())
	}
}

func TestHandleGetSupportedDMRespImportsSchemaAndSyncsSubscriptions(t *testing.T) {
	c, registry, ft := newTestCore(t, 4)
	svc, _ := registry.Add("svc-a", RoleControllerSide, "h")
	ft.endpoint = "svc-a"
	// once schema import finishes, syncSubscriptions issues a GetInstances
	// against the service's own Subscription table; answer with none so
	// the sync completes without further round trips.
	ft.respond = func(msg protocol.Message) (protocol.Message, bool) {
		if _, ok := msg.Body.(protocol.GetInstances); ok {
			return protocol.Message{MsgID: msg.MsgID, Body: protocol.GetInstancesResp{}}, true
		}
		return protocol.Message{}, false
	}
	c.HandleRegister(svc, protocol.Register{Paths: []string{"Device.WiFi."}})
	msgID := svc.PendingGetSupportedDMMsgID

	c.HandleGetSupportedDMResp(svc, msgID, protocol.GetSupportedDMResp{
		Objects: []protocol.SupportedObject{
			{Path: "Device.WiFi.SSID.{i}.", IsMultiInstance: true, Params: []protocol.SupportedParam{{Name: "Name", Type: protocol.ParamTypeString}}},
		},
	})

	if svc.PendingGetSupportedDMMsgID != "" {
		t.Error("PendingGetSupportedDMMsgID not cleared after matching response")
	}
	group, ok := c.schemaTree.GroupOf("Device.WiFi.SSID.1.Name")
	if !ok || group != svc.Group {
		t.Errorf("GroupOf(Device.WiFi.SSID.1.Name) = (%v, %v), want (%v, true)", group, ok, svc.Group)
	}
}

func TestHandleGetSupportedDMRespDropsMismatchedMsgID(t *testing.T) {
	c, registry, _ := newTestCore(t, 4)
	svc, _ := registry.Add("svc-a", RoleControllerSide, "h")
	svc.PendingGetSupportedDMMsgID = "BROKER-1-1"

	c.HandleGetSupportedDMResp(svc, "some-other-id", protocol.GetSupportedDMResp{})

	if svc.PendingGetSupportedDMMsgID != "BROKER-1-1" {
		t.Error("mismatched response cleared PendingGetSupportedDMMsgID")
	}
}

func TestHandleDeregisterTearsDownOwnedPrefix(t *testing.T) {
	c, registry, ft := newTestCore(t, 4)
	svc, _ := registry.Add("svc-a", RoleControllerSide, "h")
	ft.endpoint = "svc-a"
	c.HandleRegister(svc, protocol.Register{Paths: []string{"Device.WiFi."}})

	resp := c.HandleDeregister(svc, protocol.Deregister{Paths: []string{"Device.WiFi."}})

	if !resp.Results[0].OK {
		t.Fatalf("HandleDeregister() = %+v, want OK", resp.Results)
	}
	if svc.hasRegisteredPrefix("Device.WiFi.") {
		t.Error("prefix still registered after deregister")
	}
	if _, ok := c.schemaTree.GroupOf("Device.WiFi."); ok {
		t.Error("schema subtree still resolves after deregister")
	}
}

func TestHandleDeregisterAllNotifiesActiveCommandFailure(t *testing.T) {
	c, registry, ft := newTestCore(t, 4)
	svc, _ := registry.Add("svc-a", RoleControllerSide, "h")
	ft.endpoint = "svc-a"
	c.HandleRegister(svc, protocol.Register{Paths: []string{"Device.WiFi."}})
	c.subTable.Add(substable.Row{NotifType: protocol.NotifOperationComplete, Recipient: "controller-1", Enabled: true, ReferencePaths: []string{"Device.WiFi.Reset()"}})
	reqInstance, _ := c.reqTable.Add("Device.WiFi.Reset()", "key-1")
	svc.ReqMap = append(svc.ReqMap, ReqMapEntry{BrokerInstance: reqInstance, CommandPath: "Device.WiFi.Reset()", CommandKey: "key-1"})

	var gotRecipient string
	var gotNotify protocol.Notify
	c.SetNotificationSink(func(recipient string, n protocol.Notify) { gotRecipient, gotNotify = recipient, n })

	resp := c.HandleDeregister(svc, protocol.Deregister{Paths: []string{""}})

	if !resp.Results[0].OK {
		t.Fatalf("HandleDeregister() = %+v, want OK", resp.Results)
	}
	if _, ok := c.reqTable.Get(reqInstance); ok {
		t.Error("reqTable row still present after deregister tore down its prefix")
	}
	if gotRecipient != "controller-1" {
		t.Errorf("delivered to %q, want controller-1 told K1 failed", gotRecipient)
	}
	if !gotNotify.CommandFailure || gotNotify.CommandKey != "key-1" {
		t.Errorf("delivered notify = %+v, want a CommandFailure OperationComplete for key-1", gotNotify)
	}
}

func TestHandleDeregisterUnownedPrefixFails(t *testing.T) {
	c, registry, _ := newTestCore(t, 4)
	svc, _ := registry.Add("svc-a", RoleControllerSide, "h")

	resp := c.HandleDeregister(svc, protocol.Deregister{Paths: []string{"Device.WiFi."}})

	if resp.Results[0].OK {
		t.Error("HandleDeregister() succeeded on an unowned prefix")
	}
}
