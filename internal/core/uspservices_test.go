// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"context"
	"testing"

	"github.com/uspbroker/broker/internal/protocol"
)

func TestGetUSPServicesNumberOfEntriesReflectsRegistry(t *testing.T) {
	c, registry, _ := newTestCore(t, 4)
	registry.Add("svc-a", RoleControllerSide, "h")
	registry.Add("svc-b", RoleControllerSide, "h")

	resp, err := c.Get(context.Background(), protocol.Get{Paths: []string{uspServiceNumberOfEntries}}, "admin")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].Value != "2" {
		t.Errorf("Results = %+v, want a single entry with value \"2\"", resp.Results)
	}
}

func TestGetUSPServicesWholeTableListsEveryRow(t *testing.T) {
	c, registry, _ := newTestCore(t, 4)
	svc, _ := registry.Add("svc-a", RoleControllerSide, "h")
	svc.Protocol = "unix_socket"
	svc.RegisteredPrefixes = []string{"Device.WiFi."}

	resp, err := c.Get(context.Background(), protocol.Get{Paths: []string{uspServicesPrefix}}, "admin")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(resp.Results) != 5 {
		t.Fatalf("Results = %+v, want 5 entries (one per diagnostic parameter)", resp.Results)
	}
	var sawEndpoint, sawPrefixes bool
	for _, r := range resp.Results {
		switch {
		case r.ResolvedPath == "Device.USPServices.USPService.1.EndpointID":
			sawEndpoint = r.Value == "svc-a"
		case r.ResolvedPath == "Device.USPServices.USPService.1.DataModelPaths":
			sawPrefixes = r.Value == "Device.WiFi."
		}
	}
	if !sawEndpoint {
		t.Error("EndpointID entry missing or wrong")
	}
	if !sawPrefixes {
		t.Error("DataModelPaths entry missing or wrong")
	}
}

func TestGetUSPServicesSingleParameterOnOneInstance(t *testing.T) {
	c, registry, _ := newTestCore(t, 4)
	svc, _ := registry.Add("svc-a", RoleControllerSide, "h")
	svc.Protocol = "mqtt"

	resp, err := c.Get(context.Background(), protocol.Get{
		Paths: []string{"Device.USPServices.USPService.1.Protocol"},
	}, "admin")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].Value != "mqtt" {
		t.Errorf("Results = %+v, want a single entry with value \"mqtt\"", resp.Results)
	}
}

func TestGetUSPServicesUnknownInstanceReturnsParamError(t *testing.T) {
	c, _, _ := newTestCore(t, 4)

	resp, err := c.Get(context.Background(), protocol.Get{
		Paths: []string{"Device.USPServices.USPService.99.EndpointID"},
	}, "admin")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].Err == nil {
		t.Fatalf("Results = %+v, want a single entry carrying a param error", resp.Results)
	}
}

func TestGetInstancesUSPServicesListsOneEntryPerConnectedService(t *testing.T) {
	c, registry, _ := newTestCore(t, 4)
	registry.Add("svc-a", RoleControllerSide, "h")
	registry.Add("svc-b", RoleControllerSide, "h")

	resp, err := c.GetInstances(context.Background(), protocol.GetInstances{
		ObjPaths: []string{uspServiceObjectPrefix},
	}, "admin")
	if err != nil {
		t.Fatalf("GetInstances() error = %v", err)
	}
	if len(resp.Instances) != 2 {
		t.Fatalf("Instances = %+v, want 2", resp.Instances)
	}
	if resp.Instances[0].UniqueKeys["EndpointID"] != "svc-a" {
		t.Errorf("first instance EndpointID = %q, want svc-a", resp.Instances[0].UniqueKeys["EndpointID"])
	}
}
