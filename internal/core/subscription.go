// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/uspbroker/broker/internal/protocol"
)

type serviceSubscriptionRow struct {
	instantiatedPath string
	id               string
	notifType        string
	referencePath    string
	enabled          bool
}

// syncSubscriptions implements subscription synchronization (§4.5): run
// once immediately after a Service's schema import completes. It is
// core-internal traffic, issued directly against the transport rather
// than through the front door, so it bypasses the permission store the
// way every other Broker-originated request does.
func (c *Core) syncSubscriptions(svc *Service) {
	ctx := context.Background()
	rows, err := c.fetchServiceSubscriptionRows(ctx, svc)
	if err != nil {
		c.logger.Warn("subscription sync: failed to read service subscription table", slog.String("service", svc.Endpoint), slog.Any("error", err))
		return
	}

	var toDelete []string
	for _, row := range rows {
		if !protocol.IsBrokerID(row.id) {
			continue
		}
		if !row.enabled {
			toDelete = append(toDelete, row.instantiatedPath)
			continue
		}
		group, resolved := c.schemaTree.GroupOf(row.referencePath)
		if !resolved {
			continue
		}
		if group != svc.Group {
			toDelete = append(toDelete, row.instantiatedPath)
			continue
		}
		if _, exists := svc.findSubsMapByID(row.id); exists {
			continue
		}
		instance, ok := c.subTable.FindUnboundMatching(row.referencePath)
		if !ok {
			toDelete = append(toDelete, row.instantiatedPath)
			continue
		}
		if err := c.subTable.Bind(instance, row.referencePath); err != nil {
			toDelete = append(toDelete, row.instantiatedPath)
			continue
		}
		svc.SubsMap = append(svc.SubsMap, SubsMapEntry{
			BrokerInstance:  instance,
			ServiceInstance: serviceInstanceFromPath(row.instantiatedPath),
			SubscriptionID:  row.id,
			Path:            row.referencePath,
		})
	}

	if len(toDelete) > 0 {
		del := protocol.BuildDelete(false, toDelete)
		if _, err := c.sendAndWaitForResponse(ctx, svc, protocol.Message{MsgID: c.idgen.NextMsgID(), Body: del}); err != nil {
			c.logger.Warn("subscription sync: cleanup delete failed", slog.String("service", svc.Endpoint), slog.Any("error", err))
		}
	}

	c.startUnmatchedSubscriptions(ctx, svc)
}

// startUnmatchedSubscriptions creates a Service-side subscription row
// for every Broker Subscription table entry whose reference path
// resolves under svc's group and is not yet bound.
func (c *Core) startUnmatchedSubscriptions(ctx context.Context, svc *Service) {
	for _, row := range c.subTable.List() {
		if !row.Enabled {
			continue
		}
		for _, refPath := range row.ReferencePaths {
			group, ok := c.schemaTree.GroupOf(refPath)
			if !ok || group != svc.Group {
				continue
			}
			if c.subTable.IsBound(row.Instance, refPath) {
				continue
			}
			c.startSubscription(ctx, svc, row.Instance, string(row.NotifType), refPath, row.Persistent)
		}
	}
}

func (c *Core) startSubscription(ctx context.Context, svc *Service, brokerInstance int, notifType, referencePath string, persistent bool) {
	id := c.idgen.NextSubscriptionID()
	add := protocol.BuildSubscribeAdd(id, notifType, referencePath, persistent)
	msgID := c.idgen.NextMsgID()
	respMsg, err := c.sendAndWaitForResponse(ctx, svc, protocol.Message{MsgID: msgID, Body: add})
	if err != nil {
		c.logger.Warn("subscription start failed", slog.String("service", svc.Endpoint), slog.String("path", referencePath), slog.Any("error", err))
		return
	}
	resp, ok := respMsg.Body.(protocol.AddResp)
	if !ok || !resp.OK {
		c.logger.Warn("subscription start rejected", slog.String("service", svc.Endpoint), slog.String("path", referencePath))
		return
	}
	if err := c.subTable.Bind(brokerInstance, referencePath); err != nil {
		c.logger.Warn("subscription start: bind failed after service accepted", slog.Any("error", err))
		return
	}
	svc.SubsMap = append(svc.SubsMap, SubsMapEntry{
		BrokerInstance:  brokerInstance,
		ServiceInstance: serviceInstanceFromPath(resp.InstantiatedPath),
		SubscriptionID:  id,
		Path:            referencePath,
	})
}

func (c *Core) fetchServiceSubscriptionRows(ctx context.Context, svc *Service) ([]serviceSubscriptionRow, error) {
	instMsg := protocol.BuildGetInstances([]string{protocol.SubscriptionPrefix}, true)
	respMsg, err := c.sendAndWaitForResponse(ctx, svc, protocol.Message{MsgID: c.idgen.NextMsgID(), Body: instMsg})
	if err != nil {
		return nil, err
	}
	instResp, ok := respMsg.Body.(protocol.GetInstancesResp)
	if !ok {
		return nil, protocol.ErrUnexpectedKind
	}

	rows := make([]serviceSubscriptionRow, 0, len(instResp.Instances))
	for _, inst := range instResp.Instances {
		paths := []string{inst.InstantiatedPath + "ID", inst.InstantiatedPath + "Enable", inst.InstantiatedPath + "NotifType", inst.InstantiatedPath + "ReferenceList"}
		get := protocol.BuildGet(paths, 0)
		getRespMsg, err := c.sendAndWaitForResponse(ctx, svc, protocol.Message{MsgID: c.idgen.NextMsgID(), Body: get})
		if err != nil {
			c.logger.Debug("subscription sync: fetching row failed", slog.String("path", inst.InstantiatedPath), slog.Any("error", err))
			continue
		}
		getResp, ok := getRespMsg.Body.(protocol.GetResp)
		if !ok {
			continue
		}
		row := serviceSubscriptionRow{instantiatedPath: inst.InstantiatedPath}
		for _, r := range getResp.Results {
			switch {
			case strings.HasSuffix(r.RequestedPath, "ID"):
				row.id = r.Value
			case strings.HasSuffix(r.RequestedPath, "Enable"):
				row.enabled = r.Value == "true" || r.Value == "1"
			case strings.HasSuffix(r.RequestedPath, "NotifType"):
				row.notifType = r.Value
			case strings.HasSuffix(r.RequestedPath, "ReferenceList"):
				row.referencePath = r.Value
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// serviceInstanceFromPath extracts the trailing instance number from a
// path like "Device.LocalAgent.Subscription.3.", returning 0 if the
// path does not end in a numeric segment.
func serviceInstanceFromPath(path string) int {
	trimmed := strings.TrimSuffix(path, ".")
	idx := strings.LastIndex(trimmed, ".")
	if idx < 0 {
		return 0
	}
	n, err := strconv.Atoi(trimmed[idx+1:])
	if err != nil {
		return 0
	}
	return n
}
