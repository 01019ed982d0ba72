// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"sort"
	"strconv"
	"strings"

	"github.com/uspbroker/broker/internal/protocol"
)

// The Broker exposes its own connected-Service diagnostics under this
// reserved subtree (§6): a read-only count plus one row per Service
// keyed by EndpointID. Unlike every other path, it is never owned by a
// group — it is computed directly from the registry on every Get, which
// is always current, rather than cached separately and refreshed on
// registry mutation: there is no intermediate copy that could go stale.
const (
	uspServicesPrefix         = "Device.USPServices."
	uspServiceObjectPrefix    = uspServicesPrefix + "USPService."
	uspServiceNumberOfEntries = uspServicesPrefix + "USPServiceNumberOfEntries"
)

// isUSPServicesPath reports whether any of paths falls under the
// Broker's own reserved diagnostics subtree.
func isUSPServicesPath(paths []string) bool {
	for _, p := range paths {
		if strings.HasPrefix(p, uspServicesPrefix) {
			return true
		}
	}
	return false
}

type uspServiceRow struct {
	instance   int
	endpointID string
	protocol   string
	paths      string
	hasCtrl    bool
}

func (r uspServiceRow) param(name string) (string, bool) {
	switch name {
	case "EndpointID":
		return r.endpointID, true
	case "Protocol":
		return r.protocol, true
	case "DataModelPaths":
		return r.paths, true
	case "HasController":
		return strconv.FormatBool(r.hasCtrl), true
	case "PathsFingerprint":
		return pathListFingerprint(strings.Split(r.paths, ",")), true
	default:
		return "", false
	}
}

func (c *Core) uspServicesRows() []uspServiceRow {
	services := c.registry.All()
	rows := make([]uspServiceRow, len(services))
	for i, svc := range services {
		rows[i] = uspServiceRow{
			instance:   svc.Instance,
			endpointID: svc.Endpoint,
			protocol:   svc.Protocol,
			paths:      strings.Join(svc.RegisteredPrefixes, ","),
			hasCtrl:    svc.HasController,
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].instance < rows[j].instance })
	return rows
}

// handleUSPServicesGet answers a Get request entirely from the registry,
// bypassing the normal single-group operation adapter: this subtree has
// no owning Service to round-trip to.
func (c *Core) handleUSPServicesGet(req protocol.Get) protocol.GetResp {
	var results []protocol.GetResultEntry
	for _, p := range req.Paths {
		results = append(results, c.resolveUSPServicesPath(p)...)
	}
	return protocol.GetResp{Results: results}
}

func (c *Core) resolveUSPServicesPath(path string) []protocol.GetResultEntry {
	rows := c.uspServicesRows()

	if path == uspServiceNumberOfEntries {
		return []protocol.GetResultEntry{{RequestedPath: path, ResolvedPath: path, Value: strconv.Itoa(len(rows))}}
	}
	if path == uspServicesPrefix || path == uspServiceObjectPrefix {
		var out []protocol.GetResultEntry
		for _, row := range rows {
			out = append(out, c.rowEntries(path, row)...)
		}
		return out
	}

	rest := strings.TrimPrefix(path, uspServiceObjectPrefix)
	if rest == path {
		return []protocol.GetResultEntry{uspServicesParamError(path, "unknown Broker-internal path")}
	}
	segs := strings.SplitN(rest, ".", 2)
	instance, err := strconv.Atoi(segs[0])
	if err != nil {
		return []protocol.GetResultEntry{uspServicesParamError(path, "malformed instance number")}
	}

	var row uspServiceRow
	found := false
	for _, r := range rows {
		if r.instance == instance {
			row, found = r, true
			break
		}
	}
	if !found {
		return []protocol.GetResultEntry{uspServicesParamError(path, "no such USPService instance")}
	}
	if len(segs) == 1 || segs[1] == "" {
		return c.rowEntries(path, row)
	}
	value, ok := row.param(segs[1])
	if !ok {
		return []protocol.GetResultEntry{uspServicesParamError(path, "unknown parameter")}
	}
	base := uspServiceObjectPrefix + strconv.Itoa(row.instance) + "."
	return []protocol.GetResultEntry{{RequestedPath: path, ResolvedPath: base + segs[1], Value: value}}
}

func (c *Core) rowEntries(requestedPath string, row uspServiceRow) []protocol.GetResultEntry {
	base := uspServiceObjectPrefix + strconv.Itoa(row.instance) + "."
	names := []string{"EndpointID", "Protocol", "DataModelPaths", "HasController", "PathsFingerprint"}
	out := make([]protocol.GetResultEntry, 0, len(names))
	for _, n := range names {
		v, _ := row.param(n)
		out = append(out, protocol.GetResultEntry{RequestedPath: requestedPath, ResolvedPath: base + n, Value: v})
	}
	return out
}

func uspServicesParamError(path, msg string) protocol.GetResultEntry {
	return protocol.GetResultEntry{RequestedPath: path, ResolvedPath: path,
		Err: &protocol.GetParamError{Path: path, ErrCode: protocol.ErrInternal, ErrMsg: msg}}
}

// handleUSPServicesGetInstances answers a GetInstances request against
// Device.USPServices.USPService. with one InstantiatedPath per connected
// Service, keyed by the EndpointID unique key (§6).
func (c *Core) handleUSPServicesGetInstances() protocol.GetInstancesResp {
	rows := c.uspServicesRows()
	out := make([]protocol.InstanceEntry, 0, len(rows))
	for _, row := range rows {
		instPath := uspServiceObjectPrefix + strconv.Itoa(row.instance) + "."
		out = append(out, protocol.InstanceEntry{
			ObjPath:          uspServiceObjectPrefix,
			InstantiatedPath: instPath,
			UniqueKeys:       map[string]string{"EndpointID": row.endpointID},
		})
	}
	return protocol.GetInstancesResp{Instances: out}
}
