// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"fmt"
	"strings"

	"github.com/uspbroker/broker/internal/protocol"
)

// FromSupportedDM converts the objects reported in a GetSupportedDMResp
// into schema Objects ready for Tree.Import. It rejects any object whose
// path does not start with "Device." and leaves group assignment to the
// caller (Import stamps it).
func FromSupportedDM(objects []protocol.SupportedObject) ([]Object, error) {
	out := make([]Object, 0, len(objects))
	for _, so := range objects {
		if !strings.HasPrefix(so.Path, "Device.") {
			return nil, fmt.Errorf("schema: supported object path %q does not start with Device.", so.Path)
		}
		// A multi-instance object's own Path carries a trailing "{i}."
		// placeholder on the wire (GetSupportedDM reports
		// "Device.WiFi.SSID.{i}."); the tree stores it bare
		// ("Device.WiFi.SSID.") since a Controller addressing the table
		// itself, rather than one of its instances, never sends the
		// placeholder, and Resolve/GroupOf only match concrete paths at
		// least as long as the template. A "{i}." earlier in the path
		// (a nested object under some instance) is left untouched.
		path := so.Path
		if so.IsMultiInstance {
			path = strings.TrimSuffix(path, "{i}.")
		}
		obj := Object{
			Path:          path,
			MultiInstance: so.IsMultiInstance,
			TopLevelMulti: so.IsMultiInstance && strings.Count(so.Path, "{i}.") == 1,
		}
		for _, p := range so.Params {
			obj.Params = append(obj.Params, Param{Name: p.Name, Type: p.Type, ReadOnly: p.ReadOnly})
		}
		for _, c := range so.Commands {
			cmd := Command{Name: c.Name, Type: c.Type}
			for _, a := range c.InputArgs {
				cmd.InputArgs = append(cmd.InputArgs, a.Name)
			}
			for _, a := range c.OutputArgs {
				cmd.OutputArgs = append(cmd.OutputArgs, a.Name)
			}
			obj.Commands = append(obj.Commands, cmd)
		}
		for _, e := range so.Events {
			obj.Events = append(obj.Events, Event{Name: e.Name, Args: e.Args})
		}
		out = append(out, obj)
	}
	return out, nil
}
