// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import "github.com/uspbroker/broker/internal/protocol"

// GroupID tags every node with the Service that owns it. GroupID zero is
// reserved for the Broker's own internal schema (Device.USPServices. and
// the other entries in usppath.Reserved); it is never allocated to a
// Service.
type GroupID int

const BrokerGroup GroupID = 0

// Param describes one parameter of an Object.
type Param struct {
	Name     string
	Type     protocol.ParamType
	ReadOnly bool
}

// Command describes one operable command under an Object. Type tags
// whether the Broker registers it under the sync or async Operate hook;
// the zero value behaves as Async (see protocol.CommandType).
type Command struct {
	Name       string
	Type       protocol.CommandType
	InputArgs  []string
	OutputArgs []string
}

// IsSync reports whether this command was declared CMD_SYNC during
// GetSupportedDM import. Anything else, including an unset Type,
// follows the import switch's default case and is treated as async.
func (c Command) IsSync() bool {
	return c.Type == protocol.CommandTypeSync
}

// Event describes one event an Object may emit.
type Event struct {
	Name string
	Args []string
}

// Object is one node of the schema tree: either a single-instance object
// (a struct-like container addressed by one fixed path) or a
// multi-instance object (a table whose own Path is bare, e.g.
// "Device.WiFi.SSID.", addressed by "<Path><n>." once instantiated).
// Path never carries the GetSupportedDM "{i}." placeholder itself; see
// FromSupportedDM.
type Object struct {
	Path           string
	Group          GroupID
	MultiInstance  bool
	TopLevelMulti  bool // true iff MultiInstance and the wire path had exactly one "{i}." segment
	Placeholder    bool // true between successful Register and GetSupportedDM import completing
	Params         []Param
	Commands       []Command
	Events         []Event

	// UniqueKeys names the parameters that uniquely identify a row of a
	// multi-instance table, once registered. It starts empty and is
	// filled in lazily by RegisterUniqueKeys the first time a Service
	// reports them on an Add response for that table (§4.4); later
	// reports for the same table are no-ops.
	UniqueKeys []string
}

func (o *Object) param(name string) (Param, bool) {
	for _, p := range o.Params {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}
