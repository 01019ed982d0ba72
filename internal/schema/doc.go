// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package schema holds the Broker's unified Device. data model tree: the
// in-memory projection of every Service's registered prefixes and
// imported object/parameter/command/event shapes, tagged with the
// owning Service's group id.
//
// Tree is the interface the core depends on; InMemoryTree is the only
// implementation, a straightforward map-of-nodes keyed by path. Nodes
// are never shared across group ids: RegisterPlaceholder, Import (driven
// by a GetSupportedDMResp decoded by the protocol package), RemovePrefix
// and RemoveGroup each act on one Service's group only, and
// RegisterUniqueKeys fills in key names on an existing node without
// changing its group.
package schema
