// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"github.com/uspbroker/broker/internal/usppath"
)

// Tree is the unified data model the core consults to resolve a path to
// its owning group and to discover a Service's imported shape.
type Tree interface {
	// RegisterPlaceholder installs a single-instance placeholder node
	// for prefix under group, used between a successful Register and
	// the GetSupportedDM import that refines it. It fails if prefix
	// overlaps any existing registration or the Broker's own reserved
	// paths.
	RegisterPlaceholder(group GroupID, prefix string) error

	// Import replaces every node previously registered by group under
	// prefix with the real shape described by objects. Objects whose
	// Path does not fall under prefix are rejected by the caller before
	// Import is invoked; Import itself assumes objects already belong
	// to group. The prefix itself stays owned by group afterwards, as a
	// non-placeholder node, even when objects has no entry for it.
	Import(group GroupID, prefix string, objects []Object)

	// Resolve returns the Object whose Path is the longest registered
	// ancestor of path (treating "." as path separator), and true if
	// one exists.
	Resolve(path string) (Object, bool)

	// GroupOf returns the group owning path, or false if path resolves
	// nowhere in the tree.
	GroupOf(path string) (GroupID, bool)

	// TopLevelMultiInstance lists every top-level multi-instance object
	// path owned by group, for refresh-instances hook installation.
	TopLevelMultiInstance(group GroupID) []string

	// RemovePrefix deletes every node under prefix owned by group.
	RemovePrefix(group GroupID, prefix string)

	// RemoveGroup deletes every node owned by group, regardless of
	// prefix, and returns the list of prefixes that were removed.
	RemoveGroup(group GroupID) []string

	// OwnedPrefixes lists the top-level registered prefixes for group,
	// in registration order.
	OwnedPrefixes(group GroupID) []string

	// RegisterUniqueKeys records keys as the unique-key names for the
	// multi-instance table that resolves instancePath, if that table
	// doesn't already have unique keys registered. It is a no-op if
	// instancePath resolves nowhere, or the table already has keys.
	RegisterUniqueKeys(instancePath string, keys []string)
}

// InMemoryTree is a map-of-objects Tree implementation. It is not safe
// for concurrent use; the core's single-threaded event loop is its only
// caller.
type InMemoryTree struct {
	objects  map[string]Object // keyed by Path
	prefixes map[GroupID][]string
}

func NewInMemoryTree() *InMemoryTree {
	return &InMemoryTree{
		objects:  make(map[string]Object),
		prefixes: make(map[GroupID][]string),
	}
}

func (t *InMemoryTree) RegisterPlaceholder(group GroupID, prefix string) error {
	if usppath.IsReserved(prefix) {
		return ErrReservedPath
	}
	for _, obj := range t.objects {
		if usppath.Overlaps(obj.Path, prefix) {
			return ErrPrefixOwned
		}
	}
	t.objects[prefix] = Object{Path: prefix, Group: group, Placeholder: true}
	t.prefixes[group] = append(t.prefixes[group], prefix)
	return nil
}

func (t *InMemoryTree) Import(group GroupID, prefix string, objects []Object) {
	for path, obj := range t.objects {
		if obj.Group == group && usppath.HasPrefixPath(prefix, path) {
			delete(t.objects, path)
		}
	}
	for _, obj := range objects {
		obj.Group = group
		obj.Placeholder = false
		t.objects[obj.Path] = obj
	}
	if _, ok := t.objects[prefix]; !ok {
		t.objects[prefix] = Object{Path: prefix, Group: group}
	}
}

func (t *InMemoryTree) Resolve(path string) (Object, bool) {
	var best Object
	found := false
	for _, obj := range t.objects {
		if usppath.TemplateContains(obj.Path, path) {
			if !found || len(obj.Path) > len(best.Path) {
				best = obj
				found = true
			}
		}
	}
	return best, found
}

func (t *InMemoryTree) GroupOf(path string) (GroupID, bool) {
	obj, ok := t.Resolve(path)
	if !ok {
		return 0, false
	}
	return obj.Group, true
}

func (t *InMemoryTree) TopLevelMultiInstance(group GroupID) []string {
	var out []string
	for _, obj := range t.objects {
		if obj.Group == group && obj.MultiInstance && obj.TopLevelMulti {
			out = append(out, obj.Path)
		}
	}
	return out
}

func (t *InMemoryTree) RemovePrefix(group GroupID, prefix string) {
	for path, obj := range t.objects {
		if obj.Group == group && usppath.HasPrefixPath(prefix, path) {
			delete(t.objects, path)
		}
	}
	kept := t.prefixes[group][:0]
	for _, p := range t.prefixes[group] {
		if p != prefix {
			kept = append(kept, p)
		}
	}
	t.prefixes[group] = kept
}

func (t *InMemoryTree) RemoveGroup(group GroupID) []string {
	removed := t.prefixes[group]
	for path, obj := range t.objects {
		if obj.Group == group {
			delete(t.objects, path)
		}
	}
	delete(t.prefixes, group)
	return removed
}

func (t *InMemoryTree) OwnedPrefixes(group GroupID) []string {
	return t.prefixes[group]
}

func (t *InMemoryTree) RegisterUniqueKeys(instancePath string, keys []string) {
	obj, ok := t.Resolve(instancePath)
	if !ok || len(obj.UniqueKeys) > 0 || len(keys) == 0 {
		return
	}
	obj.UniqueKeys = keys
	t.objects[obj.Path] = obj
}
