// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package substable

import (
	"errors"

	"github.com/uspbroker/broker/internal/protocol"
)

// Row is one Subscription table entry: a Controller's request to be
// notified of events matching one or more reference paths.
type Row struct {
	Instance       int
	ID             string
	NotifType      protocol.NotifType
	ReferencePaths []string
	Recipient      string // originator endpoint to deliver notifications to
	Enabled        bool
	Persistent     bool
}

var ErrNotFound = errors.New("substable: no such row")

// Table is the Broker's Subscription table. A row's reference paths may
// each be independently bound to a different Service's SubsMap entry
// (or to none, for core-delivered subscriptions the Broker itself
// satisfies without any Service).
type Table interface {
	// Add inserts row and returns its instance number.
	Add(row Row) int

	// Get returns the row with the given instance number.
	Get(instance int) (Row, bool)

	// Remove deletes a row and all of its binding state.
	Remove(instance int)

	// List returns every row, in ascending instance order.
	List() []Row

	// FindUnboundMatching returns the first enabled row whose reference
	// paths include path and which has not yet been bound for that
	// path, as used by subscription synchronization to pick a binding
	// candidate for a Service's unmatched row.
	FindUnboundMatching(path string) (instance int, ok bool)

	// Bind marks path as bound for instance, so it is no longer
	// returned by FindUnboundMatching for that path.
	Bind(instance int, path string) error

	// Unbind reverses Bind, used when the Service backing the binding
	// disconnects (failure propagation demotes bound paths back to
	// unbound so they can rebind on reconnect).
	Unbind(instance int, path string)

	// IsBound reports whether path is currently bound for instance.
	IsBound(instance int, path string) bool
}

// InMemoryTable is the only Table implementation.
type InMemoryTable struct {
	rows  []Row
	bound map[int]map[string]bool
	next  int
}

func NewInMemoryTable() *InMemoryTable {
	return &InMemoryTable{bound: make(map[int]map[string]bool), next: 1}
}

func (t *InMemoryTable) Add(row Row) int {
	row.Instance = t.next
	t.next++
	t.rows = append(t.rows, row)
	return row.Instance
}

func (t *InMemoryTable) Get(instance int) (Row, bool) {
	for _, r := range t.rows {
		if r.Instance == instance {
			return r, true
		}
	}
	return Row{}, false
}

func (t *InMemoryTable) Remove(instance int) {
	for i, r := range t.rows {
		if r.Instance == instance {
			t.rows = append(t.rows[:i], t.rows[i+1:]...)
			delete(t.bound, instance)
			return
		}
	}
}

func (t *InMemoryTable) List() []Row {
	out := make([]Row, len(t.rows))
	copy(out, t.rows)
	return out
}

func (t *InMemoryTable) FindUnboundMatching(path string) (int, bool) {
	for _, r := range t.rows {
		if !r.Enabled {
			continue
		}
		if !containsPath(r.ReferencePaths, path) {
			continue
		}
		if t.bound[r.Instance][path] {
			continue
		}
		return r.Instance, true
	}
	return 0, false
}

func (t *InMemoryTable) Bind(instance int, path string) error {
	if _, ok := t.Get(instance); !ok {
		return ErrNotFound
	}
	if t.bound[instance] == nil {
		t.bound[instance] = make(map[string]bool)
	}
	t.bound[instance][path] = true
	return nil
}

func (t *InMemoryTable) Unbind(instance int, path string) {
	delete(t.bound[instance], path)
}

func (t *InMemoryTable) IsBound(instance int, path string) bool {
	return t.bound[instance][path]
}

func containsPath(paths []string, path string) bool {
	for _, p := range paths {
		if p == path {
			return true
		}
	}
	return false
}
