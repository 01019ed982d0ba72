// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package reqtable

import (
	"errors"

	"github.com/uspbroker/broker/internal/protocol"
)

// Status is the lifecycle state of a Request table row.
type Status string

const (
	StatusPending   Status = "Pending"   // Operate sent, awaiting OperateResp
	StatusActive    Status = "Active"    // OperateResp received, command running on the Service
	StatusCompleted Status = "Completed" // OperationComplete received with output args
	StatusFailed    Status = "Failed"    // OperationComplete received with a command failure
)

// Row is one Request table entry.
type Row struct {
	Instance    int
	CommandPath string
	CommandKey  string
	Status      Status
	OutputArgs  []protocol.OperateArg
	ErrCode     protocol.ErrKind
	ErrMsg      string
}

var (
	ErrNotFound     = errors.New("reqtable: no such row")
	ErrKeyNotUnique = errors.New("reqtable: (path, command_key) already in flight")
)

// Table is the Request table the Operation Adapter consults for
// outstanding async Operate commands.
type Table interface {
	// Add inserts a new Pending row for (commandPath, commandKey) and
	// returns its instance number. Fails with ErrKeyNotUnique if the
	// pair is already tracked.
	Add(commandPath, commandKey string) (int, error)

	// Get returns the row with the given instance number.
	Get(instance int) (Row, bool)

	// FindByKey returns the row matching (commandPath, commandKey), as
	// used by the Notification Router to correlate an incoming
	// OperationComplete.
	FindByKey(commandPath, commandKey string) (Row, bool)

	// SetActive transitions a Pending row to Active on OperateResp.
	SetActive(instance int) error

	// Complete transitions a row to Completed with the given output
	// args. The row is left in the table until Remove is called.
	Complete(instance int, outputArgs []protocol.OperateArg) error

	// Fail transitions a row to Failed with the given error. The row is
	// left in the table until Remove is called.
	Fail(instance int, code protocol.ErrKind, msg string) error

	// Remove deletes a row, terminal or not. Called once the core has
	// finished delivering a completion/failure to its originator, or
	// when a ReqMap entry is torn down without ever completing
	// (deregister, failure propagation).
	Remove(instance int)

	// List returns every row currently tracked, in ascending instance
	// order.
	List() []Row
}

// InMemoryTable is the only Table implementation: a slice guarded by the
// assumption that it is only ever touched from the core's
// single-threaded event loop.
type InMemoryTable struct {
	rows []Row
	next int
}

func NewInMemoryTable() *InMemoryTable {
	return &InMemoryTable{next: 1}
}

func (t *InMemoryTable) Add(commandPath, commandKey string) (int, error) {
	if _, ok := t.FindByKey(commandPath, commandKey); ok {
		return 0, ErrKeyNotUnique
	}
	instance := t.next
	t.next++
	t.rows = append(t.rows, Row{
		Instance:    instance,
		CommandPath: commandPath,
		CommandKey:  commandKey,
		Status:      StatusPending,
	})
	return instance, nil
}

func (t *InMemoryTable) Get(instance int) (Row, bool) {
	for _, r := range t.rows {
		if r.Instance == instance {
			return r, true
		}
	}
	return Row{}, false
}

func (t *InMemoryTable) FindByKey(commandPath, commandKey string) (Row, bool) {
	for _, r := range t.rows {
		if r.CommandPath == commandPath && r.CommandKey == commandKey {
			return r, true
		}
	}
	return Row{}, false
}

func (t *InMemoryTable) SetActive(instance int) error {
	for i := range t.rows {
		if t.rows[i].Instance == instance {
			t.rows[i].Status = StatusActive
			return nil
		}
	}
	return ErrNotFound
}

func (t *InMemoryTable) Complete(instance int, outputArgs []protocol.OperateArg) error {
	for i := range t.rows {
		if t.rows[i].Instance == instance {
			t.rows[i].Status = StatusCompleted
			t.rows[i].OutputArgs = outputArgs
			return nil
		}
	}
	return ErrNotFound
}

func (t *InMemoryTable) Fail(instance int, code protocol.ErrKind, msg string) error {
	for i := range t.rows {
		if t.rows[i].Instance == instance {
			t.rows[i].Status = StatusFailed
			t.rows[i].ErrCode = code
			t.rows[i].ErrMsg = msg
			return nil
		}
	}
	return ErrNotFound
}

func (t *InMemoryTable) Remove(instance int) {
	t.remove(instance)
}

func (t *InMemoryTable) remove(instance int) {
	for i, r := range t.rows {
		if r.Instance == instance {
			t.rows = append(t.rows[:i], t.rows[i+1:]...)
			return
		}
	}
}

func (t *InMemoryTable) List() []Row {
	out := make([]Row, len(t.rows))
	copy(out, t.rows)
	return out
}
