// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package reqtable holds the Broker's Request table: one row per
// asynchronous Operate command the Broker is currently tracking,
// regardless of which Service is executing it. The Operation Adapter
// creates a row before sending the Operate request (so a race between
// the OperateResp and an early OperationComplete notification still
// resolves); the Notification Router and failure propagation are the
// only other writers.
package reqtable
