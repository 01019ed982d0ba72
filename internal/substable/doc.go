// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package substable holds the Broker's Subscription table: one row per
// Controller-facing subscription, independent of which Service (if any)
// currently backs each of its reference paths. Subscription
// synchronization binds unbound rows to a Service's SubsMap entries
// after schema import; the Notification Router consults bound rows to
// find the Controller a Service notification should be delivered to.
package substable
