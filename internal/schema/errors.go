// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import "errors"

var (
	// ErrReservedPath is returned by RegisterPlaceholder when the
	// requested prefix falls under a Broker-reserved subtree.
	ErrReservedPath = errors.New("schema: path is reserved by the broker")

	// ErrPrefixOwned is returned by RegisterPlaceholder when the
	// requested prefix overlaps a prefix already owned by any group.
	ErrPrefixOwned = errors.New("schema: prefix overlaps an existing registration")
)
