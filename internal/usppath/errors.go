// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package usppath

import "errors"

var (
	ErrNotDeviceRooted       = errors.New("usppath: prefix must start with \"Device.\"")
	ErrNotDotTerminated      = errors.New("usppath: prefix must end with \".\"")
	ErrInvalidCharacter      = errors.New("usppath: prefix contains a character other than alphanumerics and \".\"")
	ErrTemplatePlaceholder   = errors.New("usppath: prefix contains a template placeholder")
	ErrEmptySegment          = errors.New("usppath: prefix contains an empty path segment")
	ErrInstanceNumberSegment = errors.New("usppath: prefix contains a segment beginning with a digit")
	ErrReservedPrefix        = errors.New("usppath: prefix falls under a Broker-reserved subtree")
)
