// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package core

import "errors"

var (
	ErrRegistryFull      = errors.New("core: service registry is at capacity")
	ErrNoGroupAvailable  = errors.New("core: no group id available")
	ErrUnknownEndpoint   = errors.New("core: no service registered for endpoint")
	ErrUnknownGroup      = errors.New("core: no service owns this group")
	ErrUnknownInstance   = errors.New("core: no service with this instance number")
	ErrControllerAbsent  = errors.New("core: service has no controller-side transport")
	ErrResponseTimeout   = errors.New("core: timed out waiting for service response")
	ErrAlreadyRegistered = errors.New("core: service has already registered a path")
	ErrGSDMPending       = errors.New("core: a getsupporteddm request is still outstanding for this service")
	ErrNotOwner          = errors.New("core: prefix is not owned by this service")
)
