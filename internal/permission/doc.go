// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package permission holds the Broker's role/permission store: which
// actions a Controller's role may perform on which Device. path
// prefixes. Passthrough eligibility and the normal Operation Adapter
// path both consult a Store before forwarding a request to a Service.
package permission
