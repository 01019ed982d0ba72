// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package usppath validates and classifies Device. data model paths.
//
// Two distinct validation rules live here: the rule a Service's
// registration request must satisfy (ValidatePrefix) and the small set
// of paths no Service may ever claim regardless of validity (Reserved),
// which keeps a registered prefix from ever overlapping the Broker's
// own internal schema.
package usppath
