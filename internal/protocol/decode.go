// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import "fmt"

// DecodeGetResp validates a GetResp against the Get request that
// produced it: every requested path must have exactly one result entry,
// in the same order.
func DecodeGetResp(req Get, resp GetResp) error {
	if len(resp.Results) != len(req.Paths) {
		return fmt.Errorf("%w: get requested %d paths, got %d results", ErrShapeViolation, len(req.Paths), len(resp.Results))
	}
	return nil
}

// DecodeSetResp validates a SetResp against the Set request that
// produced it. When !AllowPartial, a failure must not carry a
// FailureIndex outside the request's param range.
func DecodeSetResp(req Set, resp SetResp) error {
	if !resp.OK && resp.FailureIndex >= len(req.Params) {
		return fmt.Errorf("%w: set failure index %d exceeds %d params", ErrShapeViolation, resp.FailureIndex, len(req.Params))
	}
	return nil
}

// DecodeAddResp validates an AddResp against the Add request that
// produced it. A successful response must carry an instantiated path;
// a failed response carrying per-param errors must have those errors
// name params actually present in the request.
func DecodeAddResp(req Add, resp AddResp) error {
	if resp.OK && resp.InstantiatedPath == "" {
		return fmt.Errorf("%w: add succeeded without an instantiated path", ErrShapeViolation)
	}
	if !resp.OK {
		known := make(map[string]bool, len(req.Params))
		for _, p := range req.Params {
			known[p.Name] = true
		}
		for _, pe := range resp.ParamErrors {
			if !known[pe.Name] {
				return fmt.Errorf("%w: add param error names %q, not present in request", ErrShapeViolation, pe.Name)
			}
		}
	}
	return nil
}

// DecodeDeleteResp validates a DeleteResp against the Delete request
// that produced it: one result entry per requested object path.
func DecodeDeleteResp(req Delete, resp DeleteResp) error {
	if len(resp.Results) != len(req.ObjPaths) {
		return fmt.Errorf("%w: delete requested %d objects, got %d results", ErrShapeViolation, len(req.ObjPaths), len(resp.Results))
	}
	return nil
}

// DecodeOperateResp validates that an OperateResp carries exactly one of
// its three mutually exclusive outcomes.
func DecodeOperateResp(resp OperateResp) error {
	outcomes := 0
	if resp.RequestObjectPath != "" {
		outcomes++
	}
	if resp.OutputArgs != nil {
		outcomes++
	}
	if resp.CommandFailure {
		outcomes++
	}
	if outcomes != 1 {
		return fmt.Errorf("%w: operate response carries %d outcomes, want exactly 1", ErrShapeViolation, outcomes)
	}
	return nil
}

// DecodeGetInstancesResp validates that every returned instance's
// InstantiatedPath falls under one of the requested object paths.
func DecodeGetInstancesResp(req GetInstances, resp GetInstancesResp) error {
	for _, inst := range resp.Instances {
		matched := false
		for _, p := range req.ObjPaths {
			if hasPrefix(inst.InstantiatedPath, p) {
				matched = true
				break
			}
		}
		if !matched {
			return fmt.Errorf("%w: instance %q does not fall under any requested path", ErrShapeViolation, inst.InstantiatedPath)
		}
	}
	return nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
