// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import "errors"

// ErrKind is one of the USP error kinds. It travels on the wire inside
// Error, RegisterResult, SetResp, AddResp, DeleteResultEntry, and Notify
// (OperationComplete failure branch).
type ErrKind string

const (
	ErrMessageNotUnderstood ErrKind = "MessageNotUnderstood"
	ErrRegisterFailure      ErrKind = "RegisterFailure"
	ErrPathAlreadyRegistered ErrKind = "PathAlreadyRegistered"
	ErrDeregisterFailure    ErrKind = "DeregisterFailure"
	ErrRequestDenied        ErrKind = "RequestDenied"
	ErrCommandFailure       ErrKind = "CommandFailure"
	ErrResourcesExceeded    ErrKind = "ResourcesExceeded"
	ErrInternal             ErrKind = "Internal"
)

// Fault is a Go error carrying a USP ErrKind, used internally by the
// core so that a single error value can be translated directly into an
// outbound Error message (see protocol.NewError).
type Fault struct {
	Kind ErrKind
	Msg  string
}

func (f *Fault) Error() string {
	if f.Msg == "" {
		return string(f.Kind)
	}
	return string(f.Kind) + ": " + f.Msg
}

func NewFault(kind ErrKind, msg string) *Fault {
	return &Fault{Kind: kind, Msg: msg}
}

// AsFault extracts a *Fault from err, or returns a Fault{ErrInternal} as
// a default for errors the caller never classified: unclassified
// failures always surface to the originator as Internal rather than
// leaking an unshaped error.
func AsFault(err error) *Fault {
	if err == nil {
		return nil
	}
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return &Fault{Kind: ErrInternal, Msg: err.Error()}
}

// NewError builds the Error body for a USP ERROR response from a Fault.
func NewError(f *Fault) Error {
	return Error{Code: f.Kind, Msg: f.Msg}
}

var (
	// ErrShapeViolation is returned by response decoders when a Service's
	// response violates the USP shape contract for the request that
	// produced it: wrong result count, mismatched resolved path, etc.
	// The affected operation fails but the Service is not disconnected.
	ErrShapeViolation = errors.New("protocol: service response violates expected shape")

	// ErrUnexpectedKind is returned when a response's Kind does not match
	// the kind expected for the outstanding request.
	ErrUnexpectedKind = errors.New("protocol: unexpected response kind")
)
