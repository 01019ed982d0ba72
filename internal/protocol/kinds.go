// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

// Kind identifies the logical type of a USP message body. The wire
// encoding of a USP Record and the enclosing USP Message envelope (the
// protobuf-shaped framing defined by the USP specification) is an
// out-of-scope external collaborator; this package only models the
// logical request/response/notify bodies the Broker core consumes and
// produces, as plain Go values that a framing codec elsewhere
// serializes however the deployment requires.
type Kind string

const (
	KindRegister           Kind = "Register"
	KindRegisterResp       Kind = "RegisterResp"
	KindDeregister         Kind = "Deregister"
	KindDeregisterResp     Kind = "DeregisterResp"
	KindGet                Kind = "Get"
	KindGetResp            Kind = "GetResp"
	KindSet                Kind = "Set"
	KindSetResp            Kind = "SetResp"
	KindAdd                Kind = "Add"
	KindAddResp            Kind = "AddResp"
	KindDelete             Kind = "Delete"
	KindDeleteResp         Kind = "DeleteResp"
	KindOperate            Kind = "Operate"
	KindOperateResp        Kind = "OperateResp"
	KindGetInstances       Kind = "GetInstances"
	KindGetInstancesResp   Kind = "GetInstancesResp"
	KindGetSupportedDM     Kind = "GetSupportedDM"
	KindGetSupportedDMResp Kind = "GetSupportedDMResp"
	KindNotify             Kind = "Notify"
	KindError              Kind = "Error"
)

// NotifType identifies the kind of event carried by a Notify body.
type NotifType string

const (
	NotifValueChange      NotifType = "ValueChange"
	NotifEvent            NotifType = "Event"
	NotifObjectCreation   NotifType = "ObjectCreation"
	NotifObjectDeletion   NotifType = "ObjectDeletion"
	NotifOperationComplete NotifType = "OperationComplete"
	NotifOnBoardRequest   NotifType = "OnBoardRequest"
)
