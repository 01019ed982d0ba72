// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"fmt"

	"github.com/uspbroker/broker/lib/codec"
)

// wireMessage is the on-the-wire shape of a Message: the logical Kind
// tags the payload so the receiving end knows which concrete Body type
// to decode into, since Body itself is an interface and CBOR has no
// notion of Go's dynamic dispatch. Every MTP transport (unixsocket,
// wsocket, mqttmtp, stomp) encodes and decodes through EncodeMessage /
// DecodeMessage rather than rolling its own framing of Body, so a new
// Body type only needs a case added here.
type wireMessage struct {
	MsgID   string           `cbor:"msg_id"`
	Kind    Kind             `cbor:"kind"`
	Payload codec.RawMessage `cbor:"payload"`
}

// EncodeMessage serializes msg to CBOR for transmission on any MTP.
func EncodeMessage(msg Message) ([]byte, error) {
	payload, err := codec.Marshal(msg.Body)
	if err != nil {
		return nil, fmt.Errorf("protocol: encoding %s payload: %w", msg.Body.Kind(), err)
	}
	return codec.Marshal(wireMessage{MsgID: msg.MsgID, Kind: msg.Body.Kind(), Payload: payload})
}

// DecodeMessage deserializes one CBOR-encoded Message previously
// produced by EncodeMessage. An unrecognized Kind is reported as a
// MessageNotUnderstood fault rather than a bare decode error, since
// that's what the core's dispatcher does with it anyway.
func DecodeMessage(data []byte) (Message, error) {
	var w wireMessage
	if err := codec.Unmarshal(data, &w); err != nil {
		return Message{}, fmt.Errorf("protocol: decoding wire envelope: %w", err)
	}

	body, err := decodeBody(w.Kind, w.Payload)
	if err != nil {
		return Message{}, err
	}
	return Message{MsgID: w.MsgID, Body: body}, nil
}

func decodeBody(kind Kind, payload codec.RawMessage) (Body, error) {
	var body Body
	switch kind {
	case KindRegister:
		body = new(Register)
	case KindRegisterResp:
		body = new(RegisterResp)
	case KindDeregister:
		body = new(Deregister)
	case KindDeregisterResp:
		body = new(DeregisterResp)
	case KindGet:
		body = new(Get)
	case KindGetResp:
		body = new(GetResp)
	case KindSet:
		body = new(Set)
	case KindSetResp:
		body = new(SetResp)
	case KindAdd:
		body = new(Add)
	case KindAddResp:
		body = new(AddResp)
	case KindDelete:
		body = new(Delete)
	case KindDeleteResp:
		body = new(DeleteResp)
	case KindOperate:
		body = new(Operate)
	case KindOperateResp:
		body = new(OperateResp)
	case KindGetInstances:
		body = new(GetInstances)
	case KindGetInstancesResp:
		body = new(GetInstancesResp)
	case KindGetSupportedDM:
		body = new(GetSupportedDM)
	case KindGetSupportedDMResp:
		body = new(GetSupportedDMResp)
	case KindNotify:
		body = new(Notify)
	case KindError:
		body = new(Error)
	default:
		return nil, NewFault(ErrMessageNotUnderstood, fmt.Sprintf("unrecognized message kind %q", kind))
	}

	if err := codec.Unmarshal(payload, body); err != nil {
		return nil, fmt.Errorf("protocol: decoding %s payload: %w", kind, err)
	}
	return dereference(body), nil
}

// dereference converts the pointer decodeBody allocated back into the
// value type every Body implementation is declared on, so callers get
// back exactly the types Register, GetResp, etc. rather than *Register.
func dereference(body Body) Body {
	switch b := body.(type) {
	case *Register:
		return *b
	case *RegisterResp:
		return *b
	case *Deregister:
		return *b
	case *DeregisterResp:
		return *b
	case *Get:
		return *b
	case *GetResp:
		return *b
	case *Set:
		return *b
	case *SetResp:
		return *b
	case *Add:
		return *b
	case *AddResp:
		return *b
	case *Delete:
		return *b
	case *DeleteResp:
		return *b
	case *Operate:
		return *b
	case *OperateResp:
		return *b
	case *GetInstances:
		return *b
	case *GetInstancesResp:
		return *b
	case *GetSupportedDM:
		return *b
	case *GetSupportedDMResp:
		return *b
	case *Notify:
		return *b
	case *Error:
		return *b
	default:
		return body
	}
}
