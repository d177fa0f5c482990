// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ipc

import "fmt"

// ObjectReference is the wire form of an IPC object. It names the object;
// it never carries the object's state.
type ObjectReference struct {
	ID       string `json:"id"`
	Contract string `json:"contract"`
}

func (r ObjectReference) String() string {
	return r.Contract + "#" + r.ID
}

// Value is one marshalled argument or result. Exactly one of Ref and Data
// is set; a Value with neither denotes nil.
type Value struct {
	Ref  *ObjectReference `json:"ref,omitempty"`
	Data []byte           `json:"data,omitempty"`
}

// Request is the payload of a request frame.
type Request struct {
	ObjectID string  `json:"object"`
	Method   string  `json:"method"`
	Args     []Value `json:"args,omitempty"`
}

// Response is the payload of a response frame. Failure is set when the call
// did not produce results.
type Response struct {
	Results []Value  `json:"results,omitempty"`
	Failure *Failure `json:"failure,omitempty"`
}

// Failure is a call failure carried as data. Code is a gRPC status code.
type Failure struct {
	Code    uint32 `json:"code"`
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

// Envelope turns requests and responses into frame payloads.
type Envelope interface {
	EncodeRequest(req *Request) ([]byte, error)
	DecodeRequest(data []byte) (*Request, error)
	EncodeResponse(resp *Response) ([]byte, error)
	DecodeResponse(data []byte) (*Response, error)
}

// Envelope names accepted in Config.Envelope.
const (
	EnvelopeCodec   = "codec"
	EnvelopeJSONRPC = "jsonrpc"
)

// codecEnvelope encodes the envelope structs directly with the value codec.
type codecEnvelope struct {
	codec Codec
}

func (e codecEnvelope) EncodeRequest(req *Request) ([]byte, error) {
	return e.codec.Encode(req)
}

func (e codecEnvelope) DecodeRequest(data []byte) (*Request, error) {
	var req Request
	if err := e.codec.Decode(data, &req); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	return &req, nil
}

func (e codecEnvelope) EncodeResponse(resp *Response) ([]byte, error) {
	return e.codec.Encode(resp)
}

func (e codecEnvelope) DecodeResponse(data []byte) (*Response, error) {
	var resp Response
	if err := e.codec.Decode(data, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}

func newEnvelope(name string, codec Codec) (Envelope, error) {
	switch name {
	case EnvelopeCodec, "":
		return codecEnvelope{codec: codec}, nil
	case EnvelopeJSONRPC:
		return jsonRPCEnvelope{}, nil
	default:
		return nil, fmt.Errorf("unknown envelope: %s", name)
	}
}
