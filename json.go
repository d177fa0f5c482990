// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ipc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	rpc "github.com/gorilla/rpc/v2/json2"
	"google.golang.org/grpc/codes"
)

const jsonRPCVersion = "2.0"

// jsonRPCEnvelope writes requests and responses as JSON-RPC 2.0 documents so
// that frames can be inspected with ordinary JSON tooling. The method name is
// "<object id>.<method>". The JSON-RPC id is informational only; frames are
// matched by their correlation id.
type jsonRPCEnvelope struct{}

type jsonRPCRequest struct {
	Version string           `json:"jsonrpc"`
	Method  string           `json:"method"`
	Params  []Value          `json:"params"`
	ID      *json.RawMessage `json:"id"`
}

type jsonRPCResponse struct {
	Version string           `json:"jsonrpc"`
	Result  *[]Value         `json:"result,omitempty"`
	Error   *rpc.Error       `json:"error,omitempty"`
	ID      *json.RawMessage `json:"id"`
}

// jsonRPCErrorData rides in the error's data member so the gRPC code and
// the remote error type survive the trip.
type jsonRPCErrorData struct {
	Code uint32 `json:"code"`
	Type string `json:"type,omitempty"`
}

func (jsonRPCEnvelope) EncodeRequest(req *Request) ([]byte, error) {
	return rpc.EncodeClientRequest(req.ObjectID+"."+req.Method, req.Args)
}

func (jsonRPCEnvelope) DecodeRequest(data []byte) (*Request, error) {
	var raw jsonRPCRequest
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	if raw.Version != jsonRPCVersion {
		return nil, fmt.Errorf("decode request: unsupported jsonrpc version %q", raw.Version)
	}
	// Object ids may contain dots, method names never do.
	dot := strings.LastIndexByte(raw.Method, '.')
	if dot <= 0 || dot == len(raw.Method)-1 {
		return nil, fmt.Errorf("decode request: malformed method %q", raw.Method)
	}
	return &Request{
		ObjectID: raw.Method[:dot],
		Method:   raw.Method[dot+1:],
		Args:     raw.Params,
	}, nil
}

func (jsonRPCEnvelope) EncodeResponse(resp *Response) ([]byte, error) {
	out := jsonRPCResponse{Version: jsonRPCVersion}
	if f := resp.Failure; f != nil {
		out.Error = &rpc.Error{
			Code:    jsonRPCCode(codes.Code(f.Code)),
			Message: f.Message,
			Data:    jsonRPCErrorData{Code: f.Code, Type: f.Type},
		}
	} else {
		results := resp.Results
		if results == nil {
			results = []Value{}
		}
		out.Result = &results
	}
	return json.Marshal(out)
}

func (jsonRPCEnvelope) DecodeResponse(data []byte) (*Response, error) {
	var results []Value
	err := rpc.DecodeClientResponse(bytes.NewReader(data), &results)
	var rpcErr *rpc.Error
	if errors.As(err, &rpcErr) {
		return &Response{Failure: failureFromJSONRPC(rpcErr)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &Response{Results: results}, nil
}

func jsonRPCCode(code codes.Code) rpc.ErrorCode {
	switch code {
	case codes.Unimplemented:
		return rpc.E_NO_METHOD
	case codes.InvalidArgument:
		return rpc.E_BAD_PARAMS
	case codes.Internal:
		return rpc.E_INTERNAL
	default:
		return rpc.E_SERVER - rpc.ErrorCode(code)
	}
}

func failureFromJSONRPC(e *rpc.Error) *Failure {
	f := &Failure{Message: e.Message}
	if data, ok := e.Data.(map[string]any); ok {
		if code, ok := data["code"].(float64); ok {
			f.Code = uint32(code)
			f.Type, _ = data["type"].(string)
			return f
		}
	}

	switch {
	case e.Code == rpc.E_NO_METHOD:
		f.Code = uint32(codes.Unimplemented)
	case e.Code == rpc.E_BAD_PARAMS:
		f.Code = uint32(codes.InvalidArgument)
	case e.Code == rpc.E_INTERNAL:
		f.Code = uint32(codes.Internal)
	case e.Code <= rpc.E_SERVER && e.Code > rpc.E_SERVER-100:
		f.Code = uint32(rpc.E_SERVER - e.Code)
	default:
		f.Code = uint32(codes.Unknown)
	}
	return f
}
