// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ipc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
)

func TestCBORCodecIsDeterministic(t *testing.T) {
	codec, err := NewCBORCodec()
	require.NoError(t, err)

	value := map[string]int{"zeta": 1, "alpha": 2, "mid": 3, "beta": 4}
	first, err := codec.Encode(value)
	require.NoError(t, err)
	for range 20 {
		again, err := codec.Encode(value)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}

	var decoded any
	require.NoError(t, codec.Decode(first, &decoded))
	assert.IsType(t, map[string]any{}, decoded)
}

func TestEnvelopes(t *testing.T) {
	cbor, err := NewCBORCodec()
	require.NoError(t, err)

	req := &Request{
		ObjectID: "4f1c.objects.lab",
		Method:   "Apply",
		Args: []Value{
			{Ref: &ObjectReference{ID: "c-1", Contract: "test.Counter"}},
			{Data: []byte{0x03}},
			{},
		},
	}
	ok := &Response{Results: []Value{{Data: []byte{0x07}}}}
	failed := &Response{Failure: &Failure{
		Code:    uint32(codes.FailedPrecondition),
		Message: "not ready",
		Type:    "*status.Error",
	}}

	envelopes := map[string]Envelope{
		"cbor":    codecEnvelope{codec: cbor},
		"json":    codecEnvelope{codec: JSONCodec{}},
		"jsonrpc": jsonRPCEnvelope{},
	}
	for name, env := range envelopes {
		t.Run(name, func(t *testing.T) {
			data, err := env.EncodeRequest(req)
			require.NoError(t, err)
			gotReq, err := env.DecodeRequest(data)
			require.NoError(t, err)
			assert.Equal(t, req, gotReq)

			data, err = env.EncodeResponse(ok)
			require.NoError(t, err)
			gotResp, err := env.DecodeResponse(data)
			require.NoError(t, err)
			assert.Equal(t, ok, gotResp)

			data, err = env.EncodeResponse(failed)
			require.NoError(t, err)
			gotResp, err = env.DecodeResponse(data)
			require.NoError(t, err)
			assert.Empty(t, gotResp.Results)
			assert.Equal(t, failed.Failure, gotResp.Failure)

			_, err = env.DecodeRequest([]byte("\xff not a request"))
			assert.Error(t, err)
		})
	}
}

func TestJSONRPCDocuments(t *testing.T) {
	env := jsonRPCEnvelope{}

	data, err := env.EncodeRequest(&Request{ObjectID: "lab", Method: "Block"})
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "2.0", doc["jsonrpc"])
	assert.Equal(t, "lab.Block", doc["method"])

	data, err = env.EncodeResponse(&Response{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","result":[],"id":null}`, string(data))

	for _, method := range []string{"Block", ".Block", "lab."} {
		_, err := env.DecodeRequest([]byte(`{"jsonrpc":"2.0","method":"` + method + `","params":[],"id":1}`))
		assert.ErrorContains(t, err, "malformed method", method)
	}
	_, err = env.DecodeRequest([]byte(`{"jsonrpc":"1.0","method":"lab.Block","params":[],"id":1}`))
	assert.ErrorContains(t, err, "version")
}

func TestJSONRPCErrorCodes(t *testing.T) {
	env := jsonRPCEnvelope{}

	tests := []struct {
		name string
		doc  string
		want codes.Code
	}{
		{"no method", `{"jsonrpc":"2.0","error":{"code":-32601,"message":"m"},"id":1}`, codes.Unimplemented},
		{"bad params", `{"jsonrpc":"2.0","error":{"code":-32602,"message":"m"},"id":1}`, codes.InvalidArgument},
		{"internal", `{"jsonrpc":"2.0","error":{"code":-32603,"message":"m"},"id":1}`, codes.Internal},
		{"server range", `{"jsonrpc":"2.0","error":{"code":-32005,"message":"m"},"id":1}`, codes.NotFound},
		{"other", `{"jsonrpc":"2.0","error":{"code":-1,"message":"m"},"id":1}`, codes.Unknown},
		{"data wins", `{"jsonrpc":"2.0","error":{"code":-32603,"message":"m","data":{"code":9}},"id":1}`, codes.FailedPrecondition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := env.DecodeResponse([]byte(tt.doc))
			require.NoError(t, err)
			require.NotNil(t, resp.Failure)
			assert.Equal(t, uint32(tt.want), resp.Failure.Code)
			assert.Equal(t, "m", resp.Failure.Message)
		})
	}

	for code, want := range map[codes.Code]string{
		codes.Unimplemented:   "-32601",
		codes.InvalidArgument: "-32602",
		codes.Internal:        "-32603",
		codes.NotFound:        "-32005",
	} {
		data, err := env.EncodeResponse(&Response{Failure: &Failure{Code: uint32(code), Message: "m"}})
		require.NoError(t, err)
		assert.Contains(t, string(data), `"code":`+want)
	}

	_, err := env.DecodeResponse([]byte(`{"jsonrpc":"2.0","result":null,"id":1}`))
	assert.Error(t, err)
}
