// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ipc

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	ErrClosed            = errors.New("ipc: connection closed")
	ErrPeerClosed        = errors.New("ipc: peer closed the connection")
	ErrPayloadTooLarge   = errors.New("ipc: payload too large")
	ErrUnknownContract   = errors.New("ipc: unknown contract")
	ErrAmbiguousContract = errors.New("ipc: value implements more than one contract")
	ErrUnknownMethod     = errors.New("ipc: unknown method")
	ErrBadArguments      = errors.New("ipc: bad arguments")
)

// ProtocolError reports a malformed frame. It is fatal to the connection
// that produced it.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ipc protocol: %s: %v", e.Reason, e.Err)
	}
	return "ipc protocol: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func (e *ProtocolError) GRPCStatus() *status.Status {
	return status.New(codes.DataLoss, e.Error())
}

// ConnectionError reports a transport failure: dial or accept failed, or the
// stream ended while calls were outstanding.
type ConnectionError struct {
	Op   string
	Peer string
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Peer != "" {
		return fmt.Sprintf("ipc %s %s: %v", e.Op, e.Peer, e.Err)
	}
	return fmt.Sprintf("ipc %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) GRPCStatus() *status.Status {
	return status.New(codes.Unavailable, e.Error())
}

// ObjectNotFoundError is returned when a call addresses an object id the
// peer does not know, either because it was revoked or never existed there.
// The connection stays usable.
type ObjectNotFoundError struct {
	ObjectID string
}

func (e *ObjectNotFoundError) Error() string {
	return fmt.Sprintf("ipc: object %q not found", e.ObjectID)
}

func (e *ObjectNotFoundError) GRPCStatus() *status.Status {
	return status.New(codes.NotFound, e.Error())
}

// RemoteInvocationError carries a failure raised on the exposing side while
// running the real method.
type RemoteInvocationError struct {
	ObjectID string
	Method   string
	Code     codes.Code
	Type     string
	Message  string
}

func (e *RemoteInvocationError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("ipc: remote %s failed (%s): %s", e.Method, e.Type, e.Message)
	}
	return fmt.Sprintf("ipc: remote %s failed: %s", e.Method, e.Message)
}

func (e *RemoteInvocationError) GRPCStatus() *status.Status {
	return status.New(e.Code, e.Message)
}

// failureFrom converts an error returned by a joint into the structured
// failure sent back to the caller.
func failureFrom(err error) *Failure {
	switch {
	case errors.Is(err, ErrUnknownMethod):
		return &Failure{Code: uint32(codes.Unimplemented), Message: err.Error()}
	case errors.Is(err, ErrBadArguments):
		return &Failure{Code: uint32(codes.InvalidArgument), Message: err.Error()}
	}

	code := codes.Unknown
	message := err.Error()
	if s, ok := status.FromError(err); ok {
		code = s.Code()
		message = s.Message()
	}
	return &Failure{
		Code:    uint32(code),
		Message: message,
		Type:    fmt.Sprintf("%T", err),
	}
}

func notFoundFailure(objectID string) *Failure {
	return &Failure{Code: uint32(codes.NotFound), Message: objectID}
}

// err rebuilds the caller-side error for a failure received from objectID.
func (f *Failure) err(objectID, method string) error {
	if codes.Code(f.Code) == codes.NotFound && f.Type == "" {
		return &ObjectNotFoundError{ObjectID: objectID}
	}
	return &RemoteInvocationError{
		ObjectID: objectID,
		Method:   method,
		Code:     codes.Code(f.Code),
		Type:     f.Type,
		Message:  f.Message,
	}
}
