// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package ipc calls methods on objects that live in another process on the
// same machine.
//
// A contract is a Go interface registered with RegisterContract together
// with the constructors of its proxy and joint, normally emitted by a code
// generator. Values implementing a contract cross the boundary by
// reference: the owner keeps the instance, the peer gets a proxy whose
// method calls travel back over the connection. Everything else is encoded
// by the configured Codec.
//
// # Usage
//
// Server:
//
//	rt, err := ipc.New(ipc.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	if _, err := ipc.Publish[Greeter](rt, "greeter", &greeter{}); err != nil {
//	    return err
//	}
//	return rt.ListenAndServe(ctx, "hello.sock", nil)
//
// Client:
//
//	g, conn, err := ipc.Connect[Greeter](ctx, rt, "hello.sock", "greeter")
//	if err != nil {
//	    return err
//	}
//	defer conn.Close()
//
//	greeting, err := g.Greet(ctx, "world")
//
// # Wire format
//
// Every frame is
//
//	[marker][kind:1][correlation id:8][length:4][payload]
//
// with big-endian integers. The low nibble of the kind byte tells requests,
// responses and the close notice apart; the high nibble names the payload
// compression. Many calls share one connection: responses are matched to
// their requests by correlation id only, so they may arrive in any order.
//
// # Architecture
//
//   - frame.go, compress.go: frame reader and writer
//   - ack.go: correlation ids and pending calls
//   - conn.go: one connection, its read loop and request dispatch
//   - broker.go, marshal.go, proxy.go, contract.go: object references,
//     joints, proxies and the marshalling rule
//   - codec.go, envelope.go, json.go: value codecs and request envelopes
//   - transport.go: unix socket and in-memory transports
//   - runtime.go, dial.go, session.go: the runtime and session setup
//
// Errors are classified with errors.As against *ProtocolError,
// *ConnectionError, *ObjectNotFoundError and *RemoteInvocationError, or by
// gRPC code through status.Code.
package ipc
