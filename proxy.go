// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ipc

import (
	"context"
	"fmt"
)

// Proxy is the common part of every generated proxy: the reference it
// stands for and the connection its calls go through. Generated proxies
// embed *Proxy and implement the contract methods with Call:
//
//	func (p greeterProxy) Greet(ctx context.Context, name string) (string, error) {
//	    var greeting string
//	    err := p.Call(ctx, "Greet", []any{name}, &greeting)
//	    return greeting, err
//	}
type Proxy struct {
	ref  ObjectReference
	conn *Conn
}

// proxied is satisfied by every type embedding *Proxy.
type proxied interface {
	ipcProxy() *Proxy
}

func (p *Proxy) ipcProxy() *Proxy { return p }

// Ref returns the reference of the remote object.
func (p *Proxy) Ref() ObjectReference { return p.ref }

// Conn returns the connection calls are sent through.
func (p *Proxy) Conn() *Conn { return p.conn }

// Call invokes method on the remote object. Arguments are marshalled in
// order; results are decoded into the given pointers. A nil result pointer
// skips that result.
func (p *Proxy) Call(ctx context.Context, method string, args []any, results ...any) error {
	return p.conn.call(ctx, p.ref.ID, method, args, results)
}

// Remote returns the proxy for the object the peer published under
// objectID. The object is not contacted; a wrong id surfaces as an
// *ObjectNotFoundError on the first call.
func Remote[T any](conn *Conn, objectID string) (T, error) {
	var zero T
	c, err := contractOf[T]()
	if err != nil {
		return zero, err
	}
	obj, err := conn.rt.broker.ResolveRemote(ObjectReference{ID: objectID, Contract: c.Name}, conn)
	if err != nil {
		return zero, err
	}
	typed, ok := obj.(T)
	if !ok {
		return zero, fmt.Errorf("object %s is a %T, not a %s", objectID, obj, c.Type)
	}
	return typed, nil
}

// Publish exposes instance to every peer of rt under a well-known id.
func Publish[T any](rt *Runtime, objectID string, instance T) (ObjectReference, error) {
	c, err := contractOf[T]()
	if err != nil {
		return ObjectReference{}, err
	}
	return rt.broker.Publish(objectID, c.Name, instance)
}
