// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ipc

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// jointEntry binds an object id to the real instance behind it. The
// registry only looks instances up; ownership stays with whoever exposed
// them.
type jointEntry struct {
	ref      ObjectReference
	instance any
	joint    Joint
	// peer is the connection id the object was exposed to; empty for
	// published objects, which every peer may call.
	peer string
	key  *exposureKey
}

type exposureKey struct {
	instance any
	contract string
	peer     string
}

type proxyKey struct {
	conn     string
	objectID string
}

// Broker keeps the joint registry (local objects the peers may call) and
// the proxy cache (remote objects used locally), and converts values to and
// from their wire form.
type Broker struct {
	codec  Codec
	logger *slog.Logger

	mu      sync.RWMutex
	joints  map[string]*jointEntry
	exposed map[exposureKey]string
	proxies map[proxyKey]any
}

func NewBroker(codec Codec, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Broker{
		codec:   codec,
		logger:  logger,
		joints:  make(map[string]*jointEntry),
		exposed: make(map[exposureKey]string),
		proxies: make(map[proxyKey]any),
	}
}

// ExposeLocal makes instance callable by peer as contract and returns its
// reference. Exposing the same instance to the same peer again returns the
// same reference, and a published instance keeps its well-known id. A proxy
// for an object peer owns comes back as that object's reference; a proxy
// for anything else is exposed like a local object, so calls to it are
// forwarded.
func (b *Broker) ExposeLocal(instance any, contract string, peer *Conn) (ObjectReference, error) {
	if ref, ok := ownedBy(instance, peer); ok {
		return ref, nil
	}
	c, err := checkContract(instance, contract)
	if err != nil {
		return ObjectReference{}, err
	}

	peerID := ""
	if peer != nil {
		peerID = peer.ID()
	}

	var key *exposureKey
	if hasIdentity(instance) {
		key = &exposureKey{instance: instance, contract: c.Name, peer: peerID}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if key != nil {
		published := exposureKey{instance: instance, contract: c.Name}
		for _, k := range []exposureKey{published, *key} {
			if id, ok := b.exposed[k]; ok {
				return b.joints[id].ref, nil
			}
		}
	}

	entry := &jointEntry{
		ref:      ObjectReference{ID: uuid.NewString(), Contract: c.Name},
		instance: instance,
		joint:    c.newJoint(instance),
		peer:     peerID,
		key:      key,
	}
	b.joints[entry.ref.ID] = entry
	if key != nil {
		b.exposed[*key] = entry.ref.ID
	}
	b.logger.Debug("exposed object", "ref", entry.ref.String(), "conn", peerID)
	return entry.ref, nil
}

// Publish registers instance under a well-known id that any peer may call.
func (b *Broker) Publish(objectID, contract string, instance any) (ObjectReference, error) {
	if objectID == "" {
		return ObjectReference{}, fmt.Errorf("publish: empty object id")
	}
	if _, ok := instance.(proxied); ok {
		return ObjectReference{}, fmt.Errorf("publish %s: cannot publish a proxy", objectID)
	}
	c, err := checkContract(instance, contract)
	if err != nil {
		return ObjectReference{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.joints[objectID]; exists {
		return ObjectReference{}, fmt.Errorf("publish %s: object id already in use", objectID)
	}
	entry := &jointEntry{
		ref:      ObjectReference{ID: objectID, Contract: c.Name},
		instance: instance,
		joint:    c.newJoint(instance),
	}
	if hasIdentity(instance) {
		key := exposureKey{instance: instance, contract: c.Name}
		if _, taken := b.exposed[key]; !taken {
			entry.key = &key
			b.exposed[key] = objectID
		}
	}
	b.joints[objectID] = entry
	b.logger.Debug("published object", "ref", entry.ref.String())
	return entry.ref, nil
}

// ResolveRemote turns a received reference into something callable. An
// object this process exposed itself comes back as the original instance;
// anything else becomes a proxy bound to conn, one per object id and
// connection.
func (b *Broker) ResolveRemote(ref ObjectReference, conn *Conn) (any, error) {
	key := proxyKey{conn: conn.ID(), objectID: ref.ID}

	b.mu.RLock()
	entry, local := b.joints[ref.ID]
	cached, hit := b.proxies[key]
	b.mu.RUnlock()
	if local {
		return entry.instance, nil
	}
	if hit {
		return cached, nil
	}

	c, ok := LookupContract(ref.Contract)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownContract, ref.Contract)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if cached, hit := b.proxies[key]; hit {
		return cached, nil
	}
	// A proxy cached after the connection's cleanup would never be evicted.
	if err := conn.Err(); err != nil {
		return nil, err
	}
	proxy := c.newProxy(&Proxy{ref: ref, conn: conn})
	b.proxies[key] = proxy
	return proxy, nil
}

// Dispatch runs one request against the joint it addresses. Failures are
// returned inside the response, never as transport errors.
func (b *Broker) Dispatch(ctx context.Context, conn *Conn, req *Request) *Response {
	b.mu.RLock()
	entry, ok := b.joints[req.ObjectID]
	b.mu.RUnlock()
	if !ok || (entry.peer != "" && entry.peer != conn.ID()) {
		return &Response{Failure: notFoundFailure(req.ObjectID)}
	}

	results, err := invokeJoint(ctx, entry.joint, req.Method, Args{values: req.Args, conn: conn})
	if err != nil {
		b.logger.Debug("call failed", "ref", entry.ref.String(), "method", req.Method, "error", err)
		return &Response{Failure: failureFrom(err)}
	}

	values := make([]Value, len(results))
	for i, result := range results {
		v, err := b.marshalValue(conn, result)
		if err != nil {
			return &Response{Failure: &Failure{
				Code:    uint32(codes.Internal),
				Message: fmt.Sprintf("marshal result %d of %s: %v", i, req.Method, err),
			}}
		}
		values[i] = v
	}
	return &Response{Results: values}
}

func invokeJoint(ctx context.Context, joint Joint, method string, args Args) (results []any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = status.Errorf(codes.Internal, "panic in %s: %v", method, r)
		}
	}()
	return joint.Invoke(ctx, method, args)
}

// Revoke removes an exposed or published object. Later calls to it fail
// with an *ObjectNotFoundError.
func (b *Broker) Revoke(objectID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.joints[objectID]
	if !ok {
		return false
	}
	b.removeJointLocked(entry)
	b.logger.Debug("revoked object", "ref", entry.ref.String())
	return true
}

// ForgetPeer drops the joints exposed to a connection and the proxies bound
// to it. Called when the connection terminates.
func (b *Broker) ForgetPeer(connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, entry := range b.joints {
		if entry.peer == connID {
			b.removeJointLocked(entry)
		}
	}
	for key := range b.proxies {
		if key.conn == connID {
			delete(b.proxies, key)
		}
	}
}

func (b *Broker) removeJointLocked(entry *jointEntry) {
	delete(b.joints, entry.ref.ID)
	if entry.key != nil && b.exposed[*entry.key] == entry.ref.ID {
		delete(b.exposed, *entry.key)
	}
}

// ownedBy returns the reference behind instance when it is a proxy for an
// object owned by conn.
func ownedBy(instance any, conn *Conn) (ObjectReference, bool) {
	p, ok := instance.(proxied)
	if !ok || conn == nil {
		return ObjectReference{}, false
	}
	px := p.ipcProxy()
	if px == nil || px.conn != conn {
		return ObjectReference{}, false
	}
	return px.ref, true
}

// JointCount reports how many objects are currently exposed or published.
func (b *Broker) JointCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.joints)
}

// ProxyCount reports how many proxies are cached.
func (b *Broker) ProxyCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.proxies)
}

func checkContract(instance any, contract string) (*Contract, error) {
	c, ok := LookupContract(contract)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownContract, contract)
	}
	if instance == nil || !reflect.TypeOf(instance).Implements(c.Type) {
		return nil, fmt.Errorf("%T does not implement contract %s", instance, c.Name)
	}
	return c, nil
}

// hasIdentity reports whether instance can key the exposure index. Only
// pointers and channels have an identity worth deduplicating on.
func hasIdentity(instance any) bool {
	switch reflect.TypeOf(instance).Kind() {
	case reflect.Pointer, reflect.Chan, reflect.UnsafePointer:
		return true
	default:
		return false
	}
}
