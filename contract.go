// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ipc

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// Joint receives calls addressed to one exposed object and runs them against
// the real instance. Generated joints switch on method, decode their
// arguments from args and return the method's results in order.
type Joint interface {
	Invoke(ctx context.Context, method string, args Args) ([]any, error)
}

// JointFunc is a function adapter for Joint
type JointFunc func(ctx context.Context, method string, args Args) ([]any, error)

func (f JointFunc) Invoke(ctx context.Context, method string, args Args) ([]any, error) {
	return f(ctx, method, args)
}

// Contract describes an interface whose values cross the process boundary
// by reference. Generated code registers one per contract interface.
type Contract struct {
	Name string
	Type reflect.Type

	newProxy func(*Proxy) any
	newJoint func(any) Joint
}

var (
	contractsMu     sync.RWMutex
	contractsByName = map[string]*Contract{}
	contractsByType = map[reflect.Type]*Contract{}
)

// RegisterContract registers the interface T under name, with the
// constructors of its proxy and joint. It is meant to be called from init
// functions of generated code and panics if T is not an interface or if the
// name or type is already registered.
func RegisterContract[T any](name string, newProxy func(*Proxy) T, newJoint func(T) Joint) {
	typ := reflect.TypeFor[T]()
	if typ.Kind() != reflect.Interface || typ.NumMethod() == 0 {
		panic(fmt.Sprintf("ipc.RegisterContract: %s is not a non-empty interface type", typ))
	}
	if name == "" || newProxy == nil || newJoint == nil {
		panic(fmt.Sprintf("ipc.RegisterContract: incomplete registration for %s", typ))
	}

	contractsMu.Lock()
	defer contractsMu.Unlock()
	if _, exists := contractsByName[name]; exists {
		panic(fmt.Sprintf("ipc.RegisterContract: duplicate contract %q", name))
	}
	if _, exists := contractsByType[typ]; exists {
		panic(fmt.Sprintf("ipc.RegisterContract: %s already registered", typ))
	}

	c := &Contract{
		Name:     name,
		Type:     typ,
		newProxy: func(p *Proxy) any { return newProxy(p) },
		newJoint: func(instance any) Joint { return newJoint(instance.(T)) },
	}
	contractsByName[name] = c
	contractsByType[typ] = c
}

// LookupContract returns the contract registered under name.
func LookupContract(name string) (*Contract, bool) {
	contractsMu.RLock()
	defer contractsMu.RUnlock()
	c, ok := contractsByName[name]
	return c, ok
}

// Contracts returns the names of all registered contracts, sorted.
func Contracts() []string {
	contractsMu.RLock()
	defer contractsMu.RUnlock()
	names := make([]string, 0, len(contractsByName))
	for name := range contractsByName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func contractOf[T any]() (*Contract, error) {
	typ := reflect.TypeFor[T]()
	contractsMu.RLock()
	defer contractsMu.RUnlock()
	c, ok := contractsByType[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownContract, typ)
	}
	return c, nil
}

// contractFor finds the contract the dynamic type of v implements. It
// returns nil when v is an ordinary value.
func contractFor(v any) (*Contract, error) {
	typ := reflect.TypeOf(v)
	contractsMu.RLock()
	defer contractsMu.RUnlock()

	var found *Contract
	for _, c := range contractsByName {
		if !typ.Implements(c.Type) {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("%w: %s implements %s and %s", ErrAmbiguousContract, typ, found.Name, c.Name)
		}
		found = c
	}
	return found, nil
}
