// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ipc

import (
	"errors"
	"fmt"
	"reflect"
)

// shaped pins a value to a contract regardless of its dynamic type.
type shaped struct {
	contract string
	value    any
}

// As marks v to be passed by reference as contract. Values whose type
// implements exactly one registered contract are passed by reference without
// it; As resolves the ambiguous cases.
func As(contract string, v any) any {
	return shaped{contract: contract, value: v}
}

// Args gives a joint access to the arguments of one call.
type Args struct {
	values []Value
	conn   *Conn
}

// Len returns the number of arguments the caller sent.
func (a Args) Len() int { return len(a.values) }

// Conn returns the connection the call arrived on.
func (a Args) Conn() *Conn { return a.conn }

// Decode stores argument i in the value pointed to by dst. References
// become the original instance or a proxy; everything else goes through
// the codec. Failures wrap ErrBadArguments.
func (a Args) Decode(i int, dst any) error {
	if i < 0 || i >= len(a.values) {
		return fmt.Errorf("%w: argument %d requested, %d sent", ErrBadArguments, i, len(a.values))
	}
	if err := a.conn.rt.broker.unmarshalValue(a.conn, a.values[i], dst); err != nil {
		return fmt.Errorf("%w: argument %d: %v", ErrBadArguments, i, err)
	}
	return nil
}

// marshalValue applies the marshalling rule to one outgoing value: IPC
// objects travel as references, everything else through the codec. A proxy
// sent back to the peer owning its object travels as that object's
// reference.
func (b *Broker) marshalValue(conn *Conn, v any) (Value, error) {
	if s, ok := v.(shaped); ok {
		if isNil(s.value) {
			return Value{}, nil
		}
		ref, err := b.ExposeLocal(s.value, s.contract, conn)
		if err != nil {
			return Value{}, err
		}
		return Value{Ref: &ref}, nil
	}
	if isNil(v) {
		return Value{}, nil
	}
	if p, ok := v.(proxied); ok {
		px := p.ipcProxy()
		if px == nil {
			return Value{}, fmt.Errorf("marshal %T: unbound proxy", v)
		}
		ref, err := b.ExposeLocal(v, px.ref.Contract, conn)
		if err != nil {
			return Value{}, err
		}
		return Value{Ref: &ref}, nil
	}

	c, err := contractFor(v)
	if err != nil {
		return Value{}, err
	}
	if c != nil {
		ref, err := b.ExposeLocal(v, c.Name, conn)
		if err != nil {
			return Value{}, err
		}
		return Value{Ref: &ref}, nil
	}

	data, err := b.codec.Encode(v)
	if err != nil {
		return Value{}, fmt.Errorf("encode %T: %w", v, err)
	}
	return Value{Data: data}, nil
}

// unmarshalValue stores an incoming value in dst, which must be a non-nil
// pointer.
func (b *Broker) unmarshalValue(conn *Conn, v Value, dst any) error {
	target := reflect.ValueOf(dst)
	if target.Kind() != reflect.Pointer || target.IsNil() {
		return errors.New("destination must be a non-nil pointer")
	}
	target = target.Elem()

	switch {
	case v.Ref != nil:
		obj, err := b.ResolveRemote(*v.Ref, conn)
		if err != nil {
			return err
		}
		resolved := reflect.ValueOf(obj)
		if !resolved.Type().AssignableTo(target.Type()) {
			return fmt.Errorf("%s resolves to %s, not assignable to %s", v.Ref, resolved.Type(), target.Type())
		}
		target.Set(resolved)
		return nil
	case len(v.Data) == 0:
		target.SetZero()
		return nil
	default:
		return b.codec.Decode(v.Data, dst)
	}
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return rv.IsNil()
	default:
		return false
	}
}
