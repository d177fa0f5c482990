// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ipc

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"
)

const (
	dialRetryMin = 10 * time.Millisecond
	dialRetryMax = 200 * time.Millisecond
)

// Dial connects to the endpoint called name over the runtime's transport.
// While nothing listens there yet Dial keeps retrying, for at most
// Config.ConnectTimeout, so a client may start before its server.
func (rt *Runtime) Dial(ctx context.Context, name string) (*Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, rt.cfg.ConnectTimeout.Std())
	defer cancel()

	delay := dialRetryMin
	for {
		nc, err := rt.transport.Dial(ctx, name)
		if err == nil {
			return rt.newConn(nc, peerLabel(nc)), nil
		}
		if !endpointMissing(err) {
			return nil, &ConnectionError{Op: "dial", Peer: name, Err: err}
		}
		rt.logger.Debug("endpoint not ready", "endpoint", name, "error", err)

		select {
		case <-ctx.Done():
			return nil, &ConnectionError{Op: "dial", Peer: name, Err: errors.Join(ctx.Err(), err)}
		case <-time.After(delay):
		}
		delay = min(delay*2, dialRetryMax)
	}
}

// Listen starts accepting connections on the endpoint called name.
func (rt *Runtime) Listen(name string) (*Listener, error) {
	ln, err := rt.transport.Listen(name)
	if err != nil {
		return nil, &ConnectionError{Op: "listen", Peer: name, Err: err}
	}
	rt.logger.Info("listening", "endpoint", name)
	return &Listener{
		rt:    rt,
		ln:    ln,
		name:  name,
		conns: make(map[*Conn]struct{}),
	}, nil
}

// Listener is the accepting side of a session. Closing it also closes every
// connection it accepted that is still open.
type Listener struct {
	rt   *Runtime
	ln   net.Listener
	name string

	mu     sync.Mutex
	conns  map[*Conn]struct{}
	closed bool
}

// Accept blocks until a peer dials in or ctx is done. A done ctx also closes
// the listener.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	type result struct {
		nc  net.Conn
		err error
	}
	ch := make(chan result, 1)
	go func() {
		nc, err := l.ln.Accept()
		ch <- result{nc, err}
	}()

	var r result
	select {
	case r = <-ch:
	case <-ctx.Done():
		// The pending Accept only returns once the listener is closed.
		l.Close()
		r = <-ch
		if r.err == nil {
			r.nc.Close()
		}
		return nil, &ConnectionError{Op: "accept", Peer: l.name, Err: ctx.Err()}
	}
	if r.err != nil {
		return nil, &ConnectionError{Op: "accept", Peer: l.name, Err: r.err}
	}

	c := l.rt.newConn(r.nc, peerLabel(r.nc))
	if !l.track(c) {
		c.Close()
		return nil, &ConnectionError{Op: "accept", Peer: l.name, Err: net.ErrClosed}
	}
	go func() {
		<-c.Done()
		l.untrack(c)
	}()
	return c, nil
}

// Serve accepts connections until ctx is done or the listener is closed,
// handing each one to handler on its own goroutine. It returns nil on a
// clean stop.
func (l *Listener) Serve(ctx context.Context, handler func(*Conn)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		c, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go handler(c)
	}
}

// Close stops accepting and closes all accepted connections.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	conns := make([]*Conn, 0, len(l.conns))
	for c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()

	err := l.ln.Close()
	for _, c := range conns {
		c.Close()
	}
	return err
}

// Addr returns the address the listener is bound to.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

func (l *Listener) track(c *Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.conns[c] = struct{}{}
	return true
}

func (l *Listener) untrack(c *Conn) {
	l.mu.Lock()
	delete(l.conns, c)
	l.mu.Unlock()
}

// addrLabel names the peer by its remote address.
func addrLabel(nc net.Conn) string {
	addr := nc.RemoteAddr()
	if addr == nil || addr.String() == "" {
		return "unknown"
	}
	return addr.Network() + ":" + addr.String()
}
