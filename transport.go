// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
)

// Transport is a connection-oriented, ordered, reliable local byte stream
// addressed by name.
type Transport interface {
	Dial(ctx context.Context, name string) (net.Conn, error)
	Listen(name string) (net.Listener, error)
}

// Transport types
const (
	TransportUnix   = "unix"   // Unix domain sockets, default
	TransportMemory = "memory" // In-process pipes, for tests and embedding
)

// DefaultTransport is the default transport type (unix)
const DefaultTransport = TransportUnix

type transportFactory func(cfg Config) Transport

var (
	transportsMu sync.RWMutex
	transports   = map[string]transportFactory{
		TransportUnix:   newUnixTransport,
		TransportMemory: func(Config) Transport { return memoryTransport{} },
	}
)

// RegisterTransport makes a transport available under name for
// Config.Transport.
func RegisterTransport(name string, factory func(cfg Config) Transport) {
	transportsMu.Lock()
	defer transportsMu.Unlock()
	transports[name] = factory
}

// AvailableTransports returns list of available transport types
func AvailableTransports() []string {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	result := make([]string, 0, len(transports))
	for name := range transports {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// HasTransport checks if a transport is available
func HasTransport(name string) bool {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	_, ok := transports[name]
	return ok
}

func newTransport(cfg Config) (Transport, error) {
	transportsMu.RLock()
	factory, ok := transports[cfg.Transport]
	transportsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown transport: %s", cfg.Transport)
	}
	return factory(cfg), nil
}

// errNoEndpoint is returned when nothing listens under a name yet.
var errNoEndpoint = errors.New("no endpoint listening")

// endpointMissing reports whether a dial failed only because the server is
// not there yet, which Dial keeps retrying.
func endpointMissing(err error) bool {
	return errors.Is(err, errNoEndpoint) ||
		errors.Is(err, syscall.ENOENT) ||
		errors.Is(err, syscall.ECONNREFUSED)
}

type unixTransport struct {
	dir string
}

func newUnixTransport(cfg Config) Transport {
	return unixTransport{dir: cfg.SocketDir}
}

func (t unixTransport) path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(t.dir, name)
}

func (t unixTransport) Dial(ctx context.Context, name string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", t.path(name))
}

// Listen removes a stale socket file left at the path before listening.
func (t unixTransport) Listen(name string) (net.Listener, error) {
	path := t.path(name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale socket %s: %w", path, err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", path, err)
	}
	return ln, nil
}

// memoryTransport connects endpoints of the same process with net.Pipe. The
// name space is process-wide, so separate Runtimes can reach each other.
type memoryTransport struct{}

var (
	memoryMu        sync.Mutex
	memoryListeners = map[string]*memoryListener{}
)

func (memoryTransport) Listen(name string) (net.Listener, error) {
	memoryMu.Lock()
	defer memoryMu.Unlock()
	if _, exists := memoryListeners[name]; exists {
		return nil, fmt.Errorf("listening on memory:%s: %w", name, syscall.EADDRINUSE)
	}
	l := &memoryListener{
		addr:  memoryAddr(name),
		conns: make(chan net.Conn),
		done:  make(chan struct{}),
	}
	memoryListeners[name] = l
	return l, nil
}

func (memoryTransport) Dial(ctx context.Context, name string) (net.Conn, error) {
	memoryMu.Lock()
	l, ok := memoryListeners[name]
	memoryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("dial memory:%s: %w", name, errNoEndpoint)
	}

	server, client := net.Pipe()
	select {
	case l.conns <- memoryConn{Conn: server, addr: l.addr}:
		return memoryConn{Conn: client, addr: l.addr}, nil
	case <-l.done:
		server.Close()
		client.Close()
		return nil, fmt.Errorf("dial memory:%s: %w", name, errNoEndpoint)
	case <-ctx.Done():
		server.Close()
		client.Close()
		return nil, ctx.Err()
	}
}

type memoryAddr string

func (memoryAddr) Network() string  { return TransportMemory }
func (a memoryAddr) String() string { return string(a) }

// memoryConn reports the endpoint name instead of net.Pipe's "pipe".
type memoryConn struct {
	net.Conn
	addr memoryAddr
}

func (c memoryConn) LocalAddr() net.Addr  { return c.addr }
func (c memoryConn) RemoteAddr() net.Addr { return c.addr }

type memoryListener struct {
	addr  memoryAddr
	conns chan net.Conn
	done  chan struct{}
	once  sync.Once
}

func (l *memoryListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *memoryListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		memoryMu.Lock()
		if memoryListeners[string(l.addr)] == l {
			delete(memoryListeners, string(l.addr))
		}
		memoryMu.Unlock()
	})
	return nil
}

func (l *memoryListener) Addr() net.Addr { return l.addr }
