// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// The contracts below stand in for generated code: each has a proxy that
// embeds *Proxy and a joint built from a switch over method names.

type Greeter interface {
	Greet(ctx context.Context, name string) (string, error)
}

type Counter interface {
	Add(ctx context.Context, n int) (int, error)
}

// Lab exercises everything a contract method can do across the boundary.
type Lab interface {
	Echo(ctx context.Context, c Counter) (Counter, error)
	Apply(ctx context.Context, c Counter, n int) (int, error)
	Shared(ctx context.Context) (Counter, error)
	Block(ctx context.Context) error
	Fail(ctx context.Context, code codes.Code, msg string) error
	Panic(ctx context.Context) error
}

func init() {
	RegisterContract[Greeter]("test.Greeter",
		func(p *Proxy) Greeter { return &greeterProxy{p} },
		greeterJoint)
	RegisterContract[Counter]("test.Counter",
		func(p *Proxy) Counter { return &counterProxy{p} },
		counterJoint)
	RegisterContract[Lab]("test.Lab",
		func(p *Proxy) Lab { return &labProxy{p} },
		labJoint)
}

type greeterProxy struct{ *Proxy }

func (p *greeterProxy) Greet(ctx context.Context, name string) (string, error) {
	var greeting string
	err := p.Call(ctx, "Greet", []any{name}, &greeting)
	return greeting, err
}

func greeterJoint(g Greeter) Joint {
	return JointFunc(func(ctx context.Context, method string, args Args) ([]any, error) {
		switch method {
		case "Greet":
			var name string
			if err := args.Decode(0, &name); err != nil {
				return nil, err
			}
			greeting, err := g.Greet(ctx, name)
			if err != nil {
				return nil, err
			}
			return []any{greeting}, nil
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
		}
	})
}

type counterProxy struct{ *Proxy }

func (p *counterProxy) Add(ctx context.Context, n int) (int, error) {
	var total int
	err := p.Call(ctx, "Add", []any{n}, &total)
	return total, err
}

func counterJoint(c Counter) Joint {
	return JointFunc(func(ctx context.Context, method string, args Args) ([]any, error) {
		switch method {
		case "Add":
			var n int
			if err := args.Decode(0, &n); err != nil {
				return nil, err
			}
			total, err := c.Add(ctx, n)
			if err != nil {
				return nil, err
			}
			return []any{total}, nil
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
		}
	})
}

type labProxy struct{ *Proxy }

func (p *labProxy) Echo(ctx context.Context, c Counter) (Counter, error) {
	var out Counter
	err := p.Call(ctx, "Echo", []any{c}, &out)
	return out, err
}

func (p *labProxy) Apply(ctx context.Context, c Counter, n int) (int, error) {
	var total int
	err := p.Call(ctx, "Apply", []any{c, n}, &total)
	return total, err
}

func (p *labProxy) Shared(ctx context.Context) (Counter, error) {
	var out Counter
	err := p.Call(ctx, "Shared", nil, &out)
	return out, err
}

func (p *labProxy) Block(ctx context.Context) error {
	return p.Call(ctx, "Block", nil)
}

func (p *labProxy) Fail(ctx context.Context, code codes.Code, msg string) error {
	return p.Call(ctx, "Fail", []any{uint32(code), msg})
}

func (p *labProxy) Panic(ctx context.Context) error {
	return p.Call(ctx, "Panic", nil)
}

func labJoint(l Lab) Joint {
	return JointFunc(func(ctx context.Context, method string, args Args) ([]any, error) {
		switch method {
		case "Echo":
			var c Counter
			if err := args.Decode(0, &c); err != nil {
				return nil, err
			}
			out, err := l.Echo(ctx, c)
			if err != nil {
				return nil, err
			}
			return []any{out}, nil
		case "Apply":
			var c Counter
			var n int
			if err := args.Decode(0, &c); err != nil {
				return nil, err
			}
			if err := args.Decode(1, &n); err != nil {
				return nil, err
			}
			total, err := l.Apply(ctx, c, n)
			if err != nil {
				return nil, err
			}
			return []any{total}, nil
		case "Shared":
			out, err := l.Shared(ctx)
			if err != nil {
				return nil, err
			}
			return []any{out}, nil
		case "Block":
			return nil, l.Block(ctx)
		case "Fail":
			var code uint32
			var msg string
			if err := args.Decode(0, &code); err != nil {
				return nil, err
			}
			if err := args.Decode(1, &msg); err != nil {
				return nil, err
			}
			return nil, l.Fail(ctx, codes.Code(code), msg)
		case "Panic":
			return nil, l.Panic(ctx)
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
		}
	})
}

type greeter struct {
	prefix string
	calls  atomic.Int32
}

func (g *greeter) Greet(_ context.Context, name string) (string, error) {
	g.calls.Add(1)
	if name == "" {
		return "", errors.New("empty name")
	}
	return g.prefix + name + "!", nil
}

// greetFunc has no identity: every exposure yields a fresh reference.
type greetFunc func(name string) string

func (f greetFunc) Greet(_ context.Context, name string) (string, error) {
	return f(name), nil
}

type counter struct {
	mu    sync.Mutex
	total int
}

func (c *counter) Add(_ context.Context, n int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total += n
	return c.total, nil
}

// greeterCounter implements two contracts at once.
type greeterCounter struct {
	greeter
	counter
}

type lab struct {
	shared  *counter
	entered chan struct{}
	release chan struct{}
}

func newLab() *lab {
	return &lab{
		shared:  &counter{},
		entered: make(chan struct{}, 16),
		release: make(chan struct{}),
	}
}

func (l *lab) Echo(_ context.Context, c Counter) (Counter, error) { return c, nil }

func (l *lab) Apply(ctx context.Context, c Counter, n int) (int, error) {
	return c.Add(ctx, n)
}

func (l *lab) Shared(context.Context) (Counter, error) { return l.shared, nil }

func (l *lab) Block(ctx context.Context) error {
	l.entered <- struct{}{}
	select {
	case <-l.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *lab) Fail(_ context.Context, code codes.Code, msg string) error {
	if code == codes.Unknown {
		return errors.New(msg)
	}
	return status.Error(code, msg)
}

func (l *lab) Panic(context.Context) error {
	panic("lab exploded")
}

// testConfig returns a configuration on the in-memory transport.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Transport = TransportMemory
	cfg.ConnectTimeout = Duration(2 * time.Second)
	return cfg
}

func newTestRuntime(t *testing.T, cfg Config) *Runtime {
	t.Helper()
	rt, err := New(cfg, WithLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close() })
	return rt
}

// endpoint returns a name unique to the running test.
func endpoint(t *testing.T) string {
	return strings.ReplaceAll(t.Name(), "/", "_") + ".sock"
}

// connect links a fresh client runtime to server and returns both ends of
// the connection.
func connect(t *testing.T, server, client *Runtime) (serverConn, clientConn *Conn) {
	t.Helper()
	return connectAt(t, endpoint(t), server, client)
}

// connectAt is connect on an explicit endpoint, for tests that link more
// than one pair of runtimes.
func connectAt(t *testing.T, name string, server, client *Runtime) (serverConn, clientConn *Conn) {
	t.Helper()
	ln, err := server.Listen(name)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	accepted := make(chan *Conn, 1)
	acceptErr := make(chan error, 1)
	go func() {
		c, err := ln.Accept(context.Background())
		if err != nil {
			acceptErr <- err
			return
		}
		accepted <- c
	}()

	clientConn, err = client.Dial(context.Background(), name)
	require.NoError(t, err)
	t.Cleanup(func() { clientConn.Close() })

	select {
	case serverConn = <-accepted:
	case err := <-acceptErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("accept timed out")
	}
	return serverConn, clientConn
}

// waitDone fails the test if c has not terminated within a few seconds.
func waitDone(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection did not terminate")
	}
}
