// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc/codes"
)

// Conn is one established channel to a peer. A single read loop owns the
// receiving side; any number of goroutines may send concurrently. Incoming
// requests are dispatched each on its own goroutine, so a slow method never
// holds up responses to other calls.
type Conn struct {
	rt     *Runtime
	id     string
	peer   string
	nc     net.Conn
	reader *FrameReader
	writer *FrameWriter
	logger *slog.Logger

	// dispatch bounds concurrently running requests; nil means unbounded.
	dispatch *semaphore.Weighted

	// ctx is handed to dispatched requests and cancelled on termination.
	ctx    context.Context
	cancel context.CancelFunc

	closed    atomic.Bool
	closeOnce sync.Once
	err       error
	done      chan struct{}
	readDone  chan struct{}
}

func (rt *Runtime) newConn(nc net.Conn, peer string) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		rt:       rt,
		id:       uuid.NewString(),
		peer:     peer,
		nc:       nc,
		reader:   NewFrameReader(nc, rt.frame),
		writer:   NewFrameWriter(nc, rt.frame),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
	c.logger = rt.logger.With("conn", c.id, "peer", peer)
	if n := rt.cfg.MaxConcurrentDispatch; n > 0 {
		c.dispatch = semaphore.NewWeighted(int64(n))
	}
	c.logger.Info("connection established")
	go c.readLoop()
	return c
}

// ID returns the connection id, unique within the process.
func (c *Conn) ID() string { return c.id }

// Peer returns a label identifying the other end.
func (c *Conn) Peer() string { return c.peer }

// Runtime returns the runtime the connection belongs to.
func (c *Conn) Runtime() *Runtime { return c.rt }

// Done is closed when the connection has terminated.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns nil while the connection is open and the *ConnectionError
// that terminated it afterwards.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// SendRequest registers a pending call and writes its request frame. The
// returned call completes when the matching response arrives or the
// connection terminates.
func (c *Conn) SendRequest(ctx context.Context, payload []byte) (*PendingCall, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.closed.Load() {
		return nil, c.closedError()
	}

	acks := c.rt.acks
	pending := acks.Register(c.id)
	// terminate marks the connection closed before cancelling, so a call
	// registered after this check is cancelled by it.
	if c.closed.Load() {
		acks.Forget(pending.ID())
		return nil, c.closedError()
	}

	if err := c.writer.WriteFrame(Frame{Kind: KindRequest, ID: pending.ID(), Payload: payload}); err != nil {
		acks.Forget(pending.ID())
		return nil, c.writeFailed(err)
	}
	return pending, nil
}

// SendResponse writes the response to the request with the given id. It is
// used by the dispatch path only.
func (c *Conn) SendResponse(id uint64, payload []byte) error {
	if c.closed.Load() {
		return c.closedError()
	}
	if err := c.writer.WriteFrame(Frame{Kind: KindResponse, ID: id, Payload: payload}); err != nil {
		return c.writeFailed(err)
	}
	return nil
}

func (c *Conn) writeFailed(err error) error {
	if errors.Is(err, ErrPayloadTooLarge) {
		return err
	}
	werr := &ConnectionError{Op: "write", Peer: c.peer, Err: err}
	c.terminate(werr)
	return werr
}

func (c *Conn) closedError() error {
	if err := c.Err(); err != nil {
		return err
	}
	return &ConnectionError{Op: "send", Peer: c.peer, Err: ErrClosed}
}

// Close tells the peer we are leaving, releases the stream and fails every
// call still waiting on this connection.
func (c *Conn) Close() error {
	if c.closed.Load() {
		<-c.readDone
		return nil
	}

	c.nc.SetWriteDeadline(time.Now().Add(c.rt.cfg.CloseTimeout.Std()))
	if err := c.writer.WriteFrame(Frame{Kind: KindClose}); err != nil {
		c.logger.Debug("close frame not delivered", "error", err)
	}
	c.terminate(&ConnectionError{Op: "close", Peer: c.peer, Err: ErrClosed})
	<-c.readDone
	return nil
}

// terminate runs once, whichever of the read loop, a failed write or Close
// gets there first.
func (c *Conn) terminate(err *ConnectionError) {
	c.closeOnce.Do(func() {
		c.err = err
		c.closed.Store(true)
		c.cancel()
		c.nc.Close()
		cancelled := c.rt.acks.CancelAll(c.id, err)
		c.rt.broker.ForgetPeer(c.id)
		close(c.done)
		c.logger.Info("connection terminated", "reason", err.Err, "cancelled_calls", cancelled)
	})
}

func (c *Conn) readLoop() {
	defer close(c.readDone)

	for {
		f, err := c.reader.ReadFrame()
		if err != nil {
			c.terminate(c.readError(err))
			return
		}

		switch f.Kind {
		case KindResponse:
			c.rt.acks.Resolve(c.id, f.ID, f.Payload, nil)
		case KindRequest:
			go c.serveRequest(f)
		case KindClose:
			c.terminate(&ConnectionError{Op: "read", Peer: c.peer, Err: ErrPeerClosed})
			return
		}
	}
}

func (c *Conn) readError(err error) *ConnectionError {
	var protoErr *ProtocolError
	switch {
	case errors.As(err, &protoErr):
		c.logger.Error("protocol violation", "error", err)
	case c.closed.Load():
		err = ErrClosed
	case isExpectedCloseError(err):
		c.logger.Debug("stream ended", "error", err)
	default:
		c.logger.Warn("read failed", "error", err)
	}
	return &ConnectionError{Op: "read", Peer: c.peer, Err: err}
}

func (c *Conn) serveRequest(f Frame) {
	if c.dispatch != nil {
		if err := c.dispatch.Acquire(c.ctx, 1); err != nil {
			return
		}
		defer c.dispatch.Release(1)
	}

	envelope := c.rt.envelope
	var resp *Response
	req, err := envelope.DecodeRequest(f.Payload)
	if err != nil {
		resp = &Response{Failure: failureFrom(fmt.Errorf("%w: %v", ErrBadArguments, err))}
	} else {
		resp = c.rt.broker.Dispatch(c.ctx, c, req)
	}

	payload, err := envelope.EncodeResponse(resp)
	if err != nil {
		payload, err = c.failurePayload(err)
	}
	if err == nil {
		err = c.SendResponse(f.ID, payload)
	}
	if errors.Is(err, ErrPayloadTooLarge) {
		// The caller is still waiting; tell it why it gets no results.
		if payload, err = c.failurePayload(err); err == nil {
			err = c.SendResponse(f.ID, payload)
		}
	}
	if err != nil {
		c.logger.Debug("response not sent", "id", f.ID, "error", err)
	}
}

func (c *Conn) failurePayload(cause error) ([]byte, error) {
	return c.rt.envelope.EncodeResponse(&Response{Failure: &Failure{
		Code:    uint32(codes.Internal),
		Message: cause.Error(),
	}})
}

// call performs one proxy call: marshal, send, wait, unmarshal.
func (c *Conn) call(ctx context.Context, objectID, method string, args, results []any) error {
	broker := c.rt.broker
	values := make([]Value, len(args))
	for i, arg := range args {
		v, err := broker.marshalValue(c, arg)
		if err != nil {
			return fmt.Errorf("marshal argument %d of %s: %w", i, method, err)
		}
		values[i] = v
	}

	payload, err := c.rt.envelope.EncodeRequest(&Request{ObjectID: objectID, Method: method, Args: values})
	if err != nil {
		return fmt.Errorf("encode request %s: %w", method, err)
	}
	pending, err := c.SendRequest(ctx, payload)
	if err != nil {
		return err
	}
	data, err := pending.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			c.rt.acks.Forget(pending.ID())
		}
		return err
	}

	resp, err := c.rt.envelope.DecodeResponse(data)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if resp.Failure != nil {
		return resp.Failure.err(objectID, method)
	}
	if len(resp.Results) < len(results) {
		return fmt.Errorf("%s returned %d results, want %d", method, len(resp.Results), len(results))
	}
	for i, dst := range results {
		if dst == nil {
			continue
		}
		if err := broker.unmarshalValue(c, resp.Results[i], dst); err != nil {
			return fmt.Errorf("result %d of %s: %w", i, method, err)
		}
	}
	return nil
}

// isExpectedCloseError reports whether err is a normal end of stream: EOF,
// closed connection, broken pipe or connection reset.
func isExpectedCloseError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
