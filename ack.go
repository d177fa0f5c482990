// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ipc

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// PendingCall is the completion slot of one outbound request. It is
// completed exactly once, by a response, a cancellation or its caller
// giving up.
type PendingCall struct {
	id    uint64
	owner string

	once    sync.Once
	done    chan struct{}
	payload []byte
	err     error
}

func (p *PendingCall) ID() uint64 { return p.id }

func (p *PendingCall) complete(payload []byte, err error) bool {
	completed := false
	p.once.Do(func() {
		p.payload = payload
		p.err = err
		close(p.done)
		completed = true
	})
	return completed
}

// Done is closed once the call has an outcome.
func (p *PendingCall) Done() <-chan struct{} { return p.done }

// Wait blocks until the call is resolved or ctx ends. There is no built-in
// timeout; callers bound the wait through ctx.
func (p *PendingCall) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-p.done:
		return p.payload, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AckManager issues correlation ids and matches responses to the calls
// waiting for them. One AckManager serves every connection of a Runtime;
// each pending call remembers the connection that owns it.
type AckManager struct {
	next atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]*PendingCall

	logger *slog.Logger
}

func NewAckManager(logger *slog.Logger) *AckManager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &AckManager{
		pending: make(map[uint64]*PendingCall),
		logger:  logger,
	}
}

// NextID returns an id never returned before by this manager.
func (a *AckManager) NextID() uint64 {
	return a.next.Add(1)
}

// Register allocates an id and its slot. It must be called before the
// request frame is written so that a fast response always finds the slot.
func (a *AckManager) Register(owner string) *PendingCall {
	p := &PendingCall{
		id:    a.NextID(),
		owner: owner,
		done:  make(chan struct{}),
	}
	a.mu.Lock()
	a.pending[p.id] = p
	a.mu.Unlock()
	return p
}

// Resolve completes the call with the given id. Unknown ids, and ids owned by
// another connection, are logged and dropped.
func (a *AckManager) Resolve(owner string, id uint64, payload []byte, err error) bool {
	a.mu.Lock()
	p, ok := a.pending[id]
	if ok && p.owner == owner {
		delete(a.pending, id)
	}
	a.mu.Unlock()

	if !ok || p.owner != owner {
		a.logger.Debug("discarding response for unknown call", "id", id, "conn", owner)
		return false
	}
	return p.complete(payload, err)
}

// Forget drops a slot whose caller stopped waiting.
func (a *AckManager) Forget(id uint64) {
	a.mu.Lock()
	delete(a.pending, id)
	a.mu.Unlock()
}

// CancelAll fails every call owned by owner with err and reports how many
// were outstanding.
func (a *AckManager) CancelAll(owner string, err error) int {
	a.mu.Lock()
	var cancelled []*PendingCall
	for id, p := range a.pending {
		if p.owner == owner {
			cancelled = append(cancelled, p)
			delete(a.pending, id)
		}
	}
	a.mu.Unlock()

	for _, p := range cancelled {
		p.complete(nil, err)
	}
	return len(cancelled)
}

// Pending reports the number of outstanding calls for owner.
func (a *AckManager) Pending(owner string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, p := range a.pending {
		if p.owner == owner {
			n++
		}
	}
	return n
}
