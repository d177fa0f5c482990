// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ipc

import (
	"fmt"
	"io"
	"log/slog"
)

// Runtime is the process-wide IPC context: configuration, codec, transport,
// the correlation manager and the object broker, shared by every connection
// created from it. Build one at startup and pass it explicitly; tests build
// as many isolated runtimes as they need.
type Runtime struct {
	cfg   Config
	frame FrameConfig

	logger    *slog.Logger
	logCloser io.Closer

	codec     Codec
	envelope  Envelope
	transport Transport
	acks      *AckManager
	broker    *Broker
}

// Option configures a Runtime
type Option func(*options)

type options struct {
	logger    *slog.Logger
	codec     Codec
	transport Transport
}

// WithLogger sets the logger instead of building one from Config.Logging.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithCodec sets a custom value codec
func WithCodec(c Codec) Option {
	return func(o *options) { o.codec = c }
}

// WithTransport sets a transport instance instead of the one named by
// Config.Transport.
func WithTransport(t Transport) Option {
	return func(o *options) { o.transport = t }
}

// New validates cfg and assembles a Runtime.
func New(cfg Config, opts ...Option) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	rt := &Runtime{
		cfg:   cfg,
		frame: cfg.frameConfig(),
	}

	rt.logger = o.logger
	if rt.logger == nil {
		logger, closer, err := NewLogger(cfg.Logging)
		if err != nil {
			return nil, err
		}
		rt.logger, rt.logCloser = logger, closer
	}

	var err error
	rt.codec = o.codec
	if rt.codec == nil {
		if rt.codec, err = newCodec(cfg.Codec); err != nil {
			return nil, err
		}
	}
	if rt.envelope, err = newEnvelope(cfg.Envelope, rt.codec); err != nil {
		return nil, err
	}
	rt.transport = o.transport
	if rt.transport == nil {
		if rt.transport, err = newTransport(cfg); err != nil {
			return nil, err
		}
	}

	rt.acks = NewAckManager(rt.logger)
	rt.broker = NewBroker(rt.codec, rt.logger)
	return rt, nil
}

// Config returns a copy of the runtime's configuration.
func (rt *Runtime) Config() Config { return rt.cfg }

func (rt *Runtime) Logger() *slog.Logger { return rt.logger }

func (rt *Runtime) Codec() Codec { return rt.codec }

// Acks returns the correlation manager shared by the runtime's connections.
func (rt *Runtime) Acks() *AckManager { return rt.acks }

// Broker returns the joint registry and proxy cache.
func (rt *Runtime) Broker() *Broker { return rt.broker }

// Close releases the log file opened for Config.Logging, if any.
// Connections and listeners are closed by their owners.
func (rt *Runtime) Close() error {
	if rt.logCloser != nil {
		return rt.logCloser.Close()
	}
	return nil
}
