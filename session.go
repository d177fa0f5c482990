// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ipc

import "context"

// Connect dials name and returns the proxy for the object the server
// published there under objectID, with the connection it calls through.
// Closing the connection is up to the caller.
func Connect[T any](ctx context.Context, rt *Runtime, name, objectID string) (T, *Conn, error) {
	var zero T
	conn, err := rt.Dial(ctx, name)
	if err != nil {
		return zero, nil, err
	}
	obj, err := Remote[T](conn, objectID)
	if err != nil {
		conn.Close()
		return zero, nil, err
	}
	return obj, conn, nil
}

// ListenAndServe serves the runtime's published objects on name until ctx
// is done. onConnect, if not nil, runs for every accepted connection.
func (rt *Runtime) ListenAndServe(ctx context.Context, name string, onConnect func(*Conn)) error {
	ln, err := rt.Listen(name)
	if err != nil {
		return err
	}
	defer ln.Close()

	return ln.Serve(ctx, func(c *Conn) {
		if onConnect != nil {
			onConnect(c)
		}
	})
}
