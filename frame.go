// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ipc

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Kind identifies what a frame carries.
type Kind uint8

const (
	KindRequest  Kind = 0x01
	KindResponse Kind = 0x02
	// KindClose announces a clean disconnect. It carries no payload.
	KindClose Kind = 0x03
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindClose:
		return "close"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Frame is one unit of the wire protocol:
//
//	[marker][kind:1][correlation id:8][payload length:4][payload]
//
// Integers are big-endian. The low nibble of the kind byte is the Kind, the
// high nibble the Compression applied to the payload.
type Frame struct {
	Kind    Kind
	ID      uint64
	Payload []byte
}

// FrameConfig holds the parameters both ends agree on.
type FrameConfig struct {
	Marker            []byte
	MaxPayload        int
	Compression       Compression
	CompressThreshold int
}

func (c FrameConfig) headerLen() int {
	return len(c.Marker) + 1 + 8 + 4
}

// FrameWriter writes frames to a stream. WriteFrame is safe for concurrent
// use; a frame's bytes are never interleaved with another frame's.
type FrameWriter struct {
	mu  sync.Mutex
	w   *bufio.Writer
	cfg FrameConfig
}

func NewFrameWriter(w io.Writer, cfg FrameConfig) *FrameWriter {
	return &FrameWriter{w: bufio.NewWriter(w), cfg: cfg}
}

// WriteFrame encodes f, writes it and flushes the stream.
func (fw *FrameWriter) WriteFrame(f Frame) error {
	if len(f.Payload) > fw.cfg.MaxPayload {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, len(f.Payload), fw.cfg.MaxPayload)
	}

	payload := f.Payload
	compression := CompressionNone
	if fw.cfg.Compression != CompressionNone && len(payload) > 0 && len(payload) >= fw.cfg.CompressThreshold {
		compressed, err := compressPayload(payload, fw.cfg.Compression)
		switch {
		case err == nil:
			payload = compressed
			compression = fw.cfg.Compression
		case !errors.Is(err, errIncompressible):
			return err
		}
	}

	m := len(fw.cfg.Marker)
	buf := make([]byte, fw.cfg.headerLen()+len(payload))
	copy(buf, fw.cfg.Marker)
	buf[m] = byte(f.Kind)&0x0f | byte(compression)<<4
	binary.BigEndian.PutUint64(buf[m+1:m+9], f.ID)
	binary.BigEndian.PutUint32(buf[m+9:m+13], uint32(len(payload)))
	copy(buf[m+13:], payload)

	fw.mu.Lock()
	defer fw.mu.Unlock()
	if _, err := fw.w.Write(buf); err != nil {
		return err
	}
	return fw.w.Flush()
}

// FrameReader reads frames from a stream. It is not safe for concurrent use;
// a connection's read loop is its only caller.
type FrameReader struct {
	r      *bufio.Reader
	cfg    FrameConfig
	header []byte
}

func NewFrameReader(r io.Reader, cfg FrameConfig) *FrameReader {
	return &FrameReader{
		r:      bufio.NewReader(r),
		cfg:    cfg,
		header: make([]byte, cfg.headerLen()),
	}
}

// ReadFrame blocks until one complete frame has arrived. It returns io.EOF
// when the stream ends cleanly between frames, io.ErrUnexpectedEOF when it
// ends inside one, and a *ProtocolError for a malformed frame.
func (fr *FrameReader) ReadFrame() (Frame, error) {
	if _, err := io.ReadFull(fr.r, fr.header); err != nil {
		return Frame{}, err
	}

	m := len(fr.cfg.Marker)
	if !bytes.Equal(fr.header[:m], fr.cfg.Marker) {
		return Frame{}, &ProtocolError{Reason: fmt.Sprintf("header marker mismatch: got %x", fr.header[:m])}
	}

	kind := Kind(fr.header[m] & 0x0f)
	compression := Compression(fr.header[m] >> 4)
	switch kind {
	case KindRequest, KindResponse, KindClose:
	default:
		return Frame{}, &ProtocolError{Reason: fmt.Sprintf("unknown frame kind %d", uint8(kind))}
	}
	if compression > CompressionZstd {
		return Frame{}, &ProtocolError{Reason: fmt.Sprintf("unknown compression %d", uint8(compression))}
	}

	id := binary.BigEndian.Uint64(fr.header[m+1 : m+9])
	length := binary.BigEndian.Uint32(fr.header[m+9 : m+13])
	if int64(length) > int64(fr.cfg.MaxPayload) {
		return Frame{}, &ProtocolError{Reason: fmt.Sprintf("payload length %d exceeds limit %d", length, fr.cfg.MaxPayload)}
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}

	if compression != CompressionNone {
		var err error
		payload, err = decompressPayload(payload, compression, fr.cfg.MaxPayload)
		if err != nil {
			return Frame{}, &ProtocolError{Reason: "bad compressed payload", Err: err}
		}
	}
	return Frame{Kind: kind, ID: id, Payload: payload}, nil
}
