// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Config holds the settings both ends of a connection must agree on, plus
// local limits. It is copied into a Runtime and never changes afterwards.
type Config struct {
	// HeaderMarker opens every frame. A frame with another marker is a
	// protocol violation.
	HeaderMarker string `yaml:"header_marker" json:"header_marker"`

	// MaxPayload is the largest frame payload accepted or sent, in bytes.
	MaxPayload int `yaml:"max_payload" json:"max_payload"`

	// Transport names the registered transport used to dial and listen.
	Transport string `yaml:"transport" json:"transport"`

	// SocketDir is where the unix transport places sockets whose names are
	// not absolute paths.
	SocketDir string `yaml:"socket_dir" json:"socket_dir"`

	// ConnectTimeout bounds Dial, including waiting for the endpoint to
	// appear.
	ConnectTimeout Duration `yaml:"connect_timeout" json:"connect_timeout"`

	// CloseTimeout bounds the delivery of the close frame.
	CloseTimeout Duration `yaml:"close_timeout" json:"close_timeout"`

	Codec    string `yaml:"codec" json:"codec"`
	Envelope string `yaml:"envelope" json:"envelope"`

	// Compression is applied to payloads of at least CompressThreshold
	// bytes. Receivers decompress whatever they are sent.
	Compression       string `yaml:"compression" json:"compression"`
	CompressThreshold int    `yaml:"compress_threshold" json:"compress_threshold"`

	// MaxConcurrentDispatch bounds the requests running at once on one
	// connection. Zero means unbounded.
	MaxConcurrentDispatch int `yaml:"max_concurrent_dispatch" json:"max_concurrent_dispatch"`

	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// LoggingConfig configures the logger built when none is supplied.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	// Output is stdout, stderr or a file path.
	Output string `yaml:"output" json:"output"`
}

// Duration is a time.Duration written as a Go duration string ("5s") in
// config files.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		HeaderMarker:          "LXIPC1",
		MaxPayload:            64 * 1024 * 1024,
		Transport:             TransportUnix,
		SocketDir:             os.TempDir(),
		ConnectTimeout:        Duration(5 * time.Second),
		CloseTimeout:          Duration(time.Second),
		Codec:                 CodecCBOR,
		Envelope:              EnvelopeCodec,
		Compression:           "none",
		CompressThreshold:     4096,
		MaxConcurrentDispatch: 64,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// LoadConfig reads a YAML (.yaml, .yml) or JSON with comments (.json,
// .jsonc) file over the defaults and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	case ".json", ".jsonc":
		err = json.Unmarshal(jsonc.ToJSON(data), &cfg)
	default:
		return cfg, fmt.Errorf("reading %s: unsupported config format", path)
	}
	if err != nil {
		return cfg, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if n := len(c.HeaderMarker); n == 0 || n > 16 {
		errs = append(errs, fmt.Errorf("header_marker must be 1 to 16 bytes, got %d", n))
	}
	if c.MaxPayload <= 0 || int64(c.MaxPayload) > math.MaxUint32 {
		errs = append(errs, fmt.Errorf("max_payload out of range: %d", c.MaxPayload))
	}
	if !HasTransport(c.Transport) {
		errs = append(errs, fmt.Errorf("unknown transport: %q", c.Transport))
	}
	if c.Transport == TransportUnix && c.SocketDir == "" {
		errs = append(errs, errors.New("socket_dir is required by the unix transport"))
	}
	if c.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("connect_timeout must be positive"))
	}
	if c.CloseTimeout <= 0 {
		errs = append(errs, errors.New("close_timeout must be positive"))
	}
	switch c.Codec {
	case CodecCBOR, CodecJSON:
	default:
		errs = append(errs, fmt.Errorf("unknown codec: %q", c.Codec))
	}
	switch c.Envelope {
	case EnvelopeCodec, EnvelopeJSONRPC:
	default:
		errs = append(errs, fmt.Errorf("unknown envelope: %q", c.Envelope))
	}
	if _, err := ParseCompression(c.Compression); err != nil {
		errs = append(errs, err)
	}
	if c.CompressThreshold < 0 {
		errs = append(errs, errors.New("compress_threshold must not be negative"))
	}
	if c.MaxConcurrentDispatch < 0 {
		errs = append(errs, errors.New("max_concurrent_dispatch must not be negative"))
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Logging.Format {
	case "text", "json", "":
	default:
		errs = append(errs, fmt.Errorf("invalid log format: %q (must be json or text)", c.Logging.Format))
	}
	return errors.Join(errs...)
}

func (c Config) frameConfig() FrameConfig {
	compression, _ := ParseCompression(c.Compression)
	return FrameConfig{
		Marker:            []byte(c.HeaderMarker),
		MaxPayload:        c.MaxPayload,
		Compression:       compression,
		CompressThreshold: c.CompressThreshold,
	}
}
