// Package config loads the ingestd daemon configuration.
//
// Configuration comes from a single YAML file given on the command line.
// Keys missing from the file keep their Default values; unknown keys are
// rejected.
package config

import (
	"bytes"
	"encoding/hex"
	"io"
	"log/slog"
	"math"
	"net"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/Zereker/ingest/segment"
)

// Payload formats.
const (
	PayloadRaw      = "raw"
	PayloadCBOR     = "cbor"
	PayloadProtobuf = "protobuf"
)

// Config is the daemon configuration.
type Config struct {
	// Listen is the TCP address to accept connections on.
	Listen string `yaml:"listen"`

	// DataDir is the archive directory. Empty keeps segments in memory.
	DataDir string `yaml:"data_dir"`

	// MaxFrameSize is the largest frame a connection accepts, in bytes.
	MaxFrameSize int `yaml:"max_frame_size"`

	// Heartbeat closes connections idle for twice its value.
	Heartbeat time.Duration `yaml:"heartbeat"`

	// ShutdownTimeout is how long open connections may keep sending after
	// shutdown begins.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Payload is the format payloads must be in: raw accepts any bytes,
	// cbor and protobuf reject payloads that do not decode.
	Payload string `yaml:"payload"`

	// Compression is applied to archived segments: none, lz4 or zstd.
	Compression segment.Compression `yaml:"compression"`

	// MaxObservations bounds each stream between rotations. Zero means no
	// limit.
	MaxObservations int `yaml:"max_observations"`

	// TokenHashes are the hex BLAKE3 hashes of accepted tokens.
	TokenHashes []string `yaml:"token_hashes"`

	// Streams are the ids provisioned at start.
	Streams []string `yaml:"streams"`

	LogLevel slog.Level `yaml:"log_level"`
}

// Default returns the configuration used for keys a file leaves out.
func Default() *Config {
	return &Config{
		Listen:          "127.0.0.1:7070",
		MaxFrameSize:    1024 * 1024,
		Heartbeat:       30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		Payload:         PayloadRaw,
		Compression:     segment.CompressionZstd,
		LogLevel:        slog.LevelInfo,
	}
}

// Load reads the file at path over Default and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// Parse decodes YAML data over Default and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "decode")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var problems []string

	if _, err := net.ResolveTCPAddr("tcp", c.Listen); err != nil {
		problems = append(problems, "listen: "+err.Error())
	}

	if c.MaxFrameSize <= 0 || uint64(c.MaxFrameSize) > math.MaxUint32 {
		problems = append(problems, "max_frame_size must be between 1 and 4294967295")
	}

	if c.Heartbeat <= 0 {
		problems = append(problems, "heartbeat must be positive")
	}

	if c.ShutdownTimeout < 0 {
		problems = append(problems, "shutdown_timeout must not be negative")
	}

	switch c.Payload {
	case PayloadRaw, PayloadCBOR, PayloadProtobuf:
	default:
		problems = append(problems, "payload must be raw, cbor or protobuf")
	}

	if c.MaxObservations < 0 {
		problems = append(problems, "max_observations must not be negative")
	}

	for _, h := range c.TokenHashes {
		if b, err := hex.DecodeString(h); err != nil || len(b) != 32 {
			problems = append(problems, "token_hashes: "+h+" is not a hex BLAKE3 hash")
		}
	}

	if len(problems) > 0 {
		return errors.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
