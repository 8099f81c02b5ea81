// Package config loads worker-rpc configuration.
//
// Configuration comes from a YAML file named by the --config flag or the
// WORKER_RPC_CONFIG environment variable, merged over Default(). Command line
// flags bound with BindFlags override file values.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"worker-rpc/codec"
	"worker-rpc/port"
	"worker-rpc/protocol"
)

// EnvConfig names the environment variable holding the config file path.
const EnvConfig = "WORKER_RPC_CONFIG"

// Config is the configuration shared by the server and the worker pool.
type Config struct {
	// Codec is the value codec: "cbor" or "json".
	Codec string `yaml:"codec"`

	// Compression configures frame body compression on sockets.
	Compression CompressionConfig `yaml:"compression"`

	// Heartbeat is the socket heartbeat interval. Zero disables heartbeats.
	Heartbeat time.Duration `yaml:"heartbeat"`

	// RequestTimeout bounds each call made by the CLI and the server's
	// timeout middleware. Zero means no bound.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// Pool configures the worker pool.
	Pool PoolConfig `yaml:"pool"`

	// RateLimit throttles inbound calls on the server. Zero rate disables it.
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// Registry configures worker discovery. Empty endpoints disable it.
	Registry RegistryConfig `yaml:"registry"`

	// Listen is the server listen address.
	Listen string `yaml:"listen"`

	// Advertise is the address published to the registry.
	// Default: the listen address
	Advertise string `yaml:"advertise"`

	// Log configures logging.
	Log LogConfig `yaml:"log"`
}

// CompressionConfig configures frame compression.
type CompressionConfig struct {
	// Algorithm is "none", "lz4" or "zstd".
	Algorithm string `yaml:"algorithm"`

	// Threshold is the smallest body worth compressing, in bytes.
	Threshold int `yaml:"threshold"`
}

// PoolConfig configures client.Pool.
type PoolConfig struct {
	Size int `yaml:"size"`

	// Balancer picks among idle workers: "round-robin" or "weighted".
	Balancer string `yaml:"balancer"`
}

// RateLimitConfig configures the token bucket middleware.
type RateLimitConfig struct {
	Rate  float64 `yaml:"rate"` // tokens per second
	Burst int     `yaml:"burst"`
}

// RegistryConfig configures etcd discovery.
type RegistryConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Service     string        `yaml:"service"`
	TTL         time.Duration `yaml:"ttl"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	// Level is a zap level name: debug, info, warn, error.
	Level string `yaml:"level"`

	// Development selects zap's development config: console encoding,
	// stack traces on warnings.
	Development bool `yaml:"development"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Codec: "cbor",
		Compression: CompressionConfig{
			Algorithm: "zstd",
			Threshold: 1024,
		},
		Heartbeat:      30 * time.Second,
		RequestTimeout: 30 * time.Second,
		Pool: PoolConfig{
			Size:     4,
			Balancer: "round-robin",
		},
		Registry: RegistryConfig{
			Service:     "worker",
			TTL:         10 * time.Second,
			DialTimeout: 5 * time.Second,
		},
		Listen: "127.0.0.1:7070",
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load loads the file named by WORKER_RPC_CONFIG, or returns Default() when
// the variable is not set.
func Load() (*Config, error) {
	path := os.Getenv(EnvConfig)
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile loads path merged over Default() and validates the result.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks every enumerated field and range.
func (c *Config) Validate() error {
	var errs []error
	if _, err := codec.ParseCodecType(c.Codec); err != nil {
		errs = append(errs, err)
	}
	if _, err := protocol.ParseCompressionTag(c.Compression.Algorithm); err != nil {
		errs = append(errs, err)
	}
	if c.Compression.Threshold < 0 {
		errs = append(errs, errors.New("compression.threshold must not be negative"))
	}
	if c.Heartbeat < 0 || c.RequestTimeout < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if c.Pool.Size < 1 {
		errs = append(errs, fmt.Errorf("pool.size must be at least 1, got %d", c.Pool.Size))
	}
	switch c.Pool.Balancer {
	case "", "round-robin", "weighted":
	default:
		errs = append(errs, fmt.Errorf("unknown pool.balancer: %q", c.Pool.Balancer))
	}
	if c.RateLimit.Rate < 0 || (c.RateLimit.Rate > 0 && c.RateLimit.Burst < 1) {
		errs = append(errs, errors.New("rate_limit needs a positive burst when rate is set"))
	}
	if _, err := zap.ParseAtomicLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// CodecType returns the parsed codec. Call Validate first.
func (c *Config) CodecType() codec.CodecType {
	t, _ := codec.ParseCodecType(c.Codec)
	return t
}

// ConnOptions returns the socket endpoint options.
func (c *Config) ConnOptions() port.ConnOptions {
	tag, _ := protocol.ParseCompressionTag(c.Compression.Algorithm)
	return port.ConnOptions{
		CodecType:   c.CodecType(),
		Compression: tag,
		Threshold:   c.Compression.Threshold,
		Heartbeat:   c.Heartbeat,
	}
}

// Logger builds the zap logger described by Log.
func (c *Config) Logger() (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	zc.Level = level
	return zc.Build()
}
