// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package accel

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Networks carrying the remote transport.
const (
	NetworkTCP  = "tcp"
	NetworkUnix = "unix"
	NetworkQUIC = "quic"
	NetworkWS   = "ws"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("accel: invalid config")

// Config selects and tunes a transport. The same structure configures both
// ends of a connection.
type Config struct {
	// Transport is one of local, remote, json, grpc.
	Transport string `yaml:"transport"`

	// Network carries the remote transport: tcp, unix, quic or ws.
	// The json and grpc transports always use tcp.
	Network string `yaml:"network"`

	// Addr is the address to dial or listen on. For unix it is a socket path.
	Addr string `yaml:"addr"`

	// Codec encodes remote envelopes: cbor (default) or json.
	Codec string `yaml:"codec"`

	// CompressAbove is the body size from which remote frames are zstd
	// compressed. Zero disables compression.
	CompressAbove int `yaml:"compress_above"`

	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// MaxRetries bounds attempts of the json transport for idempotent calls.
	MaxRetries int `yaml:"max_retries"`

	TLS TLSConfig `yaml:"tls"`

	// LogLevel is a zap level name.
	LogLevel string `yaml:"log_level"`

	// MetricsAddr, when set, exposes Prometheus metrics over HTTP.
	MetricsAddr string `yaml:"metrics_addr"`
}

// TLSConfig points at PEM files. Required by the quic network, optional
// elsewhere.
type TLSConfig struct {
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	CAFile     string `yaml:"ca_file"`
	ServerName string `yaml:"server_name"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Transport:     TransportRemote,
		Network:       NetworkTCP,
		Addr:          "127.0.0.1:7878",
		Codec:         CodecCBOR,
		CompressAbove: 64 << 10,
		DialTimeout:   10 * time.Second,
		MaxRetries:    3,
		LogLevel:      "info",
	}
}

// LoadConfig reads a YAML file over DefaultConfig and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if !HasTransport(c.Transport) {
		return fmt.Errorf("%w: unknown transport %q", ErrInvalidConfig, c.Transport)
	}
	if c.Transport == TransportLocal {
		return nil
	}
	if c.Addr == "" {
		return fmt.Errorf("%w: %s transport needs an address", ErrInvalidConfig, c.Transport)
	}

	switch c.Network {
	case "", NetworkTCP:
	case NetworkUnix, NetworkQUIC, NetworkWS:
		if c.Transport != TransportRemote {
			return fmt.Errorf("%w: network %s is only supported by the remote transport", ErrInvalidConfig, c.Network)
		}
	default:
		return fmt.Errorf("%w: unknown network %q", ErrInvalidConfig, c.Network)
	}

	if _, err := CodecByName(c.Codec); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.CompressAbove < 0 {
		return fmt.Errorf("%w: compress_above must not be negative", ErrInvalidConfig)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must not be negative", ErrInvalidConfig)
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("%w: tls cert_file and key_file go together", ErrInvalidConfig)
	}
	if c.LogLevel != "" {
		if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}
	return nil
}

func (c *Config) network() string {
	if c.Network == "" {
		return NetworkTCP
	}
	return c.Network
}

// Enabled reports whether any TLS material is configured.
func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" || t.CAFile != ""
}

// ClientConfig builds the TLS configuration used to dial.
func (t TLSConfig) ClientConfig() (*tls.Config, error) {
	conf := &tls.Config{
		ServerName: t.ServerName,
		MinVersion: tls.VersionTLS13,
	}
	if t.CAFile != "" {
		pool, err := loadCertPool(t.CAFile)
		if err != nil {
			return nil, err
		}
		conf.RootCAs = pool
	}
	if t.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client key pair: %w", err)
		}
		conf.Certificates = []tls.Certificate{cert}
	}
	return conf, nil
}

// ServerConfig builds the TLS configuration used to listen. A CA file turns
// on client certificate verification.
func (t TLSConfig) ServerConfig() (*tls.Config, error) {
	if t.CertFile == "" {
		return nil, fmt.Errorf("%w: server tls needs cert_file and key_file", ErrInvalidConfig)
	}
	cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load server key pair: %w", err)
	}
	conf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}
	if t.CAFile != "" {
		pool, err := loadCertPool(t.CAFile)
		if err != nil {
			return nil, err
		}
		conf.ClientCAs = pool
		conf.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return conf, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ca file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("%w: no certificates in %s", ErrInvalidConfig, path)
	}
	return pool, nil
}
