// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package accel

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Dial connects to a dispatcher over the transport named by cfg.Transport.
// The choice is final: every call made through the returned client uses it.
func Dial(ctx context.Context, cfg Config, opts ...DialOption) (*Client, error) {
	o := &dialOptions{compressAbove: -1}
	for _, opt := range opts {
		opt(o)
	}
	if cfg.Transport == "" {
		cfg.Transport = DefaultTransport
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if o.compressAbove < 0 {
		o.compressAbove = cfg.CompressAbove
	}
	if o.maxRetries == 0 {
		o.maxRetries = cfg.MaxRetries
	}
	if o.codec == nil {
		codec, err := CodecByName(cfg.Codec)
		if err != nil {
			return nil, err
		}
		o.codec = codec
	}
	if o.tlsConfig == nil && cfg.TLS.Enabled() {
		tc, err := cfg.TLS.ClientConfig()
		if err != nil {
			return nil, err
		}
		o.tlsConfig = tc
	}

	t, ok := lookupTransport(cfg.Transport)
	if !ok {
		return nil, fmt.Errorf("unknown transport: %s", cfg.Transport)
	}

	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	conn, err := t.dial(ctx, &cfg, o)
	if err != nil {
		return nil, err
	}

	log := loggerOr(o.log)
	log.Debug("connected",
		LabelTransport.Z(cfg.Transport),
		zap.String("network", cfg.network()),
		zap.String("addr", cfg.Addr),
	)
	return NewClient(conn, cfg.Transport, log), nil
}

// Listen exposes d over the transport named by cfg.Transport. The returned
// server does nothing until Serve is called.
func Listen(cfg Config, d *Dispatcher, opts ...ServerOption) (Server, error) {
	o := &serverOptions{compressAbove: -1}
	for _, opt := range opts {
		opt(o)
	}
	if cfg.Transport == "" {
		cfg.Transport = DefaultTransport
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if o.compressAbove < 0 {
		o.compressAbove = cfg.CompressAbove
	}
	if o.tlsConfig == nil && cfg.TLS.CertFile != "" {
		tc, err := cfg.TLS.ServerConfig()
		if err != nil {
			return nil, err
		}
		o.tlsConfig = tc
	}

	t, ok := lookupTransport(cfg.Transport)
	if !ok {
		return nil, fmt.Errorf("unknown transport: %s", cfg.Transport)
	}
	if t.listen == nil {
		return nil, fmt.Errorf("transport %s has no listener", cfg.Transport)
	}
	if d == nil {
		d = NewDispatcher(nil)
	}
	return t.listen(&cfg, d, o)
}
