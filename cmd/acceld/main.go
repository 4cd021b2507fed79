// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// acceld serves a resource store over one accel transport.
//
// Configuration comes from an optional YAML file (--config) overlaid on
// accel.DefaultConfig; flags given on the command line win over both.
// Segmentation and inference have no backend in this binary and answer
// with the unimplemented error code.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	metricsprom "github.com/hashicorp/go-metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/luxfi/accel"
	"github.com/luxfi/accel/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		transport   string
		network     string
		listenAddr  string
		logLevel    string
		tlsCert     string
		tlsKey      string
		metricsAddr string
	)

	flagSet := pflag.NewFlagSet("acceld", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to a YAML config file")
	flagSet.StringVar(&transport, "transport", accel.DefaultTransport, "transport to serve: remote, json or grpc")
	flagSet.StringVar(&network, "network", accel.NetworkTCP, "network for the remote transport: tcp, unix, quic or ws")
	flagSet.StringVar(&listenAddr, "listen", "", "address or socket path to listen on")
	flagSet.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flagSet.StringVar(&tlsCert, "tls-cert", "", "PEM certificate for TLS (required by quic)")
	flagSet.StringVar(&tlsKey, "tls-key", "", "PEM private key for TLS")
	flagSet.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	cfg := accel.DefaultConfig()
	if configPath != "" {
		loaded, err := accel.LoadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if flagSet.Changed("transport") {
		cfg.Transport = transport
	}
	if flagSet.Changed("network") {
		cfg.Network = network
	}
	if flagSet.Changed("listen") {
		cfg.Addr = listenAddr
	}
	if flagSet.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if flagSet.Changed("tls-cert") {
		cfg.TLS.CertFile = tlsCert
	}
	if flagSet.Changed("tls-key") {
		cfg.TLS.KeyFile = tlsKey
	}
	if flagSet.Changed("metrics-addr") {
		cfg.MetricsAddr = metricsAddr
	}
	if cfg.Transport == accel.TransportLocal {
		return fmt.Errorf("the %s transport cannot be served", accel.TransportLocal)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	log = log.With(zap.String("instance", uuid.NewString()))
	accel.SetLogger(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sink, err := newMetricSink(ctx, cfg.MetricsAddr, log)
	if err != nil {
		return err
	}

	st := store.New()
	defer st.Close()
	d := accel.NewDispatcher(st, accel.WithMetricSink(sink))

	server, err := accel.Listen(*cfg, d)
	if err != nil {
		return err
	}
	log.Info("serving",
		accel.LabelTransport.Z(cfg.Transport),
		zap.String("network", cfg.Network),
		zap.String("addr", server.Addr()),
		zap.Strings("operations", d.Operations()),
	)

	err = server.Serve(ctx)
	if ctx.Err() != nil {
		log.Info("shutting down", zap.Int("resources", st.Len()))
		return nil
	}
	return err
}

func newLogger(level string) (*zap.Logger, error) {
	conf := zap.NewProductionConfig()
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, err
		}
		conf.Level = zap.NewAtomicLevelAt(lvl)
	}
	return conf.Build()
}

// newMetricSink installs the global go-metrics sink. With an address it is
// a Prometheus sink on a private registry, scraped over HTTP until ctx ends.
func newMetricSink(ctx context.Context, addr string, log *zap.Logger) (metrics.MetricSink, error) {
	mconf := metrics.DefaultConfig("")
	mconf.EnableHostname = false
	mconf.EnableRuntimeMetrics = false

	if addr == "" {
		sink := metrics.NewInmemSink(10*time.Second, time.Minute)
		m, err := metrics.NewGlobal(mconf, sink)
		if err != nil {
			return nil, err
		}
		return m, nil
	}

	registry := prometheus.NewRegistry()
	promSink, err := metricsprom.NewPrometheusSinkFrom(metricsprom.PrometheusOpts{
		Registerer: registry,
		Expiration: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("prometheus sink: %w", err)
	}
	m, err := metrics.NewGlobal(mconf, promSink)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info("metrics enabled", zap.String("addr", addr))
	return m, nil
}
