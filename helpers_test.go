// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package accel

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// selfSignedTLS returns a server and a client config trusting each other
// for 127.0.0.1.
func selfSignedTLS(t *testing.T) (server, client *tls.Config) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	require.NoError(t, err)
	tmpl := x509.Certificate{
		Subject:               pkix.Name{CommonName: "accel-test"},
		SerialNumber:          serialNumber,
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		IPAddresses:           []net.IP{{127, 0, 0, 1}},
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(leaf)

	server = &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{der},
			Leaf:        leaf,
			PrivateKey:  key,
		}},
		MinVersion: tls.VersionTLS13,
	}
	client = &tls.Config{
		RootCAs:    pool,
		ServerName: "127.0.0.1",
		MinVersion: tls.VersionTLS13,
	}
	return server, client
}

// socketPath returns a unix socket path short enough for sun_path.
func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "accel")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "d.sock")
}

type transportCase struct {
	name  string
	cfg   Config
	dial  []DialOption
	serve []ServerOption
}

func transportCases(t *testing.T) []transportCase {
	t.Helper()
	serverTLS, clientTLS := selfSignedTLS(t)
	tcp := func(transport string) Config {
		return Config{Transport: transport, Network: NetworkTCP, Addr: "127.0.0.1:0"}
	}

	jsonCodec := tcp(TransportRemote)
	jsonCodec.Codec = CodecJSON
	jsonCodec.CompressAbove = 1

	quicCfg := tcp(TransportRemote)
	quicCfg.Network = NetworkQUIC

	return []transportCase{
		{name: "local", cfg: Config{Transport: TransportLocal}},
		{name: "remote/tcp", cfg: tcp(TransportRemote)},
		{name: "remote/unix", cfg: Config{Transport: TransportRemote, Network: NetworkUnix, Addr: socketPath(t)}},
		{
			name:  "remote/tcp+json+zstd",
			cfg:   jsonCodec,
			serve: []ServerOption{WithServerCompression(1)},
		},
		{
			name:  "remote/tcp+tls",
			cfg:   tcp(TransportRemote),
			dial:  []DialOption{WithTLSConfig(clientTLS)},
			serve: []ServerOption{WithServerTLSConfig(serverTLS)},
		},
		{name: "remote/ws", cfg: Config{Transport: TransportRemote, Network: NetworkWS, Addr: "127.0.0.1:0"}},
		{
			name:  "remote/quic",
			cfg:   quicCfg,
			dial:  []DialOption{WithTLSConfig(clientTLS)},
			serve: []ServerOption{WithServerTLSConfig(serverTLS)},
		},
		{name: "json", cfg: tcp(TransportJSON)},
		{name: "grpc", cfg: tcp(TransportGRPC)},
	}
}

// connect starts a server for tc when the transport has one and returns a
// client wired to d.
func connect(t *testing.T, tc transportCase, d *Dispatcher) *Client {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	cfg := tc.cfg
	dial := tc.dial
	if cfg.Transport == TransportLocal {
		dial = append(dial, WithDispatcher(d))
	} else {
		server, err := Listen(cfg, d, tc.serve...)
		require.NoError(t, err)
		t.Cleanup(func() { _ = server.Close() })
		go func() { _ = server.Serve(ctx) }()
		cfg.Addr = server.Addr()
	}

	client, err := Dial(ctx, cfg, dial...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}
