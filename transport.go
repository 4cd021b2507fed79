// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package accel

import (
	"context"
	"sort"
	"sync"
)

// Transport names accepted by Config.Transport.
const (
	TransportLocal  = "local"  // In-process, no serialization
	TransportRemote = "remote" // Framed CBOR over tcp, unix, quic or ws
	TransportJSON   = "json"   // JSON-RPC 2.0 over HTTP
	TransportGRPC   = "grpc"   // Unary gRPC with a CBOR codec
)

// DefaultTransport is used when Config.Transport is empty.
const DefaultTransport = TransportRemote

type dialFunc func(ctx context.Context, cfg *Config, o *dialOptions) (Conn, error)
type listenFunc func(cfg *Config, d *Dispatcher, o *serverOptions) (Server, error)

type transportEntry struct {
	dial   dialFunc
	listen listenFunc
}

var (
	transportsMu sync.RWMutex
	transports   = map[string]transportEntry{
		TransportLocal:  {dialLocal, nil},
		TransportRemote: {dialRemote, listenRemote},
	}
)

// registerTransport adds or replaces the transport called name. Optional
// transports call it from init.
func registerTransport(name string, dial dialFunc, listen listenFunc) {
	transportsMu.Lock()
	defer transportsMu.Unlock()
	transports[name] = transportEntry{dial, listen}
}

func lookupTransport(name string) (transportEntry, bool) {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	t, ok := transports[name]
	return t, ok
}

// AvailableTransports returns the registered transport names in order.
func AvailableTransports() []string {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	names := make([]string, 0, len(transports))
	for name := range transports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasTransport reports whether name can be passed to Dial.
func HasTransport(name string) bool {
	_, ok := lookupTransport(name)
	return ok
}
