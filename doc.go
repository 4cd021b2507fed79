// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package accel lets a client upload payloads to a server once and then run
// named operations against them by reference.
//
// # Transport Selection
//
// The transport is picked once, by Config.Transport, and is invisible after
// Dial returns:
//
//	local   in-process dispatcher, no serialization
//	remote  length-prefixed CBOR frames over tcp, unix, quic or ws (default)
//	json    JSON-RPC 2.0 over HTTP POST /rpc
//	grpc    unary gRPC call /accel.v1.Dispatcher/Call with a CBOR codec
//
// Logical failures (unknown id, type mismatch, unknown operation) are
// reported with the same sentinel errors on every transport. Transport
// failures wrap ErrTransport.
//
// # Usage
//
// Server usage:
//
//	d := accel.NewDispatcher(store.New(), accel.WithSegmenter(seg))
//	server, err := accel.Listen(*accel.DefaultConfig(), d)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go server.Serve(ctx)
//
// Client usage:
//
//	client, err := accel.Dial(ctx, *accel.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	ref, err := accel.Register(ctx, client, store.Text("cat"))
//	n, err := client.Length(ctx, ref) // 3
//
// A Reference only carries an id. Its type parameter lets the compiler
// reject a Reference[store.Bytes] passed to Length, and the server checks
// the stored kind again before running anything.
//
// # Architecture
//
//   - client.go: Conn and Server interfaces, options, the typed Client
//   - dispatcher.go, ops.go: operation table and built-in operations
//   - transport.go: transport registry
//   - dial.go: Dial and Listen factory functions
//   - local.go: in-process transport
//   - frame.go, remote.go, quic.go, ws.go: framed remote transport
//   - jsonrpc.go, grpc.go: JSON-RPC and gRPC transports
//   - config.go: YAML configuration and TLS material
//   - store: the resource registry itself
//   - cmd/acceld: standalone server
package accel
