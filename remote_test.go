// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package accel

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/luxfi/accel/store"
)

const opWait = "wait"

// blockingDispatcher has an extra operation that returns the length of its
// text only once release is closed.
func blockingDispatcher(release <-chan struct{}) *Dispatcher {
	return newTestDispatcher(WithOperation(Unary(opWait, func(ctx context.Context, s store.Text) (Result, error) {
		select {
		case <-release:
			return Uint(uint64(len(s))), nil
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	})))
}

func remoteCase() transportCase {
	return transportCase{
		name: "remote/tcp",
		cfg:  Config{Transport: TransportRemote, Network: NetworkTCP, Addr: "127.0.0.1:0"},
	}
}

func TestRemote_MultiplexesOutOfOrder(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	release := make(chan struct{})
	client := connect(t, remoteCase(), blockingDispatcher(release))

	slow, err := Register(ctx, client, store.Text("slow"))
	require.NoError(t, err)
	fast, err := Register(ctx, client, store.Text("fast!"))
	require.NoError(t, err)

	slowDone := make(chan Result, 1)
	go func() {
		res, err := client.Invoke(ctx, opWait, slow.ID())
		if err == nil {
			slowDone <- res
		}
		close(slowDone)
	}()

	// The blocked call must not hold up later ones on the same connection.
	n, err := client.Length(ctx, fast)
	require.NoError(t, err)
	require.Equal(t, uint64(5), n)

	close(release)
	select {
	case res, ok := <-slowDone:
		require.True(t, ok, "slow call failed")
		require.Equal(t, Uint(4), res)
	case <-ctx.Done():
		t.Fatal("slow call never returned")
	}
}

func TestRemote_AbandonedResponseIsDropped(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	release := make(chan struct{})
	client := connect(t, remoteCase(), blockingDispatcher(release))

	ref, err := Register(ctx, client, store.Text("late"))
	require.NoError(t, err)

	callCtx, callCancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		_, err := client.Invoke(callCtx, opWait, ref.ID())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	callCancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	// The server now answers the abandoned call; the connection must stay
	// usable and route later responses correctly.
	close(release)
	for i := 0; i < 5; i++ {
		n, err := client.Length(ctx, ref)
		require.NoError(t, err)
		require.Equal(t, uint64(4), n)
	}
}

func TestRemote_ServerCloseFailsPendingCalls(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	release := make(chan struct{})
	defer close(release)

	d := blockingDispatcher(release)
	server, err := Listen(remoteCase().cfg, d)
	require.NoError(t, err)
	go func() { _ = server.Serve(ctx) }()

	cfg := remoteCase().cfg
	cfg.Addr = server.Addr()
	client, err := Dial(ctx, cfg)
	require.NoError(t, err)
	defer client.Close()

	ref, err := Register(ctx, client, store.Text("doomed"))
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := client.Invoke(ctx, opWait, ref.ID())
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, server.Close())
	require.ErrorIs(t, <-errCh, ErrTransport)

	_, err = client.Length(ctx, ref)
	require.ErrorIs(t, err, ErrTransport)
}

func TestRemote_MalformedResponse(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := readFrame(bufio.NewReader(conn)); err != nil {
			return
		}
		_ = writeFrame(conn, 0, []byte{0xff, 0xff})
		<-ctx.Done()
	}()

	client, err := Dial(ctx, Config{Transport: TransportRemote, Addr: ln.Addr().String()})
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Length(ctx, Ref[store.Text](1))
	require.ErrorIs(t, err, ErrTransport)
	require.ErrorIs(t, err, ErrBadFrame)
}

func TestRemote_ServerDropsMalformedRequest(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	server, err := Listen(remoteCase().cfg, newTestDispatcher())
	require.NoError(t, err)
	defer server.Close()
	go func() { _ = server.Serve(ctx) }()

	conn, err := net.Dial("tcp", server.Addr())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, writeFrame(conn, 0x80, []byte("?")))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = readFrame(bufio.NewReader(conn))
	require.Error(t, err, "server must hang up instead of answering")
}

func BenchmarkRemoteLength(b *testing.B) {
	ctx := context.Background()

	d := newTestDispatcher()
	server, err := Listen(remoteCase().cfg, d)
	if err != nil {
		b.Fatalf("Listen: %v", err)
	}
	defer server.Close()
	go server.Serve(ctx)

	cfg := remoteCase().cfg
	cfg.Addr = server.Addr()
	client, err := Dial(ctx, cfg)
	if err != nil {
		b.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	ref, err := Register(ctx, client, store.Text("benchmark"))
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := client.Length(ctx, ref); err != nil {
			b.Fatal(err)
		}
	}
}

func TestRemote_WriteHonorsContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	// Accepts and never reads, so the client's socket buffers fill up.
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()
	defer func() {
		select {
		case conn := <-accepted:
			_ = conn.Close()
		default:
		}
	}()

	client, err := Dial(context.Background(), Config{Transport: TransportRemote, Addr: ln.Addr().String()})
	require.NoError(t, err)
	defer client.Close()

	big := store.NewBytes(make([]byte, 32<<20))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = client.RegisterPayload(ctx, big)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 2*time.Second)

	// The interrupted frame poisoned the stream; later calls fail fast.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	_, err = client.Length(ctx2, Ref[store.Text](1))
	require.ErrorIs(t, err, ErrTransport)
}

func TestRemote_QueuedWriterHonorsContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		time.Sleep(5 * time.Second)
	}()

	client, err := Dial(context.Background(), Config{Transport: TransportRemote, Addr: ln.Addr().String()})
	require.NoError(t, err)
	defer client.Close()

	blockCtx, blockCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer blockCancel()
	go func() {
		_, _ = client.RegisterPayload(blockCtx, store.NewBytes(make([]byte, 32<<20)))
	}()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = client.Length(ctx, Ref[store.Text](1))
	require.Error(t, err)
	require.Less(t, time.Since(start), time.Second, "a caller waiting to write must not wait for the blocked writer")
}

type failingListener struct {
	accepts atomic.Int32
}

func (l *failingListener) Accept(context.Context) (io.ReadWriteCloser, error) {
	l.accepts.Add(1)
	return nil, syscall.EMFILE
}

func (*failingListener) Close() error { return nil }

func (*failingListener) Addr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }

func TestRemote_AcceptErrorsBackOff(t *testing.T) {
	ln := &failingListener{}
	server := &remoteServer{ln: ln, d: newTestDispatcher(), log: zap.NewNop()}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, server.Serve(ctx))

	n := ln.accepts.Load()
	require.GreaterOrEqual(t, n, int32(2))
	require.Less(t, n, int32(20), "accept retried %d times in 200ms", n)
}
