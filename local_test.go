// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package accel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/luxfi/accel/store"
)

func TestLocal_CancelledCallLeavesStoreIntact(t *testing.T) {
	release := make(chan struct{})
	d := blockingDispatcher(release)
	conn := newLocalConn(d, false, zap.NewNop())
	defer conn.Close()

	text := store.NewText("abandon")
	id, err := d.Register(context.Background(), text)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := conn.Call(ctx, &Request{Op: opWait, Args: Args{IDs: []store.ID{id}}})
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
	close(release)

	resp, err := conn.Call(context.Background(), &Request{Op: OpLength, Args: Args{IDs: []store.ID{id}}})
	require.NoError(t, err)
	require.Equal(t, CodeOK, resp.Code)
	require.Equal(t, uint64(7), resp.Result.Uint)
	require.Equal(t, 1, d.Store().Len())
}

func TestLocal_SlowCallDoesNotBlockQueue(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	release := make(chan struct{})
	defer close(release)
	d := blockingDispatcher(release)
	conn := newLocalConn(d, false, zap.NewNop())
	defer conn.Close()

	id, err := d.Register(ctx, store.NewText("queue"))
	require.NoError(t, err)

	go func() {
		_, _ = conn.Call(ctx, &Request{Op: opWait, Args: Args{IDs: []store.ID{id}}})
	}()

	for i := 0; i < 100; i++ {
		resp, err := conn.Call(ctx, &Request{Op: OpLength, Args: Args{IDs: []store.ID{id}}})
		require.NoError(t, err)
		require.Equal(t, uint64(5), resp.Result.Uint)
	}
}

func TestLocal_CloseOwnStore(t *testing.T) {
	d := NewDispatcher(nil, WithMetricSink(nil))
	conn := newLocalConn(d, true, zap.NewNop())

	text := store.NewText("x")
	resp, err := conn.Call(context.Background(), &Request{Op: OpRegister, Args: Args{Payload: &text}})
	require.NoError(t, err)
	require.Equal(t, CodeOK, resp.Code)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	_, err = d.Store().Resolve(1)
	require.ErrorIs(t, err, store.ErrClosed)

	_, err = conn.Call(context.Background(), &Request{Op: OpLength})
	require.ErrorIs(t, err, ErrTransport)
	require.ErrorIs(t, err, ErrClosed)
}
