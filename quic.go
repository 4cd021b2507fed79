// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package accel

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// quicALPN is negotiated when the TLS config does not name a protocol.
const quicALPN = "accel/1"

var errQUICNeedsTLS = errors.New("accel: quic network requires a tls config")

func quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod: 15 * time.Second,
		MaxIdleTimeout:  time.Minute,
	}
}

func withALPN(tc *tls.Config) *tls.Config {
	tc = tc.Clone()
	if len(tc.NextProtos) == 0 {
		tc.NextProtos = []string{quicALPN}
	}
	return tc
}

// quicStream is the single bidirectional stream of one QUIC connection.
// Closing it closes the connection.
type quicStream struct {
	*quic.Stream
	conn *quic.Conn
}

func (s *quicStream) Close() error {
	s.Stream.CancelRead(0)
	_ = s.Stream.Close()
	return s.conn.CloseWithError(0, "closed")
}

func dialQUIC(ctx context.Context, addr string, tc *tls.Config) (io.ReadWriteCloser, error) {
	if tc == nil {
		return nil, errQUICNeedsTLS
	}
	conn, err := quic.DialAddr(ctx, addr, withALPN(tc), quicConfig())
	if err != nil {
		return nil, err
	}
	str, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "cannot open stream")
		return nil, err
	}
	return &quicStream{Stream: str, conn: conn}, nil
}

// quicListener accepts QUIC connections and yields the first stream each
// client opens on them.
type quicListener struct {
	ln      *quic.Listener
	streams chan io.ReadWriteCloser
	ctx     context.Context
	cancel  context.CancelFunc
}

func listenQUIC(addr string, tc *tls.Config) (streamListener, error) {
	if tc == nil {
		return nil, errQUICNeedsTLS
	}
	ln, err := quic.ListenAddr(addr, withALPN(tc), quicConfig())
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &quicListener{
		ln:      ln,
		streams: make(chan io.ReadWriteCloser),
		ctx:     ctx,
		cancel:  cancel,
	}
	go l.acceptConns()
	return l, nil
}

func (l *quicListener) acceptConns() {
	for {
		conn, err := l.ln.Accept(l.ctx)
		if err != nil {
			return
		}
		go l.acceptStream(conn)
	}
}

func (l *quicListener) acceptStream(conn *quic.Conn) {
	str, err := conn.AcceptStream(l.ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "no stream")
		return
	}
	select {
	case l.streams <- &quicStream{Stream: str, conn: conn}:
	case <-l.ctx.Done():
		_ = conn.CloseWithError(0, "server closed")
	}
}

func (l *quicListener) Accept(ctx context.Context) (io.ReadWriteCloser, error) {
	select {
	case s := <-l.streams:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.ctx.Done():
		return nil, net.ErrClosed
	}
}

func (l *quicListener) Close() error {
	l.cancel()
	return l.ln.Close()
}

func (l *quicListener) Addr() net.Addr {
	return l.ln.Addr()
}
