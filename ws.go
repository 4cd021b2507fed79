// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package accel

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// wsPath is where the ws network upgrades connections.
const wsPath = "/ws"

// wsStream turns a websocket into a byte stream: each Write is sent as one
// binary message and Read concatenates incoming messages.
type wsStream struct {
	conn *websocket.Conn
	r    io.Reader
}

func (s *wsStream) Read(p []byte) (int, error) {
	for {
		if s.r == nil {
			mt, r, err := s.conn.NextReader()
			if err != nil {
				var ce *websocket.CloseError
				if errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			s.r = r
		}
		n, err := s.r.Read(p)
		if err == io.EOF {
			s.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *wsStream) Write(p []byte) (int, error) {
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) SetWriteDeadline(t time.Time) error {
	return s.conn.SetWriteDeadline(t)
}

func (s *wsStream) Close() error {
	return s.conn.Close()
}

func dialWS(ctx context.Context, addr string, tc *tls.Config) (io.ReadWriteCloser, error) {
	scheme := "ws"
	if tc != nil {
		scheme = "wss"
	}
	d := websocket.Dialer{
		TLSClientConfig:  tc,
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := d.DialContext(ctx, scheme+"://"+addr+wsPath, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(MaxFrameSize + binary.MaxVarintLen64)
	return &wsStream{conn: conn}, nil
}

// wsListener runs an HTTP server that upgrades requests on wsPath and hands
// the resulting streams to Accept.
type wsListener struct {
	ln       net.Listener
	srv      *http.Server
	upgrader websocket.Upgrader
	conns    chan io.ReadWriteCloser
	done     chan struct{}
	once     sync.Once
	log      *zap.Logger
}

func listenWS(addr string, tc *tls.Config, log *zap.Logger) (streamListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if tc != nil {
		ln = tls.NewListener(ln, tc)
	}

	l := &wsListener{
		ln:    ln,
		conns: make(chan io.ReadWriteCloser),
		done:  make(chan struct{}),
		log:   log,
	}
	mux := http.NewServeMux()
	mux.HandleFunc(wsPath, l.upgrade)
	l.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(log),
	}
	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.log.Warn("ws listener stopped", zap.Error(err))
		}
	}()
	return l, nil
}

func (l *wsListener) upgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(MaxFrameSize + binary.MaxVarintLen64)

	select {
	case l.conns <- &wsStream{conn: conn}:
	case <-l.done:
		_ = conn.Close()
	}
}

func (l *wsListener) Accept(ctx context.Context) (io.ReadWriteCloser, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *wsListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return l.srv.Close()
}

func (l *wsListener) Addr() net.Addr {
	return l.ln.Addr()
}
