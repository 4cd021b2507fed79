// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package accel

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"go.uber.org/zap"
)

const (
	writeTimeout     = 30 * time.Second
	maxAcceptBackoff = time.Second
)

// streamListener yields one reliable ordered byte stream per client.
type streamListener interface {
	Accept(ctx context.Context) (io.ReadWriteCloser, error)
	Close() error
	Addr() net.Addr
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// remoteConn multiplexes concurrent calls over one stream. Each request
// carries a fresh correlation id and the read loop routes every response to
// the caller waiting on that id.
type remoteConn struct {
	rw            io.ReadWriteCloser
	codec         Codec
	compressAbove int
	log           *zap.Logger

	writeSem chan struct{} // one writer at a time
	pending  sync.Map      // correlation id -> chan *Response
	nextID   atomic.Uint64
	closed   atomic.Bool
	readErr  error
	readDone chan struct{}
}

func dialRemote(ctx context.Context, cfg *Config, o *dialOptions) (Conn, error) {
	network := cfg.network()

	var (
		rw  io.ReadWriteCloser
		err error
	)
	switch network {
	case NetworkQUIC:
		rw, err = dialQUIC(ctx, cfg.Addr, o.tlsConfig)
	case NetworkWS:
		rw, err = dialWS(ctx, cfg.Addr, o.tlsConfig)
	default:
		rw, err = dialStream(ctx, network, cfg.Addr, o.tlsConfig)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s %s: %w", ErrTransport, network, cfg.Addr, err)
	}
	return newRemoteConn(rw, o.codec, o.compressAbove, loggerOr(o.log)), nil
}

func dialStream(ctx context.Context, network, addr string, tc *tls.Config) (io.ReadWriteCloser, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	if tc == nil {
		return conn, nil
	}
	tlsConn := tls.Client(conn, tc)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	return tlsConn, nil
}

func newRemoteConn(rw io.ReadWriteCloser, codec Codec, compressAbove int, log *zap.Logger) *remoteConn {
	if codec == nil {
		codec = defaultCodec
	}
	c := &remoteConn{
		rw:            rw,
		codec:         codec,
		compressAbove: compressAbove,
		log:           log.Named("remote"),
		writeSem:      make(chan struct{}, 1),
		readDone:      make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *remoteConn) Call(ctx context.Context, req *Request) (*Response, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("%w: %w", ErrTransport, ErrClosed)
	}

	env := *req
	env.ID = c.nextID.Add(1)

	flags, body, err := encodeEnvelope(c.codec, &env, c.compressAbove)
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %w", ErrTransport, err)
	}
	flags |= flagAcceptZstd

	respCh := make(chan *Response, 1)
	c.pending.Store(env.ID, respCh)
	defer c.pending.Delete(env.ID)

	if err := c.write(ctx, flags, body); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: write: %w", ErrTransport, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-respCh:
		return resp, nil
	case <-c.readDone:
		select {
		case resp := <-respCh:
			return resp, nil
		default:
		}
		return nil, fmt.Errorf("%w: %w", ErrTransport, c.readErr)
	}
}

// write sends one frame, giving up when ctx ends. A frame cut short leaves
// the stream out of sync, so a cancelled or failed write closes the
// connection.
func (c *remoteConn) write(ctx context.Context, flags byte, body []byte) error {
	select {
	case c.writeSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.readDone:
		return c.readErr
	}
	defer func() { <-c.writeSem }()

	if dl, ok := c.rw.(writeDeadliner); ok {
		deadline := time.Now().Add(writeTimeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		_ = dl.SetWriteDeadline(deadline)
	}

	stop := context.AfterFunc(ctx, func() { _ = c.rw.Close() })
	err := writeFrame(c.rw, flags, body)
	if !stop() {
		c.log.Debug("call cancelled during write, closing connection")
		return ctx.Err()
	}
	if err != nil {
		_ = c.rw.Close()
		return err
	}
	return nil
}

func (c *remoteConn) readLoop() {
	br := bufio.NewReader(c.rw)
	for {
		flags, body, err := readFrame(br)
		if err != nil {
			c.stop(err)
			return
		}

		var resp Response
		if _, err := decodeEnvelope(flags, body, &resp); err != nil {
			c.log.Warn("malformed response frame", zap.Error(err))
			_ = c.rw.Close()
			c.stop(err)
			return
		}

		ch, ok := c.pending.Load(resp.ID)
		if !ok {
			c.drop(&resp, "no pending call")
			continue
		}
		select {
		case ch.(chan *Response) <- &resp:
		default:
			c.drop(&resp, "duplicate response")
		}
	}
}

func (c *remoteConn) drop(resp *Response, reason string) {
	metrics.IncrCounterWithLabels(MetricTransportDropped, 1,
		[]metrics.Label{LabelTransport.M(TransportRemote)})
	c.log.Debug("dropping response",
		zap.Uint64("correlation_id", resp.ID),
		zap.String("reason", reason),
	)
}

func (c *remoteConn) stop(err error) {
	if c.closed.Load() || errors.Is(err, io.EOF) {
		err = ErrClosed
	}
	c.readErr = err
	close(c.readDone)
}

// Close closes the connection. Calls still waiting fail with ErrTransport.
func (c *remoteConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.rw.Close()
}

// remoteServer serves a dispatcher over any streamListener. Requests on a
// connection are handled concurrently and answered in completion order.
type remoteServer struct {
	ln            streamListener
	d             *Dispatcher
	log           *zap.Logger
	compressAbove int

	conns  sync.Map // io.ReadWriteCloser -> struct{}
	closed atomic.Bool
}

func listenRemote(cfg *Config, d *Dispatcher, o *serverOptions) (Server, error) {
	log := loggerOr(o.log).Named("remote")
	network := cfg.network()

	var (
		ln  streamListener
		err error
	)
	switch network {
	case NetworkQUIC:
		ln, err = listenQUIC(cfg.Addr, o.tlsConfig)
	case NetworkWS:
		ln, err = listenWS(cfg.Addr, o.tlsConfig, log)
	default:
		ln, err = listenStream(network, cfg.Addr, o.tlsConfig)
	}
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, cfg.Addr, err)
	}

	return &remoteServer{
		ln:            ln,
		d:             d,
		log:           log,
		compressAbove: o.compressAbove,
	}, nil
}

type netListener struct {
	net.Listener
}

func (l netListener) Accept(context.Context) (io.ReadWriteCloser, error) {
	return l.Listener.Accept()
}

func listenStream(network, addr string, tc *tls.Config) (streamListener, error) {
	l, err := net.Listen(network, addr)
	if err != nil {
		return nil, err
	}
	if tc != nil {
		l = tls.NewListener(l, tc)
	}
	return netListener{l}, nil
}

func (s *remoteServer) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	s.log.Info("serving", zap.String("addr", s.Addr()))
	var backoff time.Duration
	for {
		rw, err := s.ln.Accept(ctx)
		if err != nil {
			if s.closed.Load() || ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff = min(2*backoff, maxAcceptBackoff)
			}
			s.log.Warn("accept failed", zap.Error(err), zap.Duration("retry_in", backoff))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		backoff = 0
		go s.handleConn(ctx, rw)
	}
}

func (s *remoteServer) handleConn(ctx context.Context, rw io.ReadWriteCloser) {
	defer rw.Close()
	s.conns.Store(rw, struct{}{})
	defer s.conns.Delete(rw)

	var writeMu sync.Mutex
	br := bufio.NewReader(rw)
	for {
		flags, body, err := readFrame(br)
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.closed.Load() {
				s.log.Debug("connection ended", zap.Error(err))
			}
			return
		}

		req := new(Request)
		codec, err := decodeEnvelope(flags, body, req)
		if err != nil {
			s.log.Warn("malformed request frame", zap.Error(err))
			return
		}
		compressAbove := 0
		if flags&flagAcceptZstd != 0 {
			compressAbove = s.compressAbove
		}

		go func() {
			resp := s.d.Handle(ctx, req)
			s.reply(rw, &writeMu, codec, compressAbove, resp)
		}()
	}
}

func (s *remoteServer) reply(w io.Writer, mu *sync.Mutex, codec Codec, compressAbove int, resp *Response) {
	flags, body, err := encodeEnvelope(codec, resp, compressAbove)
	if err == nil && 1+len(body) > MaxFrameSize {
		err = fmt.Errorf("%w: response is %d bytes", ErrFrameTooLarge, len(body))
	}
	if err != nil {
		s.log.Error("cannot encode response", zap.Uint64("correlation_id", resp.ID), zap.Error(err))
		resp = &Response{ID: resp.ID, Code: CodeInternal, Message: err.Error()}
		if flags, body, err = encodeEnvelope(codec, resp, 0); err != nil {
			return
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if dl, ok := w.(writeDeadliner); ok {
		_ = dl.SetWriteDeadline(time.Now().Add(writeTimeout))
	}
	if err := writeFrame(w, flags, body); err != nil {
		s.log.Debug("cannot write response", zap.Uint64("correlation_id", resp.ID), zap.Error(err))
	}
}

// Close closes the server
func (s *remoteServer) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.conns.Range(func(key, _ interface{}) bool {
		_ = key.(io.ReadWriteCloser).Close()
		return true
	})
	return s.ln.Close()
}

// Addr returns the listener address
func (s *remoteServer) Addr() string {
	return s.ln.Addr().String()
}
