// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package accel

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"go.uber.org/zap"
)

const (
	jsonPath      = "/rpc"
	jsonService   = "Accel"
	jsonMethod    = jsonService + ".Call"
	retryBaseWait = 100 * time.Millisecond
)

func init() {
	registerTransport(TransportJSON, dialJSON, listenJSON)
}

// newHTTPClient opens a new connection per call. An acceld restart between
// calls then costs one dial instead of a stale pooled connection.
func newHTTPClient(tc *tls.Config) *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DisableKeepAlives: true,
			TLSClientConfig:   tc,
		},
	}
}

// drainBody reads what is left of a reply so the connection shuts down
// cleanly, then closes it.
func drainBody(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}

// transientHTTPError reports whether a failed POST is worth sending again:
// the server went away or was not up yet.
func transientHTTPError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "EOF") || strings.Contains(msg, "connection reset")
}

// jsonConn issues one HTTP POST per call. Logical failures come back inside
// the JSON-RPC result, so only transport failures surface as errors.
type jsonConn struct {
	url        string
	client     *http.Client
	maxRetries int
	log        *zap.Logger
	closed     atomic.Bool
}

func dialJSON(_ context.Context, cfg *Config, o *dialOptions) (Conn, error) {
	scheme := "http"
	if o.tlsConfig != nil {
		scheme = "https"
	}
	client := o.httpClient
	if client == nil {
		client = newHTTPClient(o.tlsConfig)
	}
	return &jsonConn{
		url:        scheme + "://" + cfg.Addr + jsonPath,
		client:     client,
		maxRetries: max(1, o.maxRetries),
		log:        loggerOr(o.log).Named("json"),
	}, nil
}

func (c *jsonConn) Call(ctx context.Context, req *Request) (*Response, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("%w: %w", ErrTransport, ErrClosed)
	}
	body, err := json2.EncodeClientRequest(jsonMethod, req)
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %w", ErrTransport, err)
	}

	attempts := c.maxRetries
	if req.Op == OpRegister {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			wait := retryBaseWait * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		resp, err := c.send(ctx, body)
		if err == nil {
			if attempt > 0 {
				c.log.Debug("request succeeded after retry", LabelOp.Z(req.Op), zap.Int("attempt", attempt+1))
			}
			return resp, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		lastErr = err
		if !Retryable(req.Op, err) || !transientHTTPError(err) {
			return nil, err
		}
		c.log.Debug("request attempt failed", LabelOp.Z(req.Op), zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return nil, fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}

func (c *jsonConn) send(ctx context.Context, body []byte) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %w", ErrTransport, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer drainBody(httpResp.Body)

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: received status code: %d", ErrTransport, httpResp.StatusCode)
	}

	resp := new(Response)
	if err := json2.DecodeClientResponse(httpResp.Body, resp); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", ErrTransport, err)
	}
	return resp, nil
}

func (c *jsonConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.client.CloseIdleConnections()
	return nil
}

// Service is the JSON-RPC receiver registered as "Accel".
type Service struct {
	d *Dispatcher
}

// Call serves one request. It never returns an error: failures are part of
// the reply so the client can tell them from transport problems.
func (s *Service) Call(r *http.Request, args *Request, reply *Response) error {
	*reply = *s.d.Handle(r.Context(), args)
	return nil
}

type jsonServer struct {
	ln     net.Listener
	srv    *http.Server
	log    *zap.Logger
	closed atomic.Bool
}

func listenJSON(cfg *Config, d *Dispatcher, o *serverOptions) (Server, error) {
	log := loggerOr(o.log).Named("json")

	rpcServer := rpc.NewServer()
	rpcServer.RegisterCodec(json2.NewCodec(), "application/json")
	if err := rpcServer.RegisterService(&Service{d: d}, jsonService); err != nil {
		return nil, fmt.Errorf("register json service: %w", err)
	}
	rpcServer.RegisterAfterFunc(func(i *rpc.RequestInfo) {
		if i.Error != nil {
			log.Debug("json-rpc request rejected",
				zap.String("method", i.Method),
				zap.Int("status", i.StatusCode),
				zap.Error(i.Error),
			)
		}
	})

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen tcp %s: %w", cfg.Addr, err)
	}
	if o.tlsConfig != nil {
		ln = tls.NewListener(ln, o.tlsConfig)
	}

	mux := http.NewServeMux()
	mux.Handle(jsonPath, rpcServer)
	return &jsonServer{
		ln: ln,
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			ErrorLog:          zap.NewStdLog(log),
		},
		log: log,
	}, nil
}

func (s *jsonServer) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	s.log.Info("serving", zap.String("addr", s.Addr()))
	if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *jsonServer) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.srv.Shutdown(ctx)
	_ = s.ln.Close()
	return err
}

func (s *jsonServer) Addr() string {
	return s.ln.Addr().String()
}
