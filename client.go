// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package accel

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/luxfi/accel/store"
)

// Conn carries requests to a dispatcher. Implementations must be safe for
// concurrent use and deliver exactly one response per successful Call.
type Conn interface {
	// Call sends req and waits for its response. Logical failures come back
	// inside the Response; a non-nil error means the transport failed.
	Call(ctx context.Context, req *Request) (*Response, error)

	// Close releases the connection
	Close() error
}

// Server exposes a dispatcher over a network transport.
type Server interface {
	// Serve starts serving requests (blocks until context cancelled)
	Serve(ctx context.Context) error

	// Close stops the server
	Close() error

	// Addr returns the server's listen address
	Addr() string
}

// DialOption configures client connections
type DialOption func(*dialOptions)

type dialOptions struct {
	codec         Codec
	dispatcher    *Dispatcher
	tlsConfig     *tls.Config
	log           *zap.Logger
	compressAbove int
	httpClient    *http.Client
	maxRetries    int
}

// WithCodec sets the envelope codec of the remote transport.
func WithCodec(c Codec) DialOption {
	return func(o *dialOptions) { o.codec = c }
}

// WithDispatcher serves local connections from d instead of a fresh
// dispatcher over a fresh store.
func WithDispatcher(d *Dispatcher) DialOption {
	return func(o *dialOptions) { o.dispatcher = d }
}

// WithTLSConfig sets the client TLS configuration. It takes precedence over
// the TLS section of Config.
func WithTLSConfig(c *tls.Config) DialOption {
	return func(o *dialOptions) { o.tlsConfig = c }
}

// WithLogger sets the connection's logger.
func WithLogger(l *zap.Logger) DialOption {
	return func(o *dialOptions) { o.log = l }
}

// WithCompression compresses request bodies larger than threshold bytes.
// Zero disables compression.
func WithCompression(threshold int) DialOption {
	return func(o *dialOptions) { o.compressAbove = threshold }
}

// WithHTTPClient sets the HTTP client of the json transport.
func WithHTTPClient(c *http.Client) DialOption {
	return func(o *dialOptions) { o.httpClient = c }
}

// WithMaxRetries bounds the attempts of retrying transports.
func WithMaxRetries(n int) DialOption {
	return func(o *dialOptions) { o.maxRetries = n }
}

// ServerOption configures servers
type ServerOption func(*serverOptions)

type serverOptions struct {
	tlsConfig     *tls.Config
	log           *zap.Logger
	compressAbove int
}

// WithServerTLSConfig sets the server TLS configuration.
func WithServerTLSConfig(c *tls.Config) ServerOption {
	return func(o *serverOptions) { o.tlsConfig = c }
}

// WithServerLogger sets the server's logger.
func WithServerLogger(l *zap.Logger) ServerOption {
	return func(o *serverOptions) { o.log = l }
}

// WithServerCompression compresses response bodies larger than threshold
// bytes for clients that accept it.
func WithServerCompression(threshold int) ServerOption {
	return func(o *serverOptions) { o.compressAbove = threshold }
}

// Client is the typed entry point to a dispatcher. Which transport carries
// its calls is decided once by Dial.
type Client struct {
	conn      Conn
	transport string
	log       *zap.Logger
}

// NewClient wraps an established connection.
func NewClient(conn Conn, transport string, log *zap.Logger) *Client {
	return &Client{
		conn:      conn,
		transport: transport,
		log:       loggerOr(log).Named("client"),
	}
}

// Transport returns the name of the transport carrying the client's calls.
func (c *Client) Transport() string {
	return c.transport
}

func (c *Client) call(ctx context.Context, req *Request) (Result, error) {
	resp, err := c.conn.Call(ctx, req)
	if err != nil {
		return Result{}, err
	}
	if err := resp.Err(req.Op); err != nil {
		return Result{}, err
	}
	return resp.Result, nil
}

// RegisterPayload uploads p and returns its id.
func (c *Client) RegisterPayload(ctx context.Context, p store.Payload) (store.ID, error) {
	res, err := c.call(ctx, &Request{Op: OpRegister, Args: Args{Payload: &p}})
	if err != nil {
		return 0, err
	}
	id, err := res.Resource()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	c.log.Debug("registered resource", zap.Uint64("id", uint64(id)), LabelKind.Z(p.Kind.String()))
	return id, nil
}

// Invoke calls op on the resources named by ids.
func (c *Client) Invoke(ctx context.Context, op string, ids ...store.ID) (Result, error) {
	return c.call(ctx, &Request{Op: op, Args: Args{IDs: ids}})
}

// Length returns the length in bytes of a registered text.
func (c *Client) Length(ctx context.Context, ref Reference[store.Text]) (uint64, error) {
	res, err := c.Invoke(ctx, OpLength, ref.ID())
	if err != nil {
		return 0, err
	}
	if err := expect(OpLength, res, ResultUint); err != nil {
		return 0, err
	}
	return res.Uint, nil
}

// Segmentation computes a mask for a registered image. The mask is left on
// the server and returned as a new reference.
func (c *Client) Segmentation(ctx context.Context, ref Reference[store.Bytes]) (Reference[store.Bytes], error) {
	res, err := c.Invoke(ctx, OpSegmentation, ref.ID())
	if err != nil {
		return Reference[store.Bytes]{}, err
	}
	id, err := res.Resource()
	if err != nil {
		return Reference[store.Bytes]{}, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return Ref[store.Bytes](id), nil
}

// Inference runs the inference backend over a registered blob.
func (c *Client) Inference(ctx context.Context, ref Reference[store.Bytes]) (string, error) {
	res, err := c.Invoke(ctx, OpInference, ref.ID())
	if err != nil {
		return "", err
	}
	if err := expect(OpInference, res, ResultText); err != nil {
		return "", err
	}
	return res.Text, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Register uploads v and returns a reference typed after it.
func Register[T store.Value](ctx context.Context, c *Client, v T) (Reference[T], error) {
	id, err := c.RegisterPayload(ctx, store.Of(v))
	if err != nil {
		return Reference[T]{}, err
	}
	return Ref[T](id), nil
}

// Describe returns the server's metadata for ref.
func Describe[T store.Value](ctx context.Context, c *Client, ref Reference[T]) (store.Info, error) {
	res, err := c.Invoke(ctx, OpDescribe, ref.ID())
	if err != nil {
		return store.Info{}, err
	}
	if err := expect(OpDescribe, res, ResultInfo); err != nil {
		return store.Info{}, err
	}
	if res.Info == nil {
		return store.Info{}, fmt.Errorf("%w: %s returned no info", ErrTransport, OpDescribe)
	}
	if res.Info.Kind != ref.Kind() {
		return store.Info{}, fmt.Errorf("%w: id %d holds %s, want %s",
			ErrTypeMismatch, uint64(ref.ID()), res.Info.Kind, ref.Kind())
	}
	return *res.Info, nil
}

func expect(op string, res Result, want ResultKind) error {
	if res.Kind != want {
		return fmt.Errorf("%w: %s returned a %s result, want %s", ErrTransport, op, res.Kind, want)
	}
	return nil
}
