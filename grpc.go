// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package accel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	grpcServiceName = "accel.v1.Dispatcher"
	grpcMethod      = "/" + grpcServiceName + "/Call"
)

func init() {
	registerTransport(TransportGRPC, dialGRPC, listenGRPC)
}

// grpcCodec adapts a Codec to grpc's encoding.Codec. Name is promoted from
// the wrapped codec and becomes the content subtype.
type grpcCodec struct {
	Codec
}

func (c grpcCodec) Marshal(v any) ([]byte, error) {
	return c.Encode(v)
}

func (c grpcCodec) Unmarshal(data []byte, v any) error {
	return c.Decode(data, v)
}

type callHandler interface {
	Call(ctx context.Context, req *Request) (*Response, error)
}

var grpcServiceDesc = grpc.ServiceDesc{
	ServiceName: grpcServiceName,
	HandlerType: (*callHandler)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Call",
			Handler:    grpcCallHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "accel/v1/dispatcher",
}

func grpcCallHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Request)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(callHandler).Call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: grpcMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(callHandler).Call(ctx, req.(*Request))
	}
	return interceptor(ctx, in, info, handler)
}

type grpcService struct {
	d *Dispatcher
}

func (s *grpcService) Call(ctx context.Context, req *Request) (*Response, error) {
	return s.d.Handle(ctx, req), nil
}

func dialGRPC(_ context.Context, cfg *Config, o *dialOptions) (Conn, error) {
	if o.codec != nil && o.codec.Name() != CodecCBOR {
		return nil, fmt.Errorf("grpc transport only supports the %s codec, got %s", CodecCBOR, o.codec.Name())
	}
	codec := o.codec
	if codec == nil {
		codec = defaultCodec
	}

	creds := insecure.NewCredentials()
	if o.tlsConfig != nil {
		creds = credentials.NewTLS(o.tlsConfig)
	}
	conn, err := grpc.NewClient(cfg.Addr,
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(
			grpc.ForceCodec(grpcCodec{codec}),
			grpc.MaxCallRecvMsgSize(MaxFrameSize),
			grpc.MaxCallSendMsgSize(MaxFrameSize),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: grpc dial: %w", ErrTransport, err)
	}
	return &grpcConn{conn: conn}, nil
}

type grpcConn struct {
	conn *grpc.ClientConn
}

func (c *grpcConn) Call(ctx context.Context, req *Request) (*Response, error) {
	resp := new(Response)
	if err := c.conn.Invoke(ctx, grpcMethod, req, resp); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return resp, nil
}

func (c *grpcConn) Close() error {
	return c.conn.Close()
}

type grpcServer struct {
	ln     net.Listener
	srv    *grpc.Server
	log    *zap.Logger
	closed atomic.Bool
}

func listenGRPC(cfg *Config, d *Dispatcher, o *serverOptions) (Server, error) {
	log := loggerOr(o.log).Named("grpc")

	opts := []grpc.ServerOption{
		grpc.ForceServerCodec(grpcCodec{defaultCodec}),
		grpc.MaxRecvMsgSize(MaxFrameSize),
		grpc.MaxSendMsgSize(MaxFrameSize),
	}
	if o.tlsConfig != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(o.tlsConfig)))
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen tcp %s: %w", cfg.Addr, err)
	}
	srv := grpc.NewServer(opts...)
	srv.RegisterService(&grpcServiceDesc, &grpcService{d: d})
	return &grpcServer{ln: ln, srv: srv, log: log}, nil
}

func (s *grpcServer) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		if !s.closed.Swap(true) {
			s.srv.GracefulStop()
		}
	}()

	s.log.Info("serving", zap.String("addr", s.Addr()))
	if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func (s *grpcServer) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.srv.Stop()
	_ = s.ln.Close()
	return nil
}

func (s *grpcServer) Addr() string {
	return s.ln.Addr().String()
}
