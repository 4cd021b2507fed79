// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package accel

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

type localCall struct {
	req   *Request
	reply chan *Response
}

// localConn hands requests to a dispatcher in the same process. Calls are
// queued in arrival order without bound and each one is served by its own
// goroutine, so a slow operation never holds up the queue.
type localConn struct {
	d        *Dispatcher
	ownStore bool
	log      *zap.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*localCall
	closed bool

	// ctx is the server-side context. Cancelling a caller's context
	// abandons its call without interrupting the operation.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
}

func dialLocal(_ context.Context, _ *Config, o *dialOptions) (Conn, error) {
	d, own := o.dispatcher, false
	if d == nil {
		d, own = NewDispatcher(nil, WithDispatcherLogger(o.log)), true
	}
	return newLocalConn(d, own, loggerOr(o.log)), nil
}

func newLocalConn(d *Dispatcher, ownStore bool, log *zap.Logger) *localConn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &localConn{
		d:        d,
		ownStore: ownStore,
		log:      log.Named("local"),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	go c.loop()
	return c
}

func (c *localConn) Call(ctx context.Context, req *Request) (*Response, error) {
	call := &localCall{req: req, reply: make(chan *Response, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrTransport, ErrClosed)
	}
	c.queue = append(c.queue, call)
	c.cond.Signal()
	c.mu.Unlock()

	select {
	case resp := <-call.reply:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		select {
		case resp := <-call.reply:
			return resp, nil
		default:
		}
		return nil, fmt.Errorf("%w: %w", ErrTransport, ErrClosed)
	}
}

func (c *localConn) loop() {
	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.closed {
			c.cond.Wait()
		}
		if c.closed {
			dropped := len(c.queue)
			c.queue = nil
			c.mu.Unlock()
			if dropped > 0 {
				c.log.Debug("dropped queued calls on close", zap.Int("count", dropped))
			}
			return
		}
		call := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		c.wg.Add(1)
		c.mu.Unlock()

		go c.serve(call)
	}
}

func (c *localConn) serve(call *localCall) {
	defer c.wg.Done()
	call.reply <- c.d.Handle(c.ctx, call.req)
}

// Close stops accepting calls and waits for in-flight ones. A store the
// connection created for itself is destroyed with it.
func (c *localConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	close(c.done)

	if c.ownStore {
		return c.d.Store().Close()
	}
	return nil
}
