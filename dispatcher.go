// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package accel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-metrics"
	"go.uber.org/zap"

	"github.com/luxfi/accel/store"
)

// Operation is a named computation over resolved resources. Inputs lists the
// kind expected for each argument, in order; the dispatcher resolves and
// checks every argument before Run is called.
type Operation struct {
	Name   string
	Inputs []store.Kind
	Run    func(ctx context.Context, args []*store.Payload) (Result, error)
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*dispatcherOptions)

type dispatcherOptions struct {
	ops        []Operation
	segmenter  Segmenter
	inferencer Inferencer
	log        *zap.Logger
	msink      metrics.MetricSink
}

// WithOperation adds op to the dispatcher, replacing any built-in operation
// of the same name. register_resource and describe cannot be replaced.
func WithOperation(op Operation) DispatcherOption {
	return func(o *dispatcherOptions) { o.ops = append(o.ops, op) }
}

// WithSegmenter sets the backend of the segmentation operation.
func WithSegmenter(s Segmenter) DispatcherOption {
	return func(o *dispatcherOptions) { o.segmenter = s }
}

// WithInferencer sets the backend of the inference operation.
func WithInferencer(i Inferencer) DispatcherOption {
	return func(o *dispatcherOptions) { o.inferencer = i }
}

// WithDispatcherLogger sets the dispatcher's logger.
func WithDispatcherLogger(l *zap.Logger) DispatcherOption {
	return func(o *dispatcherOptions) { o.log = l }
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// the dispatcher. A nil sink discards them.
func WithMetricSink(ms metrics.MetricSink) DispatcherOption {
	return func(o *dispatcherOptions) {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		o.msink = ms
	}
}

// Dispatcher executes named operations against a shared store. It is safe
// for concurrent use; the operation table is fixed at construction.
type Dispatcher struct {
	store *store.Store
	ops   map[string]Operation
	log   *zap.Logger
	msink metrics.MetricSink
}

// NewDispatcher serves st. A nil store gets a fresh one.
func NewDispatcher(st *store.Store, opts ...DispatcherOption) *Dispatcher {
	o := &dispatcherOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if st == nil {
		st = store.New()
	}

	d := &Dispatcher{
		store: st,
		ops:   make(map[string]Operation),
		log:   loggerOr(o.log).Named("dispatcher"),
		msink: sinkOr(o.msink),
	}
	for _, op := range builtinOperations(o.segmenter, o.inferencer) {
		d.ops[op.Name] = op
	}
	for _, op := range o.ops {
		if op.Name == OpRegister || op.Name == OpDescribe {
			d.log.Warn("ignoring operation with reserved name", LabelOp.Z(op.Name))
			continue
		}
		d.ops[op.Name] = op
	}
	return d
}

// Store returns the store shared by every call.
func (d *Dispatcher) Store() *store.Store {
	return d.store
}

// Operations returns the names of every invocable operation, sorted.
func (d *Dispatcher) Operations() []string {
	names := make([]string, 0, len(d.ops)+2)
	names = append(names, OpRegister, OpDescribe)
	for name := range d.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Register stores p and returns its id.
func (d *Dispatcher) Register(_ context.Context, p store.Payload) (store.ID, error) {
	id, err := d.store.Register(p)
	if err != nil {
		return 0, err
	}
	d.msink.IncrCounterWithLabels(MetricStoreRegisteredByte, float32(p.Len()),
		[]metrics.Label{LabelKind.M(p.Kind.String())})
	d.msink.SetGauge(MetricStoreResources, float32(d.store.Len()))
	d.log.Debug("registered resource",
		zap.Uint64("id", uint64(id)),
		LabelKind.Z(p.Kind.String()),
		zap.Int("size", p.Len()),
	)
	return id, nil
}

// Invoke runs op against the resources named by ids. Every id is resolved
// and type checked before the operation runs; the first failure aborts the
// call.
func (d *Dispatcher) Invoke(ctx context.Context, op string, ids []store.ID) (Result, error) {
	switch op {
	case OpRegister:
		return Result{}, fmt.Errorf("%w: %s takes a payload, not references", ErrBadArguments, op)
	case OpDescribe:
		return d.describe(ids)
	}

	operation, ok := d.ops[op]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownOperation, op)
	}
	if len(ids) != len(operation.Inputs) {
		return Result{}, fmt.Errorf("%w: %s takes %d references, got %d",
			ErrBadArguments, op, len(operation.Inputs), len(ids))
	}

	args := make([]*store.Payload, len(ids))
	for i, id := range ids {
		p, err := d.store.ResolveKind(id, operation.Inputs[i])
		if err != nil {
			return Result{}, err
		}
		args[i] = p
	}

	res, err := d.run(ctx, operation, args)
	if err != nil {
		return Result{}, err
	}
	if res.Payload != nil {
		id, err := d.Register(ctx, *res.Payload)
		if err != nil {
			return Result{}, err
		}
		res = Result{Kind: ResultResource, Uint: uint64(id)}
	}
	return res, nil
}

func (d *Dispatcher) describe(ids []store.ID) (Result, error) {
	if len(ids) != 1 {
		return Result{}, fmt.Errorf("%w: %s takes 1 reference, got %d", ErrBadArguments, OpDescribe, len(ids))
	}
	info, err := d.store.Describe(ids[0])
	if err != nil {
		return Result{}, err
	}
	return Result{Kind: ResultInfo, Info: &info}, nil
}

func (d *Dispatcher) run(ctx context.Context, op Operation, args []*store.Payload) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("operation panicked",
				LabelOp.Z(op.Name),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			err = fmt.Errorf("%w: %s panicked: %v", ErrInternal, op.Name, r)
		}
	}()
	return op.Run(ctx, args)
}

// Handle serves one request. Every server transport funnels through here,
// so failures are classified the same way whichever transport carried the
// call.
func (d *Dispatcher) Handle(ctx context.Context, req *Request) *Response {
	start := time.Now()

	var (
		res Result
		err error
	)
	switch req.Op {
	case OpRegister:
		if req.Args.Payload == nil {
			err = fmt.Errorf("%w: %s needs a payload", ErrBadArguments, OpRegister)
			break
		}
		var id store.ID
		id, err = d.Register(ctx, *req.Args.Payload)
		res = Result{Kind: ResultResource, Uint: uint64(id)}
	default:
		res, err = d.Invoke(ctx, req.Op, req.Args.IDs)
	}

	d.observe(req.Op, start, err)

	resp := &Response{ID: req.ID}
	if err != nil {
		var callErr *CallError
		if errors.As(err, &callErr) {
			resp.Code, resp.Message = callErr.Code, callErr.Message
		} else {
			resp.Code, resp.Message = CodeOf(err), err.Error()
		}
		return resp
	}
	resp.Result = res
	return resp
}

func (d *Dispatcher) observe(op string, start time.Time, err error) {
	labels := []metrics.Label{LabelOp.M(op)}
	d.msink.IncrCounterWithLabels(MetricDispatchCalls, 1, labels)
	d.msink.AddSampleWithLabels(MetricDispatchLatencyMs,
		float32(time.Since(start).Seconds()*1e3), labels)
	if err == nil {
		return
	}

	code := CodeOf(err)
	d.msink.IncrCounterWithLabels(MetricDispatchErrors, 1,
		append(labels, LabelCode.M(code.String())))
	if code == CodeInternal {
		d.log.Error("call failed", LabelOp.Z(op), zap.Error(err))
		return
	}
	d.log.Debug("call failed", LabelOp.Z(op), zap.Error(err))
}
