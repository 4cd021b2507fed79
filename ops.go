// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package accel

import (
	"bytes"
	"context"
	"fmt"

	"github.com/luxfi/accel/store"
)

// Segmenter computes a segmentation mask for an encoded image. The image is
// a private copy of the stored resource and may be modified.
type Segmenter interface {
	Segment(ctx context.Context, image []byte) ([]byte, error)
}

// SegmenterFunc is a function adapter for Segmenter
type SegmenterFunc func(ctx context.Context, image []byte) ([]byte, error)

func (f SegmenterFunc) Segment(ctx context.Context, image []byte) ([]byte, error) {
	return f(ctx, image)
}

// Inferencer runs a model over an input blob and describes the outcome. The
// input is a private copy of the stored resource and may be modified.
type Inferencer interface {
	Infer(ctx context.Context, input []byte) (string, error)
}

// InferencerFunc is a function adapter for Inferencer
type InferencerFunc func(ctx context.Context, input []byte) (string, error)

func (f InferencerFunc) Infer(ctx context.Context, input []byte) (string, error) {
	return f(ctx, input)
}

// Unary builds an operation taking a single reference to a T. A Bytes value
// aliases the stored content and must not be modified by fn.
func Unary[T store.Value](name string, fn func(ctx context.Context, v T) (Result, error)) Operation {
	return Operation{
		Name:   name,
		Inputs: []store.Kind{store.KindOf[T]()},
		Run: func(ctx context.Context, args []*store.Payload) (Result, error) {
			v, err := store.As[T](args[0])
			if err != nil {
				return Result{}, err
			}
			return fn(ctx, v)
		},
	}
}

func builtinOperations(seg Segmenter, inf Inferencer) []Operation {
	return []Operation{
		Unary(OpLength, func(_ context.Context, s store.Text) (Result, error) {
			return Uint(uint64(len(s))), nil
		}),
		Unary(OpSegmentation, func(ctx context.Context, image store.Bytes) (Result, error) {
			if seg == nil {
				return Result{}, fmt.Errorf("%w: no segmentation backend", ErrUnimplemented)
			}
			mask, err := seg.Segment(ctx, bytes.Clone(image))
			if err != nil {
				return Result{}, fmt.Errorf("segment: %w", err)
			}
			return NewResource(store.NewBytes(mask)), nil
		}),
		Unary(OpInference, func(ctx context.Context, input store.Bytes) (Result, error) {
			if inf == nil {
				return Result{}, fmt.Errorf("%w: no inference backend", ErrUnimplemented)
			}
			out, err := inf.Infer(ctx, bytes.Clone(input))
			if err != nil {
				return Result{}, fmt.Errorf("infer: %w", err)
			}
			return TextResult(out), nil
		}),
	}
}
