// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package accel

import (
	"fmt"

	"github.com/luxfi/accel/store"
)

// Operation selectors.
const (
	OpRegister     = "register_resource"
	OpLength       = "length"
	OpSegmentation = "segmentation"
	OpInference    = "inference"
	OpDescribe     = "describe"
)

// Args are the serialized arguments of a call: a payload for
// register_resource, plain ids for everything else.
type Args struct {
	Payload *store.Payload `json:"payload,omitempty"`
	IDs     []store.ID     `json:"ids,omitempty"`
}

// Request is one call as seen by a Conn. ID is the correlation id; only
// multiplexing transports fill it in.
type Request struct {
	ID   uint64 `json:"id"`
	Op   string `json:"op"`
	Args Args   `json:"args"`
}

// ResultKind tags the variant held by a Result.
type ResultKind uint8

const (
	ResultNone ResultKind = iota
	ResultUint
	ResultText
	ResultResource
	ResultInfo
)

func (k ResultKind) String() string {
	switch k {
	case ResultNone:
		return "none"
	case ResultUint:
		return "uint"
	case ResultText:
		return "text"
	case ResultResource:
		return "resource"
	case ResultInfo:
		return "info"
	default:
		return fmt.Sprintf("result(%d)", uint8(k))
	}
}

// Result is the outcome of a successful operation.
type Result struct {
	Kind ResultKind  `json:"kind"`
	Uint uint64      `json:"uint,omitempty"`
	Text string      `json:"text,omitempty"`
	Info *store.Info `json:"info,omitempty"`

	// Payload is set by operations that produce a new resource. The
	// dispatcher registers it and replaces the result with its id; it
	// never crosses a transport.
	Payload *store.Payload `json:"-"`
}

// Uint returns a primitive integer result.
func Uint(v uint64) Result {
	return Result{Kind: ResultUint, Uint: v}
}

// TextResult returns a primitive string result.
func TextResult(s string) Result {
	return Result{Kind: ResultText, Text: s}
}

// NewResource returns a result asking the dispatcher to register p.
func NewResource(p store.Payload) Result {
	return Result{Kind: ResultResource, Payload: &p}
}

// Resource returns the id carried by a ResultResource.
func (r Result) Resource() (store.ID, error) {
	if r.Kind != ResultResource {
		return 0, fmt.Errorf("%w: expected resource result, got %s", ErrBadFrame, r.Kind)
	}
	return store.ID(r.Uint), nil
}

// Response answers exactly one Request.
type Response struct {
	ID      uint64    `json:"id"`
	Result  Result    `json:"result"`
	Code    ErrorCode `json:"code,omitempty"`
	Message string    `json:"message,omitempty"`
}

// Err converts a failed response back into an error.
func (r *Response) Err(op string) error {
	if r.Code == CodeOK {
		return nil
	}
	return &CallError{Op: op, Code: r.Code, Message: r.Message}
}
