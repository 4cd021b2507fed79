// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package accel

import (
	"errors"
	"fmt"

	"github.com/luxfi/accel/store"
)

// Logical failures. They are reported identically by every transport.
var (
	ErrResourceNotFound = store.ErrNotFound
	ErrTypeMismatch     = store.ErrTypeMismatch
	ErrStoreExhausted   = store.ErrExhausted
	ErrInvalidPayload   = store.ErrInvalidPayload

	ErrUnknownOperation = errors.New("accel: unknown operation")
	ErrBadArguments     = errors.New("accel: bad arguments")
	ErrUnimplemented    = errors.New("accel: operation not implemented")
	ErrInternal         = errors.New("accel: internal server error")
)

// Transport failures.
var (
	ErrTransport     = errors.New("accel: transport failure")
	ErrClosed        = errors.New("accel: connection closed")
	ErrFrameTooLarge = errors.New("accel: frame too large")
	ErrBadFrame      = errors.New("accel: malformed frame")
)

// ErrorCode is the wire representation of a logical failure.
type ErrorCode uint16

const (
	CodeOK ErrorCode = iota
	CodeNotFound
	CodeTypeMismatch
	CodeExhausted
	CodeUnknownOperation
	CodeBadArguments
	CodeUnimplemented
	CodeInvalidPayload
	CodeInternal
)

var codeErrors = map[ErrorCode]error{
	CodeNotFound:         ErrResourceNotFound,
	CodeTypeMismatch:     ErrTypeMismatch,
	CodeExhausted:        ErrStoreExhausted,
	CodeUnknownOperation: ErrUnknownOperation,
	CodeBadArguments:     ErrBadArguments,
	CodeUnimplemented:    ErrUnimplemented,
	CodeInvalidPayload:   ErrInvalidPayload,
	CodeInternal:         ErrInternal,
}

func (c ErrorCode) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeNotFound:
		return "not_found"
	case CodeTypeMismatch:
		return "type_mismatch"
	case CodeExhausted:
		return "exhausted"
	case CodeUnknownOperation:
		return "unknown_operation"
	case CodeBadArguments:
		return "bad_arguments"
	case CodeUnimplemented:
		return "unimplemented"
	case CodeInvalidPayload:
		return "invalid_payload"
	case CodeInternal:
		return "internal"
	default:
		return fmt.Sprintf("code(%d)", uint16(c))
	}
}

// Err returns the sentinel error for c, or nil for CodeOK.
func (c ErrorCode) Err() error {
	if c == CodeOK {
		return nil
	}
	if err, ok := codeErrors[c]; ok {
		return err
	}
	return ErrInternal
}

// CodeOf classifies err. Errors outside the logical taxonomy map to
// CodeInternal.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return CodeOK
	}
	for code, sentinel := range codeErrors {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeInternal
}

// CallError is a logical failure reported by the dispatcher. It matches the
// sentinel for its code with errors.Is.
type CallError struct {
	Op      string
	Code    ErrorCode
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("accel: %s failed (%s): %s", e.Op, e.Code, e.Message)
}

func (e *CallError) Unwrap() error {
	return e.Code.Err()
}

// Retryable reports whether a failed call may be safely reissued. Only
// transport failures qualify, and never for register_resource: a lost
// response does not mean the registration did not happen.
func Retryable(op string, err error) bool {
	if op == OpRegister {
		return false
	}
	return errors.Is(err, ErrTransport)
}
