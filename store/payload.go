// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"bytes"
	"fmt"
)

// Kind identifies the variant of a stored payload.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindBytes
	KindText
)

func (k Kind) String() string {
	switch k {
	case KindBytes:
		return "bytes"
	case KindText:
		return "text"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Valid reports whether k is a known payload variant.
func (k Kind) Valid() bool {
	return k == KindBytes || k == KindText
}

// Bytes is the Go view of a KindBytes payload.
type Bytes []byte

// Text is the Go view of a KindText payload.
type Text string

// Value is the set of Go types a payload can be recovered as.
type Value interface {
	Bytes | Text
}

// KindOf returns the payload kind that carries values of type T.
func KindOf[T Value]() Kind {
	var zero T
	switch any(zero).(type) {
	case Bytes:
		return KindBytes
	case Text:
		return KindText
	}
	return KindInvalid
}

// Payload is the type-erased content of a resource. It is the only shape
// that crosses a transport: a variant tag plus raw content.
type Payload struct {
	Kind    Kind   `json:"kind"`
	Content []byte `json:"content"`
}

// NewBytes wraps b as a bytes payload. The slice is not copied.
func NewBytes(b []byte) Payload {
	return Payload{Kind: KindBytes, Content: b}
}

// NewText wraps s as a text payload.
func NewText(s string) Payload {
	return Payload{Kind: KindText, Content: []byte(s)}
}

// Of erases v into a payload.
func Of[T Value](v T) Payload {
	switch v := any(v).(type) {
	case Bytes:
		return NewBytes(v)
	case Text:
		return NewText(string(v))
	}
	return Payload{}
}

// As recovers the typed value held by p. It fails with ErrTypeMismatch when
// p does not hold a T.
//
// For bytes payloads the returned slice aliases the stored content and must
// be treated as read-only.
func As[T Value](p *Payload) (T, error) {
	var zero T
	want := KindOf[T]()
	if p == nil || p.Kind != want {
		got := KindInvalid
		if p != nil {
			got = p.Kind
		}
		return zero, fmt.Errorf("%w: stored %s, want %s", ErrTypeMismatch, got, want)
	}

	var out any
	switch want {
	case KindBytes:
		out = Bytes(p.Content)
	case KindText:
		out = Text(p.Content)
	}
	return out.(T), nil
}

// Validate checks that p is a payload a store will accept.
func (p Payload) Validate() error {
	if !p.Kind.Valid() {
		return fmt.Errorf("%w: unknown %s", ErrInvalidPayload, p.Kind)
	}
	return nil
}

// Len returns the content size in bytes.
func (p Payload) Len() int {
	return len(p.Content)
}

// Clone returns a deep copy of p.
func (p Payload) Clone() Payload {
	c := Payload{Kind: p.Kind}
	if p.Content != nil {
		c.Content = bytes.Clone(p.Content)
	}
	return c
}

// Equal reports whether p and o hold the same variant and content.
func (p Payload) Equal(o Payload) bool {
	return p.Kind == o.Kind && bytes.Equal(p.Content, o.Content)
}

func (p Payload) String() string {
	if p.Kind == KindText {
		return fmt.Sprintf("text(%q)", p.Content)
	}
	return fmt.Sprintf("%s(%d bytes)", p.Kind, len(p.Content))
}
