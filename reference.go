// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package accel

import (
	"fmt"

	"github.com/luxfi/accel/store"
)

// Reference names a resource registered on the server and remembers, on the
// client side only, what kind of value it holds. Only the id travels; the
// server checks the stored kind again on every call.
type Reference[T store.Value] struct {
	id store.ID
}

// Ref wraps a raw id. The server still rejects it if the resource is not a T.
func Ref[T store.Value](id store.ID) Reference[T] {
	return Reference[T]{id: id}
}

func (r Reference[T]) ID() store.ID {
	return r.id
}

// Kind returns the kind the reference expects to find on the server.
func (r Reference[T]) Kind() store.Kind {
	return store.KindOf[T]()
}

// IsZero reports whether r was never issued.
func (r Reference[T]) IsZero() bool {
	return r.id == 0
}

func (r Reference[T]) String() string {
	return fmt.Sprintf("%s#%d", r.Kind(), uint64(r.id))
}
