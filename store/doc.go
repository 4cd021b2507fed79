// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package store implements the resource registry that backs an accel
// server session.
//
// A Store maps numeric resource ids to immutable payloads. Ids are handed
// out by an atomic counter and are never reused while the store is alive:
//
//	st := store.New()
//	id, err := st.Register(store.NewText("cat"))
//
//	// Untyped lookup
//	p, err := st.Resolve(id)
//
//	// Checked downcast, fails with ErrTypeMismatch on the wrong variant
//	text, err := store.ResolveAs[store.Text](st, id)
//
// # Payloads
//
// A Payload is a tagged record: a Kind and the raw content bytes. The kind is
// the only type information a store keeps, so every typed access goes through
// a kind check. Reading a Text payload as Bytes (or the reverse) is an error,
// never a reinterpretation.
//
// # Concurrency
//
// Register, Resolve and Describe are safe for concurrent use. Lookups never
// block behind registrations: entries live in a sync.Map and the id counter
// is advanced with compare-and-swap.
//
// # Lifetime
//
// There is no per-entry removal. Entries persist until Close, which destroys
// the whole store.
package store
