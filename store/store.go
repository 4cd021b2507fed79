// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeebo/blake3"
)

var (
	ErrNotFound       = errors.New("store: resource not found")
	ErrTypeMismatch   = errors.New("store: resource type mismatch")
	ErrExhausted      = errors.New("store: resource ids exhausted")
	ErrInvalidPayload = errors.New("store: invalid payload")
	ErrClosed         = errors.New("store: closed")
)

// ID identifies a payload within one store. Zero is never issued.
type ID uint64

// Info describes a stored payload without carrying its content.
type Info struct {
	ID      ID        `json:"id"`
	Kind    Kind      `json:"kind"`
	Size    int       `json:"size"`
	Digest  [32]byte  `json:"digest"`
	Created time.Time `json:"created"`
}

type entry struct {
	payload Payload
	digest  [32]byte
	created time.Time
}

// Store is a concurrent registry of payloads keyed by ID.
type Store struct {
	last    atomic.Uint64
	entries sync.Map // ID -> *entry
	count   atomic.Int64
	closed  atomic.Bool

	// gate orders inserts against Close. Registers share it; reads never
	// take it.
	gate sync.RWMutex
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source used for Info.Created.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register stores a copy of p and returns its id. On error the store is
// left unchanged.
func (s *Store) Register(p Payload) (ID, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	e := &entry{
		payload: p.Clone(),
		digest:  blake3.Sum256(p.Content),
		created: s.now(),
	}

	s.gate.RLock()
	defer s.gate.RUnlock()
	if s.closed.Load() {
		return 0, ErrClosed
	}
	id, err := s.allocate()
	if err != nil {
		return 0, err
	}
	s.entries.Store(id, e)
	s.count.Add(1)
	return id, nil
}

// allocate advances the counter without ever wrapping it.
func (s *Store) allocate() (ID, error) {
	for {
		last := s.last.Load()
		if last == math.MaxUint64 {
			return 0, ErrExhausted
		}
		if s.last.CompareAndSwap(last, last+1) {
			return ID(last + 1), nil
		}
	}
}

func (s *Store) lookup(id ID) (*entry, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	v, ok := s.entries.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return v.(*entry), nil
}

// Resolve returns the payload registered under id. The returned payload is
// shared with every other reader and must not be modified.
func (s *Store) Resolve(id ID) (*Payload, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return &e.payload, nil
}

// ResolveKind resolves id and checks that the stored variant is want.
func (s *Store) ResolveKind(id ID, want Kind) (*Payload, error) {
	p, err := s.Resolve(id)
	if err != nil {
		return nil, err
	}
	if p.Kind != want {
		return nil, fmt.Errorf("%w: id %d holds %s, want %s", ErrTypeMismatch, id, p.Kind, want)
	}
	return p, nil
}

// ResolveAs resolves id and recovers it as a T.
func ResolveAs[T Value](s *Store, id ID) (T, error) {
	p, err := s.ResolveKind(id, KindOf[T]())
	if err != nil {
		var zero T
		return zero, err
	}
	return As[T](p)
}

// Describe returns metadata about the payload registered under id.
func (s *Store) Describe(id ID) (Info, error) {
	e, err := s.lookup(id)
	if err != nil {
		return Info{}, err
	}
	return Info{
		ID:      id,
		Kind:    e.payload.Kind,
		Size:    len(e.payload.Content),
		Digest:  e.digest,
		Created: e.created,
	}, nil
}

// Len returns the number of stored payloads.
func (s *Store) Len() int {
	return int(s.count.Load())
}

// Close destroys every entry. Later calls fail with ErrClosed.
func (s *Store) Close() error {
	s.gate.Lock()
	defer s.gate.Unlock()
	if s.closed.Swap(true) {
		return nil
	}
	s.entries.Range(func(key, _ any) bool {
		s.entries.Delete(key)
		return true
	})
	s.count.Store(0)
	return nil
}
