// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"
)

func TestStore_RoundTrip(t *testing.T) {
	s := New()

	payloads := []Payload{
		NewText("cat"),
		NewText(""),
		NewBytes([]byte{0x00, 0xff, 0x10}),
		NewBytes(nil),
	}

	for _, p := range payloads {
		id, err := s.Register(p)
		require.NoError(t, err)
		require.NotZero(t, id, "id zero is reserved")

		got, err := s.Resolve(id)
		require.NoError(t, err)
		require.True(t, got.Equal(p), "resolved %s, registered %s", got, p)
	}
	require.Equal(t, len(payloads), s.Len())
}

func TestStore_IdsAreMonotonic(t *testing.T) {
	s := New()

	var last ID
	for i := 0; i < 10; i++ {
		id, err := s.Register(NewText("same"))
		require.NoError(t, err)
		require.Greater(t, id, last, "identical content must still get a fresh id")
		last = id
	}
}

func TestStore_UnknownID(t *testing.T) {
	s := New()
	_, err := s.Resolve(42)
	require.ErrorIs(t, err, ErrNotFound)

	id, err := s.Register(NewText("x"))
	require.NoError(t, err)

	_, err = s.Resolve(id + 1)
	require.ErrorIs(t, err, ErrNotFound)

	other := New()
	_, err = other.Resolve(id)
	require.ErrorIs(t, err, ErrNotFound, "ids do not carry across store instances")
}

func TestStore_TypeEnforcement(t *testing.T) {
	s := New()
	textID, err := s.Register(NewText("hello"))
	require.NoError(t, err)
	bytesID, err := s.Register(NewBytes([]byte("hello")))
	require.NoError(t, err)

	_, err = ResolveAs[Bytes](s, textID)
	require.ErrorIs(t, err, ErrTypeMismatch)

	_, err = ResolveAs[Text](s, bytesID)
	require.ErrorIs(t, err, ErrTypeMismatch)

	text, err := ResolveAs[Text](s, textID)
	require.NoError(t, err)
	require.Equal(t, Text("hello"), text)

	raw, err := ResolveAs[Bytes](s, bytesID)
	require.NoError(t, err)
	require.Equal(t, Bytes("hello"), raw)

	_, err = s.ResolveKind(textID, KindBytes)
	require.ErrorIs(t, err, ErrTypeMismatch)
}

func TestStore_RegisterCopiesContent(t *testing.T) {
	s := New()
	buf := []byte("image")
	id, err := s.Register(NewBytes(buf))
	require.NoError(t, err)

	buf[0] = 'X'

	got, err := ResolveAs[Bytes](s, id)
	require.NoError(t, err)
	require.Equal(t, Bytes("image"), got, "stored payload must not alias the caller's buffer")
}

func TestStore_InvalidPayload(t *testing.T) {
	s := New()
	_, err := s.Register(Payload{Kind: Kind(9), Content: []byte("?")})
	require.ErrorIs(t, err, ErrInvalidPayload)
	require.Zero(t, s.Len())

	id, err := s.Register(NewText("ok"))
	require.NoError(t, err)
	require.Equal(t, ID(1), id, "a failed register must not consume an id")
}

func TestStore_Exhausted(t *testing.T) {
	s := New()
	s.last.Store(math.MaxUint64 - 1)

	id, err := s.Register(NewText("last"))
	require.NoError(t, err)
	require.Equal(t, ID(math.MaxUint64), id)

	_, err = s.Register(NewText("one too many"))
	require.ErrorIs(t, err, ErrExhausted)
	require.Equal(t, 1, s.Len(), "exhaustion must leave the store unchanged")

	got, err := s.Resolve(id)
	require.NoError(t, err)
	require.Equal(t, "last", string(got.Content))
}

func TestStore_ConcurrentRegisterUnique(t *testing.T) {
	s := New()

	const workers = 32
	const perWorker = 200

	var wg sync.WaitGroup
	ids := make(chan ID, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				content := fmt.Sprintf("w%d-%d", w, i)
				id, err := s.Register(NewText(content))
				if err != nil {
					t.Errorf("register: %v", err)
					return
				}
				got, err := ResolveAs[Text](s, id)
				if err != nil || string(got) != content {
					t.Errorf("resolve %d: got %q (%v), want %q", id, got, err, content)
				}
				ids <- id
			}
		}(w)
	}
	wg.Wait()
	close(ids)

	seen := make(map[ID]struct{}, workers*perWorker)
	for id := range ids {
		_, dup := seen[id]
		require.False(t, dup, "id %d issued twice", id)
		seen[id] = struct{}{}
	}
	require.Len(t, seen, workers*perWorker)
	require.Equal(t, workers*perWorker, s.Len())
}

func TestStore_Describe(t *testing.T) {
	created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	s := New(WithClock(func() time.Time { return created }))

	content := []byte{1, 2, 3, 4}
	id, err := s.Register(NewBytes(content))
	require.NoError(t, err)

	info, err := s.Describe(id)
	require.NoError(t, err)
	require.Equal(t, Info{
		ID:      id,
		Kind:    KindBytes,
		Size:    4,
		Digest:  blake3.Sum256(content),
		Created: created,
	}, info)

	_, err = s.Describe(id + 1)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Close(t *testing.T) {
	s := New()
	id, err := s.Register(NewText("bye"))
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	require.Zero(t, s.Len())

	_, err = s.Resolve(id)
	require.ErrorIs(t, err, ErrClosed)
	_, err = s.Register(NewText("late"))
	require.ErrorIs(t, err, ErrClosed)
}

func TestStore_CloseRacingRegister(t *testing.T) {
	for round := 0; round < 50; round++ {
		s := New()
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 20; j++ {
					if _, err := s.Register(NewText("racing")); err != nil {
						require.ErrorIs(t, err, ErrClosed)
						return
					}
				}
			}()
		}
		require.NoError(t, s.Close())
		wg.Wait()

		require.Zero(t, s.Len())
		leftover := 0
		s.entries.Range(func(any, any) bool {
			leftover++
			return true
		})
		require.Zero(t, leftover, "round %d", round)
	}
}
