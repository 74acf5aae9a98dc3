// Package storetest holds the behavioural contract every store.Store
// implementation must satisfy.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/stageflow/internal/store"
)

// Factory opens a fresh, empty store for one subtest.
type Factory func(t *testing.T) store.Store

// Run exercises s against the store contract.
func Run(t *testing.T, open Factory) {
	t.Run("get missing", func(t *testing.T) {
		s := open(t)
		_, err := s.Get(context.Background(), "workflow/absent")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("put get delete", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, "workflow/s1", []byte(`{"v":1}`)))
		got, err := s.Get(ctx, "workflow/s1")
		require.NoError(t, err)
		assert.Equal(t, []byte(`{"v":1}`), got)

		require.NoError(t, s.Delete(ctx, "workflow/s1"))
		_, err = s.Get(ctx, "workflow/s1")
		assert.ErrorIs(t, err, store.ErrNotFound)
		assert.NoError(t, s.Delete(ctx, "workflow/s1"), "deleting a missing key is not an error")
	})

	t.Run("keys by prefix", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		for _, key := range []string{"workflow/b", "barrier/a", "workflow/a"} {
			require.NoError(t, s.Put(ctx, key, []byte("x")))
		}
		keys, err := s.Keys(ctx, "workflow/")
		require.NoError(t, err)
		assert.Equal(t, []string{"workflow/a", "workflow/b"}, keys)
	})

	t.Run("update read modify write", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		err := s.Update(ctx, "barrier/s1", func(current []byte, exists bool) ([]byte, error) {
			assert.False(t, exists)
			assert.Nil(t, current)
			return []byte("1"), nil
		})
		require.NoError(t, err)
		err = s.Update(ctx, "barrier/s1", func(current []byte, exists bool) ([]byte, error) {
			assert.True(t, exists)
			return append(current, '2'), nil
		})
		require.NoError(t, err)
		got, err := s.Get(ctx, "barrier/s1")
		require.NoError(t, err)
		assert.Equal(t, []byte("12"), got)

		boom := errors.New("boom")
		err = s.Update(ctx, "barrier/s1", func([]byte, bool) ([]byte, error) { return nil, boom })
		assert.ErrorIs(t, err, boom)
		got, _ = s.Get(ctx, "barrier/s1")
		assert.Equal(t, []byte("12"), got, "failed update must not write")

		require.NoError(t, s.Update(ctx, "barrier/s1", func([]byte, bool) ([]byte, error) { return nil, nil }))
		_, err = s.Get(ctx, "barrier/s1")
		assert.ErrorIs(t, err, store.ErrNotFound, "nil result deletes the key")
	})

	t.Run("concurrent updates serialise", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = s.Update(ctx, "workflow/counter", func(current []byte, _ bool) ([]byte, error) {
					return append(current, 'x'), nil
				})
			}()
		}
		wg.Wait()
		got, err := s.Get(ctx, "workflow/counter")
		require.NoError(t, err)
		assert.Len(t, got, 20)
	})

	t.Run("invalid keys", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		for _, key := range []string{"", "../escape", "workflow//x", "workflow/../x", "spaces are bad"} {
			assert.ErrorIs(t, s.Put(ctx, key, []byte("x")), store.ErrInvalidKey, key)
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		s := open(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := s.Get(ctx, "workflow/s1")
		assert.ErrorIs(t, err, context.Canceled)
	})
}
