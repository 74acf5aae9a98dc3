package store_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/stageflow/internal/store"
	"github.com/kingrea/stageflow/internal/store/storetest"
)

func TestMemoryContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return store.NewMemory()
	})
}

func TestFileContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := store.NewFile(t.TempDir())
		require.NoError(t, err)
		return s
	})
}

func TestFileLayoutAndNoTempLeftovers(t *testing.T) {
	dir := t.TempDir()
	s, err := store.NewFile(dir)
	require.NoError(t, err)
	ctx := t.Context()
	require.NoError(t, s.Put(ctx, "workflow/session-1", []byte(`{}`)))

	data, err := os.ReadFile(filepath.Join(dir, "workflow", "session-1.json"))
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(data))

	entries, err := os.ReadDir(filepath.Join(dir, "workflow"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must be renamed away")
}

func TestMemoryReturnsCopies(t *testing.T) {
	s := store.NewMemory()
	ctx := t.Context()
	value := []byte("abc")
	require.NoError(t, s.Put(ctx, "workflow/s", value))
	value[0] = 'z'
	got, err := s.Get(ctx, "workflow/s")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
	got[1] = 'z'
	again, _ := s.Get(ctx, "workflow/s")
	assert.Equal(t, "abc", string(again))
}

func TestValidateKeyAndJoin(t *testing.T) {
	assert.NoError(t, store.ValidateKey(store.Join("workflow", "0b6f-uuid")))
	assert.ErrorIs(t, store.ValidateKey("a/./b"), store.ErrInvalidKey)
}
