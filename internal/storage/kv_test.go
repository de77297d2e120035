// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// SHARED BEHAVIOUR SUITE
// =============================================================================

type backendCase struct {
	name string
	open func(t *testing.T) KV
}

func backends() []backendCase {
	return []backendCase{
		{"memory", func(t *testing.T) KV { return NewMemoryKV() }},
		{"sqlite", func(t *testing.T) KV {
			kv, err := NewSQLiteKV(filepath.Join(t.TempDir(), "test.db"))
			require.NoError(t, err)
			return kv
		}},
		{"file", func(t *testing.T) KV {
			kv, err := NewFileKV(filepath.Join(t.TempDir(), "kv"))
			require.NoError(t, err)
			return kv
		}},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, kv KV)) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			kv := b.open(t)
			t.Cleanup(func() { kv.Close() })
			fn(t, kv)
		})
	}
}

func TestKV_GetMissing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, kv KV) {
		_, err := kv.Get("nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestKV_SetGetReplace(t *testing.T) {
	forEachBackend(t, func(t *testing.T, kv KV) {
		require.NoError(t, kv.Set("queue:habit_create", []byte("first")))
		got, err := kv.Get("queue:habit_create")
		require.NoError(t, err)
		assert.Equal(t, "first", string(got))

		require.NoError(t, kv.Set("queue:habit_create", []byte("second")))
		got, err = kv.Get("queue:habit_create")
		require.NoError(t, err)
		assert.Equal(t, "second", string(got))
	})
}

func TestKV_EmptyValue(t *testing.T) {
	forEachBackend(t, func(t *testing.T, kv KV) {
		require.NoError(t, kv.Set("empty", nil))
		got, err := kv.Get("empty")
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestKV_Delete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, kv KV) {
		require.NoError(t, kv.Set("a", []byte("1")))
		require.NoError(t, kv.Delete("a"))
		_, err := kv.Get("a")
		assert.ErrorIs(t, err, ErrNotFound)

		assert.NoError(t, kv.Delete("a"), "deleting a missing key is not an error")
	})
}

func TestKV_KeysPrefixSorted(t *testing.T) {
	forEachBackend(t, func(t *testing.T, kv KV) {
		for _, k := range []string{"session:b:messages", "sessions", "session:a:messages", "audit"} {
			require.NoError(t, kv.Set(k, []byte(k)))
		}

		keys, err := kv.Keys("session:")
		require.NoError(t, err)
		assert.Equal(t, []string{"session:a:messages", "session:b:messages"}, keys)

		all, err := kv.Keys("")
		require.NoError(t, err)
		assert.Len(t, all, 4)

		none, err := kv.Keys("zzz")
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestKV_ValueIsCopied(t *testing.T) {
	forEachBackend(t, func(t *testing.T, kv KV) {
		in := []byte("abc")
		require.NoError(t, kv.Set("k", in))
		in[0] = 'X'

		out, err := kv.Get("k")
		require.NoError(t, err)
		assert.Equal(t, "abc", string(out))

		out[1] = 'Y'
		again, err := kv.Get("k")
		require.NoError(t, err)
		assert.Equal(t, "abc", string(again))
	})
}

func TestKV_EmptyKeyRejected(t *testing.T) {
	forEachBackend(t, func(t *testing.T, kv KV) {
		assert.ErrorIs(t, kv.Set("", []byte("x")), ErrEmptyKey)
		_, err := kv.Get("")
		assert.ErrorIs(t, err, ErrEmptyKey)
	})
}

func TestKV_ConcurrentWriters(t *testing.T) {
	forEachBackend(t, func(t *testing.T, kv KV) {
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				assert.NoError(t, kv.Set(fmt.Sprintf("k%02d", i), []byte{byte(i)}))
			}(i)
		}
		wg.Wait()

		keys, err := kv.Keys("k")
		require.NoError(t, err)
		assert.Len(t, keys, 16)
	})
}

// =============================================================================
// BACKEND SPECIFIC
// =============================================================================

func TestSQLiteKV_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.db")

	kv, err := NewSQLiteKV(path)
	require.NoError(t, err)
	require.NoError(t, kv.Set("sessions", []byte(`[]`)))
	require.NoError(t, kv.Close())

	kv, err = NewSQLiteKV(path)
	require.NoError(t, err)
	defer kv.Close()
	got, err := kv.Get("sessions")
	require.NoError(t, err)
	assert.Equal(t, `[]`, string(got))
}

func TestFileKV_EscapesKeys(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "kv")
	kv, err := NewFileKV(dir)
	require.NoError(t, err)

	require.NoError(t, kv.Set("a/b:c d", []byte("v")))
	keys, err := kv.Keys("")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/b:c d"}, keys)

	matches, err := filepath.Glob(filepath.Join(dir, "*"+fileExt))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, dir, filepath.Dir(matches[0]), "escaped key must not create subdirectories")
}

func TestMemoryKV_Closed(t *testing.T) {
	kv := NewMemoryKV()
	require.NoError(t, kv.Close())
	assert.ErrorIs(t, kv.Set("a", nil), ErrClosed)
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()

	kv, err := Open(Options{Backend: BackendMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemoryKV{}, kv)

	kv, err = Open(Options{Backend: BackendFile, DataDir: dir})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "kv"), kv.(*FileKV).Dir())

	kv, err = Open(Options{DataDir: dir})
	require.NoError(t, err)
	defer kv.Close()
	assert.Equal(t, filepath.Join(dir, "wellsync.db"), kv.(*SQLiteKV).Path())

	_, err = Open(Options{Backend: "redis"})
	assert.Error(t, err)
}
