// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotFound is returned by Get when the key is absent.
	ErrNotFound = errors.New("key not found")

	// ErrEmptyKey is returned for operations on "".
	ErrEmptyKey = errors.New("empty key")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store is closed")
)

// =============================================================================
// KV INTERFACE
// =============================================================================

// KV is a synchronous key-value store. A Set replaces the whole value, so a
// reader sees either the old or the new value, never part of one.
type KV interface {
	// Get returns a copy of the value stored under key, or ErrNotFound.
	Get(key string) ([]byte, error)

	// Set stores value under key, replacing any previous value.
	Set(key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error

	// Keys returns every key starting with prefix, sorted.
	Keys(prefix string) ([]string, error)

	// Close releases the store.
	Close() error
}

// =============================================================================
// OPEN
// =============================================================================

// Backend names a KV implementation.
type Backend string

const (
	BackendSQLite Backend = "sqlite"
	BackendFile   Backend = "file"
	BackendMemory Backend = "memory"
)

// ValidBackends lists the accepted backend names.
var ValidBackends = []Backend{BackendSQLite, BackendFile, BackendMemory}

// Options selects and locates a backend.
type Options struct {
	Backend Backend
	// Path is the database file for sqlite and the directory for file.
	// When empty, DataDir is used with a default name.
	Path    string
	DataDir string
}

// Open creates the KV selected by opts.
func Open(opts Options) (KV, error) {
	switch Backend(strings.ToLower(string(opts.Backend))) {
	case BackendMemory:
		return NewMemoryKV(), nil
	case BackendFile:
		path := opts.Path
		if path == "" {
			path = filepath.Join(opts.DataDir, "kv")
		}
		return NewFileKV(path)
	case BackendSQLite, "":
		path := opts.Path
		if path == "" {
			path = filepath.Join(opts.DataDir, "wellsync.db")
		}
		return NewSQLiteKV(path)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}

func checkKey(key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	return nil
}
