// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides the synchronous local key-value store used by
// the queue and the session store.
//
// Values are opaque byte blobs. There is no transaction across keys, so
// callers that read-modify-write must hold their own lock around the
// sequence.
//
// # Key Types
//
//   - KV: Get / Set / Delete / Keys over string keys
//   - MemoryKV: process-local map, used in tests and with --storage=memory
//   - SQLiteKV: single table in a pure Go SQLite database (WAL mode)
//   - FileKV: one file per key, written with an atomic rename
//
// # Usage
//
//	kv, err := storage.Open(storage.Options{Backend: storage.BackendSQLite, Path: dbPath})
//	defer kv.Close()
//
//	err = kv.Set("sessions", data)
//	data, err := kv.Get("sessions") // storage.ErrNotFound when absent
package storage
