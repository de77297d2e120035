// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package queue implements the encrypted durable queue of pending creates.
//
// Each kind of action (habit create, journal create) is kept as one sealed
// blob in the local key-value store. Every change decrypts the blob,
// mutates the list and writes it back with a single Set while holding the
// queue lock, so readers never see a partial list and an enqueue can never
// be lost to an interleaved drain.
//
// # Invariants
//
//   - An action is in the queue until its replay is acknowledged, then it is
//     removed exactly once.
//   - Replay runs in enqueue order.
//   - Without a held passphrase nothing is enqueued and nothing is drained.
//   - A blob that does not open under the held passphrase reads as empty.
//     Actions recorded under a forgotten passphrase are unrecoverable.
package queue
