// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session is the local store of chat sessions, the undo slot and
// the audit log.
//
// # Key Types
//
//   - Store: sessions, the active message sequence, undo and audit
//   - ChatSession / Message: a conversation and its messages
//   - UndoableAction: the single most recent reversible mutation
//   - AuditLogEntry: append-only record of every mutation outcome
//
// # Persistence
//
// Everything lives in a storage.KV as JSON:
//
//	sessions                 descriptor list
//	session:<id>:messages    message sequence of one session
//	session:active           id of the active session
//	undo:last                the undo slot
//	audit                    audit log
//
// There is no transaction across keys. The Store holds its lock across
// every read-modify-write.
package session
