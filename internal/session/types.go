// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"encoding/json"
	"time"
)

// =============================================================================
// CHAT
// =============================================================================

// Sender identifies who wrote a message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
	SenderSystem    Sender = "system"
)

// MessageStatus tracks delivery of a user message.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// DefaultTitle names a session until its first user message.
const DefaultTitle = "New conversation"

// ChatSession describes one conversation.
type ChatSession struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is one entry of a session's sequence.
type Message struct {
	ID        string          `json:"id"`
	Sender    Sender          `json:"sender"`
	Text      string          `json:"text"`
	Timestamp time.Time       `json:"timestamp"`
	Emotion   string          `json:"emotion,omitempty"`
	CardType  string          `json:"card_type,omitempty"`
	CardData  json.RawMessage `json:"card_data,omitempty"`
	Status    MessageStatus   `json:"status,omitempty"`
}

// =============================================================================
// UNDO & AUDIT
// =============================================================================

// ActionKind is the kind of a reversible mutation.
type ActionKind string

const (
	ActionCreate  ActionKind = "create"
	ActionUpdate  ActionKind = "update"
	ActionDelete  ActionKind = "delete"
	ActionArchive ActionKind = "archive"
)

// UndoableAction is the most recent mutation. Previous is the entity
// before the change and Next the entity after it, both as JSON.
type UndoableAction struct {
	Kind      ActionKind      `json:"kind"`
	Entity    string          `json:"entity"`
	SubjectID string          `json:"subject_id,omitempty"`
	Previous  json.RawMessage `json:"previous,omitempty"`
	Next      json.RawMessage `json:"next,omitempty"`
	At        time.Time       `json:"at"`
}

// AuditLogEntry is one line of the audit log. Entries are never rewritten.
type AuditLogEntry struct {
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}
