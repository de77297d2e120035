// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package realtime

import (
	"encoding/json"
	"errors"
	"time"
)

// Frame types.
const (
	// Inbound
	TypeMessage               = "message"
	TypeTypingIndicator       = "typing_indicator"
	TypeMessageStatus         = "message_status"
	TypeKeepalive             = "keepalive"
	TypePong                  = "pong"
	TypeConnectionEstablished = "connection_established"

	// Outbound
	TypeUserMessage = "user_message"
	TypePing        = "ping"
)

// MessageTypeError marks a message frame that carries a failure.
const MessageTypeError = "error"

// ErrMalformedFrame is returned by Conn.Receive for a frame that could not
// be decoded. The connection stays usable.
var ErrMalformedFrame = errors.New("malformed frame")

// Inbound is a frame received from the server. Only the fields relevant
// to Type are set.
type Inbound struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`

	// message
	MessageID   string          `json:"message_id,omitempty"`
	MessageType string          `json:"message_type,omitempty"`
	Sender      string          `json:"sender,omitempty"`
	Content     string          `json:"content,omitempty"`
	Message     string          `json:"message,omitempty"`
	Emotion     string          `json:"detected_emotion,omitempty"`
	CardType    string          `json:"card_type,omitempty"`
	CardData    json.RawMessage `json:"card_data,omitempty"`

	// typing_indicator; servers send either spelling
	Typing   *bool `json:"typing,omitempty"`
	IsTyping *bool `json:"is_typing,omitempty"`

	// message_status
	Status string `json:"status,omitempty"`
}

// Text returns the message body, whichever field carried it.
func (f Inbound) Text() string {
	if f.Content != "" {
		return f.Content
	}
	return f.Message
}

// TypingFlag returns the typing state of a typing_indicator frame.
func (f Inbound) TypingFlag() bool {
	switch {
	case f.Typing != nil:
		return *f.Typing
	case f.IsTyping != nil:
		return *f.IsTyping
	default:
		return false
	}
}

// IsError reports whether a message frame carries a failure.
func (f Inbound) IsError() bool {
	return f.Type == TypeMessage && f.MessageType == MessageTypeError
}

// Outbound is a frame sent to the server.
type Outbound struct {
	Type        string    `json:"type"`
	SessionID   string    `json:"session_id,omitempty"`
	MessageID   string    `json:"message_id,omitempty"`
	Content     string    `json:"content,omitempty"`
	Personality string    `json:"personality,omitempty"`
	Typing      *bool     `json:"typing,omitempty"`
	IsTyping    *bool     `json:"is_typing,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// UserMessage builds a user_message frame. messageID lets the server drop
// the duplicate that arrives over HTTP.
func UserMessage(messageID, content, personality string) Outbound {
	return Outbound{
		Type:        TypeUserMessage,
		MessageID:   messageID,
		Content:     content,
		Personality: personality,
		Timestamp:   time.Now().UTC(),
	}
}

// TypingIndicator builds a typing_indicator frame.
func TypingIndicator(typing bool) Outbound {
	return Outbound{
		Type:      TypeTypingIndicator,
		Typing:    &typing,
		IsTyping:  &typing,
		Timestamp: time.Now().UTC(),
	}
}

// Ping builds a keepalive ping.
func Ping() Outbound {
	return Outbound{Type: TypePing, Timestamp: time.Now().UTC()}
}
