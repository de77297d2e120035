// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jeranaias/wellsync/internal/util"
)

// ID is an entity identifier. The backend issues integer ids while locally
// created items carry a "local-" prefixed string until the server answers,
// so ID accepts both JSON numbers and strings.
type ID string

// LocalPrefix marks provisional ids assigned before the server confirms.
const LocalPrefix = "local-"

// IsLocal reports whether the id is provisional.
func (id ID) IsLocal() bool { return strings.HasPrefix(string(id), LocalPrefix) }

func (id ID) String() string { return string(id) }

// UnmarshalJSON accepts 42, "42" and null.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// Habit is a recurring activity tracked by the user.
type Habit struct {
	ID              ID     `json:"id"`
	Title           string `json:"title"`
	Frequency       string `json:"frequency,omitempty"`
	Description     string `json:"description,omitempty"`
	Archived        bool   `json:"archived,omitempty"`
	Streak          int    `json:"streak_count,omitempty"`
	LastCompletedAt string `json:"last_completed,omitempty"`
	CreatedAt       string `json:"created_at,omitempty"`
	UpdatedAt       string `json:"updated_at,omitempty"`
}

// HabitID returns the habit's id; used as a collection key func.
func HabitID(h Habit) string { return string(h.ID) }

// NewHabit is the create payload for POST /habits. It is also what the
// offline queue stores for habit creates.
type NewHabit struct {
	Title       string `json:"title"`
	Frequency   string `json:"frequency,omitempty"`
	Description string `json:"description,omitempty"`
}

// Validate checks the fields the backend requires.
func (n NewHabit) Validate() error {
	if util.IsBlank(n.Title) {
		return errTitleRequired
	}
	return nil
}

// HabitPatch carries the fields of a partial habit update. Nil fields are
// left unchanged by the server.
type HabitPatch struct {
	Title       *string `json:"title,omitempty"`
	Frequency   *string `json:"frequency,omitempty"`
	Description *string `json:"description,omitempty"`
	Archived    *bool   `json:"archived,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p HabitPatch) IsEmpty() bool {
	return p.Title == nil && p.Frequency == nil && p.Description == nil && p.Archived == nil
}

// ApplyTo returns h with the patch fields applied.
func (p HabitPatch) ApplyTo(h Habit) Habit {
	if p.Title != nil {
		h.Title = *p.Title
	}
	if p.Frequency != nil {
		h.Frequency = *p.Frequency
	}
	if p.Description != nil {
		h.Description = *p.Description
	}
	if p.Archived != nil {
		h.Archived = *p.Archived
	}
	return h
}

// PatchFrom builds a patch that sets every editable field to h's values.
func PatchFrom(h Habit) HabitPatch {
	title, freq, desc, archived := h.Title, h.Frequency, h.Description, h.Archived
	return HabitPatch{Title: &title, Frequency: &freq, Description: &desc, Archived: &archived}
}

// Completion is the reply to POST /habits/{id}/complete.
type Completion struct {
	Message string `json:"message"`
	Streak  int    `json:"streak,omitempty"`
}

// Journal is a free-text entry with an optional mood score.
type Journal struct {
	ID        ID     `json:"id"`
	Content   string `json:"content"`
	Mood      int    `json:"mood,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

// JournalID returns the journal's id; used as a collection key func.
func JournalID(j Journal) string { return string(j.ID) }

// NewJournal is the create payload for POST /journals.
type NewJournal struct {
	Content string `json:"content"`
	Mood    int    `json:"mood,omitempty"`
}

// Validate checks the fields the backend requires.
func (n NewJournal) Validate() error {
	if util.IsBlank(n.Content) {
		return errContentRequired
	}
	return nil
}

// ChatRequest is the body of POST /chat/.
type ChatRequest struct {
	Message     string `json:"message"`
	Personality string `json:"personality,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	MessageID   string `json:"message_id,omitempty"`
}

// ChatReply is the assistant's answer to a chat message.
type ChatReply struct {
	Response        string          `json:"response"`
	DetectedEmotion string          `json:"detected_emotion,omitempty"`
	CardType        string          `json:"card_type,omitempty"`
	CardData        json.RawMessage `json:"card_data,omitempty"`
}

// errorBody is the FastAPI style error payload.
type errorBody struct {
	Detail json.RawMessage `json:"detail"`
}

// message extracts a readable detail. FastAPI validation errors carry a
// list of objects instead of a string.
func (e errorBody) message() string {
	if len(e.Detail) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Detail, &s); err == nil {
		return s
	}
	var items []struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(e.Detail, &items); err == nil {
		parts := make([]string, 0, len(items))
		for _, it := range items {
			if it.Msg != "" {
				parts = append(parts, it.Msg)
			}
		}
		return strings.Join(parts, "; ")
	}
	return string(e.Detail)
}
