// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jeranaias/wellsync/internal/api"
	"github.com/jeranaias/wellsync/internal/mutation"
	"github.com/jeranaias/wellsync/internal/session"
	"github.com/jeranaias/wellsync/internal/syncerr"
)

// ErrNothingToUndo is returned by Undo when no reversible change is held.
var ErrNothingToUndo = errors.New("nothing to undo")

// Undo reverses the most recent habit change by issuing its inverse:
// a create is deleted, an update or archive restores the previous fields,
// and a delete re-creates the habit (under a new server id). The inverse
// runs as an ordinary mutation and does not itself become undoable.
func (e *Engine) Undo(ctx context.Context) (mutation.Outcome, error) {
	action, ok := e.sessions.LastUndo()
	if !ok {
		return mutation.OutcomeNone, ErrNothingToUndo
	}
	if action.Entity != entityHabit {
		return mutation.OutcomeNone, fmt.Errorf("undo of %s %s is not supported", action.Entity, action.Kind)
	}

	var (
		outcome mutation.Outcome
		err     error
	)
	switch action.Kind {
	case session.ActionCreate:
		outcome, err = e.DeleteHabit(ctx, api.ID(action.SubjectID))

	case session.ActionUpdate, session.ActionArchive:
		var prev api.Habit
		if err := decodeUndo(action.Previous, &prev); err != nil {
			return mutation.OutcomeNone, err
		}
		_, outcome, err = e.UpdateHabit(ctx, api.ID(action.SubjectID), api.PatchFrom(prev))

	case session.ActionDelete:
		var prev api.Habit
		if err := decodeUndo(action.Previous, &prev); err != nil {
			return mutation.OutcomeNone, err
		}
		_, outcome, err = e.CreateHabit(ctx, api.NewHabit{
			Title:       prev.Title,
			Frequency:   prev.Frequency,
			Description: prev.Description,
		})

	default:
		return mutation.OutcomeNone, fmt.Errorf("undo of %s is not supported", action.Kind)
	}
	if err != nil {
		return outcome, err
	}

	// The inverse recorded its own undo entry; undo is one level deep.
	e.clearUndo()
	e.audit("undo", map[string]string{
		"entity": action.Entity,
		"kind":   string(action.Kind),
		"id":     action.SubjectID,
	})
	return outcome, nil
}

func decodeUndo(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return syncerr.Invalid("undo", "no previous state recorded")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decoding undo state: %w", err)
	}
	return nil
}
