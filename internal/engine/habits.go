// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/wellsync/internal/api"
	"github.com/jeranaias/wellsync/internal/mutation"
	"github.com/jeranaias/wellsync/internal/queue"
	"github.com/jeranaias/wellsync/internal/session"
	"github.com/jeranaias/wellsync/internal/syncerr"
)

const (
	entityHabit   = "habit"
	entityJournal = "journal"

	// actionComplete is audited but never undone.
	actionComplete session.ActionKind = "complete"
)

// =============================================================================
// HABITS
// =============================================================================

// CreateHabit adds a habit. Online it appears at once under a provisional
// id and is swapped for the server's copy when the call succeeds. Offline
// it is queued first and then shown, which needs a passphrase.
func (e *Engine) CreateHabit(ctx context.Context, in api.NewHabit) (api.Habit, mutation.Outcome, error) {
	if err := in.Validate(); err != nil {
		return api.Habit{}, mutation.OutcomeNone, err
	}

	provisional := api.Habit{
		ID:          api.ID(api.LocalPrefix + uuid.NewString()),
		Title:       in.Title,
		Frequency:   in.Frequency,
		Description: in.Description,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	result := provisional

	outcome, err := mutation.Run(ctx, e.ctl, e.habits, mutation.Mutation[api.Habit]{
		Kind:     session.ActionCreate,
		Describe: "Habit created",
		Apply: func(c *mutation.Collection[api.Habit]) error {
			c.Insert(provisional)
			return nil
		},
		Remote: func(ctx context.Context) (api.Habit, error) {
			return e.backend.CreateHabit(ctx, in)
		},
		Reconcile: func(c *mutation.Collection[api.Habit], h api.Habit) {
			c.Swap(string(provisional.ID), h)
			result = h
		},
		Offline: func() error {
			action, err := e.queue.Enqueue(queue.KindHabitCreate, in)
			if err != nil {
				return err
			}
			provisional.ID = api.ID(api.LocalPrefix + action.ID)
			result = provisional
			return nil
		},
	})
	if err != nil || outcome == mutation.OutcomeRefreshed {
		return api.Habit{}, outcome, err
	}
	return result, outcome, nil
}

// UpdateHabit applies patch to habit id. Updates need the network.
func (e *Engine) UpdateHabit(ctx context.Context, id api.ID, patch api.HabitPatch) (api.Habit, mutation.Outcome, error) {
	if patch.IsEmpty() {
		return api.Habit{}, mutation.OutcomeNone, syncerr.Invalid("patch", "nothing to update")
	}
	prev, err := e.existingHabit(id)
	if err != nil {
		return api.Habit{}, mutation.OutcomeNone, err
	}
	return e.runHabitEdit(ctx, session.ActionUpdate, prev, "Habit updated",
		func(h api.Habit) api.Habit { return patch.ApplyTo(h) },
		func(ctx context.Context) (api.Habit, error) { return e.backend.UpdateHabit(ctx, id, patch) })
}

// ArchiveHabit marks habit id archived.
func (e *Engine) ArchiveHabit(ctx context.Context, id api.ID) (api.Habit, mutation.Outcome, error) {
	prev, err := e.existingHabit(id)
	if err != nil {
		return api.Habit{}, mutation.OutcomeNone, err
	}
	return e.runHabitEdit(ctx, session.ActionArchive, prev, "Habit archived",
		func(h api.Habit) api.Habit { h.Archived = true; return h },
		func(ctx context.Context) (api.Habit, error) { return e.backend.ArchiveHabit(ctx, id) })
}

// CompleteHabit records today's completion. The server owns streak
// arithmetic, so the local copy only bumps the streak optimistically and
// takes the server's number on success. Completions cannot be undone.
func (e *Engine) CompleteHabit(ctx context.Context, id api.ID) (api.Completion, mutation.Outcome, error) {
	prev, err := e.existingHabit(id)
	if err != nil {
		return api.Completion{}, mutation.OutcomeNone, err
	}
	var done api.Completion
	outcome, err := mutation.Run(ctx, e.ctl, e.habits, mutation.Mutation[api.Habit]{
		Kind:      actionComplete,
		SubjectID: string(id),
		Describe:  "Habit completed",
		SkipUndo:  true,
		Apply: func(c *mutation.Collection[api.Habit]) error {
			c.Update(string(id), func(h api.Habit) api.Habit {
				h.Streak++
				h.LastCompletedAt = e.now().UTC().Format(time.RFC3339)
				return h
			})
			return nil
		},
		Remote: func(ctx context.Context) (api.Habit, error) {
			c, err := e.backend.CompleteHabit(ctx, id)
			if err != nil {
				return api.Habit{}, err
			}
			done = c
			h, ok := e.habits.Items.Get(string(id))
			if !ok {
				h = prev
			}
			if c.Streak > 0 {
				h.Streak = c.Streak
			}
			return h, nil
		},
	})
	if err == nil && outcome == mutation.OutcomeSaved {
		// The previous undo would now reverse a state that no longer holds.
		e.clearUndo()
		e.logger.Debug("habit completed", "id", id, "streak", done.Streak, "before", prev.Streak)
	}
	return done, outcome, err
}

// DeleteHabit removes habit id.
func (e *Engine) DeleteHabit(ctx context.Context, id api.ID) (mutation.Outcome, error) {
	prev, err := e.existingHabit(id)
	if err != nil {
		return mutation.OutcomeNone, err
	}
	return mutation.Run(ctx, e.ctl, e.habits, mutation.Mutation[api.Habit]{
		Kind:      session.ActionDelete,
		SubjectID: string(id),
		Previous:  &prev,
		Describe:  "Habit deleted",
		Apply: func(c *mutation.Collection[api.Habit]) error {
			if _, ok := c.Remove(string(id)); !ok {
				return fmt.Errorf("habit %s: %w", id, syncerr.ErrNotFound)
			}
			return nil
		},
		Remote: func(ctx context.Context) (api.Habit, error) {
			return api.Habit{}, e.backend.DeleteHabit(ctx, id)
		},
	})
}

func (e *Engine) runHabitEdit(ctx context.Context, kind session.ActionKind, prev api.Habit, describe string,
	local func(api.Habit) api.Habit, remote func(context.Context) (api.Habit, error)) (api.Habit, mutation.Outcome, error) {

	id := string(prev.ID)
	var result api.Habit
	outcome, err := mutation.Run(ctx, e.ctl, e.habits, mutation.Mutation[api.Habit]{
		Kind:      kind,
		SubjectID: id,
		Previous:  &prev,
		Describe:  describe,
		Apply: func(c *mutation.Collection[api.Habit]) error {
			if _, ok := c.Update(id, local); !ok {
				return fmt.Errorf("habit %s: %w", id, syncerr.ErrNotFound)
			}
			return nil
		},
		Remote: remote,
		Reconcile: func(c *mutation.Collection[api.Habit], h api.Habit) {
			if h.ID == "" {
				h.ID = prev.ID
			}
			c.Upsert(h)
			result = h
		},
	})
	return result, outcome, err
}

// existingHabit returns the local copy of id. Provisional habits exist
// only on this device and cannot be edited until they sync.
func (e *Engine) existingHabit(id api.ID) (api.Habit, error) {
	if id == "" {
		return api.Habit{}, syncerr.Invalid("id", "habit id is required")
	}
	if id.IsLocal() {
		return api.Habit{}, syncerr.Invalid("id", "habit %s has not synced yet", id)
	}
	h, ok := e.habits.Items.Get(string(id))
	if !ok {
		return api.Habit{}, fmt.Errorf("habit %s: %w", id, syncerr.ErrNotFound)
	}
	return h, nil
}

// RefreshHabits reloads habits from the server, keeping provisional items
// still waiting in the queue.
func (e *Engine) RefreshHabits(ctx context.Context) error {
	if !e.monitor.IsOnline() {
		return syncerr.ErrOffline
	}
	items, err := e.fetchHabits(ctx)
	if err != nil {
		return err
	}
	keep := e.pendingLocal(queue.KindHabitCreate)
	for _, h := range e.habits.Items.Items() {
		if keep(h.ID) {
			items = append(items, h)
		}
	}
	e.habits.Items.Replace(items)
	return nil
}

func (e *Engine) fetchHabits(ctx context.Context) ([]api.Habit, error) {
	return e.backend.ListHabits(ctx)
}

func (e *Engine) replayHabit(ctx context.Context, payload json.RawMessage) error {
	var in api.NewHabit
	if err := json.Unmarshal(payload, &in); err != nil {
		e.logger.Error("dropping malformed queued habit", "err", err)
		return nil
	}
	if err := in.Validate(); err != nil {
		e.logger.Error("dropping invalid queued habit", "err", err)
		return nil
	}
	h, err := e.backend.CreateHabit(ctx, in)
	if rejected(err) {
		e.logger.Error("server rejected queued habit, dropping", "title", in.Title, "err", err)
		return nil
	}
	if err != nil {
		return err
	}
	e.audit("habit.create.replayed", map[string]string{"id": string(h.ID)})
	return nil
}

// =============================================================================
// JOURNALS
// =============================================================================

// CreateJournal adds a journal entry, queueing it when offline. Journal
// entries have no server-side delete, so creation is not undoable.
func (e *Engine) CreateJournal(ctx context.Context, in api.NewJournal) (api.Journal, mutation.Outcome, error) {
	if err := in.Validate(); err != nil {
		return api.Journal{}, mutation.OutcomeNone, err
	}

	provisional := api.Journal{
		ID:        api.ID(api.LocalPrefix + uuid.NewString()),
		Content:   in.Content,
		Mood:      in.Mood,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	result := provisional

	outcome, err := mutation.Run(ctx, e.ctl, e.journals, mutation.Mutation[api.Journal]{
		Kind:     session.ActionCreate,
		Describe: "Journal entry saved",
		SkipUndo: true,
		Apply: func(c *mutation.Collection[api.Journal]) error {
			c.Insert(provisional)
			return nil
		},
		Remote: func(ctx context.Context) (api.Journal, error) {
			return e.backend.CreateJournal(ctx, in)
		},
		Reconcile: func(c *mutation.Collection[api.Journal], j api.Journal) {
			c.Swap(string(provisional.ID), j)
			result = j
		},
		Offline: func() error {
			action, err := e.queue.Enqueue(queue.KindJournalCreate, in)
			if err != nil {
				return err
			}
			provisional.ID = api.ID(api.LocalPrefix + action.ID)
			result = provisional
			return nil
		},
	})
	switch {
	case err != nil || outcome == mutation.OutcomeRefreshed:
		return api.Journal{}, outcome, err
	case outcome == mutation.OutcomeSaved:
		e.clearUndo()
	}
	return result, outcome, nil
}

// RefreshJournals reloads journal entries from the server, keeping
// provisional entries still waiting in the queue.
func (e *Engine) RefreshJournals(ctx context.Context) error {
	if !e.monitor.IsOnline() {
		return syncerr.ErrOffline
	}
	items, err := e.fetchJournals(ctx)
	if err != nil {
		return err
	}
	keep := e.pendingLocal(queue.KindJournalCreate)
	for _, j := range e.journals.Items.Items() {
		if keep(j.ID) {
			items = append(items, j)
		}
	}
	e.journals.Items.Replace(items)
	return nil
}

func (e *Engine) fetchJournals(ctx context.Context) ([]api.Journal, error) {
	return e.backend.ListJournals(ctx)
}

func (e *Engine) replayJournal(ctx context.Context, payload json.RawMessage) error {
	var in api.NewJournal
	if err := json.Unmarshal(payload, &in); err != nil {
		e.logger.Error("dropping malformed queued journal entry", "err", err)
		return nil
	}
	if err := in.Validate(); err != nil {
		e.logger.Error("dropping invalid queued journal entry", "err", err)
		return nil
	}
	j, err := e.backend.CreateJournal(ctx, in)
	if rejected(err) {
		e.logger.Error("server rejected queued journal entry, dropping", "err", err)
		return nil
	}
	if err != nil {
		return err
	}
	e.audit("journal.create.replayed", map[string]string{"id": string(j.ID)})
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// pendingLocal returns a predicate matching provisional ids whose queued
// create has not been replayed. Without a passphrase the queue cannot be
// read, so every provisional item is kept.
func (e *Engine) pendingLocal(kind queue.Kind) func(api.ID) bool {
	pending, err := e.queue.Pending(kind)
	if err != nil {
		return func(id api.ID) bool { return id.IsLocal() }
	}
	ids := make(map[api.ID]bool, len(pending))
	for _, a := range pending {
		ids[api.ID(api.LocalPrefix+a.ID)] = true
	}
	return func(id api.ID) bool { return ids[id] }
}

// rejected reports whether the server refused a payload outright, so
// replaying it again cannot succeed.
func rejected(err error) bool {
	if err == nil {
		return false
	}
	var verr *syncerr.ValidationError
	if errors.As(err, &verr) {
		return true
	}
	switch syncerr.StatusOf(err) {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

func (e *Engine) clearUndo() {
	if err := e.sessions.ClearUndo(); err != nil {
		e.logger.Warn("clearing undo failed", "err", err)
	}
}
