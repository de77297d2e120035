// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package mutation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/jeranaias/wellsync/internal/logging"
	"github.com/jeranaias/wellsync/internal/notify"
	"github.com/jeranaias/wellsync/internal/session"
	"github.com/jeranaias/wellsync/internal/syncerr"
)

// =============================================================================
// TYPES
// =============================================================================

// Outcome says how a mutation ended when it did not fail.
type Outcome int

const (
	OutcomeNone Outcome = iota
	// OutcomeSaved means the server accepted the change.
	OutcomeSaved
	// OutcomeQueued means the change waits in the offline queue.
	OutcomeQueued
	// OutcomeRefreshed means a conflict discarded the change and the
	// collection was reloaded from the server.
	OutcomeRefreshed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSaved:
		return "saved"
	case OutcomeQueued:
		return "queued"
	case OutcomeRefreshed:
		return "refreshed"
	default:
		return "none"
	}
}

// Resource is a local collection plus the call that reloads it.
type Resource[T any] struct {
	// Name is the entity name used in undo records and audit actions.
	Name  string
	Items *Collection[T]
	// Fetch returns the authoritative list. Used after a conflict.
	Fetch func(ctx context.Context) ([]T, error)
}

// Mutation describes one optimistic change.
type Mutation[T any] struct {
	Kind session.ActionKind

	// SubjectID is the id of the affected item. Empty for creates.
	SubjectID string

	// Apply makes the local change. An error aborts before any network
	// call and leaves the collection untouched.
	Apply func(c *Collection[T]) error

	// Remote performs the server call. Deletes return the zero T.
	Remote func(ctx context.Context) (T, error)

	// Reconcile folds the server's answer into the collection. Nil means
	// Upsert for non-deletes.
	Reconcile func(c *Collection[T], result T)

	// Offline stores the change for later replay. When nil the mutation
	// fails with syncerr.ErrOffline while offline.
	Offline func() error

	// Previous is the item before the change, kept for undo.
	Previous *T

	// Describe is the human label used in notices, e.g. "Habit created".
	Describe string

	// SkipUndo leaves the undo slot alone for changes with no inverse.
	SkipUndo bool
}

// Connectivity reports whether the network is usable.
type Connectivity interface {
	IsOnline() bool
}

// Ledger records undo and audit information.
type Ledger interface {
	RecordUndo(session.UndoableAction) error
	AppendAudit(action string, payload any) error
}

// =============================================================================
// CONTROLLER
// =============================================================================

// Options configures a Controller.
type Options struct {
	Online   Connectivity
	Ledger   Ledger
	Notifier notify.Notifier
	Logger   *log.Logger
	Policy   Policy
	Sleep    SleepFunc

	// IsConflict decides which failures trigger a resync instead of a
	// retry. Defaults to syncerr.IsConflict.
	IsConflict func(error) bool

	Now func() time.Time
}

// Controller holds what every mutation shares.
type Controller struct {
	online     Connectivity
	ledger     Ledger
	notifier   notify.Notifier
	logger     *log.Logger
	policy     Policy
	sleep      SleepFunc
	isConflict func(error) bool
	now        func() time.Time
}

// NewController builds a Controller. A nil Online counts as always online.
func NewController(opts Options) *Controller {
	c := &Controller{
		online:     opts.Online,
		ledger:     opts.Ledger,
		notifier:   notify.OrDiscard(opts.Notifier),
		logger:     logging.OrDiscard(opts.Logger).WithPrefix("mutation"),
		policy:     opts.Policy,
		sleep:      opts.Sleep,
		isConflict: opts.IsConflict,
		now:        opts.Now,
	}
	if c.policy.Attempts == 0 && c.policy.BaseDelay == 0 {
		c.policy = DefaultPolicy()
	}
	if c.sleep == nil {
		c.sleep = Sleep
	}
	if c.isConflict == nil {
		c.isConflict = syncerr.IsConflict
	}
	if c.now == nil {
		c.now = time.Now
	}
	retryable := c.policy.Retryable
	if retryable == nil {
		retryable = syncerr.Retryable
	}
	isConflict := c.isConflict
	c.policy.Retryable = func(err error) bool {
		return !isConflict(err) && retryable(err)
	}
	return c
}

// Policy returns the retry policy mutations run under.
func (c *Controller) Policy() Policy { return c.policy }

// Sleeper returns the wait function mutations use between attempts.
func (c *Controller) Sleeper() SleepFunc { return c.sleep }

func (c *Controller) isOnline() bool {
	return c.online == nil || c.online.IsOnline()
}

// =============================================================================
// RUN
// =============================================================================

// ErrIncomplete is returned when a Mutation lacks Apply or Remote.
var ErrIncomplete = errors.New("mutation needs both Apply and Remote")

// Run executes m against res.
//
// Offline: a mutation with an Offline func is stored first and only then
// applied locally, so a refused store leaves no trace. Other mutations fail
// with syncerr.ErrOffline. No retries run offline.
//
// Online: the change is applied, then Remote runs under the controller's
// retry policy. A conflict reverts this mutation's local change, refetches
// once and returns OutcomeRefreshed with a nil error. Any other failure
// reverts the local change and returns the error. Changes other mutations
// made to the collection in the meantime are kept.
func Run[T any](ctx context.Context, c *Controller, res Resource[T], m Mutation[T]) (Outcome, error) {
	if m.Apply == nil || m.Remote == nil {
		return OutcomeNone, ErrIncomplete
	}
	logger := c.logger.With("entity", res.Name, "kind", m.Kind)

	if !c.isOnline() {
		return runOffline(c, logger, res, m)
	}

	before := res.Items.Snapshot()
	applyErr := m.Apply(res.Items)
	after := res.Items.Snapshot()
	if applyErr != nil {
		res.Items.Revert(before, after)
		return OutcomeNone, applyErr
	}

	result, err := Retry(ctx, c.policy, c.sleep, m.Remote)
	if err != nil {
		// Only this mutation's own change is undone; others made during
		// the retries stay.
		res.Items.Revert(before, after)

		if c.isConflict(err) {
			logger.Info("conflict, reloading", "subject", m.SubjectID, "err", err)
			refetch(ctx, logger, res)
			c.audit(logger, res.Name, m.Kind, "conflict", m.SubjectID)
			c.notifier.Notify(notify.Refreshed())
			return OutcomeRefreshed, nil
		}

		logger.Warn("mutation failed", "subject", m.SubjectID, "err", err)
		if syncerr.Classify(err) != syncerr.ClassCanceled {
			c.notifier.Notify(notify.Failed(failLabel(m), err))
		}
		return OutcomeNone, err
	}

	if m.Reconcile != nil {
		m.Reconcile(res.Items, result)
	} else if m.Kind != session.ActionDelete {
		res.Items.Upsert(result)
	}

	subject := m.SubjectID
	if m.Kind != session.ActionDelete {
		if id := res.Items.ID(result); id != "" {
			subject = id
		}
	}
	record(c, logger, res, m, subject, result)
	c.audit(logger, res.Name, m.Kind, "", subject)
	c.notifier.Notify(notify.Saved(savedLabel(res.Name, m)))
	return OutcomeSaved, nil
}

func runOffline[T any](c *Controller, logger *log.Logger, res Resource[T], m Mutation[T]) (Outcome, error) {
	if m.Offline == nil {
		return OutcomeNone, syncerr.ErrOffline
	}
	if err := m.Offline(); err != nil {
		logger.Warn("offline save refused", "err", err)
		c.notifier.Notify(notify.Failed(failLabel(m), err))
		return OutcomeNone, err
	}

	before := res.Items.Snapshot()
	if err := m.Apply(res.Items); err != nil {
		// The change is already queued; the next drain and refresh will
		// bring the item back.
		res.Items.Revert(before, res.Items.Snapshot())
		logger.Warn("queued but local apply failed", "err", err)
	}
	c.audit(logger, res.Name, m.Kind, "queued", m.SubjectID)
	c.notifier.Notify(notify.Queued())
	return OutcomeQueued, nil
}

// refetch reloads res exactly once. A failed reload keeps the reverted
// collection.
func refetch[T any](ctx context.Context, logger *log.Logger, res Resource[T]) {
	if res.Fetch == nil {
		return
	}
	items, err := res.Fetch(ctx)
	if err != nil {
		logger.Warn("reload after conflict failed", "err", err)
		return
	}
	res.Items.Replace(items)
}

func record[T any](c *Controller, logger *log.Logger, res Resource[T], m Mutation[T], subject string, result T) {
	if c.ledger == nil || m.SkipUndo {
		return
	}
	action := session.UndoableAction{
		Kind:      m.Kind,
		Entity:    res.Name,
		SubjectID: subject,
		At:        c.now(),
	}
	if m.Previous != nil {
		action.Previous = marshal(logger, *m.Previous)
	}
	if m.Kind != session.ActionDelete {
		action.Next = marshal(logger, result)
	}
	if err := c.ledger.RecordUndo(action); err != nil {
		logger.Warn("recording undo failed", "err", err)
	}
}

func (c *Controller) audit(logger *log.Logger, entity string, kind session.ActionKind, suffix, subject string) {
	if c.ledger == nil {
		return
	}
	action := fmt.Sprintf("%s.%s", entity, kind)
	if suffix != "" {
		action += "." + suffix
	}
	payload := map[string]string{}
	if subject != "" {
		payload["id"] = subject
	}
	if err := c.ledger.AppendAudit(action, payload); err != nil {
		logger.Warn("audit append failed", "action", action, "err", err)
	}
}

func marshal(logger *log.Logger, v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Warn("encoding undo state failed", "err", err)
		return nil
	}
	return data
}

func savedLabel[T any](entity string, m Mutation[T]) string {
	if m.Describe != "" {
		return m.Describe
	}
	return fmt.Sprintf("%s %s saved", entity, m.Kind)
}

func failLabel[T any](m Mutation[T]) string {
	if m.Describe != "" {
		return "Could not complete: " + m.Describe
	}
	return fmt.Sprintf("Could not %s", m.Kind)
}
