// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/jeranaias/wellsync/internal/logging"
	"github.com/jeranaias/wellsync/internal/security"
	"github.com/jeranaias/wellsync/internal/storage"
	"github.com/jeranaias/wellsync/internal/syncerr"
)

// =============================================================================
// TYPES
// =============================================================================

// Kind names the create operation an action replays through.
type Kind string

const (
	KindHabitCreate   Kind = "habit_create"
	KindJournalCreate Kind = "journal_create"
)

// DrainOrder is the order DrainAll visits kinds in.
var DrainOrder = []Kind{KindHabitCreate, KindJournalCreate}

// Key returns the store key holding the blob for k.
func (k Kind) Key() string { return "queue:" + string(k) }

// PendingAction is one queued create. It is never modified once enqueued.
type PendingAction struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// ReplayFunc sends one payload to the network collaborator. A nil return
// acknowledges the action.
type ReplayFunc func(ctx context.Context, payload json.RawMessage) error

// Connectivity reports whether the network is reachable.
type Connectivity interface {
	IsOnline() bool
}

// DrainResult summarizes one Drain call.
type DrainResult struct {
	Kind      Kind
	Replayed  int
	Remaining int
	// Skipped is set when the drain did nothing; Reason says why.
	Skipped bool
	Reason  string
	// Failures holds the replay error of each kept action.
	Failures []error
}

var (
	// ErrNoHandler is returned by Drain when no ReplayFunc is registered.
	ErrNoHandler = errors.New("no replay handler registered")

	// ErrUnreadable means a blob exists but does not open under the held
	// passphrase, or does not decode.
	ErrUnreadable = errors.New("queue blob is unreadable")

	// ErrWriteBackAborted is returned by Drain when the passphrase changed
	// during replay and the list could not be rewritten safely. The stored
	// blob is left untouched, so acknowledged actions replay again later.
	ErrWriteBackAborted = errors.New("drain write-back aborted")
)

// =============================================================================
// QUEUE
// =============================================================================

// Options wires a Queue.
type Options struct {
	Store  storage.KV
	Holder *security.Holder
	Sealer *security.Sealer
	Online Connectivity
	Logger *log.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Queue is the encrypted durable queue. Safe for concurrent use.
type Queue struct {
	kv     storage.KV
	holder *security.Holder
	sealer *security.Sealer
	online Connectivity
	logger *log.Logger
	now    func() time.Time

	// mu guards every decrypt-mutate-encrypt-write sequence.
	mu sync.Mutex

	// drainMu serializes drains per kind.
	drainMuLock sync.Mutex
	drainMu     map[Kind]*sync.Mutex

	handlersMu sync.RWMutex
	handlers   map[Kind]ReplayFunc
}

// New builds a queue. Store, Holder and Online are required; Sealer
// defaults to one over Holder with the default iteration count.
func New(opts Options) (*Queue, error) {
	if opts.Store == nil {
		return nil, errors.New("queue: store is required")
	}
	if opts.Holder == nil {
		return nil, errors.New("queue: secret holder is required")
	}
	if opts.Online == nil {
		return nil, errors.New("queue: connectivity source is required")
	}
	if opts.Sealer == nil {
		opts.Sealer = security.NewSealer(opts.Holder, security.DefaultIterations)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{
		kv:       opts.Store,
		holder:   opts.Holder,
		sealer:   opts.Sealer,
		online:   opts.Online,
		logger:   logging.OrDiscard(opts.Logger).WithPrefix("queue"),
		now:      opts.Now,
		drainMu:  make(map[Kind]*sync.Mutex),
		handlers: make(map[Kind]ReplayFunc),
	}, nil
}

// Handle registers the replay function for kind, replacing any previous one.
func (q *Queue) Handle(kind Kind, fn ReplayFunc) {
	q.handlersMu.Lock()
	defer q.handlersMu.Unlock()
	q.handlers[kind] = fn
}

func (q *Queue) handler(kind Kind) ReplayFunc {
	q.handlersMu.RLock()
	defer q.handlersMu.RUnlock()
	return q.handlers[kind]
}

// =============================================================================
// ENQUEUE
// =============================================================================

// Enqueue appends payload to the list for kind. It fails with
// syncerr.ErrPassphraseMissing, leaving the queue untouched, when no
// passphrase is held.
func (q *Queue) Enqueue(kind Kind, payload any) (PendingAction, error) {
	if kind == "" {
		return PendingAction{}, syncerr.Invalid("kind", "is required")
	}
	raw, err := toRaw(payload)
	if err != nil {
		return PendingAction{}, err
	}
	if !q.holder.Has() {
		return PendingAction{}, syncerr.ErrPassphraseMissing
	}

	action := PendingAction{
		ID:         uuid.NewString(),
		Kind:       kind,
		Payload:    raw,
		EnqueuedAt: q.now().UTC(),
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	list := q.load(kind)
	list = append(list, action)
	if err := q.save(kind, list); err != nil {
		return PendingAction{}, err
	}

	q.logger.Debug("enqueued", "kind", kind, "id", action.ID, "pending", len(list))
	return action, nil
}

func toRaw(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, syncerr.Invalid("payload", "is not valid JSON")
		}
		return append(json.RawMessage(nil), p...), nil
	case []byte:
		return toRaw(json.RawMessage(p))
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, syncerr.Invalid("payload", "cannot be encoded: %v", err)
		}
		return data, nil
	}
}

// =============================================================================
// DRAIN
// =============================================================================

// Drain replays the pending actions of kind in enqueue order. It does
// nothing unless online with a passphrase held. Acknowledged actions are
// removed; failed ones stay for the next drain.
//
// Replay runs without the queue lock. The write-back re-reads the list and
// removes only acknowledged IDs, so actions enqueued meanwhile are kept.
func (q *Queue) Drain(ctx context.Context, kind Kind) (DrainResult, error) {
	res := DrainResult{Kind: kind}

	if !q.online.IsOnline() {
		res.Skipped, res.Reason = true, "offline"
		return res, nil
	}
	if !q.holder.Has() {
		res.Skipped, res.Reason = true, "no passphrase"
		return res, nil
	}
	replay := q.handler(kind)
	if replay == nil {
		return res, fmt.Errorf("%w for %s", ErrNoHandler, kind)
	}

	dm := q.drainLock(kind)
	dm.Lock()
	defer dm.Unlock()

	q.mu.Lock()
	version := q.holder.Version()
	snapshot, err := q.read(kind)
	q.mu.Unlock()

	if err != nil {
		q.logger.Warn("queue does not open, not draining", "kind", kind, "err", err)
		res.Skipped, res.Reason = true, "unreadable"
		return res, nil
	}
	if len(snapshot) == 0 {
		res.Skipped, res.Reason = true, "empty"
		return res, nil
	}

	acked := make(map[string]bool, len(snapshot))
	for _, action := range snapshot {
		if err := ctx.Err(); err != nil {
			res.Failures = append(res.Failures, err)
			break
		}
		if err := replay(ctx, action.Payload); err != nil {
			q.logger.Warn("replay failed, keeping action", "kind", kind, "id", action.ID, "err", err)
			res.Failures = append(res.Failures, err)
			continue
		}
		acked[action.ID] = true
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	res.Replayed = len(acked)
	if v := q.holder.Version(); v != version && !q.holder.Has() {
		q.logger.Warn("passphrase cleared during drain, keeping queue as is", "kind", kind, "replayed", res.Replayed)
		return res, fmt.Errorf("%w: queue %s left unchanged", ErrWriteBackAborted, kind)
	}
	current, err := q.read(kind)
	if err != nil {
		// Rewriting would drop every action this passphrase cannot see.
		q.logger.Warn("queue no longer opens, keeping it as is", "kind", kind, "replayed", res.Replayed, "err", err)
		return res, fmt.Errorf("%w: %w", ErrWriteBackAborted, err)
	}
	remaining := make([]PendingAction, 0, len(current))
	for _, action := range current {
		if !acked[action.ID] {
			remaining = append(remaining, action)
		}
	}
	if err := q.save(kind, remaining); err != nil {
		// The acknowledged actions will replay again on the next drain.
		return res, err
	}

	res.Remaining = len(remaining)
	q.logger.Info("drained", "kind", kind, "replayed", res.Replayed, "remaining", res.Remaining)
	return res, nil
}

// DrainAll drains every kind in DrainOrder. Kinds without a handler are
// skipped.
func (q *Queue) DrainAll(ctx context.Context) ([]DrainResult, error) {
	var results []DrainResult
	var errs []error
	for _, kind := range DrainOrder {
		if q.handler(kind) == nil {
			continue
		}
		res, err := q.Drain(ctx, kind)
		results = append(results, res)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return results, errors.Join(errs...)
}

func (q *Queue) drainLock(kind Kind) *sync.Mutex {
	q.drainMuLock.Lock()
	defer q.drainMuLock.Unlock()
	m, ok := q.drainMu[kind]
	if !ok {
		m = &sync.Mutex{}
		q.drainMu[kind] = m
	}
	return m
}

// =============================================================================
// INSPECTION
// =============================================================================

// Pending returns the queued actions of kind in order.
func (q *Queue) Pending(kind Kind) ([]PendingAction, error) {
	if !q.holder.Has() {
		return nil, syncerr.ErrPassphraseMissing
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load(kind), nil
}

// Len returns the number of readable queued actions of kind. It is 0
// without a passphrase.
func (q *Queue) Len(kind Kind) int {
	list, err := q.Pending(kind)
	if err != nil {
		return 0
	}
	return len(list)
}

// Total sums Len over DrainOrder.
func (q *Queue) Total() int {
	n := 0
	for _, kind := range DrainOrder {
		n += q.Len(kind)
	}
	return n
}

// Stored reports whether a blob exists for kind, readable or not.
func (q *Queue) Stored(kind Kind) bool {
	_, err := q.kv.Get(kind.Key())
	return err == nil
}

// =============================================================================
// PERSISTENCE
// =============================================================================

// load returns the decrypted list for kind, reading absent, unreadable
// and undecryptable blobs as empty. Caller holds q.mu.
func (q *Queue) load(kind Kind) []PendingAction {
	list, err := q.read(kind)
	if err != nil {
		q.logger.Warn("queue blob does not open under the held passphrase, treating as empty",
			"kind", kind, "err", err)
		return nil
	}
	return list
}

// read returns the decrypted list for kind. An absent blob is an empty
// list; a blob that does not open or decode is ErrUnreadable. Caller holds
// q.mu.
func (q *Queue) read(kind Kind) ([]PendingAction, error) {
	blob, err := q.kv.Get(kind.Key())
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read queue %s: %w", kind, err)
	}

	plain, err := q.sealer.Open(string(blob))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreadable, err)
	}
	defer security.ZeroBytes(plain)

	var list []PendingAction
	if err := json.Unmarshal(plain, &list); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreadable, err)
	}
	return list, nil
}

// save replaces the blob for kind, or removes the key when list is empty.
// Caller holds q.mu.
func (q *Queue) save(kind Kind, list []PendingAction) error {
	if len(list) == 0 {
		if err := q.kv.Delete(kind.Key()); err != nil {
			return fmt.Errorf("failed to clear queue %s: %w", kind, err)
		}
		return nil
	}

	plain, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("failed to encode queue %s: %w", kind, err)
	}
	sealed, err := q.sealer.Seal(plain)
	security.ZeroBytes(plain)
	if errors.Is(err, security.ErrNoPassphrase) {
		return syncerr.ErrPassphraseMissing
	}
	if err != nil {
		return fmt.Errorf("failed to seal queue %s: %w", kind, err)
	}
	if err := q.kv.Set(kind.Key(), []byte(sealed)); err != nil {
		return fmt.Errorf("failed to write queue %s: %w", kind, err)
	}
	return nil
}
