// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/wellsync/internal/offline"
	"github.com/jeranaias/wellsync/internal/security"
	"github.com/jeranaias/wellsync/internal/storage"
	"github.com/jeranaias/wellsync/internal/syncerr"
)

// =============================================================================
// HELPERS
// =============================================================================

type fixture struct {
	q      *Queue
	kv     *storage.MemoryKV
	holder *security.Holder
	online *offline.Monitor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	kv := storage.NewMemoryKV()
	holder := security.NewHolder()
	holder.Set("test passphrase")
	mon := offline.NewMonitor(true)

	q, err := New(Options{
		Store:  kv,
		Holder: holder,
		Sealer: security.NewSealer(holder, 1000),
		Online: mon,
	})
	require.NoError(t, err)
	return &fixture{q: q, kv: kv, holder: holder, online: mon}
}

// recorder is a fake collaborator that records the order of replayed titles.
type recorder struct {
	mu     sync.Mutex
	titles []string
	fail   map[string]bool
}

func (r *recorder) replay(_ context.Context, payload json.RawMessage) error {
	var p struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[p.Title] {
		return errors.New("server error")
	}
	r.titles = append(r.titles, p.Title)
	return nil
}

func (r *recorder) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.titles...)
}

func habit(title string) map[string]string {
	return map[string]string{"title": title, "frequency": "daily"}
}

// =============================================================================
// ENQUEUE
// =============================================================================

func TestEnqueue_RequiresPassphrase(t *testing.T) {
	f := newFixture(t)
	f.holder.Clear()

	_, err := f.q.Enqueue(KindHabitCreate, habit("Meditate"))
	require.ErrorIs(t, err, syncerr.ErrPassphraseMissing)

	keys, err := f.kv.Keys("")
	require.NoError(t, err)
	assert.Empty(t, keys, "queue must be unchanged")
}

func TestEnqueue_SealedAtRest(t *testing.T) {
	f := newFixture(t)

	a, err := f.q.Enqueue(KindHabitCreate, habit("Meditate"))
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, KindHabitCreate, a.Kind)
	assert.JSONEq(t, `{"title":"Meditate","frequency":"daily"}`, string(a.Payload))

	blob, err := f.kv.Get("queue:habit_create")
	require.NoError(t, err)
	assert.True(t, security.IsSealed(string(blob)))
	assert.NotContains(t, string(blob), "Meditate")
	assert.Equal(t, 1, f.q.Len(KindHabitCreate))
}

func TestEnqueue_RejectsBadPayload(t *testing.T) {
	f := newFixture(t)
	_, err := f.q.Enqueue(KindJournalCreate, json.RawMessage(`{not json`))
	var verr *syncerr.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestEnqueue_KindsAreSeparate(t *testing.T) {
	f := newFixture(t)
	_, err := f.q.Enqueue(KindHabitCreate, habit("a"))
	require.NoError(t, err)
	_, err = f.q.Enqueue(KindJournalCreate, map[string]string{"content": "b"})
	require.NoError(t, err)

	assert.Equal(t, 1, f.q.Len(KindHabitCreate))
	assert.Equal(t, 1, f.q.Len(KindJournalCreate))
	assert.Equal(t, 2, f.q.Total())
}

func TestWrongPassphraseReadsEmpty(t *testing.T) {
	f := newFixture(t)
	_, err := f.q.Enqueue(KindHabitCreate, habit("secret habit"))
	require.NoError(t, err)

	f.holder.Set("a different passphrase")
	assert.Equal(t, 0, f.q.Len(KindHabitCreate))
	assert.True(t, f.q.Stored(KindHabitCreate), "blob is still on disk")

	f.holder.Set("test passphrase")
	assert.Equal(t, 1, f.q.Len(KindHabitCreate))
}

func TestPending_WithoutPassphrase(t *testing.T) {
	f := newFixture(t)
	f.holder.Clear()
	_, err := f.q.Pending(KindHabitCreate)
	assert.ErrorIs(t, err, syncerr.ErrPassphraseMissing)
	assert.Equal(t, 0, f.q.Len(KindHabitCreate))
}

// =============================================================================
// DRAIN
// =============================================================================

func TestDrain_PreservesOrder(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{}
	f.q.Handle(KindHabitCreate, rec.replay)

	var want []string
	for i := 0; i < 10; i++ {
		title := fmt.Sprintf("habit-%d", i)
		want = append(want, title)
		_, err := f.q.Enqueue(KindHabitCreate, habit(title))
		require.NoError(t, err)
	}

	res, err := f.q.Drain(context.Background(), KindHabitCreate)
	require.NoError(t, err)
	assert.Equal(t, 10, res.Replayed)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, want, rec.calls())
}

func TestDrain_AtMostOnce(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{}
	f.q.Handle(KindHabitCreate, rec.replay)

	_, err := f.q.Enqueue(KindHabitCreate, habit("once"))
	require.NoError(t, err)

	_, err = f.q.Drain(context.Background(), KindHabitCreate)
	require.NoError(t, err)
	res, err := f.q.Drain(context.Background(), KindHabitCreate)
	require.NoError(t, err)

	assert.True(t, res.Skipped)
	assert.Equal(t, []string{"once"}, rec.calls())
	assert.False(t, f.q.Stored(KindHabitCreate), "empty remainder removes the key")
}

func TestDrain_KeepsFailures(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{fail: map[string]bool{"b": true}}
	f.q.Handle(KindHabitCreate, rec.replay)

	for _, title := range []string{"a", "b", "c"} {
		_, err := f.q.Enqueue(KindHabitCreate, habit(title))
		require.NoError(t, err)
	}

	res, err := f.q.Drain(context.Background(), KindHabitCreate)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Replayed)
	assert.Equal(t, 1, res.Remaining)
	assert.Len(t, res.Failures, 1)
	assert.Equal(t, []string{"a", "c"}, rec.calls())

	pending, err := f.q.Pending(KindHabitCreate)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Contains(t, string(pending[0].Payload), `"b"`)
}

func TestDrain_PassphraseClearedDuringReplayKeepsQueue(t *testing.T) {
	f := newFixture(t)
	calls := 0
	f.q.Handle(KindHabitCreate, func(context.Context, json.RawMessage) error {
		calls++
		if calls == 1 {
			f.holder.Clear()
		}
		return errors.New("server error")
	})
	for _, title := range []string{"a", "b"} {
		_, err := f.q.Enqueue(KindHabitCreate, habit(title))
		require.NoError(t, err)
	}

	_, err := f.q.Drain(context.Background(), KindHabitCreate)
	assert.ErrorIs(t, err, ErrWriteBackAborted)
	assert.True(t, f.q.Stored(KindHabitCreate), "failed actions must stay on disk")

	f.holder.Set("test passphrase")
	assert.Equal(t, 2, f.q.Len(KindHabitCreate))
}

func TestDrain_PassphraseChangedDuringReplayKeepsQueue(t *testing.T) {
	f := newFixture(t)
	calls := 0
	f.q.Handle(KindHabitCreate, func(_ context.Context, payload json.RawMessage) error {
		calls++
		if calls == 1 {
			f.holder.Set("someone else's passphrase")
			return nil
		}
		return errors.New("server error")
	})
	for _, title := range []string{"a", "b"} {
		_, err := f.q.Enqueue(KindHabitCreate, habit(title))
		require.NoError(t, err)
	}

	res, err := f.q.Drain(context.Background(), KindHabitCreate)
	assert.ErrorIs(t, err, ErrWriteBackAborted)
	assert.ErrorIs(t, err, ErrUnreadable)
	assert.Equal(t, 1, res.Replayed)

	// Nothing is rewritten, so the acknowledged action replays again later
	// rather than the failed one being lost.
	f.holder.Set("test passphrase")
	assert.Equal(t, 2, f.q.Len(KindHabitCreate))
}

func TestDrain_SkipsUnreadableQueue(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{}
	f.q.Handle(KindHabitCreate, rec.replay)
	_, err := f.q.Enqueue(KindHabitCreate, habit("a"))
	require.NoError(t, err)

	f.holder.Set("a different passphrase")
	res, err := f.q.Drain(context.Background(), KindHabitCreate)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, "unreadable", res.Reason)
	assert.Empty(t, rec.calls())
	assert.True(t, f.q.Stored(KindHabitCreate))
}

func TestDrain_NoopWhenOffline(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{}
	f.q.Handle(KindHabitCreate, rec.replay)
	_, err := f.q.Enqueue(KindHabitCreate, habit("a"))
	require.NoError(t, err)

	f.online.SetOnline(false)
	res, err := f.q.Drain(context.Background(), KindHabitCreate)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, "offline", res.Reason)
	assert.Empty(t, rec.calls())
	assert.Equal(t, 1, f.q.Len(KindHabitCreate))
}

func TestDrain_NoopWithoutPassphrase(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{}
	f.q.Handle(KindHabitCreate, rec.replay)
	_, err := f.q.Enqueue(KindHabitCreate, habit("a"))
	require.NoError(t, err)

	f.holder.Clear()
	res, err := f.q.Drain(context.Background(), KindHabitCreate)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, rec.calls())
	assert.True(t, f.q.Stored(KindHabitCreate))
}

func TestDrain_NoHandler(t *testing.T) {
	f := newFixture(t)
	_, err := f.q.Drain(context.Background(), KindJournalCreate)
	assert.ErrorIs(t, err, ErrNoHandler)
}

func TestDrain_KeepsInterleavedEnqueue(t *testing.T) {
	f := newFixture(t)

	var once sync.Once
	f.q.Handle(KindJournalCreate, func(ctx context.Context, payload json.RawMessage) error {
		// An enqueue lands while the drain is replaying.
		once.Do(func() {
			_, err := f.q.Enqueue(KindJournalCreate, map[string]string{"content": "late"})
			require.NoError(t, err)
		})
		return nil
	})

	_, err := f.q.Enqueue(KindJournalCreate, map[string]string{"content": "early"})
	require.NoError(t, err)

	res, err := f.q.Drain(context.Background(), KindJournalCreate)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Replayed)
	assert.Equal(t, 1, res.Remaining)

	pending, err := f.q.Pending(KindJournalCreate)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.JSONEq(t, `{"content":"late"}`, string(pending[0].Payload))
}

func TestDrain_CanceledContextKeepsRest(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	f.q.Handle(KindHabitCreate, func(context.Context, json.RawMessage) error {
		calls++
		cancel()
		return nil
	})
	for _, title := range []string{"a", "b", "c"} {
		_, err := f.q.Enqueue(KindHabitCreate, habit(title))
		require.NoError(t, err)
	}

	res, err := f.q.Drain(ctx, KindHabitCreate)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, res.Replayed)
	assert.Equal(t, 2, res.Remaining)
}

func TestDrainAll_HabitsBeforeJournals(t *testing.T) {
	f := newFixture(t)
	var order []Kind
	var mu sync.Mutex
	for _, kind := range DrainOrder {
		kind := kind
		f.q.Handle(kind, func(context.Context, json.RawMessage) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, kind)
			return nil
		})
	}

	_, err := f.q.Enqueue(KindJournalCreate, map[string]string{"content": "j"})
	require.NoError(t, err)
	_, err = f.q.Enqueue(KindHabitCreate, habit("h"))
	require.NoError(t, err)

	results, err := f.q.DrainAll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, []Kind{KindHabitCreate, KindJournalCreate}, order)
	assert.Equal(t, 0, f.q.Total())
}

func TestConcurrentEnqueueAndDrain(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{}
	f.q.Handle(KindHabitCreate, rec.replay)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.q.Enqueue(KindHabitCreate, habit(fmt.Sprintf("h%d", i)))
			assert.NoError(t, err)
		}(i)
		if i%5 == 0 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.q.Drain(context.Background(), KindHabitCreate)
				assert.NoError(t, err)
			}()
		}
	}
	wg.Wait()

	_, err := f.q.Drain(context.Background(), KindHabitCreate)
	require.NoError(t, err)

	// Every action replayed exactly once, none left behind.
	seen := map[string]int{}
	for _, title := range rec.calls() {
		seen[title]++
	}
	assert.Len(t, seen, n)
	for title, count := range seen {
		assert.Equal(t, 1, count, title)
	}
	assert.Equal(t, 0, f.q.Len(KindHabitCreate))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
