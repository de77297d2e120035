// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"io"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jeranaias/wellsync/internal/api"
	"github.com/jeranaias/wellsync/internal/notify"
	"github.com/jeranaias/wellsync/internal/offline"
	"github.com/jeranaias/wellsync/internal/realtime"
	"github.com/jeranaias/wellsync/internal/security"
	"github.com/jeranaias/wellsync/internal/storage"
	"github.com/jeranaias/wellsync/internal/syncerr"
)

// fakeBackend is an in-memory server. Errors set on it are returned by
// the matching call until cleared.
type fakeBackend struct {
	mu       sync.Mutex
	nextID   int
	habits   []api.Habit
	journals []api.Journal
	calls    map[string]int
	chatReqs []api.ChatRequest

	createErr error
	updateErr error
	chatErr   error
	reply     string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{calls: map[string]int{}, reply: "How are you feeling today?"}
}

func (b *fakeBackend) count(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[name]
}

func (b *fakeBackend) seed(h api.Habit) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.habits = append(b.habits, h)
}

func (b *fakeBackend) id() api.ID {
	b.nextID++
	return api.ID(strconv.Itoa(b.nextID))
}

func (b *fakeBackend) ListHabits(ctx context.Context) ([]api.Habit, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["ListHabits"]++
	return append([]api.Habit(nil), b.habits...), nil
}

func (b *fakeBackend) CreateHabit(ctx context.Context, in api.NewHabit) (api.Habit, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["CreateHabit"]++
	if b.createErr != nil {
		return api.Habit{}, b.createErr
	}
	h := api.Habit{ID: b.id(), Title: in.Title, Frequency: in.Frequency, Description: in.Description}
	b.habits = append(b.habits, h)
	return h, nil
}

func (b *fakeBackend) UpdateHabit(ctx context.Context, id api.ID, patch api.HabitPatch) (api.Habit, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["UpdateHabit"]++
	if b.updateErr != nil {
		return api.Habit{}, b.updateErr
	}
	for i := range b.habits {
		if b.habits[i].ID == id {
			b.habits[i] = patch.ApplyTo(b.habits[i])
			return b.habits[i], nil
		}
	}
	return api.Habit{}, &syncerr.StatusError{Status: 404, Message: "Habit not found"}
}

func (b *fakeBackend) DeleteHabit(ctx context.Context, id api.ID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["DeleteHabit"]++
	for i := range b.habits {
		if b.habits[i].ID == id {
			b.habits = append(b.habits[:i], b.habits[i+1:]...)
			return nil
		}
	}
	return &syncerr.StatusError{Status: 404, Message: "Habit not found"}
}

func (b *fakeBackend) ArchiveHabit(ctx context.Context, id api.ID) (api.Habit, error) {
	archived := true
	return b.UpdateHabit(ctx, id, api.HabitPatch{Archived: &archived})
}

func (b *fakeBackend) CompleteHabit(ctx context.Context, id api.ID) (api.Completion, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["CompleteHabit"]++
	for i := range b.habits {
		if b.habits[i].ID == id {
			b.habits[i].Streak++
			return api.Completion{Message: "Habit completed", Streak: b.habits[i].Streak}, nil
		}
	}
	return api.Completion{}, &syncerr.StatusError{Status: 404, Message: "Habit not found"}
}

func (b *fakeBackend) ListJournals(ctx context.Context) ([]api.Journal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["ListJournals"]++
	return append([]api.Journal(nil), b.journals...), nil
}

func (b *fakeBackend) CreateJournal(ctx context.Context, in api.NewJournal) (api.Journal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["CreateJournal"]++
	j := api.Journal{ID: b.id(), Content: in.Content, Mood: in.Mood}
	b.journals = append(b.journals, j)
	return j, nil
}

func (b *fakeBackend) SendMessage(ctx context.Context, req api.ChatRequest) (api.ChatReply, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["SendMessage"]++
	b.chatReqs = append(b.chatReqs, req)
	if b.chatErr != nil {
		return api.ChatReply{}, b.chatErr
	}
	return api.ChatReply{Response: b.reply, DetectedEmotion: "neutral"}, nil
}

func (b *fakeBackend) DeleteChatSession(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["DeleteChatSession"]++
	return nil
}

// idleConn never receives anything until closed.
type idleConn struct {
	mu   sync.Mutex
	sent []realtime.Outbound
	gone chan struct{}
	once sync.Once
}

func (c *idleConn) Receive() (realtime.Inbound, error) {
	<-c.gone
	return realtime.Inbound{}, io.EOF
}

func (c *idleConn) Send(f realtime.Outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, f)
	return nil
}

func (c *idleConn) Close() error {
	c.once.Do(func() { close(c.gone) })
	return nil
}

// harness bundles an engine with its fakes.
type harness struct {
	eng      *Engine
	backend  *fakeBackend
	monitor  *offline.Monitor
	holder   *security.Holder
	kv       *storage.MemoryKV
	notices  *notify.Recorder
	clock    *realtime.ManualClock
	dials    int
	dialsMu  sync.Mutex
	sleeps   []time.Duration
	sleepsMu sync.Mutex
}

func (h *harness) dialCount() int {
	h.dialsMu.Lock()
	defer h.dialsMu.Unlock()
	return h.dials
}

func (h *harness) sleepDurations() []time.Duration {
	h.sleepsMu.Lock()
	defer h.sleepsMu.Unlock()
	return append([]time.Duration(nil), h.sleeps...)
}

func newHarness(t *testing.T, online bool, tweak ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		backend: newFakeBackend(),
		monitor: offline.NewMonitor(online),
		holder:  security.NewHolder(),
		kv:      storage.NewMemoryKV(),
		notices: &notify.Recorder{},
		clock:   realtime.NewManualClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)),
	}
	opts := Options{
		Backend: h.backend,
		Dialer: realtime.DialerFunc(func(ctx context.Context, sessionID, token string) (realtime.Conn, error) {
			h.dialsMu.Lock()
			h.dials++
			h.dialsMu.Unlock()
			return &idleConn{gone: make(chan struct{})}, nil
		}),
		KV:       h.kv,
		Monitor:  h.monitor,
		Holder:   h.holder,
		Token:    func() string { return "token" },
		Notifier: h.notices,
		Realtime: realtime.Options{Clock: h.clock, KeepaliveInterval: -1},
		Sleep: func(ctx context.Context, d time.Duration) error {
			h.sleepsMu.Lock()
			h.sleeps = append(h.sleeps, d)
			h.sleepsMu.Unlock()
			return ctx.Err()
		},
		KDFIterations:    1000,
		DrainMinInterval: -1,
		Now:              h.clock.Now,
	}
	for _, fn := range tweak {
		fn(&opts)
	}
	eng, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	h.eng = eng
	return h
}
