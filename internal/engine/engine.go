// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"github.com/jeranaias/wellsync/internal/api"
	"github.com/jeranaias/wellsync/internal/logging"
	"github.com/jeranaias/wellsync/internal/mutation"
	"github.com/jeranaias/wellsync/internal/notify"
	"github.com/jeranaias/wellsync/internal/offline"
	"github.com/jeranaias/wellsync/internal/queue"
	"github.com/jeranaias/wellsync/internal/realtime"
	"github.com/jeranaias/wellsync/internal/security"
	"github.com/jeranaias/wellsync/internal/session"
	"github.com/jeranaias/wellsync/internal/storage"
	"github.com/jeranaias/wellsync/internal/syncerr"
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// Backend is the HTTP collaborator. *api.Client implements it.
type Backend interface {
	ListHabits(ctx context.Context) ([]api.Habit, error)
	CreateHabit(ctx context.Context, in api.NewHabit) (api.Habit, error)
	UpdateHabit(ctx context.Context, id api.ID, patch api.HabitPatch) (api.Habit, error)
	DeleteHabit(ctx context.Context, id api.ID) error
	ArchiveHabit(ctx context.Context, id api.ID) (api.Habit, error)
	CompleteHabit(ctx context.Context, id api.ID) (api.Completion, error)
	ListJournals(ctx context.Context) ([]api.Journal, error)
	CreateJournal(ctx context.Context, in api.NewJournal) (api.Journal, error)
	SendMessage(ctx context.Context, req api.ChatRequest) (api.ChatReply, error)
	DeleteChatSession(ctx context.Context, id string) error
}

var _ Backend = (*api.Client)(nil)

// Events are optional hooks for a front end. They run on engine
// goroutines and must not block.
type Events struct {
	// Message fires for every message appended to the active session.
	Message func(session.Message)
	// Typing fires when the assistant starts or stops typing.
	Typing func(bool)
	// Channel fires on every real-time state change.
	Channel func(realtime.State)
	// Session fires when the active session changes.
	Session func(session.ChatSession)
}

// =============================================================================
// OPTIONS
// =============================================================================

// Defaults.
const (
	DefaultDrainMinInterval = 2 * time.Second
	DefaultPersonality      = "mitra"
)

// Options wires an Engine. Backend, Dialer and KV are required.
type Options struct {
	Backend Backend
	Dialer  realtime.Dialer
	KV      storage.KV

	// Monitor defaults to an online monitor.
	Monitor *offline.Monitor
	// Holder defaults to an empty holder.
	Holder *security.Holder
	// Token supplies the bearer credential for the real-time channel.
	Token func() string

	Notifier notify.Notifier
	Logger   *log.Logger
	Events   Events

	// Realtime tunes the connection manager. Dialer, Token, Logger and
	// Handlers are set by the engine.
	Realtime realtime.Options
	// Mutation is the retry policy of mutations and chat sends.
	Mutation mutation.Policy
	// Sleep replaces the wait between retries (tests).
	Sleep mutation.SleepFunc

	KDFIterations    int
	DrainMinInterval time.Duration
	TitleWidth       int
	Personality      string

	// Probe and ProbeInterval enable periodic connectivity checks.
	Probe         offline.Probe
	ProbeInterval time.Duration

	Now func() time.Time
}

// =============================================================================
// ENGINE
// =============================================================================

// Engine wires the sync components together and exposes the operations a
// front end calls. Safe for concurrent use.
type Engine struct {
	backend  Backend
	monitor  *offline.Monitor
	holder   *security.Holder
	sealer   *security.Sealer
	queue    *queue.Queue
	sessions *session.Store
	rt       *realtime.Manager
	ctl      *mutation.Controller
	notifier notify.Notifier
	logger   *log.Logger
	events   Events
	now      func() time.Time

	habits   mutation.Resource[api.Habit]
	journals mutation.Resource[api.Journal]

	probe         offline.Probe
	probeInterval time.Duration

	limiter *rate.Limiter
	drainCh chan struct{}
	drainMu sync.Mutex

	mu          sync.Mutex
	personality string
	started     bool
	closed      bool
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	unsubscribe func()
}

// New builds an engine. Nothing touches the network until Start.
func New(opts Options) (*Engine, error) {
	if opts.Backend == nil {
		return nil, errors.New("engine: backend is required")
	}
	if opts.Dialer == nil {
		return nil, errors.New("engine: dialer is required")
	}
	if opts.KV == nil {
		return nil, errors.New("engine: kv store is required")
	}
	if opts.Monitor == nil {
		opts.Monitor = offline.NewMonitor(true)
	}
	if opts.Holder == nil {
		opts.Holder = security.NewHolder()
	}
	if opts.KDFIterations <= 0 {
		opts.KDFIterations = security.DefaultIterations
	}
	if opts.DrainMinInterval == 0 {
		opts.DrainMinInterval = DefaultDrainMinInterval
	}
	if opts.Personality == "" {
		opts.Personality = DefaultPersonality
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Mutation.Attempts == 0 && opts.Mutation.BaseDelay == 0 {
		opts.Mutation = mutation.DefaultPolicy()
	}

	logger := logging.OrDiscard(opts.Logger)
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		backend:       opts.Backend,
		monitor:       opts.Monitor,
		holder:        opts.Holder,
		sealer:        security.NewSealer(opts.Holder, opts.KDFIterations),
		notifier:      notify.OrDiscard(opts.Notifier),
		logger:        logger.WithPrefix("engine"),
		events:        opts.Events,
		now:           opts.Now,
		probe:         opts.Probe,
		probeInterval: opts.ProbeInterval,
		drainCh:       make(chan struct{}, 1),
		personality:   opts.Personality,
		ctx:           ctx,
		cancel:        cancel,
	}
	if opts.DrainMinInterval > 0 {
		e.limiter = rate.NewLimiter(rate.Every(opts.DrainMinInterval), 1)
	} else {
		e.limiter = rate.NewLimiter(rate.Inf, 1)
	}

	var err error
	e.queue, err = queue.New(queue.Options{
		Store:  opts.KV,
		Holder: opts.Holder,
		Sealer: e.sealer,
		Online: opts.Monitor,
		Logger: logger,
		Now:    opts.Now,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	e.queue.Handle(queue.KindHabitCreate, e.replayHabit)
	e.queue.Handle(queue.KindJournalCreate, e.replayJournal)

	e.sessions, err = session.Open(session.Options{
		KV:         opts.KV,
		Remote:     remoteSessions{e},
		Logger:     logger,
		Now:        opts.Now,
		TitleWidth: opts.TitleWidth,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	rtOpts := opts.Realtime
	rtOpts.Dialer = opts.Dialer
	rtOpts.Token = opts.Token
	rtOpts.Logger = logger
	rtOpts.Handlers = realtime.Handlers{
		OnState:   e.onChannelState,
		OnMessage: e.onChannelMessage,
		OnTyping:  e.onChannelTyping,
		OnStatus:  e.onChannelStatus,
		OnError:   e.onChannelError,
	}
	e.rt, err = realtime.NewManager(rtOpts)
	if err != nil {
		cancel()
		return nil, err
	}

	e.ctl = mutation.NewController(mutation.Options{
		Online:   opts.Monitor,
		Ledger:   e.sessions,
		Notifier: e.notifier,
		Logger:   logger,
		Policy:   opts.Mutation,
		Sleep:    opts.Sleep,
	})

	e.habits = mutation.Resource[api.Habit]{
		Name:  entityHabit,
		Items: mutation.NewCollection(api.HabitID),
		Fetch: e.fetchHabits,
	}
	e.journals = mutation.Resource[api.Journal]{
		Name:  entityJournal,
		Items: mutation.NewCollection(api.JournalID),
		Fetch: e.fetchJournals,
	}

	e.sessions.OnActiveChange(e.onActiveSession)
	e.unsubscribe = e.monitor.Subscribe(e.onConnectivity)
	return e, nil
}

// Start begins background work: the drain worker, optional connectivity
// probing, the real-time channel for the active session, and an initial
// refresh when online.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errors.New("engine: closed")
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	e.wg.Add(1)
	go e.drainLoop()

	if e.probe != nil && e.probeInterval > 0 {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.monitor.Watch(e.ctx, e.probe, e.probeInterval)
		}()
	}

	if e.monitor.IsOnline() {
		e.rt.SwitchSession(e.sessions.ActiveID())
		if err := e.RefreshHabits(ctx); err != nil {
			e.logger.Warn("initial habit refresh failed", "err", err)
		}
		if err := e.RefreshJournals(ctx); err != nil {
			e.logger.Warn("initial journal refresh failed", "err", err)
		}
		e.RequestDrain()
	}
	return nil
}

// Close stops background work and the real-time channel. The KV store
// stays open; it belongs to the caller.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.unsubscribe()
	e.cancel()
	err := e.rt.Close()
	e.wg.Wait()
	e.sealer.Forget()
	return err
}

func (e *Engine) isStarted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started && !e.closed
}

// =============================================================================
// PASSPHRASE & CONNECTIVITY
// =============================================================================

// SetPassphrase stores the queue passphrase for this session. A blank
// passphrase clears it. Pending items become drainable, so a drain is
// requested when online.
func (e *Engine) SetPassphrase(passphrase string) {
	e.holder.Set(passphrase)
	if !e.holder.Has() {
		e.sealer.Forget()
		return
	}
	if e.monitor.IsOnline() {
		e.RequestDrain()
	}
}

// ClearPassphrase forgets the passphrase and every derived key.
func (e *Engine) ClearPassphrase() {
	e.holder.Clear()
	e.sealer.Forget()
}

// HasPassphrase reports whether offline saving is possible.
func (e *Engine) HasPassphrase() bool { return e.holder.Has() }

// SetOnline records observed connectivity.
func (e *Engine) SetOnline(online bool) { e.monitor.SetOnline(online) }

// SetForcedOffline pins the engine offline regardless of connectivity.
func (e *Engine) SetForcedOffline(forced bool) { e.monitor.SetForcedOffline(forced) }

// IsOnline reports the effective connectivity.
func (e *Engine) IsOnline() bool { return e.monitor.IsOnline() }

func (e *Engine) onConnectivity(online bool) {
	e.logger.Info("connectivity changed", "online", online)
	if !e.isStarted() {
		if online {
			e.RequestDrain()
		}
		return
	}
	if online {
		e.notifier.Notify(notify.Channel("Back online"))
		e.rt.SwitchSession(e.sessions.ActiveID())
		e.RequestDrain()
		return
	}
	e.notifier.Notify(notify.Channel("You are offline; new habits and journal entries will be saved locally"))
	e.rt.Disconnect()
}

// =============================================================================
// STATE
// =============================================================================

// Status is a snapshot for display.
type Status struct {
	Online        bool
	ForcedOffline bool
	HasPassphrase bool
	Queued        int
	Channel       realtime.State
	RemoteTyping  bool
	Session       session.ChatSession
	Personality   string
}

// State returns a status snapshot.
func (e *Engine) State() Status {
	return Status{
		Online:        e.monitor.IsOnline(),
		ForcedOffline: e.monitor.IsForcedOffline(),
		HasPassphrase: e.holder.Has(),
		Queued:        e.queue.Total(),
		Channel:       e.rt.State(),
		RemoteTyping:  e.rt.RemoteTyping(),
		Session:       e.sessions.Active(),
		Personality:   e.Personality(),
	}
}

// QueueLen returns the number of pending offline creates. Without a
// passphrase the blobs cannot be read and the count is 0.
func (e *Engine) QueueLen() int { return e.queue.Total() }

// QueueLenOf returns the pending count of one kind.
func (e *Engine) QueueLenOf(kind queue.Kind) int { return e.queue.Len(kind) }

// QueueStored reports whether an encrypted blob exists for kind, readable
// or not.
func (e *Engine) QueueStored(kind queue.Kind) bool { return e.queue.Stored(kind) }

// Habits returns the local habit list.
func (e *Engine) Habits() []api.Habit { return e.habits.Items.Items() }

// Journals returns the local journal list.
func (e *Engine) Journals() []api.Journal { return e.journals.Items.Items() }

// Sessions returns every chat session, newest first.
func (e *Engine) Sessions() []session.ChatSession { return e.sessions.Sessions() }

// Messages returns the active session's messages.
func (e *Engine) Messages() []session.Message { return e.sessions.Messages() }

// MessagesFor returns the stored messages of session id.
func (e *Engine) MessagesFor(id string) ([]session.Message, error) { return e.sessions.MessagesFor(id) }

// Audit returns the audit log, oldest first.
func (e *Engine) Audit() ([]session.AuditLogEntry, error) { return e.sessions.Audit() }

// LastUndo returns the pending undo, if any.
func (e *Engine) LastUndo() (session.UndoableAction, bool) { return e.sessions.LastUndo() }

// =============================================================================
// HELPERS
// =============================================================================

// remoteSessions skips the server while offline so session deletion stays
// instant.
type remoteSessions struct{ e *Engine }

func (r remoteSessions) DeleteChatSession(ctx context.Context, id string) error {
	if !r.e.monitor.IsOnline() {
		return syncerr.ErrOffline
	}
	return r.e.backend.DeleteChatSession(ctx, id)
}

func (e *Engine) audit(action string, payload any) {
	if err := e.sessions.AppendAudit(action, payload); err != nil {
		e.logger.Warn("audit append failed", "action", action, "err", err)
	}
}

func (e *Engine) emitMessage(m session.Message) {
	if e.events.Message != nil {
		e.events.Message(m)
	}
}
