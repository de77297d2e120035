// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/jeranaias/wellsync/internal/logging"
	"github.com/jeranaias/wellsync/internal/syncerr"
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// Conn is one open duplex channel.
type Conn interface {
	// Receive blocks for the next frame. ErrMalformedFrame leaves the
	// connection usable; any other error means it is gone.
	Receive() (Inbound, error)
	Send(Outbound) error
	// Close shuts the channel down cleanly.
	Close() error
}

// Dialer opens a channel for a session, authenticated with token.
type Dialer interface {
	Dial(ctx context.Context, sessionID, token string) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, sessionID, token string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, sessionID, token string) (Conn, error) {
	return f(ctx, sessionID, token)
}

// Handlers receive events. Every callback is optional and runs outside
// the manager lock, so it may call back into the manager.
type Handlers struct {
	OnState   func(State)
	OnMessage func(sessionID string, f Inbound)
	OnTyping  func(sessionID string, typing bool)
	OnStatus  func(sessionID, messageID, status string)
	// OnError receives message frames whose message_type is "error". The
	// connection stays open.
	OnError func(sessionID string, f Inbound)
}

// =============================================================================
// OPTIONS
// =============================================================================

// Defaults.
const (
	DefaultMaxAttempts       = 5
	DefaultBaseDelay         = time.Second
	DefaultMaxDelay          = 30 * time.Second
	DefaultSettleDelay       = 250 * time.Millisecond
	DefaultKeepaliveInterval = 30 * time.Second
	DefaultMaxPending        = 256
	DefaultDialTimeout       = 10 * time.Second
)

// Options configures a Manager. Zero values take the defaults above; a
// negative KeepaliveInterval disables pings.
type Options struct {
	Dialer Dialer
	// Token returns the session credential. An empty token means not
	// authenticated and Connect does nothing.
	Token  func() string
	Clock  Clock
	Logger *log.Logger

	Handlers Handlers

	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	SettleDelay       time.Duration
	KeepaliveInterval time.Duration
	MaxPending        int
	DialTimeout       time.Duration
}

func (o *Options) applyDefaults() {
	if o.Clock == nil {
		o.Clock = SystemClock{}
	}
	if o.Token == nil {
		o.Token = func() string { return "" }
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.SettleDelay <= 0 {
		o.SettleDelay = DefaultSettleDelay
	}
	if o.KeepaliveInterval == 0 {
		o.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if o.MaxPending <= 0 {
		o.MaxPending = DefaultMaxPending
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
}

// =============================================================================
// MANAGER
// =============================================================================

// Manager owns the channel for the active session. Safe for concurrent use.
//
// Every dial, read loop and timer captures the generation it was started
// under. Teardown and each new dial bump the generation, so completions
// from a torn-down connection find a mismatch and do nothing.
type Manager struct {
	opts     Options
	logger   *log.Logger
	handlers Handlers

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       State
	conn        Conn
	gen         uint64
	pending     []Outbound
	retryTimer  Timer
	keepTimer   Timer
	settleTimer Timer
	userClosed  bool
	closed      bool
	typing      bool

	// sendMu serializes writes to the connection. Never acquire mu while
	// holding it.
	sendMu sync.Mutex
}

// ErrNoDialer is returned by NewManager without a Dialer.
var ErrNoDialer = errors.New("realtime: dialer is required")

// NewManager returns a Disconnected manager bound to no session.
func NewManager(opts Options) (*Manager, error) {
	if opts.Dialer == nil {
		return nil, ErrNoDialer
	}
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:     opts,
		logger:   logging.OrDiscard(opts.Logger).WithPrefix("realtime"),
		handlers: opts.Handlers,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// State returns a snapshot.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SessionID returns the bound session.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SessionID
}

// RemoteTyping reports whether the other side is typing.
func (m *Manager) RemoteTyping() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.typing
}

// PendingLen returns the number of buffered outbound frames.
func (m *Manager) PendingLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Connect opens the channel for the bound session. It does nothing when
// already Connected or Connecting, when no session is bound, or when the
// token is empty. A pending reconnect is replaced by an immediate dial
// and the attempt counter restarts.
func (m *Manager) Connect() {
	m.mu.Lock()
	if s := m.state.Status; s != Connected && s != Connecting {
		m.state.ReconnectAttempt = 0
	}
	run := m.connectLocked()
	m.mu.Unlock()
	run()
}

// Disconnect closes the channel cleanly. No reconnect follows.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	conn, notify := m.teardownLocked()
	m.mu.Unlock()

	closeConn(conn)
	notify()
}

// SwitchSession closes the current channel cleanly, drops frames buffered
// for the old session, binds id, and connects after the settle delay.
// Switching to the session that is already live does nothing.
func (m *Manager) SwitchSession(id string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if id == m.state.SessionID && (m.state.Status == Connected || m.state.Status == Connecting) {
		m.mu.Unlock()
		return
	}

	conn, notify := m.teardownLocked()
	m.pending = nil
	m.state.SessionID = id
	if id != "" {
		gen := m.gen
		m.settleTimer = m.opts.Clock.AfterFunc(m.opts.SettleDelay, func() { m.settled(gen) })
	}
	m.mu.Unlock()

	closeConn(conn)
	notify()
}

// Close tears the manager down for good.
func (m *Manager) Close() error {
	m.mu.Lock()
	conn, notify := m.teardownLocked()
	m.closed = true
	m.pending = nil
	m.mu.Unlock()

	m.cancel()
	closeConn(conn)
	notify()
	return nil
}

func (m *Manager) settled(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.closed {
		m.mu.Unlock()
		return
	}
	m.settleTimer = nil
	m.state.ReconnectAttempt = 0
	run := m.connectLocked()
	m.mu.Unlock()
	run()
}

func (m *Manager) retry(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.closed || m.userClosed {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	run := m.connectLocked()
	m.mu.Unlock()
	run()
}

// connectLocked starts a dial and returns the work to run after unlock.
func (m *Manager) connectLocked() func() {
	if m.closed {
		return noop
	}
	if s := m.state.Status; s == Connected || s == Connecting {
		return noop
	}
	if m.state.SessionID == "" {
		m.logger.Debug("connect skipped, no session bound")
		return noop
	}
	token := m.opts.Token()
	if token == "" {
		m.logger.Debug("connect skipped, not authenticated")
		return noop
	}

	stopTimer(&m.retryTimer)
	stopTimer(&m.settleTimer)
	m.userClosed = false
	m.gen++
	gen, sid := m.gen, m.state.SessionID
	notify := m.setStateLocked(Connecting, nil)

	return func() {
		notify()
		go m.dial(gen, sid, token)
	}
}

func (m *Manager) dial(gen uint64, sessionID, token string) {
	ctx, cancel := context.WithTimeout(m.ctx, m.opts.DialTimeout)
	conn, err := m.opts.Dialer.Dial(ctx, sessionID, token)
	cancel()

	m.mu.Lock()
	if gen != m.gen || m.closed {
		m.mu.Unlock()
		closeConn(conn)
		return
	}

	if err != nil {
		cerr := &syncerr.ChannelError{Op: "dial", Err: err}
		m.logger.Warn("connect failed", "session", sessionID, "attempt", m.state.ReconnectAttempt, "err", err)
		notify := m.setStateLocked(Error, cerr)
		next := m.scheduleRetryLocked(gen)
		m.mu.Unlock()
		notify()
		next()
		return
	}

	m.conn = conn
	m.state.ReconnectAttempt = 0
	notify := m.setStateLocked(Connected, nil)
	queued := m.pending
	m.pending = nil
	m.scheduleKeepaliveLocked(gen)
	m.logger.Info("connected", "session", sessionID, "flushing", len(queued))

	// Taken before unlocking so no new Send can overtake the flush.
	m.sendMu.Lock()
	m.mu.Unlock()

	var failed []Outbound
	var sendErr error
	for i, f := range queued {
		if err := conn.Send(f); err != nil {
			failed, sendErr = queued[i:], err
			break
		}
	}
	m.sendMu.Unlock()

	notify()
	go m.readLoop(gen, conn)
	if sendErr != nil {
		m.failSend(gen, conn, failed, sendErr)
	}
}

// teardownLocked resets to a clean Disconnected state and invalidates all
// in-flight work. The caller closes the returned conn after unlock.
func (m *Manager) teardownLocked() (Conn, func()) {
	m.userClosed = true
	m.gen++
	stopTimer(&m.retryTimer)
	stopTimer(&m.keepTimer)
	stopTimer(&m.settleTimer)

	conn := m.conn
	m.conn = nil
	m.typing = false
	m.state.ReconnectAttempt = 0

	if m.state.Status == Disconnected && m.state.LastError == nil {
		return conn, noop
	}
	return conn, m.setStateLocked(Disconnected, nil)
}

// scheduleRetryLocked arms the reconnect timer, or gives up once the
// attempt budget is spent.
func (m *Manager) scheduleRetryLocked(gen uint64) func() {
	if m.state.ReconnectAttempt >= m.opts.MaxAttempts {
		m.logger.Warn("giving up reconnecting", "session", m.state.SessionID, "attempts", m.state.ReconnectAttempt)
		return m.setStateLocked(Disconnected, m.state.LastError)
	}

	delay := Backoff(m.state.ReconnectAttempt, m.opts.BaseDelay, m.opts.MaxDelay)
	m.state.ReconnectAttempt++
	m.logger.Info("reconnecting", "session", m.state.SessionID, "attempt", m.state.ReconnectAttempt, "delay", delay)
	m.retryTimer = m.opts.Clock.AfterFunc(delay, func() { m.retry(gen) })
	return noop
}

func (m *Manager) scheduleKeepaliveLocked(gen uint64) {
	if m.opts.KeepaliveInterval <= 0 {
		return
	}
	m.keepTimer = m.opts.Clock.AfterFunc(m.opts.KeepaliveInterval, func() { m.keepalive(gen) })
}

func (m *Manager) keepalive(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.conn == nil {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.scheduleKeepaliveLocked(gen)
	m.mu.Unlock()

	m.sendMu.Lock()
	err := conn.Send(Ping())
	m.sendMu.Unlock()
	if err != nil {
		m.failSend(gen, conn, nil, err)
	}
}

// =============================================================================
// OUTBOUND
// =============================================================================

// Send writes f now when connected and reports true. Otherwise f is
// buffered (pings are dropped) and Send reports false. A send while idle
// after reconnection gave up starts a fresh connect cycle.
func (m *Manager) Send(f Outbound) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}

	if m.state.Status == Connected && m.conn != nil {
		conn, gen := m.conn, m.gen
		m.mu.Unlock()

		m.sendMu.Lock()
		err := conn.Send(f)
		m.sendMu.Unlock()
		if err == nil {
			return true
		}
		m.failSend(gen, conn, []Outbound{f}, err)
		return false
	}

	if f.Type != TypePing {
		m.bufferLocked(f)
	}
	run := noop
	if m.state.Status == Disconnected && m.retryTimer == nil && m.settleTimer == nil && !m.userClosed {
		m.state.ReconnectAttempt = 0
		run = m.connectLocked()
	}
	m.mu.Unlock()
	run()
	return false
}

// SendNow writes f only when the channel is connected. It never buffers f,
// not even when the write fails, so a reconnect cannot replay it.
func (m *Manager) SendNow(f Outbound) bool {
	m.mu.Lock()
	if m.closed || m.state.Status != Connected || m.conn == nil {
		m.mu.Unlock()
		return false
	}
	conn, gen := m.conn, m.gen
	m.mu.Unlock()

	m.sendMu.Lock()
	err := conn.Send(f)
	m.sendMu.Unlock()
	if err != nil {
		m.failSend(gen, conn, nil, err)
		return false
	}
	return true
}

// bufferLocked appends f, dropping the oldest frame when full.
func (m *Manager) bufferLocked(frames ...Outbound) {
	m.pending = append(m.pending, frames...)
	if over := len(m.pending) - m.opts.MaxPending; over > 0 {
		m.logger.Warn("outbound buffer full, dropping oldest", "dropped", over)
		m.pending = append([]Outbound(nil), m.pending[over:]...)
	}
}

// failSend re-buffers unsent frames ahead of anything queued since and
// closes the broken connection. The read loop then drives reconnection.
func (m *Manager) failSend(gen uint64, conn Conn, unsent []Outbound, err error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.logger.Warn("send failed", "session", m.state.SessionID, "err", err)
	var keep []Outbound
	for _, f := range unsent {
		if f.Type != TypePing {
			keep = append(keep, f)
		}
	}
	rest := m.pending
	m.pending = nil
	m.bufferLocked(append(keep, rest...)...)
	m.mu.Unlock()

	closeConn(conn)
}

// =============================================================================
// INBOUND
// =============================================================================

func (m *Manager) readLoop(gen uint64, conn Conn) {
	for {
		f, err := conn.Receive()
		if errors.Is(err, ErrMalformedFrame) {
			m.logger.Debug("ignoring malformed frame", "err", err)
			continue
		}
		if err != nil {
			m.remoteClosed(gen, conn, err)
			return
		}
		m.dispatch(gen, f)
	}
}

// remoteClosed handles a connection that went away without a user
// Disconnect. x/net/websocket reports no close code, so every such close
// counts as abnormal.
func (m *Manager) remoteClosed(gen uint64, conn Conn, err error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	stopTimer(&m.keepTimer)
	wasTyping := m.typing
	m.typing = false
	sid := m.state.SessionID

	m.logger.Warn("connection lost", "session", sid, "err", err)
	notify := m.setStateLocked(Disconnected, &syncerr.ChannelError{Op: "read", Err: err})
	next := m.scheduleRetryLocked(gen)
	m.mu.Unlock()

	closeConn(conn)
	notify()
	if wasTyping && m.handlers.OnTyping != nil {
		m.handlers.OnTyping(sid, false)
	}
	next()
}

func (m *Manager) dispatch(gen uint64, f Inbound) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	sid := m.state.SessionID
	clearTyping := false
	switch f.Type {
	case TypeTypingIndicator:
		m.typing = f.TypingFlag()
	case TypeMessage:
		if !f.IsError() && m.typing {
			m.typing = false
			clearTyping = true
		}
	}
	m.mu.Unlock()

	h := m.handlers
	switch f.Type {
	case TypeMessage:
		if f.IsError() {
			m.logger.Warn("server reported an error", "session", sid, "message", f.Text())
			if h.OnError != nil {
				h.OnError(sid, f)
			}
			return
		}
		if clearTyping && h.OnTyping != nil {
			h.OnTyping(sid, false)
		}
		if h.OnMessage != nil {
			h.OnMessage(sid, f)
		}
	case TypeTypingIndicator:
		if h.OnTyping != nil {
			h.OnTyping(sid, f.TypingFlag())
		}
	case TypeMessageStatus:
		if h.OnStatus != nil {
			h.OnStatus(sid, f.MessageID, f.Status)
		}
	case TypeKeepalive, TypePong, TypeConnectionEstablished:
		m.logger.Debug("control frame", "type", f.Type, "session", sid)
	default:
		m.logger.Debug("ignoring unknown frame type", "type", f.Type)
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func (m *Manager) setStateLocked(status Status, err error) func() {
	m.state.Status = status
	m.state.LastError = err
	snap := m.state
	if m.handlers.OnState == nil {
		return noop
	}
	return func() { m.handlers.OnState(snap) }
}

func stopTimer(t *Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func closeConn(c Conn) {
	if c != nil {
		_ = c.Close()
	}
}

func noop() {}
