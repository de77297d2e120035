// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/jeranaias/wellsync/internal/logging"
	"github.com/jeranaias/wellsync/internal/storage"
	"github.com/jeranaias/wellsync/internal/syncerr"
	"github.com/jeranaias/wellsync/internal/util"
)

// Store keys.
const (
	keySessions = "sessions"
	keyActive   = "session:active"
	keyUndo     = "undo:last"
	keyAudit    = "audit"
)

func messagesKey(id string) string { return "session:" + id + ":messages" }

// DefaultTitleWidth is the display width session titles are cut to.
const DefaultTitleWidth = 40

// RemoteDeleter deletes a session on the server.
type RemoteDeleter interface {
	DeleteChatSession(ctx context.Context, id string) error
}

// Options wires a Store.
type Options struct {
	KV     storage.KV
	Remote RemoteDeleter
	Logger *log.Logger
	// Now defaults to time.Now.
	Now func() time.Time
	// TitleWidth defaults to DefaultTitleWidth.
	TitleWidth int
}

// =============================================================================
// STORE
// =============================================================================

// Store owns sessions, the active message sequence, the undo slot and the
// audit log. Safe for concurrent use.
type Store struct {
	kv         storage.KV
	remote     RemoteDeleter
	logger     *log.Logger
	now        func() time.Time
	titleWidth int

	mu       sync.Mutex
	sessions []ChatSession // newest first
	active   string
	messages []Message

	listenerMu sync.RWMutex
	listener   func(ChatSession)
}

// Open loads the store, creating a first session when there is none.
func Open(opts Options) (*Store, error) {
	if opts.KV == nil {
		return nil, errors.New("session: kv store is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.TitleWidth <= 0 {
		opts.TitleWidth = DefaultTitleWidth
	}
	s := &Store{
		kv:         opts.KV,
		remote:     opts.Remote,
		logger:     logging.OrDiscard(opts.Logger).WithPrefix("session"),
		now:        opts.Now,
		titleWidth: opts.TitleWidth,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.getJSON(keySessions, &s.sessions); err != nil {
		return nil, err
	}
	sortNewestFirst(s.sessions)

	var active string
	if err := s.getJSON(keyActive, &active); err != nil {
		return nil, err
	}

	switch {
	case active != "" && s.indexLocked(active) >= 0:
		s.active = active
	case len(s.sessions) > 0:
		s.active = s.sessions[0].ID
	default:
		if _, err := s.createLocked(); err != nil {
			return nil, err
		}
	}
	if err := s.loadActiveLocked(); err != nil {
		return nil, err
	}
	return s, s.putJSON(keyActive, s.active)
}

// OnActiveChange registers fn to run, outside the lock, whenever the
// active session changes.
func (s *Store) OnActiveChange(fn func(ChatSession)) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.listener = fn
}

func (s *Store) publish(cs ChatSession) {
	s.listenerMu.RLock()
	fn := s.listener
	s.listenerMu.RUnlock()
	if fn != nil {
		fn(cs)
	}
}

// =============================================================================
// SESSIONS
// =============================================================================

// Sessions returns every session, most recently created first.
func (s *Store) Sessions() []ChatSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ChatSession(nil), s.sessions...)
}

// Active returns the active session.
func (s *Store) Active() ChatSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[s.indexLocked(s.active)]
}

// ActiveID returns the id of the active session.
func (s *Store) ActiveID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Messages returns a copy of the active message sequence.
func (s *Store) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// MessagesFor returns the stored sequence of any session.
func (s *Store) MessagesFor(id string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexLocked(id) < 0 {
		return nil, fmt.Errorf("session %s: %w", id, syncerr.ErrNotFound)
	}
	if id == s.active {
		return append([]Message(nil), s.messages...), nil
	}
	var msgs []Message
	err := s.getJSON(messagesKey(id), &msgs)
	return msgs, err
}

// NewSession creates an empty session and makes it active.
func (s *Store) NewSession() (ChatSession, error) {
	s.mu.Lock()
	cs, err := s.createLocked()
	if err == nil {
		s.messages = nil
		err = s.putJSON(keyActive, s.active)
	}
	s.mu.Unlock()

	if err != nil {
		return ChatSession{}, err
	}
	s.logger.Debug("session created", "id", cs.ID)
	s.publish(cs)
	return cs, nil
}

// OpenSession makes id active and loads its stored messages.
func (s *Store) OpenSession(id string) (ChatSession, error) {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return ChatSession{}, fmt.Errorf("session %s: %w", id, syncerr.ErrNotFound)
	}
	changed := s.active != id
	s.active = id
	err := s.loadActiveLocked()
	if err == nil {
		err = s.putJSON(keyActive, s.active)
	}
	cs := s.sessions[i]
	s.mu.Unlock()

	if err != nil {
		return ChatSession{}, err
	}
	if changed {
		s.publish(cs)
	}
	return cs, nil
}

// DeleteSession deletes id on the server when possible and always deletes
// it locally. A remote failure is logged and the session stays on the
// server. If id was active, the most recently created remaining session
// becomes active, or a fresh one is created.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	known := s.indexLocked(id) >= 0
	s.mu.Unlock()
	if !known {
		return fmt.Errorf("session %s: %w", id, syncerr.ErrNotFound)
	}

	if s.remote != nil {
		if err := s.remote.DeleteChatSession(ctx, id); err != nil {
			s.logger.Warn("remote delete failed, deleted locally only", "id", id, "err", err)
		}
	}

	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		// Deleted concurrently.
		s.mu.Unlock()
		return nil
	}
	s.sessions = append(s.sessions[:i:i], s.sessions[i+1:]...)
	if err := s.kv.Delete(messagesKey(id)); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	if err := s.putJSON(keySessions, s.sessions); err != nil {
		s.mu.Unlock()
		return err
	}

	if id != s.active {
		s.mu.Unlock()
		return nil
	}

	var next ChatSession
	var err error
	if len(s.sessions) > 0 {
		next = s.sessions[0]
		s.active = next.ID
		err = s.loadActiveLocked()
	} else {
		next, err = s.createLocked()
		s.messages = nil
	}
	if err == nil {
		err = s.putJSON(keyActive, s.active)
	}
	s.mu.Unlock()

	if err != nil {
		return err
	}
	s.publish(next)
	return nil
}

// =============================================================================
// MESSAGES
// =============================================================================

// AppendMessage appends msg to session id, filling ID and Timestamp when
// unset. The first user message of a session becomes its title.
func (s *Store) AppendMessage(id string, msg Message) (Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(id)
	if i < 0 {
		return Message{}, fmt.Errorf("session %s: %w", id, syncerr.ErrNotFound)
	}

	msgs, err := s.sequenceLocked(id)
	if err != nil {
		return Message{}, err
	}
	msgs = append(msgs, msg)
	if err := s.storeSequenceLocked(id, msgs); err != nil {
		return Message{}, err
	}

	if msg.Sender == SenderUser && s.sessions[i].Title == DefaultTitle {
		if title := s.titleFor(msg.Text); title != "" {
			s.sessions[i].Title = title
			if err := s.putJSON(keySessions, s.sessions); err != nil {
				return Message{}, err
			}
		}
	}
	return msg, nil
}

// AppendReply appends a non-user message unless the current turn (the
// messages after the latest user message) already holds one from the same
// sender with the same text. Replies can arrive over both the real-time
// channel and HTTP; this keeps one copy. It reports whether msg was added.
func (s *Store) AppendReply(id string, msg Message) (Message, bool, error) {
	if msg.Sender == SenderUser {
		m, err := s.AppendMessage(id, msg)
		return m, err == nil, err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.indexLocked(id) < 0 {
		return Message{}, false, fmt.Errorf("session %s: %w", id, syncerr.ErrNotFound)
	}
	msgs, err := s.sequenceLocked(id)
	if err != nil {
		return Message{}, false, err
	}
	for i := len(msgs) - 1; i >= 0 && msgs[i].Sender != SenderUser; i-- {
		if msgs[i].Sender == msg.Sender && msgs[i].Text == msg.Text {
			return msgs[i], false, nil
		}
	}
	if err := s.storeSequenceLocked(id, append(msgs, msg)); err != nil {
		return Message{}, false, err
	}
	return msg, true, nil
}

// UpdateMessageStatus sets the delivery status of one message. It reports
// whether the message was found.
func (s *Store) UpdateMessageStatus(id, messageID string, status MessageStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.indexLocked(id) < 0 {
		return false, nil
	}
	msgs, err := s.sequenceLocked(id)
	if err != nil {
		return false, err
	}
	for i := range msgs {
		if msgs[i].ID == messageID {
			if msgs[i].Status == status {
				return true, nil
			}
			msgs[i].Status = status
			return true, s.storeSequenceLocked(id, msgs)
		}
	}
	return false, nil
}

func (s *Store) titleFor(text string) string {
	return util.TruncateWidth(util.SingleLine(text), s.titleWidth)
}

// =============================================================================
// UNDO
// =============================================================================

// RecordUndo replaces the undo slot.
func (s *Store) RecordUndo(a UndoableAction) error {
	if a.At.IsZero() {
		a.At = s.now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putJSON(keyUndo, a)
}

// LastUndo returns the undo slot.
func (s *Store) LastUndo() (UndoableAction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var a UndoableAction
	if err := s.getJSON(keyUndo, &a); err != nil || a.Kind == "" {
		return UndoableAction{}, false
	}
	return a, true
}

// ClearUndo empties the undo slot.
func (s *Store) ClearUndo() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv.Delete(keyUndo)
}

// =============================================================================
// AUDIT
// =============================================================================

// AppendAudit adds an entry to the audit log. payload is stored as JSON.
func (s *Store) AppendAudit(action string, payload any) error {
	entry := AuditLogEntry{Action: action, Timestamp: s.now().UTC()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode audit payload: %w", err)
		}
		entry.Payload = raw
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []AuditLogEntry
	if err := s.getJSON(keyAudit, &entries); err != nil {
		return err
	}
	return s.putJSON(keyAudit, append(entries, entry))
}

// Audit returns the audit log, oldest first.
func (s *Store) Audit() ([]AuditLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var entries []AuditLogEntry
	err := s.getJSON(keyAudit, &entries)
	return entries, err
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Store) createLocked() (ChatSession, error) {
	cs := ChatSession{ID: uuid.NewString(), Title: DefaultTitle, CreatedAt: s.now().UTC()}
	s.sessions = append([]ChatSession{cs}, s.sessions...)
	sortNewestFirst(s.sessions)
	if err := s.putJSON(keySessions, s.sessions); err != nil {
		return ChatSession{}, err
	}
	s.active = cs.ID
	return cs, nil
}

func (s *Store) loadActiveLocked() error {
	s.messages = nil
	return s.getJSON(messagesKey(s.active), &s.messages)
}

// sequenceLocked returns a copy of the sequence of id.
func (s *Store) sequenceLocked(id string) ([]Message, error) {
	if id == s.active {
		return append([]Message(nil), s.messages...), nil
	}
	var msgs []Message
	err := s.getJSON(messagesKey(id), &msgs)
	return msgs, err
}

func (s *Store) storeSequenceLocked(id string, msgs []Message) error {
	if err := s.putJSON(messagesKey(id), msgs); err != nil {
		return err
	}
	if id == s.active {
		s.messages = msgs
	}
	return nil
}

func (s *Store) indexLocked(id string) int {
	for i, cs := range s.sessions {
		if cs.ID == id {
			return i
		}
	}
	return -1
}

// getJSON decodes key into v. A missing key leaves v untouched.
func (s *Store) getJSON(key string, v any) error {
	data, err := s.kv.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

func (s *Store) putJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := s.kv.Set(key, data); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func sortNewestFirst(sessions []ChatSession) {
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
}
