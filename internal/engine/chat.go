// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/jeranaias/wellsync/internal/api"
	"github.com/jeranaias/wellsync/internal/mutation"
	"github.com/jeranaias/wellsync/internal/notify"
	"github.com/jeranaias/wellsync/internal/realtime"
	"github.com/jeranaias/wellsync/internal/session"
	"github.com/jeranaias/wellsync/internal/syncerr"
)

// MsgAssistantUnreachable is shown in the conversation when a chat
// message could not be delivered.
const MsgAssistantUnreachable = "Unable to reach the assistant. Please try again."

// =============================================================================
// SENDING
// =============================================================================

// SendMessage posts text to the active session. The user message is shown
// immediately as pending, pushed over the real-time channel when it is up,
// and sent over HTTP under the retry policy. The assistant's reply is
// appended once, whichever path delivers it first.
//
// Offline the message is kept and marked failed; chat is never queued.
func (e *Engine) SendMessage(ctx context.Context, text string) (session.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return session.Message{}, syncerr.Invalid("message", "message is required")
	}

	sid := e.sessions.ActiveID()
	personality := e.Personality()
	msg, err := e.sessions.AppendMessage(sid, session.Message{
		ID:     uuid.NewString(),
		Sender: session.SenderUser,
		Text:   text,
		Status: session.StatusPending,
	})
	if err != nil {
		return session.Message{}, err
	}
	e.emitMessage(msg)

	if !e.monitor.IsOnline() {
		e.setStatus(sid, msg.ID, session.StatusFailed)
		msg.Status = session.StatusFailed
		return msg, syncerr.ErrOffline
	}

	// Not buffered: HTTP carries the turn while the channel is down.
	if e.rt.SendNow(realtime.UserMessage(msg.ID, text, personality)) {
		e.setStatus(sid, msg.ID, session.StatusSent)
		msg.Status = session.StatusSent
	}

	reply, err := mutation.Retry(ctx, e.ctl.Policy(), e.ctl.Sleeper(), func(ctx context.Context) (api.ChatReply, error) {
		return e.backend.SendMessage(ctx, api.ChatRequest{
			Message:     text,
			Personality: personality,
			SessionID:   sid,
			MessageID:   msg.ID,
		})
	})
	if err != nil {
		e.setStatus(sid, msg.ID, session.StatusFailed)
		msg.Status = session.StatusFailed
		if !errors.Is(err, context.Canceled) {
			e.appendSystem(sid, MsgAssistantUnreachable)
			e.notifier.Notify(notify.Failed("Message not delivered", err))
		}
		e.logger.Warn("chat send failed", "session", sid, "err", err)
		return msg, err
	}

	if msg.Status != session.StatusSent {
		e.setStatus(sid, msg.ID, session.StatusSent)
		msg.Status = session.StatusSent
	}
	e.appendReply(sid, session.Message{
		Sender:   session.SenderAssistant,
		Text:     reply.Response,
		Emotion:  reply.DetectedEmotion,
		CardType: reply.CardType,
		CardData: reply.CardData,
	})
	return msg, nil
}

// SetTyping tells the server whether the user is typing. It is dropped
// unless the channel is connected.
func (e *Engine) SetTyping(typing bool) bool {
	return e.rt.SendNow(realtime.TypingIndicator(typing))
}

// Personality returns the assistant personality used for new messages.
func (e *Engine) Personality() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.personality
}

// SetPersonality switches the assistant personality and notes the switch
// in the active conversation.
func (e *Engine) SetPersonality(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return syncerr.Invalid("personality", "personality is required")
	}
	e.mu.Lock()
	same := e.personality == name
	e.personality = name
	e.mu.Unlock()
	if same {
		return nil
	}
	e.appendSystem(e.sessions.ActiveID(), "Switched to "+name+" personality")
	return nil
}

// =============================================================================
// SESSIONS
// =============================================================================

// NewSession starts a fresh conversation and makes it active.
func (e *Engine) NewSession() (session.ChatSession, error) {
	cs, err := e.sessions.NewSession()
	if err == nil {
		e.audit("session.create", map[string]string{"id": cs.ID})
	}
	return cs, err
}

// OpenSession switches to conversation id.
func (e *Engine) OpenSession(id string) (session.ChatSession, error) {
	return e.sessions.OpenSession(id)
}

// DeleteSession deletes conversation id locally, and on the server when
// online.
func (e *Engine) DeleteSession(ctx context.Context, id string) error {
	if err := e.sessions.DeleteSession(ctx, id); err != nil {
		return err
	}
	e.audit("session.delete", map[string]string{"id": id})
	return nil
}

func (e *Engine) onActiveSession(cs session.ChatSession) {
	if e.events.Session != nil {
		e.events.Session(cs)
	}
	if !e.isStarted() || !e.monitor.IsOnline() {
		return
	}
	e.rt.SwitchSession(cs.ID)
}

// =============================================================================
// INBOUND
// =============================================================================

func (e *Engine) onChannelState(st realtime.State) {
	if e.events.Channel != nil {
		e.events.Channel(st)
	}
	switch st.Status {
	case realtime.Connected:
		e.notifier.Notify(notify.Channel("Live connection established"))
	case realtime.Error:
		msg := "Live connection lost"
		if st.LastError != nil {
			msg += ": " + st.LastError.Error()
		}
		e.notifier.Notify(notify.Channel(msg))
	}
}

func (e *Engine) onChannelMessage(sid string, f realtime.Inbound) {
	if sid != e.sessions.ActiveID() {
		e.logger.Debug("dropping frame for inactive session", "session", sid)
		return
	}
	sender := session.Sender(f.Sender)
	switch sender {
	case session.SenderUser:
		// Echo of our own message.
		return
	case session.SenderSystem:
	default:
		sender = session.SenderAssistant
	}
	text := f.Text()
	if text == "" {
		return
	}
	e.appendReply(sid, session.Message{
		ID:       f.MessageID,
		Sender:   sender,
		Text:     text,
		Emotion:  f.Emotion,
		CardType: f.CardType,
		CardData: f.CardData,
	})
}

func (e *Engine) onChannelTyping(sid string, typing bool) {
	if sid != e.sessions.ActiveID() {
		return
	}
	if e.events.Typing != nil {
		e.events.Typing(typing)
	}
}

func (e *Engine) onChannelStatus(sid, messageID, status string) {
	st := session.MessageStatus(status)
	switch st {
	case session.StatusPending, session.StatusSent, session.StatusDelivered, session.StatusRead, session.StatusFailed:
	default:
		e.logger.Debug("ignoring unknown message status", "status", status)
		return
	}
	if _, err := e.sessions.UpdateMessageStatus(sid, messageID, st); err != nil {
		e.logger.Warn("updating message status failed", "id", messageID, "err", err)
	}
}

func (e *Engine) onChannelError(sid string, f realtime.Inbound) {
	text := f.Text()
	if text == "" {
		text = "The assistant reported an error"
	}
	if sid == e.sessions.ActiveID() {
		e.appendSystem(sid, text)
	}
	e.notifier.Notify(notify.Failed("Assistant error", &syncerr.ChannelError{Op: "receive", Err: errors.New(text)}))
}

// =============================================================================
// HELPERS
// =============================================================================

func (e *Engine) appendReply(sid string, m session.Message) {
	added, ok, err := e.sessions.AppendReply(sid, m)
	if err != nil {
		e.logger.Warn("storing reply failed", "session", sid, "err", err)
		return
	}
	if ok && sid == e.sessions.ActiveID() {
		e.emitMessage(added)
	}
}

func (e *Engine) appendSystem(sid string, text string) {
	m, err := e.sessions.AppendMessage(sid, session.Message{Sender: session.SenderSystem, Text: text})
	if err != nil {
		e.logger.Warn("storing system message failed", "session", sid, "err", err)
		return
	}
	if sid == e.sessions.ActiveID() {
		e.emitMessage(m)
	}
}

func (e *Engine) setStatus(sid, id string, st session.MessageStatus) {
	if _, err := e.sessions.UpdateMessageStatus(sid, id, st); err != nil {
		e.logger.Warn("updating message status failed", "id", id, "err", err)
	}
}
