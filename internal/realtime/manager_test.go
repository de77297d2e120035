// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/wellsync/internal/syncerr"
)

// =============================================================================
// BACKOFF
// =============================================================================

func TestBackoff(t *testing.T) {
	base, max := time.Second, 30*time.Second
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	for attempt, w := range want {
		assert.Equal(t, w*time.Second, Backoff(attempt, base, max), "attempt %d", attempt)
	}
	assert.Equal(t, time.Second, Backoff(-1, base, max))
}

// =============================================================================
// CONNECT
// =============================================================================

func TestConnect_RequiresTokenAndSession(t *testing.T) {
	d := &fakeDialer{}
	m, err := NewManager(Options{Dialer: d, Clock: NewManualClock(time.Now())})
	require.NoError(t, err)
	defer m.Close()

	m.Connect() // no session bound
	assert.Equal(t, Disconnected, m.State().Status)

	m.SwitchSession("s1")
	m.Connect() // no token
	assert.Equal(t, Disconnected, m.State().Status)
	assert.Equal(t, 0, d.dialCount())
}

func TestConnect_OpensAndIsIdempotent(t *testing.T) {
	h := newHarness(t, Handlers{})
	h.open(t, "s1")

	h.m.Connect()
	h.m.Connect()
	assert.Equal(t, 1, h.dialer.dialCount())
	assert.Equal(t, "s1", h.m.SessionID())
	assert.Equal(t, 0, h.m.State().ReconnectAttempt)
}

func TestNewManager_RequiresDialer(t *testing.T) {
	_, err := NewManager(Options{})
	assert.ErrorIs(t, err, ErrNoDialer)
}

// =============================================================================
// OUTBOUND
// =============================================================================

func TestSend_BuffersAndFlushesInOrder(t *testing.T) {
	h := newHarness(t, Handlers{})
	h.m.SwitchSession("s1")

	// Inside the settle window nothing is connected yet.
	assert.False(t, h.m.Send(UserMessage("m1", "one", "")))
	assert.False(t, h.m.Send(UserMessage("m2", "two", "")))
	assert.False(t, h.m.Send(Ping()), "pings are never buffered")
	assert.Equal(t, 2, h.m.PendingLen())

	h.clock.Advance(100 * time.Millisecond)
	h.waitStatus(t, Connected)
	conn := h.dialer.last()

	require.Eventually(t, func() bool { return len(conn.sentFrames()) == 2 }, waitFor, tick)
	sent := conn.sentFrames()
	assert.Equal(t, "m1", sent[0].MessageID)
	assert.Equal(t, "m2", sent[1].MessageID)
	assert.Equal(t, 0, h.m.PendingLen())

	assert.True(t, h.m.Send(UserMessage("m3", "three", "")))
	assert.Len(t, conn.sentFrames(), 3)
}

func TestSendNow_NeverBuffers(t *testing.T) {
	h := newHarness(t, Handlers{})
	h.m.SwitchSession("s1")

	assert.False(t, h.m.SendNow(UserMessage("m1", "one", "")))
	assert.Equal(t, 0, h.m.PendingLen())

	h.clock.Advance(100 * time.Millisecond)
	h.waitStatus(t, Connected)
	conn := h.dialer.last()
	assert.Empty(t, conn.sentFrames(), "nothing is flushed on connect")

	assert.True(t, h.m.SendNow(UserMessage("m2", "two", "")))
	require.Len(t, conn.sentFrames(), 1)
	assert.Equal(t, "m2", conn.sentFrames()[0].MessageID)

	conn.mu.Lock()
	conn.sendErr = assert.AnError
	conn.mu.Unlock()
	assert.False(t, h.m.SendNow(UserMessage("m3", "three", "")))
	assert.Equal(t, 0, h.m.PendingLen())
}

func TestSend_BufferDropsOldest(t *testing.T) {
	d := &fakeDialer{}
	m, err := NewManager(Options{Dialer: d, Clock: NewManualClock(time.Now()), MaxPending: 2})
	require.NoError(t, err)
	defer m.Close()

	m.Send(UserMessage("a", "a", ""))
	m.Send(UserMessage("b", "b", ""))
	m.Send(UserMessage("c", "c", ""))
	assert.Equal(t, 2, m.PendingLen())
}

func TestSend_FailureRebuffersAndReconnects(t *testing.T) {
	h := newHarness(t, Handlers{})
	conn := h.open(t, "s1")

	conn.mu.Lock()
	conn.sendErr = assert.AnError
	conn.mu.Unlock()

	assert.False(t, h.m.Send(UserMessage("m1", "hi", "")))
	h.waitTimer(t, time.Second)
	assert.Equal(t, 1, h.m.PendingLen())

	h.clock.Advance(time.Second)
	h.waitStatus(t, Connected)
	next := h.dialer.last()
	require.NotSame(t, conn, next)
	require.Eventually(t, func() bool { return len(next.sentFrames()) == 1 }, waitFor, tick)
	assert.Equal(t, "m1", next.sentFrames()[0].MessageID)
}

// =============================================================================
// RECONNECT
// =============================================================================

func TestReconnect_BackoffSchedule(t *testing.T) {
	var mu sync.Mutex
	var states []Status
	h := newHarness(t, Handlers{OnState: func(s State) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s.Status)
	}})
	conn := h.open(t, "s1")

	h.dialer.setFailing(true)
	conn.drop()

	// Delay before attempt k is min(1000*2^(k-1), 30000) ms.
	for k, want := range []time.Duration{1, 2, 4, 8, 16} {
		h.waitTimer(t, want*time.Second)
		assert.Equal(t, k+1, h.m.State().ReconnectAttempt)
		h.clock.Advance(want * time.Second)
		require.Eventually(t, func() bool { return h.dialer.dialCount() == k+2 }, waitFor, tick)
	}

	// The fifth failure is the last; the manager gives up.
	h.waitStatus(t, Disconnected)
	require.Eventually(t, func() bool { return h.clock.Pending() == 0 }, waitFor, tick)
	h.clock.Advance(time.Hour)
	assert.Equal(t, 6, h.dialer.dialCount())

	var cerr *syncerr.ChannelError
	assert.ErrorAs(t, h.m.State().LastError, &cerr)

	mu.Lock()
	assert.Contains(t, states, Error)
	mu.Unlock()
}

func TestReconnect_SendAfterGivingUpStartsOver(t *testing.T) {
	h := newHarness(t, Handlers{})
	conn := h.open(t, "s1")
	h.dialer.setFailing(true)
	conn.drop()

	for _, d := range []time.Duration{1, 2, 4, 8, 16} {
		h.waitTimer(t, d*time.Second)
		h.clock.Advance(d * time.Second)
	}
	require.Eventually(t, func() bool {
		return h.dialer.dialCount() == 6 && h.clock.Pending() == 0 && h.m.State().Status == Disconnected
	}, waitFor, tick)

	h.dialer.setFailing(false)
	assert.False(t, h.m.Send(UserMessage("late", "still there?", "")))
	h.waitStatus(t, Connected)

	next := h.dialer.last()
	require.Eventually(t, func() bool { return len(next.sentFrames()) == 1 }, waitFor, tick)
	assert.Equal(t, 0, h.m.State().ReconnectAttempt)
}

func TestReconnect_CounterResetsOnOpen(t *testing.T) {
	h := newHarness(t, Handlers{})
	conn := h.open(t, "s1")

	conn.drop()
	h.waitTimer(t, time.Second)
	h.clock.Advance(time.Second)
	h.waitStatus(t, Connected)
	assert.Equal(t, 0, h.m.State().ReconnectAttempt)

	// A second drop starts again from the base delay.
	h.dialer.last().drop()
	h.waitTimer(t, time.Second)
}

func TestDisconnect_SuppressesReconnect(t *testing.T) {
	h := newHarness(t, Handlers{})
	conn := h.open(t, "s1")

	h.m.Disconnect()
	assert.True(t, conn.wasClosedClean())
	assert.Equal(t, Disconnected, h.m.State().Status)
	assert.Equal(t, 0, h.clock.Pending())

	h.clock.Advance(time.Minute)
	assert.Equal(t, 1, h.dialer.dialCount())

	// Sending after a user disconnect only buffers.
	h.m.Send(UserMessage("m", "x", ""))
	assert.Equal(t, 1, h.dialer.dialCount())
	assert.Equal(t, 1, h.m.PendingLen())
}

func TestDisconnect_CancelsPendingRetry(t *testing.T) {
	h := newHarness(t, Handlers{})
	conn := h.open(t, "s1")
	conn.drop()
	h.waitTimer(t, time.Second)

	h.m.Disconnect()
	h.clock.Advance(time.Minute)
	assert.Equal(t, 1, h.dialer.dialCount())
}

// =============================================================================
// SESSION SWITCHING
// =============================================================================

func TestSwitchSession_ClosesCleanlyThenSettles(t *testing.T) {
	h := newHarness(t, Handlers{})
	old := h.open(t, "s1")

	h.m.SwitchSession("s1") // already live
	assert.Equal(t, 1, h.dialer.dialCount())

	h.m.Send(Outbound{Type: TypeUserMessage, MessageID: "x"}) // sent on s1
	h.m.SwitchSession("s2")
	assert.True(t, old.wasClosedClean())
	assert.Equal(t, Disconnected, h.m.State().Status)
	assert.Equal(t, "s2", h.m.SessionID())

	// Nothing dials before the settle delay elapses.
	h.clock.Advance(99 * time.Millisecond)
	assert.Equal(t, 1, h.dialer.dialCount())
	h.clock.Advance(time.Millisecond)
	h.waitStatus(t, Connected)

	assert.Equal(t, []string{"s1", "s2"}, h.dialer.sessions())
	assert.Equal(t, 0, h.clock.Pending(), "clean close schedules no reconnect")
}

func TestSwitchSession_DropsBufferedFrames(t *testing.T) {
	h := newHarness(t, Handlers{})
	h.m.SwitchSession("s1")
	h.m.Send(UserMessage("for-s1", "x", ""))
	h.m.SwitchSession("s2")
	assert.Equal(t, 0, h.m.PendingLen())
}

func TestSwitchSession_StaleFramesIgnored(t *testing.T) {
	var mu sync.Mutex
	var got []string
	h := newHarness(t, Handlers{OnMessage: func(sid string, f Inbound) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, sid+":"+f.Text())
	}})
	h.open(t, "s1")
	h.m.mu.Lock()
	stale := h.m.gen
	h.m.mu.Unlock()
	h.m.SwitchSession("s2")

	// The old read loop has been invalidated; a late frame does nothing.
	h.m.dispatch(stale, Inbound{Type: TypeMessage, Content: "late"})

	h.clock.Advance(100 * time.Millisecond)
	h.waitStatus(t, Connected)
	h.dialer.last().push(Inbound{Type: TypeMessage, Content: "fresh"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, waitFor, tick)
	mu.Lock()
	assert.Equal(t, []string{"s2:fresh"}, got)
	mu.Unlock()
}

// =============================================================================
// INBOUND
// =============================================================================

func TestInbound_TypingIndicator(t *testing.T) {
	typing := make(chan bool, 4)
	h := newHarness(t, Handlers{OnTyping: func(_ string, v bool) { typing <- v }})
	conn := h.open(t, "s1")

	yes, no := true, false
	conn.push(Inbound{Type: TypeTypingIndicator, Typing: &yes})
	assert.True(t, <-typing)
	assert.True(t, h.m.RemoteTyping())

	conn.push(Inbound{Type: TypeTypingIndicator, Typing: &no})
	assert.False(t, <-typing)
	assert.False(t, h.m.RemoteTyping())

	// The backend's spelling works too.
	conn.push(Inbound{Type: TypeTypingIndicator, IsTyping: &yes})
	assert.True(t, <-typing)
	assert.True(t, h.m.RemoteTyping())
}

func TestInbound_MessageClearsTyping(t *testing.T) {
	msgs := make(chan Inbound, 1)
	h := newHarness(t, Handlers{OnMessage: func(_ string, f Inbound) { msgs <- f }})
	conn := h.open(t, "s1")

	yes := true
	conn.push(Inbound{Type: TypeTypingIndicator, Typing: &yes})
	conn.push(Inbound{Type: TypeMessage, Content: "hello", Sender: "assistant"})

	f := <-msgs
	assert.Equal(t, "hello", f.Text())
	assert.False(t, h.m.RemoteTyping())
}

func TestInbound_ErrorMessageKeepsConnection(t *testing.T) {
	errs := make(chan Inbound, 1)
	h := newHarness(t, Handlers{OnError: func(_ string, f Inbound) { errs <- f }})
	conn := h.open(t, "s1")

	conn.push(Inbound{Type: TypeMessage, MessageType: MessageTypeError, Message: "model unavailable"})
	f := <-errs
	assert.Equal(t, "model unavailable", f.Text())
	assert.Equal(t, Connected, h.m.State().Status)
	assert.False(t, conn.wasClosedClean())
}

func TestInbound_StatusAndUnknown(t *testing.T) {
	statuses := make(chan string, 1)
	h := newHarness(t, Handlers{OnStatus: func(_, id, status string) { statuses <- id + "=" + status }})
	conn := h.open(t, "s1")

	conn.push(Inbound{Type: "something_new"})
	conn.push(Inbound{Type: TypePong})
	conn.push(Inbound{Type: TypeKeepalive})
	conn.push(Inbound{Type: TypeMessageStatus, MessageID: "m1", Status: "read"})

	assert.Equal(t, "m1=read", <-statuses)
	assert.Equal(t, Connected, h.m.State().Status)
}

// =============================================================================
// KEEPALIVE & CLOSE
// =============================================================================

func TestKeepalive_SendsPings(t *testing.T) {
	d := &fakeDialer{}
	clk := NewManualClock(time.Now())
	m, err := NewManager(Options{
		Dialer:            d,
		Token:             func() string { return "tok" },
		Clock:             clk,
		SettleDelay:       time.Millisecond,
		KeepaliveInterval: 30 * time.Second,
	})
	require.NoError(t, err)
	defer m.Close()

	m.SwitchSession("s1")
	clk.Advance(time.Millisecond)
	require.Eventually(t, func() bool { return m.State().Status == Connected }, waitFor, tick)
	require.Eventually(t, func() bool { return clk.Pending() == 1 }, waitFor, tick)

	clk.Advance(30 * time.Second)
	conn := d.last()
	require.Eventually(t, func() bool { return len(conn.sentFrames()) == 1 }, waitFor, tick)
	assert.Equal(t, TypePing, conn.sentFrames()[0].Type)
}

func TestClose_StopsEverything(t *testing.T) {
	h := newHarness(t, Handlers{})
	conn := h.open(t, "s1")

	require.NoError(t, h.m.Close())
	assert.True(t, conn.wasClosedClean())
	h.m.Connect()
	h.m.SwitchSession("s2")
	assert.False(t, h.m.Send(Ping()))
	assert.Equal(t, 1, h.dialer.dialCount())
}

func TestDialerFunc(t *testing.T) {
	called := false
	var d Dialer = DialerFunc(func(ctx context.Context, sid, tok string) (Conn, error) {
		called = true
		return newFakeConn(sid), nil
	})
	_, err := d.Dial(context.Background(), "s", "t")
	require.NoError(t, err)
	assert.True(t, called)
}
