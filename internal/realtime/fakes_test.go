// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package realtime

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeConn is an in-memory Conn. push delivers an inbound frame; drop
// simulates the server going away.
type fakeConn struct {
	session string
	in      chan Inbound
	gone    chan struct{}
	once    sync.Once

	mu          sync.Mutex
	sent        []Outbound
	sendErr     error
	closedClean bool
}

func newFakeConn(session string) *fakeConn {
	return &fakeConn{session: session, in: make(chan Inbound, 16), gone: make(chan struct{})}
}

func (c *fakeConn) Receive() (Inbound, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.gone:
		return Inbound{}, io.EOF
	}
}

func (c *fakeConn) Send(f Outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, f)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closedClean = true
	c.mu.Unlock()
	c.once.Do(func() { close(c.gone) })
	return nil
}

func (c *fakeConn) push(f Inbound) { c.in <- f }

func (c *fakeConn) drop() { c.once.Do(func() { close(c.gone) }) }

func (c *fakeConn) sentFrames() []Outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Outbound(nil), c.sent...)
}

func (c *fakeConn) wasClosedClean() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closedClean
}

// fakeDialer hands out fakeConns, or fails while failing is set.
type fakeDialer struct {
	mu      sync.Mutex
	calls   []string
	conns   []*fakeConn
	failing bool
}

func (d *fakeDialer) Dial(_ context.Context, sessionID, token string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, sessionID)
	if d.failing {
		return nil, errors.New("connection refused")
	}
	c := newFakeConn(sessionID)
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setFailing(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failing = v
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func (d *fakeDialer) sessions() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

const (
	waitFor = 2 * time.Second
	tick    = time.Millisecond
)

type harness struct {
	m      *Manager
	dialer *fakeDialer
	clock  *ManualClock
}

func newHarness(t *testing.T, h Handlers) *harness {
	t.Helper()
	d := &fakeDialer{}
	clk := NewManualClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	m, err := NewManager(Options{
		Dialer:            d,
		Token:             func() string { return "tok" },
		Clock:             clk,
		Handlers:          h,
		SettleDelay:       100 * time.Millisecond,
		KeepaliveInterval: -1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return &harness{m: m, dialer: d, clock: clk}
}

func (h *harness) waitStatus(t *testing.T, want Status) {
	t.Helper()
	require.Eventually(t, func() bool { return h.m.State().Status == want }, waitFor, tick,
		"want status %s, have %s", want, h.m.State().Status)
}

func (h *harness) waitTimer(t *testing.T, want time.Duration) {
	t.Helper()
	require.Eventually(t, func() bool {
		d, ok := h.clock.NextDelay()
		return ok && d == want
	}, waitFor, tick, "want a timer due in %s", want)
}

// open binds session and waits until it is Connected.
func (h *harness) open(t *testing.T, session string) *fakeConn {
	t.Helper()
	h.m.SwitchSession(session)
	h.clock.Advance(100 * time.Millisecond)
	h.waitStatus(t, Connected)
	return h.dialer.last()
}
