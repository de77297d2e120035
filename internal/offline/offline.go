// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package offline

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrInvalidURLScheme is returned when an endpoint is not http(s) or ws(s).
	// Prevents file://, javascript:// and similar from reaching a dialer.
	ErrInvalidURLScheme = errors.New("only http, https, ws and wss endpoints are allowed")

	// ErrMissingHost is returned for endpoints without a host.
	ErrMissingHost = errors.New("endpoint has no host")
)

// =============================================================================
// MONITOR
// =============================================================================

// Monitor is the connectivity flag with change subscribers. Safe for
// concurrent use.
type Monitor struct {
	mu     sync.RWMutex
	online bool
	forced bool
	nextID int
	subs   map[int]func(bool)
}

// NewMonitor returns a monitor with the given initial state.
func NewMonitor(online bool) *Monitor {
	return &Monitor{online: online, subs: make(map[int]func(bool))}
}

// IsOnline reports the effective state.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online && !m.forced
}

// SetOnline records the observed state. Subscribers run only when the
// effective state changes, after the lock is released.
func (m *Monitor) SetOnline(online bool) {
	m.update(func() { m.online = online })
}

// SetForcedOffline pins the monitor offline until called with false.
func (m *Monitor) SetForcedOffline(forced bool) {
	m.update(func() { m.forced = forced })
}

// IsForcedOffline reports whether the monitor is pinned offline.
func (m *Monitor) IsForcedOffline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.forced
}

func (m *Monitor) update(change func()) {
	m.mu.Lock()
	before := m.online && !m.forced
	change()
	after := m.online && !m.forced
	var subs []func(bool)
	if before != after {
		subs = make([]func(bool), 0, len(m.subs))
		for _, fn := range m.subs {
			subs = append(subs, fn)
		}
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(after)
	}
}

// Subscribe registers fn for state transitions and returns a function
// that removes it.
func (m *Monitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Probe checks reachability. A nil error means online.
type Probe func(ctx context.Context) error

// Watch runs probe immediately and then every interval until ctx is done,
// feeding the result into SetOnline.
func (m *Monitor) Watch(ctx context.Context, probe Probe, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	check := func() {
		pctx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		err := probe(pctx)
		if ctx.Err() != nil {
			return
		}
		m.SetOnline(err == nil)
	}

	check()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}

// HTTPProbe returns a Probe that issues a HEAD request to target. Any
// response, including an error status, counts as reachable.
func HTTPProbe(client *http.Client, target string) Probe {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		return nil
	}
}

// =============================================================================
// STATUS DISPLAY
// =============================================================================

// StatusBadge returns "[OFFLINE]" when offline, empty otherwise.
func (m *Monitor) StatusBadge() string {
	if m.IsOnline() {
		return ""
	}
	return "[OFFLINE]"
}

// =============================================================================
// URL VALIDATION
// =============================================================================

// IsLocalhost checks if a host string refers to localhost.
// Accepts: "localhost", "127.0.0.1", "::1", "[::1]", and any IPv6 loopback variant.
func IsLocalhost(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.Trim(host, "[]"))

	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// ValidateEndpoint checks that rawURL is an absolute http, https, ws or wss
// URL with a host.
func ValidateEndpoint(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https", "ws", "wss":
	default:
		return ErrInvalidURLScheme
	}
	if parsed.Host == "" {
		return ErrMissingHost
	}
	return nil
}

// IsSecureEndpoint reports whether rawURL uses TLS or targets loopback.
// Plain-text endpoints on other hosts leak the bearer token.
func IsSecureEndpoint(rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	switch strings.ToLower(parsed.Scheme) {
	case "https", "wss":
		return true
	}
	return IsLocalhost(parsed.Host)
}
