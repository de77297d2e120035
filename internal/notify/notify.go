// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package notify carries user-visible notices out of the sync engine.
//
// The engine never renders anything. It emits Notices through a Notifier
// and the front end decides how to show them.
package notify

import (
	"fmt"
	"sync"
	"time"
)

// Kind classifies a notice.
type Kind string

const (
	KindQueued    Kind = "queued"
	KindSynced    Kind = "synced"
	KindSaved     Kind = "saved"
	KindFailed    Kind = "failed"
	KindRefreshed Kind = "refreshed"
	KindChannel   Kind = "channel"
)

// Standard notice texts.
const (
	MsgQueued    = "Saved offline, will sync when you're back online"
	MsgRefreshed = "Data was updated elsewhere, refreshed with the latest data"
)

// Notice is one user-visible message.
type Notice struct {
	Kind    Kind
	Message string
	Err     error
	At      time.Time
}

func (n Notice) String() string {
	if n.Err != nil && n.Message == "" {
		return fmt.Sprintf("[%s] %v", n.Kind, n.Err)
	}
	return fmt.Sprintf("[%s] %s", n.Kind, n.Message)
}

// Notifier receives notices. Implementations must not block.
type Notifier interface {
	Notify(Notice)
}

// Func adapts a function to Notifier.
type Func func(Notice)

func (f Func) Notify(n Notice) { f(n) }

// Discard drops every notice.
var Discard Notifier = Func(func(Notice) {})

// OrDiscard returns n, or Discard when n is nil.
func OrDiscard(n Notifier) Notifier {
	if n == nil {
		return Discard
	}
	return n
}

// =============================================================================
// CONSTRUCTORS
// =============================================================================

func Queued() Notice {
	return Notice{Kind: KindQueued, Message: MsgQueued, At: time.Now()}
}

func Synced(n int) Notice {
	return Notice{Kind: KindSynced, Message: fmt.Sprintf("Synced %d pending item(s)", n), At: time.Now()}
}

func Saved(what string) Notice {
	return Notice{Kind: KindSaved, Message: what, At: time.Now()}
}

func Failed(what string, err error) Notice {
	msg := what
	if err != nil {
		msg = fmt.Sprintf("%s: %v", what, err)
	}
	return Notice{Kind: KindFailed, Message: msg, Err: err, At: time.Now()}
}

func Refreshed() Notice {
	return Notice{Kind: KindRefreshed, Message: MsgRefreshed, At: time.Now()}
}

func Channel(msg string) Notice {
	return Notice{Kind: KindChannel, Message: msg, At: time.Now()}
}

// =============================================================================
// RECORDER
// =============================================================================

// Recorder keeps every notice it receives. Used by tests and the CLI's
// non-interactive commands.
type Recorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *Recorder) Notify(n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

// Notices returns a copy of what was recorded.
func (r *Recorder) Notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.notices...)
}

// Kinds returns the kinds in arrival order.
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]Kind, len(r.notices))
	for i, n := range r.notices {
		kinds[i] = n.Kind
	}
	return kinds
}

// Reset forgets recorded notices.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = nil
}
