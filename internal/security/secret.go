// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"
)

// =============================================================================
// SECRET HOLDER
// =============================================================================

// Holder keeps the session passphrase in memory only. It is never written
// to disk, and a zero Holder holds nothing.
//
// The holder is passed by reference to the durable queue and the mutation
// controller; there is no package-level passphrase.
type Holder struct {
	mu         sync.RWMutex
	passphrase []byte
	version    uint64
}

// NewHolder returns an empty holder.
func NewHolder() *Holder {
	return &Holder{}
}

// Set replaces the held passphrase. The value is trimmed and NFKC
// normalised so the same passphrase typed on different keyboards derives
// the same key. A blank value clears the holder.
func (h *Holder) Set(passphrase string) {
	normalized := norm.NFKC.String(strings.TrimSpace(passphrase))

	h.mu.Lock()
	defer h.mu.Unlock()

	ZeroBytes(h.passphrase)
	h.passphrase = nil
	if normalized != "" {
		h.passphrase = []byte(normalized)
	}
	h.version++
}

// Clear forgets the passphrase.
func (h *Holder) Clear() {
	h.Set("")
}

// Has reports whether a passphrase is held.
func (h *Holder) Has() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.passphrase) > 0
}

// Passphrase returns a copy of the held passphrase. The caller should
// ZeroBytes the copy when done.
func (h *Holder) Passphrase() ([]byte, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.passphrase) == 0 {
		return nil, false
	}
	out := make([]byte, len(h.passphrase))
	copy(out, h.passphrase)
	return out, true
}

// Version increments on every Set or Clear.
func (h *Holder) Version() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.version
}
