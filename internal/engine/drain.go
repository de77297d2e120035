// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"errors"

	"github.com/jeranaias/wellsync/internal/notify"
	"github.com/jeranaias/wellsync/internal/queue"
)

// RequestDrain asks the background worker to drain the queue. Requests
// made while a drain is pending collapse into one. Before Start the
// request is remembered and served once the worker runs.
func (e *Engine) RequestDrain() {
	select {
	case e.drainCh <- struct{}{}:
	default:
	}
}

func (e *Engine) drainLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.drainCh:
		}
		if err := e.limiter.Wait(e.ctx); err != nil {
			return
		}
		if _, err := e.Drain(e.ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Warn("background drain failed", "err", err)
		}
	}
}

// Drain replays every queued create now and refreshes each collection
// that received items. It returns how many actions were acknowledged.
// Offline or without a passphrase nothing happens.
func (e *Engine) Drain(ctx context.Context) (int, error) {
	e.drainMu.Lock()
	defer e.drainMu.Unlock()

	results, err := e.queue.DrainAll(ctx)
	total := 0
	for _, res := range results {
		if res.Skipped {
			e.logger.Debug("drain skipped", "kind", res.Kind, "reason", res.Reason)
			continue
		}
		total += res.Replayed
		if res.Replayed == 0 {
			continue
		}
		var rerr error
		switch res.Kind {
		case queue.KindHabitCreate:
			rerr = e.RefreshHabits(ctx)
		case queue.KindJournalCreate:
			rerr = e.RefreshJournals(ctx)
		}
		if rerr != nil {
			e.logger.Warn("refresh after drain failed", "kind", res.Kind, "err", rerr)
		}
	}
	if total > 0 {
		e.audit("queue.drained", map[string]int{"count": total})
		e.notifier.Notify(notify.Synced(total))
	}
	return total, err
}
