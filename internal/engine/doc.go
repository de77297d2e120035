// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package engine is the composition root of wellsync's client-side sync.
//
// An Engine owns one of each component and routes between them:
//
//   - offline.Monitor decides whether mutations go to the server or the queue
//   - queue.Queue holds encrypted creates made while offline
//   - mutation.Run applies habit and journal changes optimistically
//   - session.Store keeps conversations, the undo slot and the audit log
//   - realtime.Manager runs the live chat channel of the active session
//
// Coming back online requests a drain. Drains are rate limited and
// coalesced by a background worker started with Start.
//
// # Usage
//
//	eng, err := engine.New(engine.Options{
//	    Backend: api.New(cfg.API.BaseURL, token),
//	    Dialer:  &realtime.WebSocketDialer{BaseURL: cfg.RealtimeURL()},
//	    KV:      kv,
//	})
//	if err != nil {
//	    return err
//	}
//	defer eng.Close()
//	eng.Start(ctx)
package engine
