// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package offline tracks network connectivity for the sync engine.
//
// A Monitor holds the online/offline flag. The flag is set by the embedding
// application (OS signals, a failed request) or by a periodic probe, and
// every transition is published to subscribers. The engine subscribes to
// start a queue drain when connectivity returns.
//
// A Monitor can also be forced offline (config: offline = true). While
// forced, IsOnline reports false no matter what the probe sees.
//
// # Usage
//
//	mon := offline.NewMonitor(true)
//	unsubscribe := mon.Subscribe(func(online bool) {
//		if online {
//			requestDrain()
//		}
//	})
//	defer unsubscribe()
//
//	go mon.Watch(ctx, offline.HTTPProbe(client, apiURL), 15*time.Second)
//
// ValidateEndpoint checks configured API and WebSocket URLs before they are
// dialled.
package offline
