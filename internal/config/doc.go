// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for wellsync.
//
// Configuration is TOML with sensible defaults, environment variable
// overrides, and validation.
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (WELLSYNC_*)
//   - ~/.wellsync/config.toml (or the path given with --config)
//   - Built-in defaults
//
// # Sections
//
//   - api: backend URL, token, timeouts, forced offline mode
//   - realtime: WebSocket endpoint and reconnect policy
//   - mutation: retry budget of optimistic changes
//   - queue: drain rate limit and encryption work factor
//   - storage: key-value backend (sqlite, file, memory)
//   - chat: default personality and title width
//   - log: level and format
//
// # Usage
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Watch reloads the file on change:
//
//	config.Watch(ctx, path, 0, func(cfg *config.Config, err error) { ... })
package config
