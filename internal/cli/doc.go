// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the wellsync command line.
//
// # Commands
//
//	wellsync shell              Interactive chat with habit and journal commands
//	wellsync queue              Show pending offline changes
//	wellsync drain              Replay the offline queue now
//	wellsync sessions [show|delete]
//	wellsync audit [-n N]       Show the local audit log
//	wellsync config show|get|set|reset|keys|path
//	wellsync version
//
// Global flags: --config, --json, --no-color, --log-level, --offline.
//
// # Passphrase
//
// The offline queue is encrypted with a passphrase that is never stored.
// Commands read it from WELLSYNC_PASSPHRASE, or prompt for it when stdin
// is a terminal.
//
// # JSON Output
//
// With --json every non-interactive command prints one envelope:
//
//	{"success": true, "data": ..., "error": null, "timestamp": "...", "command": "queue"}
package cli
