// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared across wellsync packages.
//
// # Key Functions
//
//   - AtomicWriteFile: crash-safe file replacement (temp file, fsync, rename)
//   - TruncateWidth: display-width aware truncation with an ellipsis
//   - SingleLine: whitespace collapsing for titles and previews
//
// # Usage
//
//	title := util.TruncateWidth(util.SingleLine(firstMessage), 40)
//	err := util.AtomicWriteFile(path, data, 0600, 0700)
package util
