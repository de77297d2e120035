// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package security holds the session passphrase and seals local blobs.
//
// # Key Types
//
//   - Holder: in-memory, session-scoped passphrase; gates offline saving
//   - Sealer: AES-256-GCM with PBKDF2-SHA-256 keys derived from the Holder
//
// # Usage
//
//	holder := security.NewHolder()
//	holder.Set(passphrase)
//
//	sealer := security.NewSealer(holder, 0)
//	blob, err := sealer.Seal(plaintext)
//	plaintext, err := sealer.Open(blob)
//
// # Format
//
// Sealed values are "ENC:" followed by base64(salt | nonce | ciphertext | tag).
// The salt is per blob, so opening needs only the passphrase. A value sealed
// under a forgotten passphrase cannot be recovered.
package security
