// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package realtime manages the per-session real-time chat channel.
//
// A Manager owns at most one connection, bound to one session id. It
// connects, reconnects with capped exponential backoff, buffers outbound
// frames while disconnected and flushes them in order on open, and
// dispatches inbound frames by type.
//
// # State Machine
//
//	Disconnected --Connect--> Connecting --open--> Connected
//	Connecting   --dial error--> Error --backoff--> Connecting
//	Connected    --remote close--> Disconnected --backoff--> Connecting
//
// A user Disconnect is the only transition that suppresses reconnection.
// After MaxAttempts failed reconnects the manager stays Disconnected until
// Connect is called or a new frame is sent.
//
// Real-time delivery is a latency optimization. Callers must also deliver
// through the HTTP path; Send reports whether the frame went out now.
//
// # Testing
//
// Dialer and Clock are injectable. ManualClock fires timers only when
// advanced, which makes backoff schedules deterministic.
package realtime
