// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package api is the HTTP client for the wellness backend.
//
// It covers habits, journals and chat:
//
//	GET    /habits                  ListHabits
//	POST   /habits                  CreateHabit
//	PATCH  /habits/{id}             UpdateHabit
//	DELETE /habits/{id}             DeleteHabit
//	POST   /habits/{id}/archive     ArchiveHabit
//	POST   /habits/{id}/complete    CompleteHabit
//	GET    /journals                ListJournals
//	POST   /journals                CreateJournal
//	POST   /chat/                   SendMessage
//	DELETE /chat/sessions/{id}      DeleteChatSession
//
// Every request carries "Authorization: Bearer <token>" when a token is
// available. Non-2xx replies are returned as *syncerr.StatusError so callers
// can classify conflicts (409/412) by status code.
package api
