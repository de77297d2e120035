// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package mutation applies user changes optimistically.
//
// A change is shown locally at once, then sent to the server with bounded
// retry. Success records an undo entry and an audit line. A conflict
// (409/412) throws the local change away and reloads the collection. Any
// other failure puts the collection back exactly as it was.
//
//	res := mutation.Resource[api.Habit]{Name: "habit", Items: habits, Fetch: client.ListHabits}
//	outcome, err := mutation.Run(ctx, ctl, res, mutation.Mutation[api.Habit]{...})
package mutation
