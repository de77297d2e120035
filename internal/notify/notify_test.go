// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package notify

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConstructors(t *testing.T) {
	assert.Equal(t, "Synced 2 pending item(s)", Synced(2).Message)
	assert.Equal(t, MsgQueued, Queued().Message)
	assert.Equal(t, KindRefreshed, Refreshed().Kind)

	f := Failed("Could not save habit", errors.New("boom"))
	assert.Equal(t, "Could not save habit: boom", f.Message)
	assert.Equal(t, "[failed] Could not save habit: boom", f.String())
}

func TestRecorder(t *testing.T) {
	var r Recorder
	var n Notifier = &r
	n.Notify(Queued())
	n.Notify(Synced(1))

	assert.Equal(t, []Kind{KindQueued, KindSynced}, r.Kinds())
	assert.Len(t, r.Notices(), 2)

	r.Reset()
	assert.Empty(t, r.Kinds())
}

func TestOrDiscard(t *testing.T) {
	assert.NotPanics(t, func() { OrDiscard(nil).Notify(Saved("x")) })

	var got Notice
	OrDiscard(Func(func(n Notice) { got = n })).Notify(Saved("x"))
	assert.Equal(t, "x", got.Message)
}
