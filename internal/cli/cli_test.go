// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/wellsync/internal/api"
	"github.com/jeranaias/wellsync/internal/engine"
	"github.com/jeranaias/wellsync/internal/notify"
	"github.com/jeranaias/wellsync/internal/offline"
	"github.com/jeranaias/wellsync/internal/queue"
	"github.com/jeranaias/wellsync/internal/realtime"
	"github.com/jeranaias/wellsync/internal/storage"
	"github.com/jeranaias/wellsync/internal/syncerr"
)

func init() {
	SetColorsEnabled(false)
}

// =============================================================================
// HELPERS
// =============================================================================

var errUnreachable = errors.New("backend unreachable")

// unreachableBackend fails every call; shell tests run offline.
type unreachableBackend struct{}

func (unreachableBackend) ListHabits(context.Context) ([]api.Habit, error) {
	return nil, errUnreachable
}
func (unreachableBackend) CreateHabit(context.Context, api.NewHabit) (api.Habit, error) {
	return api.Habit{}, errUnreachable
}
func (unreachableBackend) UpdateHabit(context.Context, api.ID, api.HabitPatch) (api.Habit, error) {
	return api.Habit{}, errUnreachable
}
func (unreachableBackend) DeleteHabit(context.Context, api.ID) error { return errUnreachable }
func (unreachableBackend) ArchiveHabit(context.Context, api.ID) (api.Habit, error) {
	return api.Habit{}, errUnreachable
}
func (unreachableBackend) CompleteHabit(context.Context, api.ID) (api.Completion, error) {
	return api.Completion{}, errUnreachable
}
func (unreachableBackend) ListJournals(context.Context) ([]api.Journal, error) {
	return nil, errUnreachable
}
func (unreachableBackend) CreateJournal(context.Context, api.NewJournal) (api.Journal, error) {
	return api.Journal{}, errUnreachable
}
func (unreachableBackend) SendMessage(context.Context, api.ChatRequest) (api.ChatReply, error) {
	return api.ChatReply{}, errUnreachable
}
func (unreachableBackend) DeleteChatSession(context.Context, string) error { return errUnreachable }

// newTestShell returns a shell over an engine that starts in forced
// offline mode.
func newTestShell(t *testing.T) (*shell, *bytes.Buffer) {
	t.Helper()
	out := &bytes.Buffer{}
	sh := &shell{out: out, prompt: func(string) (string, error) { return "correct horse", nil }}

	monitor := offline.NewMonitor(true)
	monitor.SetForcedOffline(true)
	eng, err := engine.New(engine.Options{
		Backend: unreachableBackend{},
		Dialer: realtime.DialerFunc(func(context.Context, string, string) (realtime.Conn, error) {
			return nil, errUnreachable
		}),
		KV:               storage.NewMemoryKV(),
		Monitor:          monitor,
		Notifier:         notify.Func(sh.notice),
		Events:           sh.events(),
		Realtime:         realtime.Options{KeepaliveInterval: -1},
		KDFIterations:    1000,
		DrainMinInterval: -1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	sh.eng = eng
	sh.badge = monitor.StatusBadge
	out.Reset()
	return sh, out
}

// clearEnv unsets the config overrides and points data at a temp dir.
func clearEnv(t *testing.T) string {
	t.Helper()
	for _, k := range []string{
		"WELLSYNC_API_URL", "WELLSYNC_WS_URL", "WELLSYNC_TOKEN", "WELLSYNC_STORAGE",
		"WELLSYNC_LOG_LEVEL", "WELLSYNC_OFFLINE", PassphraseEnv,
	} {
		t.Setenv(k, "")
	}
	dir := t.TempDir()
	t.Setenv("WELLSYNC_DATA_DIR", filepath.Join(dir, "data"))
	return dir
}

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// =============================================================================
// PARSING
// =============================================================================

func TestParseCommand(t *testing.T) {
	tests := []struct {
		input string
		want  command
	}{
		{"  hello there ", command{Text: "hello there"}},
		{"/HELP", command{Name: "/help", Text: ""}},
		{"/habit add  Drink water", command{Name: "/habit", Args: []string{"add", "Drink", "water"}, Text: "add  Drink water"}},
		{"/open abc", command{Name: "/open", Args: []string{"abc"}, Text: "abc"}},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseCommand(tt.input)
			assert.Equal(t, tt.want.Name, got.Name)
			assert.Equal(t, tt.want.Text, got.Text)
			if tt.want.Args == nil {
				assert.Empty(t, got.Args)
			} else {
				assert.Equal(t, tt.want.Args, got.Args)
			}
		})
	}
}

func TestCommand_AfterArgs(t *testing.T) {
	c := parseCommand("/habit rename 12 Morning  walk")
	assert.Equal(t, "12 Morning  walk", c.afterArgs(1))
	assert.Equal(t, "Morning  walk", c.afterArgs(2))
	assert.Equal(t, "", c.afterArgs(5))
}

func TestParseJournal(t *testing.T) {
	in, err := parseJournal("mood:7 Slept well")
	require.NoError(t, err)
	assert.Equal(t, api.NewJournal{Content: "Slept well", Mood: 7}, in)

	in, err = parseJournal("Just a note")
	require.NoError(t, err)
	assert.Equal(t, api.NewJournal{Content: "Just a note"}, in)

	_, err = parseJournal("mood:11 too happy")
	assert.Error(t, err)
}

// =============================================================================
// SHELL
// =============================================================================

func TestShell_QuitAndUnknown(t *testing.T) {
	sh, _ := newTestShell(t)
	ctx := context.Background()

	assert.ErrorIs(t, sh.handle(ctx, "/quit"), errQuit)
	assert.ErrorContains(t, sh.handle(ctx, "/bogus"), "unknown command")
	assert.NoError(t, sh.handle(ctx, "   "))
}

func TestShell_OfflineHabitNeedsPassphrase(t *testing.T) {
	sh, out := newTestShell(t)
	ctx := context.Background()

	err := sh.handle(ctx, "/habit add Drink water")
	assert.ErrorIs(t, err, syncerr.ErrPassphraseMissing)

	require.NoError(t, sh.handle(ctx, "/passphrase"))
	assert.Contains(t, out.String(), "Offline queue unlocked")

	out.Reset()
	require.NoError(t, sh.handle(ctx, "/habit add Drink water"))
	assert.Contains(t, out.String(), "[QUEUED]")
	assert.Equal(t, 1, sh.eng.QueueLen())

	out.Reset()
	require.NoError(t, sh.handle(ctx, "/habits"))
	assert.Contains(t, out.String(), "Drink water")
	assert.Contains(t, out.String(), "not synced")
}

func TestShell_OfflineJournalWithMood(t *testing.T) {
	sh, out := newTestShell(t)
	ctx := context.Background()
	require.NoError(t, sh.handle(ctx, "/passphrase"))

	require.NoError(t, sh.handle(ctx, "/journal mood:6 Calm afternoon"))
	assert.Equal(t, 1, sh.eng.QueueLenOf(queue.KindJournalCreate))

	out.Reset()
	require.NoError(t, sh.handle(ctx, "/journals"))
	assert.Contains(t, out.String(), "Calm afternoon")
	assert.Contains(t, out.String(), "(mood 6)")
}

func TestShell_PassphraseClear(t *testing.T) {
	sh, _ := newTestShell(t)
	ctx := context.Background()

	require.NoError(t, sh.handle(ctx, "/passphrase"))
	assert.True(t, sh.eng.HasPassphrase())
	require.NoError(t, sh.handle(ctx, "/passphrase clear"))
	assert.False(t, sh.eng.HasPassphrase())

	sh.prompt = func(string) (string, error) { return "", nil }
	assert.Error(t, sh.handle(ctx, "/passphrase"))
}

func TestShell_OfflineToggle(t *testing.T) {
	sh, _ := newTestShell(t)
	ctx := context.Background()

	assert.True(t, strings.HasPrefix(sh.promptText(), "[OFFLINE] wellsync>"))
	require.NoError(t, sh.handle(ctx, "/offline off"))
	assert.True(t, sh.eng.IsOnline())
	assert.NotContains(t, sh.promptText(), "[OFFLINE]")
	require.NoError(t, sh.handle(ctx, "/offline on"))
	assert.False(t, sh.eng.IsOnline())
	assert.Contains(t, sh.promptText(), "[OFFLINE]")
	assert.Error(t, sh.handle(ctx, "/offline maybe"))
}

func TestShell_ChatWhileOffline(t *testing.T) {
	sh, _ := newTestShell(t)
	err := sh.handle(context.Background(), "hi there")
	assert.Error(t, err)

	msgs := sh.eng.Messages()
	require.NotEmpty(t, msgs)
	assert.Equal(t, "hi there", msgs[0].Text)
}

func TestShell_Personality(t *testing.T) {
	sh, out := newTestShell(t)
	ctx := context.Background()

	require.NoError(t, sh.handle(ctx, "/personality coach"))
	assert.Equal(t, "coach", sh.eng.Personality())
	assert.Contains(t, out.String(), "Switched to coach personality")

	out.Reset()
	require.NoError(t, sh.handle(ctx, "/personality"))
	assert.Contains(t, out.String(), "coach")
}

func TestShell_Sessions(t *testing.T) {
	sh, out := newTestShell(t)
	ctx := context.Background()
	first := sh.eng.State().Session.ID

	require.NoError(t, sh.handle(ctx, "/new"))
	second := sh.eng.State().Session.ID
	assert.NotEqual(t, first, second)

	out.Reset()
	require.NoError(t, sh.handle(ctx, "/sessions"))
	assert.Contains(t, out.String(), first)
	assert.Contains(t, out.String(), second)

	require.NoError(t, sh.handle(ctx, "/open "+first))
	assert.Equal(t, first, sh.eng.State().Session.ID)
	assert.Error(t, sh.handle(ctx, "/open"))
}

func TestShell_FailedNoticeSuppressesError(t *testing.T) {
	sh, out := newTestShell(t)
	sh.notice(notify.Failed("Could not save", errUnreachable))
	sh.printError(errUnreachable)
	assert.Equal(t, 1, strings.Count(out.String(), "backend unreachable"))

	out.Reset()
	sh.printError(errUnreachable)
	assert.Contains(t, out.String(), "[Error]")
}

// =============================================================================
// RENDERING
// =============================================================================

func TestRenderNotice(t *testing.T) {
	assert.Equal(t, "[QUEUED] "+notify.MsgQueued, RenderNotice(notify.Queued()))
	assert.Equal(t, "[OK] Synced 2 pending item(s)", RenderNotice(notify.Synced(2)))
	assert.Equal(t, "[CHANNEL] Back online", RenderNotice(notify.Notice{Kind: notify.KindChannel, Message: "Back online"}))
}

// =============================================================================
// COMMANDS
// =============================================================================

func TestVersionCommand_JSON(t *testing.T) {
	out, err := execute(t, "version", "--json")
	require.NoError(t, err)

	var resp JSONResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "version", resp.Command)
	assert.Nil(t, resp.Error)
}

func TestConfigCommand_SetGet(t *testing.T) {
	dir := clearEnv(t)
	path := filepath.Join(dir, "config.toml")

	_, err := execute(t, "--config", path, "config", "set", "chat.personality", "coach")
	require.NoError(t, err)

	out, err := execute(t, "--config", path, "config", "get", "chat.personality")
	require.NoError(t, err)
	assert.Equal(t, "coach\n", out)

	_, err = execute(t, "--config", path, "config", "set", "no.such", "x")
	assert.Error(t, err)
	_, err = execute(t, "--config", path, "config", "set", "storage.backend", "floppy")
	assert.Error(t, err)
}

func TestConfigCommand_TokenIsRedacted(t *testing.T) {
	dir := clearEnv(t)
	path := filepath.Join(dir, "config.toml")

	out, err := execute(t, "--config", path, "config", "set", "api.token", "s3cret")
	require.NoError(t, err)
	assert.NotContains(t, out, "s3cret")

	out, err = execute(t, "--config", path, "config", "get", "api.token")
	require.NoError(t, err)
	assert.NotContains(t, out, "s3cret")
}

func TestQueueCommand_MemoryBackend(t *testing.T) {
	dir := clearEnv(t)
	t.Setenv("WELLSYNC_STORAGE", "memory")

	out, err := execute(t, "--config", filepath.Join(dir, "config.toml"), "--json", "queue")
	require.NoError(t, err)

	var resp struct {
		Success bool          `json:"success"`
		Data    []QueueStatus `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.True(t, resp.Success)
	require.Len(t, resp.Data, len(queue.DrainOrder))
	for _, st := range resp.Data {
		assert.Zero(t, st.Pending)
		assert.False(t, st.Locked)
	}
}

func TestDrainCommand_OfflineFails(t *testing.T) {
	dir := clearEnv(t)
	t.Setenv("WELLSYNC_STORAGE", "memory")

	_, err := execute(t, "--config", filepath.Join(dir, "config.toml"), "--offline", "drain")
	assert.ErrorContains(t, err, "offline")
}
