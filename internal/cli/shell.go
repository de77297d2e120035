// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// shell.go - Interactive wellsync shell.
//
// Plain input is sent to the assistant. Slash commands manage habits,
// journal entries, sessions and the offline queue:
//
//	/help                   Show commands
//	/habits                 List habits
//	/habit add <title>      Create a habit
//	/habit done <id>        Mark a habit complete
//	/habit rename <id> <t>  Change a habit's title
//	/habit archive <id>     Archive a habit
//	/habit rm <id>          Delete a habit
//	/journal [mood:N] <t>   Write a journal entry
//	/journals               List journal entries
//	/undo                   Revert the last habit change
//	/new                    Start a new chat session
//	/sessions               List chat sessions
//	/open <id>              Switch to a session
//	/delete <id>            Delete a session
//	/personality [name]     Show or switch the assistant personality
//	/passphrase [clear]     Unlock or lock the offline queue
//	/offline on|off         Force offline mode
//	/drain                  Replay the offline queue now
//	/status                 Show connection and queue state
//	/quit                   Exit

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/jeranaias/wellsync/internal/api"
	"github.com/jeranaias/wellsync/internal/config"
	"github.com/jeranaias/wellsync/internal/engine"
	"github.com/jeranaias/wellsync/internal/mutation"
	"github.com/jeranaias/wellsync/internal/notify"
	"github.com/jeranaias/wellsync/internal/realtime"
	"github.com/jeranaias/wellsync/internal/session"
	"github.com/jeranaias/wellsync/internal/util"
)

// historyFileName lives in the config directory.
const historyFileName = "shell_history"

// errQuit ends the REPL.
var errQuit = errors.New("quit")

// =============================================================================
// COMMAND
// =============================================================================

// NewShellCommand starts the interactive shell.
func NewShellCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "shell",
		Aliases: []string{"chat"},
		Short:   "Start the interactive shell",
		Long: `Start an interactive session with the assistant.

Habits and journal entries created while offline are encrypted with the
queue passphrase and synced when the connection returns. Type /help for
the list of commands.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShell(cmd.Context(), opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

func runShell(parent context.Context, opts *RootOptions, out, errOut io.Writer) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt)
	defer stop()

	sh := &shell{out: out}
	a, err := openApp(opts, appOptions{
		Notifier: notify.Func(sh.notice),
		Events:   sh.events(),
		Probe:    true,
		// Logs would interleave with the prompt; warnings still reach the
		// log file when one is configured.
		LogWriter: errOut,
	})
	if err != nil {
		return err
	}
	defer a.close()
	sh.eng = a.eng
	sh.prompt = func(p string) (string, error) { return promptSecret(out, p) }
	sh.badge = a.monitor.StatusBadge

	if err := a.unlock(out, false); err != nil && !errors.Is(err, ErrNotTerminal) {
		return err
	}
	if err := a.eng.Start(ctx); err != nil {
		return err
	}

	err = config.Watch(ctx, a.cfgPath, 0, func(cfg *config.Config, err error) {
		if err != nil {
			a.logger.Warn("config reload failed", "err", err)
			return
		}
		a.applyConfig(cfg)
		a.logger.Info("config reloaded", "path", a.cfgPath)
	})
	if err != nil {
		a.logger.Warn("config watch disabled", "err", err)
	}

	sh.printBanner()

	in := newLineReader()
	defer in.Close()

	for {
		input, err := in.ReadInput(sh.promptText())
		if err != nil {
			// Ctrl+C at the prompt, Ctrl+D or a closed stdin all exit.
			fmt.Fprintln(out)
			return nil
		}
		if err := sh.handle(ctx, input); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			sh.printError(err)
		}
	}
}

// =============================================================================
// LINE READER
// =============================================================================

// lineReader provides line editing and persistent input history.
type lineReader struct {
	line        *liner.State
	historyFile string
}

func newLineReader() *lineReader {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	dir, err := config.ConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	r := &lineReader{line: line, historyFile: filepath.Join(dir, historyFileName)}
	if f, err := os.Open(r.historyFile); err == nil {
		r.line.ReadHistory(f)
		f.Close()
	}
	return r
}

// ReadInput reads one line. Non-blank lines are added to history, except
// /passphrase lines which may carry a secret.
func (r *lineReader) ReadInput(prompt string) (string, error) {
	input, err := r.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if t := strings.TrimSpace(input); t != "" && !strings.HasPrefix(t, "/passphrase") {
		r.line.AppendHistory(input)
	}
	return input, nil
}

// Close saves history with owner-only permissions and restores the terminal.
func (r *lineReader) Close() {
	if err := os.MkdirAll(filepath.Dir(r.historyFile), 0700); err == nil {
		if f, err := os.OpenFile(r.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600); err == nil {
			r.line.WriteHistory(f)
			f.Close()
		}
	}
	r.line.Close()
}

// =============================================================================
// PARSING
// =============================================================================

// command is one parsed line of shell input.
type command struct {
	// Name is the lowercased slash command, or "" for chat text.
	Name string
	// Args are the whitespace separated words after Name.
	Args []string
	// Text is everything after Name with inner spacing preserved.
	Text string
}

// parseCommand splits a line into a command. Lines that do not start with
// a slash are chat text.
func parseCommand(input string) command {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, "/") {
		return command{Text: input}
	}
	name, rest, _ := strings.Cut(input, " ")
	rest = strings.TrimSpace(rest)
	return command{
		Name: strings.ToLower(name),
		Args: strings.Fields(rest),
		Text: rest,
	}
}

// afterArgs returns Text with the first n words removed.
func (c command) afterArgs(n int) string {
	rest := c.Text
	for i := 0; i < n; i++ {
		rest = strings.TrimSpace(rest)
		if j := strings.IndexAny(rest, " \t"); j >= 0 {
			rest = rest[j:]
		} else {
			rest = ""
		}
	}
	return strings.TrimSpace(rest)
}

// parseJournal reads an optional leading "mood:N" token.
func parseJournal(text string) (api.NewJournal, error) {
	first, rest, _ := strings.Cut(strings.TrimSpace(text), " ")
	if v, ok := strings.CutPrefix(strings.ToLower(first), "mood:"); ok {
		mood, err := strconv.Atoi(v)
		if err != nil || mood < 1 || mood > 10 {
			return api.NewJournal{}, fmt.Errorf("mood must be a number from 1 to 10")
		}
		return api.NewJournal{Content: strings.TrimSpace(rest), Mood: mood}, nil
	}
	return api.NewJournal{Content: strings.TrimSpace(text)}, nil
}

// =============================================================================
// SHELL
// =============================================================================

// shell dispatches input to the engine and prints the results.
type shell struct {
	eng *engine.Engine
	out io.Writer
	// prompt reads a secret; replaced in tests.
	prompt func(string) (string, error)
	// badge marks the input prompt while offline.
	badge func() string
	// failed is set when a failure notice was printed during a command so
	// the error is not printed twice.
	failed atomic.Bool
}

func (s *shell) promptText() string {
	p := PromptStyle.Render("wellsync> ")
	if s.badge == nil {
		return p
	}
	if b := s.badge(); b != "" {
		return WarningStyle.Render(b) + " " + p
	}
	return p
}

func (s *shell) notice(n notify.Notice) {
	if n.Kind == notify.KindFailed {
		s.failed.Store(true)
	}
	fmt.Fprintln(s.out, RenderNotice(n))
}

func (s *shell) events() engine.Events {
	return engine.Events{
		Message: func(m session.Message) {
			// The user's own lines are already on screen.
			if m.Sender != session.SenderUser {
				fmt.Fprintln(s.out, RenderMessage(m))
			}
		},
		Typing: func(typing bool) {
			if typing {
				fmt.Fprintln(s.out, DimStyle.Render("assistant is typing..."))
			}
		},
		Channel: func(st realtime.State) {
			if st.Status == realtime.Error && st.LastError != nil {
				fmt.Fprintln(s.out, RenderField("channel", RenderChannel(st)+" "+DimStyle.Render(st.LastError.Error())))
			}
		},
		Session: func(cs session.ChatSession) {
			fmt.Fprintln(s.out, RenderField("session", cs.Title+" "+DimStyle.Render("("+cs.ID+")")))
		},
	}
}

func (s *shell) printError(err error) {
	if s.failed.Swap(false) {
		return
	}
	fmt.Fprintf(s.out, "%s %v\n", ErrorStyle.Render("[Error]"), err)
}

func (s *shell) printBanner() {
	st := s.eng.State()
	fmt.Fprintln(s.out, TitleStyle.Render("wellsync "+Version))
	fmt.Fprintln(s.out, RenderField("session", st.Session.Title))
	fmt.Fprintln(s.out, RenderField("personality", st.Personality))
	fmt.Fprintln(s.out, RenderField("network", onlineLabel(st)))
	if !st.HasPassphrase {
		fmt.Fprintln(s.out, WarningStyle.Render("Offline queue is locked. Use /passphrase to unlock it."))
	}
	fmt.Fprintln(s.out, DimStyle.Render("Type /help for commands, Ctrl+D to exit"))
}

// handle runs one line of input. It returns errQuit to end the shell.
func (s *shell) handle(ctx context.Context, input string) error {
	s.failed.Store(false)
	c := parseCommand(input)
	if c.Name == "" {
		if c.Text == "" {
			return nil
		}
		_, err := s.eng.SendMessage(ctx, c.Text)
		return err
	}

	switch c.Name {
	case "/help", "/h", "/?", "/":
		s.printHelp()
	case "/quit", "/q", "/exit":
		return errQuit
	case "/status", "/s":
		s.printStatus()
	case "/habits":
		s.printHabits()
	case "/habit":
		return s.habitCommand(ctx, c)
	case "/journal", "/j":
		in, err := parseJournal(c.Text)
		if err != nil {
			return err
		}
		_, _, err = s.eng.CreateJournal(ctx, in)
		return err
	case "/journals":
		s.printJournals()
	case "/undo":
		_, err := s.eng.Undo(ctx)
		return err
	case "/new":
		_, err := s.eng.NewSession()
		return err
	case "/sessions":
		s.printSessions()
	case "/open":
		if len(c.Args) != 1 {
			return errors.New("usage: /open <session id>")
		}
		cs, err := s.eng.OpenSession(c.Args[0])
		if err != nil {
			return err
		}
		for _, m := range mustMessages(s.eng, cs.ID) {
			fmt.Fprintln(s.out, RenderMessage(m))
		}
	case "/delete":
		if len(c.Args) != 1 {
			return errors.New("usage: /delete <session id>")
		}
		if err := s.eng.DeleteSession(ctx, c.Args[0]); err != nil {
			return err
		}
		fmt.Fprintln(s.out, SuccessStyle.Render("[OK]")+" Session deleted")
	case "/personality", "/p":
		if len(c.Args) == 0 {
			fmt.Fprintln(s.out, RenderField("personality", s.eng.Personality()))
			return nil
		}
		return s.eng.SetPersonality(c.Text)
	case "/passphrase":
		return s.passphraseCommand(c)
	case "/offline":
		return s.offlineCommand(c)
	case "/drain":
		if !s.eng.IsOnline() {
			return errors.New("cannot drain while offline")
		}
		n, err := s.eng.Drain(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			fmt.Fprintln(s.out, DimStyle.Render("Nothing to sync"))
		}
	default:
		return fmt.Errorf("unknown command: %s (type /help for commands)", c.Name)
	}
	return nil
}

func (s *shell) habitCommand(ctx context.Context, c command) error {
	if len(c.Args) == 0 {
		return errors.New("usage: /habit add|done|rename|archive|rm ...")
	}
	sub := strings.ToLower(c.Args[0])
	if sub == "add" {
		_, _, err := s.eng.CreateHabit(ctx, api.NewHabit{Title: c.afterArgs(1)})
		return err
	}
	if len(c.Args) < 2 {
		return fmt.Errorf("usage: /habit %s <id>", sub)
	}
	id := api.ID(c.Args[1])

	var err error
	switch sub {
	case "done", "complete":
		var done api.Completion
		var outcome mutation.Outcome
		done, outcome, err = s.eng.CompleteHabit(ctx, id)
		if err == nil && outcome == mutation.OutcomeSaved && done.Message != "" {
			fmt.Fprintln(s.out, InfoStyle.Render(done.Message))
		}
	case "rename":
		title := c.afterArgs(2)
		if title == "" {
			return errors.New("usage: /habit rename <id> <title>")
		}
		_, _, err = s.eng.UpdateHabit(ctx, id, api.HabitPatch{Title: &title})
	case "archive":
		_, _, err = s.eng.ArchiveHabit(ctx, id)
	case "rm", "delete":
		_, err = s.eng.DeleteHabit(ctx, id)
	default:
		return fmt.Errorf("unknown habit command: %s", sub)
	}
	return err
}

func (s *shell) passphraseCommand(c command) error {
	if len(c.Args) > 0 && strings.EqualFold(c.Args[0], "clear") {
		s.eng.ClearPassphrase()
		fmt.Fprintln(s.out, WarningStyle.Render("Offline queue locked"))
		return nil
	}
	if s.prompt == nil {
		return ErrNotTerminal
	}
	p, err := s.prompt("Queue passphrase: ")
	if err != nil {
		return err
	}
	if p == "" {
		return errors.New("passphrase must not be blank")
	}
	s.eng.SetPassphrase(p)
	fmt.Fprintln(s.out, SuccessStyle.Render("[OK]")+" Offline queue unlocked")
	return nil
}

func (s *shell) offlineCommand(c command) error {
	if len(c.Args) == 0 {
		fmt.Fprintln(s.out, RenderField("network", onlineLabel(s.eng.State())))
		return nil
	}
	switch strings.ToLower(c.Args[0]) {
	case "on":
		s.eng.SetForcedOffline(true)
	case "off":
		s.eng.SetForcedOffline(false)
	default:
		return errors.New("usage: /offline on|off")
	}
	return nil
}

// =============================================================================
// OUTPUT
// =============================================================================

func onlineLabel(st engine.Status) string {
	switch {
	case st.ForcedOffline:
		return WarningStyle.Render("offline (forced)")
	case !st.Online:
		return WarningStyle.Render("offline")
	default:
		return SuccessStyle.Render("online")
	}
}

func (s *shell) printStatus() {
	st := s.eng.State()
	fmt.Fprintln(s.out, RenderSeparator(40))
	fmt.Fprintln(s.out, RenderField("network", onlineLabel(st)))
	fmt.Fprintln(s.out, RenderField("channel", RenderChannel(st.Channel)))
	if st.Channel.ReconnectAttempt > 0 {
		fmt.Fprintln(s.out, RenderField("reconnect attempt", strconv.Itoa(st.Channel.ReconnectAttempt)))
	}
	fmt.Fprintln(s.out, RenderField("session", st.Session.Title+" "+DimStyle.Render("("+st.Session.ID+")")))
	fmt.Fprintln(s.out, RenderField("personality", st.Personality))
	queued := strconv.Itoa(st.Queued) + " pending"
	if !st.HasPassphrase {
		queued = WarningStyle.Render("locked")
	}
	fmt.Fprintln(s.out, RenderField("offline queue", queued))
	fmt.Fprintln(s.out, RenderSeparator(40))
}

func (s *shell) printHabits() {
	habits := s.eng.Habits()
	if len(habits) == 0 {
		fmt.Fprintln(s.out, DimStyle.Render("No habits yet. Try /habit add <title>"))
		return
	}
	for _, h := range habits {
		title := util.TruncateWidth(h.Title, 40)
		var tags []string
		if h.Streak > 0 {
			tags = append(tags, fmt.Sprintf("streak %d", h.Streak))
		}
		if h.Archived {
			tags = append(tags, "archived")
		}
		if h.ID.IsLocal() {
			tags = append(tags, "not synced")
		}
		line := fmt.Sprintf("  %-10s %s", DimStyle.Render(h.ID.String()), ValueStyle.Render(title))
		if len(tags) > 0 {
			line += " " + DimStyle.Render("("+strings.Join(tags, ", ")+")")
		}
		fmt.Fprintln(s.out, line)
	}
}

func (s *shell) printJournals() {
	journals := s.eng.Journals()
	if len(journals) == 0 {
		fmt.Fprintln(s.out, DimStyle.Render("No journal entries yet. Try /journal <text>"))
		return
	}
	for _, j := range journals {
		line := "  " + ValueStyle.Render(util.TruncateWidth(util.SingleLine(j.Content), GetTerminalWidth()-20))
		if j.Mood > 0 {
			line += " " + DimStyle.Render(fmt.Sprintf("(mood %d)", j.Mood))
		}
		if j.ID.IsLocal() {
			line += " " + WarningStyle.Render("(not synced)")
		}
		fmt.Fprintln(s.out, line)
	}
}

func (s *shell) printSessions() {
	active := s.eng.State().Session.ID
	var rows []SessionInfo
	for _, cs := range s.eng.Sessions() {
		rows = append(rows, SessionInfo{ChatSession: cs, Active: cs.ID == active})
	}
	printSessions(s.out, rows)
}

func (s *shell) printHelp() {
	commands := []struct{ cmd, desc string }{
		{"/habits", "List habits"},
		{"/habit add <title>", "Create a habit"},
		{"/habit done <id>", "Mark a habit complete"},
		{"/habit rename <id> <t>", "Rename a habit"},
		{"/habit archive <id>", "Archive a habit"},
		{"/habit rm <id>", "Delete a habit"},
		{"/journal [mood:N] <t>", "Write a journal entry"},
		{"/journals", "List journal entries"},
		{"/undo", "Revert the last habit change"},
		{"/new", "Start a new chat session"},
		{"/sessions", "List chat sessions"},
		{"/open <id>", "Switch to a session"},
		{"/delete <id>", "Delete a session"},
		{"/personality [name]", "Show or switch personality"},
		{"/passphrase [clear]", "Unlock or lock the offline queue"},
		{"/offline on|off", "Force offline mode"},
		{"/drain", "Sync queued changes now"},
		{"/status", "Show connection and queue state"},
		{"/quit", "Exit"},
	}
	fmt.Fprintln(s.out, TitleStyle.Render("Commands"))
	for _, c := range commands {
		fmt.Fprintf(s.out, "  %s  %s\n", PromptStyle.Render(fmt.Sprintf("%-24s", c.cmd)), InfoStyle.Render(c.desc))
	}
	fmt.Fprintln(s.out, DimStyle.Render("Anything else is sent to the assistant."))
}

func mustMessages(eng *engine.Engine, id string) []session.Message {
	msgs, err := eng.MessagesFor(id)
	if err != nil {
		return nil
	}
	return msgs
}
