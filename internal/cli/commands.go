// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeranaias/wellsync/internal/notify"
	"github.com/jeranaias/wellsync/internal/queue"
	"github.com/jeranaias/wellsync/internal/session"
	"github.com/jeranaias/wellsync/internal/util"
)

// drainTimeout bounds a one-shot drain.
const drainTimeout = 2 * time.Minute

// =============================================================================
// QUEUE
// =============================================================================

// QueueStatus is the per-kind view printed by `wellsync queue`.
type QueueStatus struct {
	Kind    queue.Kind `json:"kind"`
	Pending int        `json:"pending"`
	// Locked is set when a blob exists but no passphrase was given.
	Locked bool `json:"locked"`
}

// NewQueueCommand shows how many offline changes wait to sync.
func NewQueueCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Show pending offline changes",
		Long: `Show how many creates wait in the offline queue.

Counts need the queue passphrase, read from ` + PassphraseEnv + ` or prompted
for on a terminal. Without it the queue is reported as locked.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			return OutputJSON(cmd.OutOrStdout(), opts.JSON, "queue", func() (any, error) {
				if err := a.unlock(cmd.ErrOrStderr(), false); err != nil {
					return nil, err
				}
				statuses := queueStatus(a)
				if !opts.JSON {
					printQueueStatus(cmd.OutOrStdout(), statuses)
				}
				return statuses, nil
			})
		},
	}
}

func queueStatus(a *app) []QueueStatus {
	out := make([]QueueStatus, 0, len(queue.DrainOrder))
	for _, kind := range queue.DrainOrder {
		st := QueueStatus{Kind: kind, Pending: a.eng.QueueLenOf(kind)}
		if !a.eng.HasPassphrase() && a.eng.QueueStored(kind) {
			st.Locked = true
		}
		out = append(out, st)
	}
	return out
}

func printQueueStatus(w io.Writer, statuses []QueueStatus) {
	fmt.Fprintln(w, TitleStyle.Render("Offline queue"))
	for _, st := range statuses {
		value := fmt.Sprintf("%d pending", st.Pending)
		if st.Locked {
			value = WarningStyle.Render("locked (passphrase needed)")
		}
		fmt.Fprintln(w, RenderField(string(st.Kind), value))
	}
}

// =============================================================================
// DRAIN
// =============================================================================

// NewDrainCommand replays the offline queue once.
func NewDrainCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Replay queued offline changes now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rec := &notify.Recorder{}
			a, err := openApp(opts, appOptions{Notifier: rec})
			if err != nil {
				return err
			}
			defer a.close()

			return OutputJSON(cmd.OutOrStdout(), opts.JSON, "drain", func() (any, error) {
				if !a.eng.IsOnline() {
					return nil, fmt.Errorf("cannot drain while offline mode is on")
				}
				if err := a.unlock(cmd.ErrOrStderr(), true); err != nil {
					return nil, err
				}
				ctx, cancel := context.WithTimeout(cmd.Context(), drainTimeout)
				defer cancel()

				n, err := a.eng.Drain(ctx)
				if err != nil {
					return nil, err
				}
				result := map[string]any{"replayed": n, "remaining": a.eng.QueueLen()}
				if !opts.JSON {
					for _, notice := range rec.Notices() {
						fmt.Fprintln(cmd.OutOrStdout(), RenderNotice(notice))
					}
					fmt.Fprintln(cmd.OutOrStdout(), RenderField("replayed", fmt.Sprint(n)))
					fmt.Fprintln(cmd.OutOrStdout(), RenderField("remaining", fmt.Sprint(a.eng.QueueLen())))
				}
				return result, nil
			})
		},
	}
}

// =============================================================================
// SESSIONS
// =============================================================================

// SessionInfo is one row of `wellsync sessions`.
type SessionInfo struct {
	session.ChatSession
	Active bool `json:"active"`
}

// NewSessionsCommand lists, shows and deletes chat sessions.
func NewSessionsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List chat sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			return OutputJSON(cmd.OutOrStdout(), opts.JSON, "sessions", func() (any, error) {
				active := a.eng.State().Session.ID
				var rows []SessionInfo
				for _, cs := range a.eng.Sessions() {
					rows = append(rows, SessionInfo{ChatSession: cs, Active: cs.ID == active})
				}
				if !opts.JSON {
					printSessions(cmd.OutOrStdout(), rows)
				}
				return rows, nil
			})
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Print the messages of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			return OutputJSON(cmd.OutOrStdout(), opts.JSON, "sessions show", func() (any, error) {
				msgs, err := a.eng.MessagesFor(args[0])
				if err != nil {
					return nil, err
				}
				if !opts.JSON {
					for _, m := range msgs {
						fmt.Fprintln(cmd.OutOrStdout(), RenderMessage(m))
					}
				}
				return msgs, nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a session here and on the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			return OutputJSON(cmd.OutOrStdout(), opts.JSON, "sessions delete", func() (any, error) {
				if err := a.eng.DeleteSession(cmd.Context(), args[0]); err != nil {
					return nil, err
				}
				if !opts.JSON {
					fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render("[OK]")+" Deleted session "+args[0])
				}
				return map[string]string{"deleted": args[0]}, nil
			})
		},
	})
	return cmd
}

func printSessions(w io.Writer, rows []SessionInfo) {
	if len(rows) == 0 {
		fmt.Fprintln(w, DimStyle.Render("No sessions"))
		return
	}
	for _, r := range rows {
		marker := "  "
		if r.Active {
			marker = SuccessStyle.Render("* ")
		}
		fmt.Fprintf(w, "%s%s  %s  %s\n", marker,
			DimStyle.Render(r.ID),
			ValueStyle.Render(util.TruncateWidth(r.Title, 40)),
			DimStyle.Render(r.CreatedAt.Local().Format("2006-01-02 15:04")))
	}
}

// =============================================================================
// AUDIT
// =============================================================================

// NewAuditCommand prints the local audit log.
func NewAuditCommand(opts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the local audit log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			return OutputJSON(cmd.OutOrStdout(), opts.JSON, "audit", func() (any, error) {
				entries, err := a.eng.Audit()
				if err != nil {
					return nil, err
				}
				if limit > 0 && len(entries) > limit {
					entries = entries[len(entries)-limit:]
				}
				if !opts.JSON {
					printAudit(cmd.OutOrStdout(), entries)
				}
				return entries, nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "show only the last N entries (0 for all)")
	return cmd
}

func printAudit(w io.Writer, entries []session.AuditLogEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, DimStyle.Render("Audit log is empty"))
		return
	}
	for _, e := range entries {
		payload := ""
		if len(e.Payload) > 0 && string(e.Payload) != "{}" && string(e.Payload) != "null" {
			var compact map[string]any
			if json.Unmarshal(e.Payload, &compact) == nil {
				payload = string(e.Payload)
			}
		}
		fmt.Fprintf(w, "%s  %s %s\n",
			DimStyle.Render(e.Timestamp.Local().Format(time.DateTime)),
			InfoStyle.Render(e.Action),
			DimStyle.Render(payload))
	}
}
