// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// styles.go - Shared styling for every wellsync command.

package cli

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/jeranaias/wellsync/internal/notify"
	"github.com/jeranaias/wellsync/internal/realtime"
	"github.com/jeranaias/wellsync/internal/session"
)

func init() {
	lipgloss.SetColorProfile(GetColorProfile())
}

// =============================================================================
// SHARED STYLES
// =============================================================================

var (
	// TitleStyle is used for command titles and headers
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39")). // Cyan
			MarginBottom(1)

	// LabelStyle is used for field labels
	LabelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")). // Light gray
			Width(18)

	ValueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")) // Off-white

	SuccessStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")). // Green
			Bold(true)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")). // Red
			Bold(true)

	WarningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")) // Yellow/Orange

	DimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("242")) // Dim gray

	SeparatorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")) // Dark gray

	InfoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("75")) // Blue

	// PromptStyle colors the shell prompt
	PromptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")).
			Bold(true)

	// Message sender styles
	userStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("75")).Bold(true)
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	systemStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("242")).Italic(true)
)

// =============================================================================
// HELPERS
// =============================================================================

// RenderSeparator renders a horizontal separator line. Default width is 60.
func RenderSeparator(width ...int) string {
	w := 60
	if len(width) > 0 && width[0] > 0 {
		w = width[0]
	}
	return SeparatorStyle.Render(strings.Repeat("=", w))
}

// RenderLabel renders a label with consistent width.
func RenderLabel(label string) string {
	return LabelStyle.Render(label)
}

// RenderField renders "label  value" on one line.
func RenderField(label, value string) string {
	return RenderLabel(label) + ValueStyle.Render(value)
}

// RenderNotice renders a notice with a tag matching its kind.
func RenderNotice(n notify.Notice) string {
	switch n.Kind {
	case notify.KindSaved, notify.KindSynced:
		return SuccessStyle.Render("[OK]") + " " + n.Message
	case notify.KindQueued:
		return WarningStyle.Render("[QUEUED]") + " " + n.Message
	case notify.KindRefreshed:
		return InfoStyle.Render("[REFRESHED]") + " " + n.Message
	case notify.KindFailed:
		return ErrorStyle.Render("[FAIL]") + " " + n.Message
	default:
		return DimStyle.Render("["+strings.ToUpper(string(n.Kind))+"]") + " " + n.Message
	}
}

// RenderMessage renders one chat message.
func RenderMessage(m session.Message) string {
	switch m.Sender {
	case session.SenderUser:
		line := userStyle.Render("you") + "  " + m.Text
		if m.Status == session.StatusFailed {
			line += " " + ErrorStyle.Render("(not delivered)")
		}
		return line
	case session.SenderAssistant:
		line := assistantStyle.Render("assistant") + "  " + m.Text
		if m.Emotion != "" {
			line += " " + DimStyle.Render("("+m.Emotion+")")
		}
		return line
	default:
		return systemStyle.Render("* " + m.Text)
	}
}

// RenderChannel renders the real-time channel status.
func RenderChannel(st realtime.State) string {
	label := st.Status.String()
	switch st.Status {
	case realtime.Connected:
		return SuccessStyle.Render(label)
	case realtime.Connecting:
		return WarningStyle.Render(label)
	case realtime.Error:
		return ErrorStyle.Render(label)
	default:
		return DimStyle.Render(label)
	}
}
