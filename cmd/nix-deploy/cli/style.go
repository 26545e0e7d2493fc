// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// Theme is the color palette for terminal output. Colors are ANSI 256
// indices so they render the same on every terminal that supports 256
// colors, and degrade to plain text otherwise.
type Theme struct {
	NormalText       lipgloss.Color
	FaintText        lipgloss.Color
	HeaderForeground lipgloss.Color
	BorderColor      lipgloss.Color

	StatusOK      lipgloss.Color
	StatusSkipped lipgloss.Color
	StatusPlanned lipgloss.Color
	StatusPending lipgloss.Color
	StatusFailed  lipgloss.Color
}

// DefaultTheme is tuned for dark terminal backgrounds.
var DefaultTheme = Theme{
	NormalText:       lipgloss.Color("252"),
	FaintText:        lipgloss.Color("245"),
	HeaderForeground: lipgloss.Color("255"),
	BorderColor:      lipgloss.Color("240"),

	StatusOK:      lipgloss.Color("114"), // green
	StatusSkipped: lipgloss.Color("245"), // gray
	StatusPlanned: lipgloss.Color("75"),  // blue
	StatusPending: lipgloss.Color("220"), // amber
	StatusFailed:  lipgloss.Color("196"), // red
}

// Styles renders styled text for one output stream. The color profile
// is detected from the stream: a pipe or NO_COLOR yields plain text.
type Styles struct {
	Theme    Theme
	renderer *lipgloss.Renderer
}

// NewStyles returns Styles for w with its color profile detected.
func NewStyles(w io.Writer) *Styles {
	return &Styles{Theme: DefaultTheme, renderer: lipgloss.NewRenderer(w)}
}

// NewStylesWithProfile returns Styles for w with a fixed color profile.
// SetColorProfile is required because lipgloss.Renderer.ColorProfile()
// re-detects from the environment unless a profile was set explicitly.
func NewStylesWithProfile(w io.Writer, profile termenv.Profile) *Styles {
	renderer := lipgloss.NewRenderer(w, termenv.WithProfile(profile))
	renderer.SetColorProfile(profile)
	return &Styles{Theme: DefaultTheme, renderer: renderer}
}

// Colored reports whether output carries ANSI colors.
func (s *Styles) Colored() bool {
	return s.renderer.ColorProfile() != termenv.Ascii
}

func (s *Styles) newStyle() lipgloss.Style {
	return s.renderer.NewStyle()
}

// Heading renders a section heading.
func (s *Styles) Heading(text string) string {
	return s.newStyle().Bold(true).Foreground(s.Theme.HeaderForeground).Render(text)
}

// Faint renders secondary text.
func (s *Styles) Faint(text string) string {
	return s.newStyle().Foreground(s.Theme.FaintText).Render(text)
}

// Bold renders emphasized text.
func (s *Styles) Bold(text string) string {
	return s.newStyle().Bold(true).Render(text)
}

// Rule renders a horizontal rule of the given width.
func (s *Styles) Rule(width int) string {
	return s.newStyle().Foreground(s.Theme.BorderColor).Render(strings.Repeat("─", width))
}

// statusColor maps phase statuses and doctor check statuses to colors.
func (s *Styles) statusColor(status string) lipgloss.Color {
	switch status {
	case "ok", "pass", "fixed":
		return s.Theme.StatusOK
	case "skipped", "skip":
		return s.Theme.StatusSkipped
	case "planned":
		return s.Theme.StatusPlanned
	case "pending", "warn":
		return s.Theme.StatusPending
	case "failed", "fail":
		return s.Theme.StatusFailed
	}
	return s.Theme.NormalText
}

// Badge renders status as a fixed-width bracketed label, e.g.
// "[OK     ]", colored by its meaning.
func (s *Styles) Badge(status string) string {
	label := "[" + PadRight(strings.ToUpper(status), 7) + "]"
	return s.newStyle().Bold(true).Foreground(s.statusColor(status)).Render(label)
}

// PadRight pads text with spaces to width visible cells. ANSI escape
// sequences do not count toward the width.
func PadRight(text string, width int) string {
	if visible := ansi.StringWidth(text); visible < width {
		return text + strings.Repeat(" ", width-visible)
	}
	return text
}

// TerminalWidth returns the column count of f when it is a terminal,
// or fallback otherwise.
func TerminalWidth(f *os.File, fallback int) int {
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width <= 0 {
		return fallback
	}
	return width
}
