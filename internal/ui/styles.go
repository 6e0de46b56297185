// Package ui styles command line output. Styling is dropped when stdout is
// not a terminal or NO_COLOR is set.
package ui

import (
	"os"
	"sync/atomic"

	"charm.land/lipgloss/v2"
	"golang.org/x/term"
)

var (
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#86b300")).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#f2ae49"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#f07171")).Bold(true)
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#399ee6"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#828c99"))
	keyStyle    = lipgloss.NewStyle().Bold(true)
)

var colorEnabled atomic.Bool

func init() {
	colorEnabled.Store(detectColor())
}

func detectColor() bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	return term.IsTerminal(int(os.Stdout.Fd())) //nolint:gosec // G115: fd fits in int
}

// SetColor forces styling on or off.
func SetColor(enabled bool) { colorEnabled.Store(enabled) }

// ColorEnabled reports whether output is styled.
func ColorEnabled() bool { return colorEnabled.Load() }

func render(s lipgloss.Style, text string) string {
	if !colorEnabled.Load() {
		return text
	}
	return s.Render(text)
}

// RenderPass renders a success marker or message.
func RenderPass(text string) string { return render(passStyle, text) }

// RenderWarn renders a warning.
func RenderWarn(text string) string { return render(warnStyle, text) }

// RenderFail renders an error.
func RenderFail(text string) string { return render(failStyle, text) }

// RenderAccent highlights a value such as a URL or path.
func RenderAccent(text string) string { return render(accentStyle, text) }

// RenderMuted renders secondary detail.
func RenderMuted(text string) string { return render(mutedStyle, text) }

// RenderKey renders the label of a key/value line.
func RenderKey(text string) string { return render(keyStyle, text) }
