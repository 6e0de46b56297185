package ui

import (
	"strings"

	"charm.land/lipgloss/v2"
)

// KV renders aligned "key: value" lines.
func KV(pairs ...[2]string) string {
	width := 0
	for _, p := range pairs {
		width = max(width, lipgloss.Width(p[0]))
	}
	var b strings.Builder
	for _, p := range pairs {
		pad := strings.Repeat(" ", width-lipgloss.Width(p[0]))
		b.WriteString(RenderKey(p[0]+":") + pad + " " + p[1] + "\n")
	}
	return b.String()
}
