package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"echopal/internal/app"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	subtleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("78"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	sourceStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")).
			Italic(true)
)

// renderMarkdown falls back to the plain text when the terminal renderer
// cannot be built.
func renderMarkdown(text string) string {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return text
	}
	out, err := r.Render(text)
	if err != nil {
		return text
	}
	return out
}

func renderSources(result *app.AnswerResult) string {
	if len(result.Sources) == 0 {
		return ""
	}
	line := "Sources: " + strings.Join(result.Sources, ", ")
	if result.Fallback {
		line += " (closest match, below confidence threshold)"
	}
	return sourceStyle.Render(line)
}

func statusLine(status, source string, count int) string {
	switch status {
	case app.StatusAdded:
		return successStyle.Render(fmt.Sprintf("added    %s (%d chunks)", source, count))
	case app.StatusRemoved:
		return successStyle.Render(fmt.Sprintf("removed  %s (%d chunks)", source, count))
	case app.StatusSkipped:
		return subtleStyle.Render(fmt.Sprintf("skipped  %s (already indexed, %d chunks)", source, count))
	default:
		return warnStyle.Render(fmt.Sprintf("%-8s %s", status, source))
	}
}
