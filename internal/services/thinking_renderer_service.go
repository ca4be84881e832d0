package services

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"neurochat/internal/logger"
)

// ThinkingRendererService dims provider thoughts so they read apart from the answer.
type ThinkingRendererService struct {
	label lipgloss.Style
	body  lipgloss.Style
}

// NewThinkingRendererService creates a new ThinkingRendererService instance.
func NewThinkingRendererService() *ThinkingRendererService {
	return &ThinkingRendererService{
		label: lipgloss.NewStyle().Faint(true).Bold(true),
		body:  lipgloss.NewStyle().Faint(true).Italic(true),
	}
}

// Name returns the service name "thinking_renderer" for registration.
func (t *ThinkingRendererService) Name() string {
	return "thinking_renderer"
}

// RenderThoughts returns thoughts as a dimmed block, or "" when there are none.
func (t *ThinkingRendererService) RenderThoughts(thoughts string) string {
	thoughts = strings.TrimSpace(thoughts)
	if thoughts == "" {
		return ""
	}

	var result strings.Builder
	result.WriteString(t.label.Render("Thinking:"))
	result.WriteString("\n")
	for _, line := range strings.Split(thoughts, "\n") {
		result.WriteString(t.body.Render(line))
		result.WriteString("\n")
	}

	logger.Debug("Thoughts rendered", "content_length", len(thoughts))
	return result.String()
}
