package logger

import (
	"fmt"

	"github.com/fatih/color"

	"github.com/harrison/taskloop/internal/models"
)

// colorScheme defines consistent colors for statuses and metrics.
// Green: success, Red: failure, Yellow: warning, Cyan: labels.
// A disabled scheme returns its input unchanged.
type colorScheme struct {
	enabled bool
	success *color.Color
	fail    *color.Color
	warn    *color.Color
	labelC  *color.Color
	bold    *color.Color
}

func newColorScheme(enabled bool) *colorScheme {
	s := &colorScheme{
		enabled: enabled,
		success: color.New(color.FgGreen),
		fail:    color.New(color.FgRed),
		warn:    color.New(color.FgYellow),
		labelC:  color.New(color.FgCyan),
		bold:    color.New(color.Bold),
	}
	if enabled {
		// Callers decide about TTYs; fatih/color would otherwise strip
		// colour whenever stdout is redirected.
		for _, c := range []*color.Color{s.success, s.fail, s.warn, s.labelC, s.bold} {
			c.EnableColor()
		}
	}
	return s
}

func (s *colorScheme) paint(c *color.Color, text string) string {
	if !s.enabled {
		return text
	}
	return c.Sprint(text)
}

func (s *colorScheme) label(text string) string    { return s.paint(s.labelC, text) }
func (s *colorScheme) header(text string) string   { return s.paint(s.bold, text) }
func (s *colorScheme) warnText(text string) string { return s.paint(s.warn, text) }

// status colours a task status.
func (s *colorScheme) status(status models.TaskStatus) string {
	text := string(status)
	switch status {
	case models.TaskCompleted:
		return s.paint(s.success, text)
	case models.TaskBlocked:
		return s.paint(s.fail, text)
	case models.TaskInProgress:
		return s.paint(s.warn, text)
	}
	return text
}

// code colours a reason code by its category.
func (s *colorScheme) code(code models.ReasonCode) string {
	text := string(code)
	switch code.Category() {
	case models.CategorySuccess:
		return s.paint(s.success, text)
	case models.CategoryInfrastructure:
		return s.paint(s.fail, text)
	default:
		return s.paint(s.warn, text)
	}
}

// formatMetric formats "label: value" with a coloured label.
func formatMetric(label string, value interface{}, scheme *colorScheme) string {
	return fmt.Sprintf("%s: %v", scheme.label(label), value)
}

// formatCounts renders "Attempted: N, Completed: N, Blocked: N" with the
// non-zero outcome counts coloured.
func formatCounts(attempted, completed, blocked int, scheme *colorScheme) string {
	completedText := fmt.Sprintf("%d", completed)
	if completed > 0 {
		completedText = scheme.paint(scheme.success, completedText)
	}
	blockedText := fmt.Sprintf("%d", blocked)
	if blocked > 0 {
		blockedText = scheme.paint(scheme.fail, blockedText)
	}
	return fmt.Sprintf("%s, %s, %s",
		formatMetric("Attempted", attempted, scheme),
		formatMetric("Completed", completedText, scheme),
		formatMetric("Blocked", blockedText, scheme))
}

// StatusText colours a task status for command output.
func StatusText(status models.TaskStatus, enableColor bool) string {
	return newColorScheme(enableColor).status(status)
}

// CodeText colours a reason code for command output.
func CodeText(code models.ReasonCode, enableColor bool) string {
	return newColorScheme(enableColor).code(code)
}
