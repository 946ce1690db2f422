package logger

import (
	"fmt"
	"strings"

	"github.com/fatih/color"

	"github.com/harrison/taskloop/internal/models"
)

// ProgressBar renders queue progress as an ASCII bar.
type ProgressBar struct {
	current     int
	total       int
	width       int
	enableColor bool
}

// NewProgressBar creates a new progress bar
func NewProgressBar(total, width int, enableColor bool) *ProgressBar {
	if width < 1 {
		width = 10
	}
	return &ProgressBar{total: total, width: width, enableColor: enableColor}
}

// QueueProgress returns a bar of completed tasks over all tasks that are
// not cancelled.
func QueueProgress(tasks []models.Task, width int, enableColor bool) *ProgressBar {
	var done, total int
	for _, t := range tasks {
		if t.Status == models.TaskCancelled {
			continue
		}
		total++
		if t.Status == models.TaskCompleted {
			done++
		}
	}
	pb := NewProgressBar(total, width, enableColor)
	pb.Update(done)
	return pb
}

// Update sets the current progress value
func (pb *ProgressBar) Update(current int) {
	pb.current = current
}

// Percentage returns the progress percentage (0-100)
func (pb *ProgressBar) Percentage() int {
	if pb.total == 0 {
		return 0
	}
	perc := (pb.current * 100) / pb.total
	if perc > 100 {
		perc = 100
	}
	if perc < 0 {
		perc = 0
	}
	return perc
}

// Render generates the ASCII progress bar string
func (pb *ProgressBar) Render() string {
	perc := pb.Percentage()
	filled := (perc * pb.width) / 100

	bar := "[" + strings.Repeat("=", filled) + strings.Repeat(" ", pb.width-filled) + "]"
	result := fmt.Sprintf("%s %d/%d (%d%%)", bar, pb.current, pb.total, perc)

	if !pb.enableColor {
		return result
	}
	c := color.New(color.FgCyan)
	if perc == 100 {
		c = color.New(color.FgGreen)
	}
	c.EnableColor()
	return c.Sprint(result)
}
