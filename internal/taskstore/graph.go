package taskstore

import (
	"fmt"
	"sort"

	"github.com/harrison/taskloop/internal/models"
)

// DependencyError explains why a task cannot start yet.
type DependencyError struct {
	TaskID       string
	DependencyID string
	// Missing is true when no task with DependencyID exists.
	Missing bool
	// Status is the dependency's status when it exists.
	Status models.TaskStatus
}

// Error implements the error interface.
func (e *DependencyError) Error() string {
	if e.Missing {
		return fmt.Sprintf("task %s depends on unknown task %s", e.TaskID, e.DependencyID)
	}
	return fmt.Sprintf("task %s depends on %s, which is %s", e.TaskID, e.DependencyID, e.Status)
}

// ValidateTasks checks that task ids are present and unique and that every
// status is known.
func ValidateTasks(tasks []models.Task) error {
	seen := make(map[string]bool, len(tasks))
	for i := range tasks {
		task := &tasks[i]
		if err := task.Validate(); err != nil {
			return fmt.Errorf("%w: task %d: %v", ErrInvalidDocument, i+1, err)
		}
		if seen[task.ID] {
			return fmt.Errorf("%w: duplicate task id %s", ErrInvalidDocument, task.ID)
		}
		seen[task.ID] = true
	}
	return nil
}

// CheckDependencies returns a *DependencyError for the first dependency of
// task that is missing or not completed, in declaration order.
func CheckDependencies(task models.Task, tasks []models.Task) error {
	byID := index(tasks)
	for _, dep := range task.DependsOn {
		other, ok := byID[dep]
		if !ok {
			return &DependencyError{TaskID: task.ID, DependencyID: dep, Missing: true}
		}
		if other.Status != models.TaskCompleted {
			return &DependencyError{TaskID: task.ID, DependencyID: dep, Status: other.Status}
		}
	}
	return nil
}

// MissingDependencies lists every dependency that names no task, as
// "task -> dependency" pairs sorted for stable output.
func MissingDependencies(tasks []models.Task) []string {
	byID := index(tasks)
	var missing []string
	for _, task := range tasks {
		for _, dep := range task.DependsOn {
			if _, ok := byID[dep]; !ok {
				missing = append(missing, task.ID+" -> "+dep)
			}
		}
	}
	sort.Strings(missing)
	return missing
}

// FindCycle returns the ids along one dependency cycle, first id repeated at
// the end, or nil when the graph is acyclic.
func FindCycle(tasks []models.Task) []string {
	const (
		white = 0 // not visited
		gray  = 1 // visiting
		black = 2 // visited
	)

	byID := index(tasks)
	colors := make(map[string]int, len(tasks))
	var stack []string

	var dfs func(id string) []string
	dfs = func(id string) []string {
		colors[id] = gray
		stack = append(stack, id)
		for _, dep := range byID[id].DependsOn {
			if _, ok := byID[dep]; !ok {
				continue
			}
			switch colors[dep] {
			case gray:
				for i, s := range stack {
					if s == dep {
						return append(append([]string{}, stack[i:]...), dep)
					}
				}
			case white:
				if cycle := dfs(dep); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		colors[id] = black
		return nil
	}

	for _, task := range tasks {
		if colors[task.ID] == white {
			if cycle := dfs(task.ID); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

func index(tasks []models.Task) map[string]models.Task {
	byID := make(map[string]models.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	return byID
}
