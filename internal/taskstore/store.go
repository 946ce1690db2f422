// Package taskstore reads the task document and rewrites task status and
// last-attempt records in place, under a file lock, leaving every other
// field of the document untouched.
//
// Example:
//
//	store := taskstore.New("tasks.yaml")
//	tasks, err := store.Load()
//	...
//	err = store.RecordAttempt("T-1", models.TaskCompleted, attempt)
//
// YAML documents are edited at the node level so comments, key order and
// unknown fields survive a rewrite. JSON documents are decoded generically
// and re-encoded with their unknown fields intact.
package taskstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/harrison/taskloop/internal/filelock"
	"github.com/harrison/taskloop/internal/models"
)

var (
	// ErrTaskNotFound indicates the requested task id cannot be located.
	ErrTaskNotFound = errors.New("taskstore: task not found")
	// ErrInvalidDocument indicates the document structure cannot be parsed.
	ErrInvalidDocument = errors.New("taskstore: invalid task document")
)

// Store is a task document on disk.
type Store struct {
	path string
}

// New returns a store for the document at path.
func New(path string) *Store {
	return &Store{path: path}
}

// Path returns the document path.
func (s *Store) Path() string {
	return s.path
}

type document struct {
	Tasks []models.Task `yaml:"tasks" json:"tasks"`
}

// Load reads and validates every task in the document.
func (s *Store) Load() ([]models.Task, error) {
	content, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task document: %w", err)
	}

	var doc document
	if s.isJSON() {
		err = json.Unmarshal(content, &doc)
	} else {
		err = yaml.Unmarshal(content, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	for i := range doc.Tasks {
		if doc.Tasks[i].Status == "" {
			doc.Tasks[i].Status = models.TaskOpen
		}
	}
	if err := ValidateTasks(doc.Tasks); err != nil {
		return nil, err
	}
	return doc.Tasks, nil
}

// SetStatus rewrites the status field of one task.
func (s *Store) SetStatus(id string, status models.TaskStatus) error {
	return s.update(id, status, nil)
}

// RecordAttempt rewrites the status and lastAttempt fields of one task.
func (s *Store) RecordAttempt(id string, status models.TaskStatus, attempt models.TaskAttempt) error {
	return s.update(id, status, &attempt)
}

func (s *Store) update(id string, status models.TaskStatus, attempt *models.TaskAttempt) error {
	lock := filelock.NewFileLock(s.path + ".lock")
	if err := lock.Lock(); err != nil {
		return err
	}
	defer lock.Unlock()

	content, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read task document: %w", err)
	}

	var updated []byte
	if s.isJSON() {
		updated, err = updateJSON(content, id, status, attempt)
	} else {
		updated, err = updateYAML(content, id, status, attempt)
	}
	if err != nil {
		return err
	}
	return filelock.AtomicWrite(s.path, updated)
}

func (s *Store) isJSON() bool {
	return strings.EqualFold(filepath.Ext(s.path), ".json")
}

func updateYAML(content []byte, id string, status models.TaskStatus, attempt *models.TaskAttempt) ([]byte, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, fmt.Errorf("%w: missing document node", ErrInvalidDocument)
	}

	tasksNode := findMapValue(doc.Content[0], "tasks")
	if tasksNode == nil || tasksNode.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("%w: tasks sequence not found", ErrInvalidDocument)
	}
	taskNode := findTaskNode(tasksNode, id)
	if taskNode == nil {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	setMapValue(taskNode, "status", &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: string(status)})
	if attempt != nil {
		var attemptNode yaml.Node
		if err := attemptNode.Encode(attempt); err != nil {
			return nil, fmt.Errorf("failed to encode attempt: %w", err)
		}
		setMapValue(taskNode, "lastAttempt", &attemptNode)
	}

	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(&doc); err != nil {
		return nil, fmt.Errorf("failed to encode task document: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode task document: %w", err)
	}
	return buf.Bytes(), nil
}

func findMapValue(mapping *yaml.Node, key string) *yaml.Node {
	if mapping == nil || mapping.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}
	return nil
}

func findTaskNode(tasks *yaml.Node, id string) *yaml.Node {
	for _, item := range tasks.Content {
		if item.Kind != yaml.MappingNode {
			continue
		}
		if idNode := findMapValue(item, "id"); idNode != nil && idNode.Value == id {
			return item
		}
	}
	return nil
}

func setMapValue(mapping *yaml.Node, key string, value *yaml.Node) {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			mapping.Content[i+1] = value
			return
		}
	}
	keyNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}
	mapping.Content = append(mapping.Content, keyNode, value)
}

func updateJSON(content []byte, id string, status models.TaskStatus, attempt *models.TaskAttempt) ([]byte, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	var tasks []map[string]json.RawMessage
	if err := json.Unmarshal(doc["tasks"], &tasks); err != nil || tasks == nil {
		return nil, fmt.Errorf("%w: tasks array not found", ErrInvalidDocument)
	}

	found := false
	for _, task := range tasks {
		var taskID string
		if err := json.Unmarshal(task["id"], &taskID); err != nil || taskID != id {
			continue
		}
		found = true
		task["status"], _ = json.Marshal(status)
		if attempt != nil {
			raw, err := json.Marshal(attempt)
			if err != nil {
				return nil, fmt.Errorf("failed to encode attempt: %w", err)
			}
			task["lastAttempt"] = raw
		}
		break
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	raw, err := json.Marshal(tasks)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task document: %w", err)
	}
	doc["tasks"] = raw
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode task document: %w", err)
	}
	return append(out, '\n'), nil
}
