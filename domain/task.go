package domain

import (
	"strings"
	"time"
)

// Status is the task status value a board column can represent. Status values
// compare case-insensitively; Normalize returns the canonical form.
type Status string

// Normalize lower-cases and trims the status for comparisons and map keys.
func (s Status) Normalize() Status {
	return Status(strings.ToLower(strings.TrimSpace(string(s))))
}

// Equal reports whether two statuses match under normalization.
func (s Status) Equal(other Status) bool {
	return s.Normalize() == other.Normalize()
}

// Task represents a single board item in the read model. Column membership is
// derived from Status; Order is an advisory intra-column position hint.
type Task struct {
	ID       string            `json:"id"`
	Title    string            `json:"title"`
	Status   Status            `json:"status"`
	Priority string            `json:"priority,omitempty"`
	DueDate  *time.Time        `json:"dueDate,omitempty"`
	Assignee string            `json:"assignee,omitempty"`
	Order    int               `json:"order"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Clone returns a copy that shares no mutable state with the receiver.
func (t Task) Clone() Task {
	out := t
	if t.DueDate != nil {
		due := *t.DueDate
		out.DueDate = &due
	}
	if t.Metadata != nil {
		out.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// CloneTasks deep-copies a task slice.
func CloneTasks(tasks []Task) []Task {
	if tasks == nil {
		return nil
	}
	out := make([]Task, len(tasks))
	for i, t := range tasks {
		out[i] = t.Clone()
	}
	return out
}
