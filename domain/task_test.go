package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
)

func TestTaskMarshalIncludesZeroOrder(t *testing.T) {
	task := Task{ID: "t1", Title: "Title", Status: "todo", Order: 0}

	payload, err := sonic.Marshal(task)
	if err != nil {
		t.Fatalf("marshal task: %v", err)
	}

	if !strings.Contains(string(payload), "\"order\":0") {
		t.Fatalf("expected order field to be present, got %s", payload)
	}
}

func TestStatusNormalizeAndEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b Status
		want bool
	}{
		{name: "case", a: "In-Progress", b: "in-progress", want: true},
		{name: "whitespace", a: "  todo ", b: "TODO", want: true},
		{name: "different", a: "todo", b: "done", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Equal(tt.b); got != tt.want {
				t.Fatalf("Equal(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestTaskCloneIsIndependent(t *testing.T) {
	due := time.Date(2025, 11, 3, 12, 0, 0, 0, time.UTC)
	orig := Task{
		ID:       "t1",
		Title:    "Title",
		Status:   "todo",
		DueDate:  &due,
		Metadata: map[string]string{"color": "red"},
	}

	cp := orig.Clone()
	cp.Metadata["color"] = "blue"
	*cp.DueDate = due.Add(24 * time.Hour)

	if orig.Metadata["color"] != "red" {
		t.Fatalf("clone shares metadata map: %v", orig.Metadata)
	}
	if !orig.DueDate.Equal(due) {
		t.Fatalf("clone shares due date: %v", orig.DueDate)
	}
}

func TestNormalizeColumnOrder(t *testing.T) {
	cols := []Column{
		{ID: "c", Order: 9},
		{ID: "a", Order: 2},
		{ID: "b", Order: 2},
	}
	NormalizeColumnOrder(cols)

	if cols[0].ID != "a" || cols[1].ID != "b" || cols[2].ID != "c" {
		t.Fatalf("unexpected order: %#v", cols)
	}
	for i, col := range cols {
		if col.Order != i {
			t.Fatalf("expected dense order %d for %s, got %d", i, col.ID, col.Order)
		}
	}
}
