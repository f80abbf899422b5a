package domain

import (
	"testing"
)

func testColumns() []Column {
	return []Column{
		{ID: "col-todo", Name: "To Do", Order: 0, MappedStatus: "todo"},
		{ID: "col-doing", Name: "In Progress", Order: 1, MappedStatus: "In-Progress", TaskLimit: 2},
		{ID: "col-done", Name: "Done", Order: 2, MappedStatus: "done"},
	}
}

func TestNewStatusIndex(t *testing.T) {
	idx, err := NewStatusIndex(testColumns())
	if err != nil {
		t.Fatalf("build index: %v", err)
	}

	colID, ok := idx.ColumnFor("IN-PROGRESS")
	if !ok {
		t.Fatalf("expected case-insensitive match")
	}
	if colID != "col-doing" {
		t.Fatalf("expected col-doing, got %s", colID)
	}

	colID, ok = idx.ColumnFor("unmapped")
	if ok {
		t.Fatalf("expected fallback for unmapped status")
	}
	if colID != "col-todo" {
		t.Fatalf("expected first column fallback, got %s", colID)
	}
	if idx.Fallback() != "col-todo" {
		t.Fatalf("expected col-todo fallback, got %s", idx.Fallback())
	}
}

func TestNewStatusIndexRejectsDuplicates(t *testing.T) {
	cols := []Column{
		{ID: "a", Order: 0, MappedStatus: "todo"},
		{ID: "b", Order: 1, MappedStatus: " TODO "},
	}
	_, err := NewStatusIndex(cols)
	if err == nil {
		t.Fatalf("expected duplicate status error")
	}
	dup, ok := err.(*DuplicateStatusError)
	if !ok {
		t.Fatalf("expected DuplicateStatusError, got %T", err)
	}
	if dup.Status != "todo" {
		t.Fatalf("expected normalized status todo, got %q", dup.Status)
	}
	if dup.ColumnIDs[0] != "a" || dup.ColumnIDs[1] != "b" {
		t.Fatalf("unexpected column ids: %v", dup.ColumnIDs)
	}
}

func TestNewStatusIndexRejectsEmpty(t *testing.T) {
	if _, err := NewStatusIndex(nil); err == nil {
		t.Fatalf("expected error for empty column set")
	}
}

func TestDeriveBoardPlacesEveryTaskOnce(t *testing.T) {
	tasks := []Task{
		{ID: "t1", Status: "todo", Order: 1},
		{ID: "t2", Status: "In-Progress", Order: 0},
		{ID: "t3", Status: "DONE", Order: 0},
		{ID: "t4", Status: "archived", Order: 0},
	}

	p := DeriveBoard(tasks, testColumns())

	for _, task := range tasks {
		if got := p.Occurrences(task.ID); got != 1 {
			t.Fatalf("task %s placed %d times, want 1", task.ID, got)
		}
	}

	colID, ok := p.ColumnOf("t4")
	if !ok {
		t.Fatalf("expected placement for unmapped task")
	}
	if colID != "col-todo" {
		t.Fatalf("expected fallback column for t4, got %s", colID)
	}
	if got := p.Count("col-todo"); got != 2 {
		t.Fatalf("expected 2 tasks in col-todo, got %d", got)
	}
}

func TestDeriveBoardOrdersWithinColumn(t *testing.T) {
	tasks := []Task{
		{ID: "t-b", Status: "todo", Order: 1},
		{ID: "t-c", Status: "todo", Order: 0},
		{ID: "t-a", Status: "todo", Order: 1},
	}

	p := DeriveBoard(tasks, testColumns())

	got := p.Tasks("col-todo")
	want := []string{"t-c", "t-a", "t-b"}
	if len(got) != len(want) {
		t.Fatalf("expected %d tasks, got %d", len(want), len(got))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, got[i].ID)
		}
	}
}

func TestDeriveBoardCountsDuplicateTasks(t *testing.T) {
	tasks := []Task{
		{ID: "t1", Status: "todo", Order: 0},
		{ID: "t1", Status: "done", Order: 0},
	}

	p := DeriveBoard(tasks, testColumns())
	if got := p.Occurrences("t1"); got != 2 {
		t.Fatalf("expected 2 occurrences, got %d", got)
	}
}

func TestDeriveBoardAmbiguousLayoutFirstClaimantWins(t *testing.T) {
	cols := []Column{
		{ID: "left", Order: 0, MappedStatus: "todo"},
		{ID: "right", Order: 1, MappedStatus: "todo"},
	}
	tasks := []Task{{ID: "t1", Status: "todo", Order: 0}}

	p := DeriveBoard(tasks, cols)

	colID, ok := p.ColumnOf("t1")
	if !ok || colID != "left" {
		t.Fatalf("expected first claimant left, got %s (ok=%v)", colID, ok)
	}
}

func TestDeriveBoardClonesInputs(t *testing.T) {
	cols := testColumns()
	tasks := []Task{{ID: "t1", Status: "todo", Order: 0}}

	p := DeriveBoard(tasks, cols)

	tasks[0].Title = "mutated"
	if got := p.Tasks("col-todo"); got[0].Title == "mutated" {
		t.Fatalf("placement shares task slice with caller")
	}
}

func TestWipStateFor(t *testing.T) {
	tests := []struct {
		name  string
		limit int
		count int
		want  WipState
	}{
		{name: "unlimited zero", limit: 0, count: 50, want: WipNormal},
		{name: "unlimited negative", limit: -1, count: 50, want: WipNormal},
		{name: "under", limit: 3, count: 2, want: WipNormal},
		{name: "at", limit: 3, count: 3, want: WipAtLimit},
		{name: "over", limit: 3, count: 4, want: WipOverLimit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := WipStateFor(tt.limit, tt.count); got != tt.want {
				t.Fatalf("WipStateFor(%d, %d) = %s, want %s", tt.limit, tt.count, got, tt.want)
			}
		})
	}
}
