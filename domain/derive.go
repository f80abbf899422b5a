package domain

import (
	"fmt"
	"sort"
)

// WipState classifies a column's occupancy against its task limit.
type WipState string

const (
	WipNormal    WipState = "normal"
	WipAtLimit   WipState = "at-limit"
	WipOverLimit WipState = "over-limit"
)

// WipStateFor derives the WIP state for a column limit and current count.
// A limit of zero (or less) means the column is unlimited.
func WipStateFor(limit, count int) WipState {
	if limit <= 0 {
		return WipNormal
	}
	switch {
	case count > limit:
		return WipOverLimit
	case count == limit:
		return WipAtLimit
	default:
		return WipNormal
	}
}

// DuplicateStatusError reports two columns claiming the same normalized
// mapped status, which would make column membership ambiguous.
type DuplicateStatusError struct {
	Status    Status
	ColumnIDs [2]string
}

func (e *DuplicateStatusError) Error() string {
	return fmt.Sprintf("columns %s and %s both map status %q", e.ColumnIDs[0], e.ColumnIDs[1], e.Status)
}

// DuplicateStatus marks the error for classification through an interface
// without importing this package.
func (e *DuplicateStatusError) DuplicateStatus() {}

// StatusIndex is the total mapping from task status to column, built from a
// board's columns and validated at construction time. Statuses no column
// claims resolve to the first column by ordering index.
type StatusIndex struct {
	byStatus map[Status]string
	ordered  []string
	fallback string
}

// NewStatusIndex builds the index. It fails on an empty column set and on
// duplicate normalized mapped statuses.
func NewStatusIndex(columns []Column) (*StatusIndex, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("status index requires at least one column")
	}
	sorted := CloneColumns(columns)
	SortColumns(sorted)

	ix := &StatusIndex{
		byStatus: make(map[Status]string, len(sorted)),
		ordered:  make([]string, 0, len(sorted)),
		fallback: sorted[0].ID,
	}
	for _, col := range sorted {
		key := col.MappedStatus.Normalize()
		if prev, ok := ix.byStatus[key]; ok {
			return nil, &DuplicateStatusError{Status: key, ColumnIDs: [2]string{prev, col.ID}}
		}
		ix.byStatus[key] = col.ID
		ix.ordered = append(ix.ordered, col.ID)
	}
	return ix, nil
}

// ColumnFor resolves the column representing a status. The boolean is false
// when the fallback column was used because no column maps the status.
func (ix *StatusIndex) ColumnFor(s Status) (string, bool) {
	if id, ok := ix.byStatus[s.Normalize()]; ok {
		return id, true
	}
	return ix.fallback, false
}

// Fallback returns the column unmatched statuses resolve to.
func (ix *StatusIndex) Fallback() string { return ix.fallback }

// ColumnIDs returns the column IDs in board order.
func (ix *StatusIndex) ColumnIDs() []string {
	return append([]string(nil), ix.ordered...)
}

// Placement is the derived column membership for a task set: which tasks sit
// in which column, in deterministic order. It is a pure function of its
// inputs and carries enough bookkeeping to detect structural corruption
// (duplicate task IDs) without losing rows.
type Placement struct {
	byColumn    map[string][]Task
	columnOf    map[string]string
	occurrences map[string]int
	columns     []Column
}

// DeriveBoard computes the placement of tasks onto columns. Every task lands
// in exactly one column: the one whose mapped status matches its status
// case-insensitively, or the first column when nothing matches. With no
// columns the placement is empty.
func DeriveBoard(tasks []Task, columns []Column) Placement {
	p := Placement{
		byColumn:    make(map[string][]Task, len(columns)),
		columnOf:    make(map[string]string, len(tasks)),
		occurrences: make(map[string]int, len(tasks)),
		columns:     CloneColumns(columns),
	}
	SortColumns(p.columns)
	if len(p.columns) == 0 {
		return p
	}
	for _, col := range p.columns {
		p.byColumn[col.ID] = nil
	}

	ix, err := NewStatusIndex(p.columns)
	if err != nil {
		// Ambiguous layouts still derive; the first claimant wins.
		ix = indexFirstClaimant(p.columns)
	}

	for _, t := range tasks {
		colID, _ := ix.ColumnFor(t.Status)
		p.byColumn[colID] = append(p.byColumn[colID], t.Clone())
		p.columnOf[t.ID] = colID
		p.occurrences[t.ID]++
	}
	for id, list := range p.byColumn {
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].Order != list[j].Order {
				return list[i].Order < list[j].Order
			}
			return list[i].ID < list[j].ID
		})
		p.byColumn[id] = list
	}
	return p
}

func indexFirstClaimant(sorted []Column) *StatusIndex {
	ix := &StatusIndex{
		byStatus: make(map[Status]string, len(sorted)),
		ordered:  make([]string, 0, len(sorted)),
		fallback: sorted[0].ID,
	}
	for _, col := range sorted {
		key := col.MappedStatus.Normalize()
		if _, ok := ix.byStatus[key]; !ok {
			ix.byStatus[key] = col.ID
		}
		ix.ordered = append(ix.ordered, col.ID)
	}
	return ix
}

// Columns returns the placement's columns in board order.
func (p Placement) Columns() []Column {
	return CloneColumns(p.columns)
}

// Tasks returns the ordered tasks derived for a column.
func (p Placement) Tasks(columnID string) []Task {
	return CloneTasks(p.byColumn[columnID])
}

// Count returns how many tasks a column holds.
func (p Placement) Count(columnID string) int {
	return len(p.byColumn[columnID])
}

// ColumnOf reports the column a task was placed in. The boolean is false
// when the task is unknown to the placement.
func (p Placement) ColumnOf(taskID string) (string, bool) {
	id, ok := p.columnOf[taskID]
	return id, ok
}

// Occurrences reports how many input rows shared the task ID. Anything other
// than one at gesture pick-up signals a corrupted derived index.
func (p Placement) Occurrences(taskID string) int {
	return p.occurrences[taskID]
}
