package domain

import "sort"

// Column is one lane of a board. Task membership is never stored: it is
// derived by matching Task.Status against MappedStatus. TaskLimit of zero
// means the column is unlimited.
type Column struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Order        int    `json:"order"`
	TaskLimit    int    `json:"taskLimit,omitempty"`
	MappedStatus Status `json:"mappedStatus"`
	Hidden       bool   `json:"hidden,omitempty"`
}

// Board carries the column layout and the board-level WIP limit policy flag.
type Board struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	EnableWipLimits bool     `json:"enableWipLimits"`
	Columns         []Column `json:"columns"`
}

// Clone returns a copy with its own column slice.
func (b Board) Clone() Board {
	out := b
	out.Columns = CloneColumns(b.Columns)
	return out
}

// CloneColumns copies a column slice.
func CloneColumns(cols []Column) []Column {
	if cols == nil {
		return nil
	}
	out := make([]Column, len(cols))
	copy(out, cols)
	return out
}

// SortColumns orders columns by ordering index, breaking ties by ID so the
// result is deterministic even for malformed input.
func SortColumns(cols []Column) {
	sort.SliceStable(cols, func(i, j int) bool {
		if cols[i].Order != cols[j].Order {
			return cols[i].Order < cols[j].Order
		}
		return cols[i].ID < cols[j].ID
	})
}

// NormalizeColumnOrder sorts the columns and rewrites their ordering indices
// to the dense sequence 0..n-1, the invariant every board mutation preserves.
func NormalizeColumnOrder(cols []Column) {
	SortColumns(cols)
	for i := range cols {
		cols[i].Order = i
	}
}
