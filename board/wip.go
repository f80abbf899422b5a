package board

import "github.com/cabril87/100-days-of-fullstack-sub005/domain"

// CanAdmit decides whether a column accepts one more task. It is pure and
// consults only its arguments: the destination column, the column's current
// derived task count, and the board-level enforcement flag. Columns with no
// limit always admit.
func CanAdmit(col domain.Column, currentCount int, policyEnabled bool) bool {
	if !policyEnabled {
		return true
	}
	if col.TaskLimit <= 0 {
		return true
	}
	return currentCount < col.TaskLimit
}

// ColumnWip is one row of a board's WIP report.
type ColumnWip struct {
	ColumnID string          `json:"columnId"`
	Name     string          `json:"name"`
	Limit    int             `json:"limit"`
	Count    int             `json:"count"`
	State    domain.WipState `json:"state"`
}

// wipReport derives the WIP state of every column from a placement. States
// are derived regardless of the board's enforcement flag; admission is the
// only place the flag matters.
func wipReport(p domain.Placement) []ColumnWip {
	cols := p.Columns()
	report := make([]ColumnWip, 0, len(cols))
	for _, col := range cols {
		count := p.Count(col.ID)
		report = append(report, ColumnWip{
			ColumnID: col.ID,
			Name:     col.Name,
			Limit:    col.TaskLimit,
			Count:    count,
			State:    domain.WipStateFor(col.TaskLimit, count),
		})
	}
	return report
}
