// Package layout loads the YAML column templates used to seed boards that
// have no stored columns.
package layout

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/cabril87/100-days-of-fullstack-sub005/domain"
)

// Template is a named column layout. Column order is the list order.
type Template struct {
	Name    string           `yaml:"name"`
	Columns []ColumnTemplate `yaml:"columns"`
}

// ColumnTemplate describes one column to create. A TaskLimit of zero means
// the column is unlimited.
type ColumnTemplate struct {
	Name         string `yaml:"name"`
	MappedStatus string `yaml:"mappedStatus"`
	TaskLimit    int    `yaml:"taskLimit"`
	Hidden       bool   `yaml:"hidden"`
}

// Default is the layout used when no template file is configured.
func Default() Template {
	return Template{
		Name: "default",
		Columns: []ColumnTemplate{
			{Name: "To Do", MappedStatus: "todo"},
			{Name: "In Progress", MappedStatus: "in-progress"},
			{Name: "Done", MappedStatus: "done"},
		},
	}
}

// Parse decodes and validates a YAML template.
func Parse(data []byte) (Template, error) {
	var tpl Template
	if err := yaml.Unmarshal(data, &tpl); err != nil {
		return Template{}, fmt.Errorf("parse layout template: %w", err)
	}
	if err := tpl.Validate(); err != nil {
		return Template{}, err
	}
	return tpl, nil
}

// Load reads and validates a template file.
func Load(path string) (Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Template{}, fmt.Errorf("read layout template: %w", err)
	}
	return Parse(data)
}

// Validate checks the template invariants: at least one column, named
// columns with a mapped status, non-negative limits, and mapped statuses
// that stay unique after normalization.
func (t Template) Validate() error {
	if len(t.Columns) == 0 {
		return fmt.Errorf("layout template %q has no columns", t.Name)
	}
	for i, c := range t.Columns {
		if c.Name == "" {
			return fmt.Errorf("layout template %q: column %d has no name", t.Name, i)
		}
		if domain.Status(c.MappedStatus).Normalize() == "" {
			return fmt.Errorf("layout template %q: column %q has no mapped status", t.Name, c.Name)
		}
		if c.TaskLimit < 0 {
			return fmt.Errorf("layout template %q: column %q has a negative task limit", t.Name, c.Name)
		}
	}
	if _, err := domain.NewStatusIndex(t.materialize(func(i int) string {
		return t.Columns[i].Name
	})); err != nil {
		return fmt.Errorf("layout template %q: %w", t.Name, err)
	}
	return nil
}

// NewColumns materializes the template into board columns with fresh IDs and
// dense ordering indices.
func (t Template) NewColumns() []domain.Column {
	return t.materialize(func(int) string { return uuid.NewString() })
}

func (t Template) materialize(id func(int) string) []domain.Column {
	cols := make([]domain.Column, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = domain.Column{
			ID:           id(i),
			Name:         c.Name,
			Order:        i,
			TaskLimit:    c.TaskLimit,
			MappedStatus: domain.Status(c.MappedStatus),
			Hidden:       c.Hidden,
		}
	}
	return cols
}
