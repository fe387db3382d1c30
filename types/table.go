package types

import "strings"

// ColumnDefinition defines a table column
type ColumnDefinition struct {
	Name       string     `json:"name" yaml:"name"`
	Type       ColumnType `json:"type" yaml:"type"`
	Nullable   bool       `json:"nullable" yaml:"nullable"`
	PrimaryKey bool       `json:"primary_key" yaml:"primary_key"`
	Unique     bool       `json:"unique" yaml:"unique"`
	Default    *Value     `json:"default,omitempty" yaml:"default,omitempty"`
}

// IndexDefinition describes a secondary index over one or more columns.
type IndexDefinition struct {
	Name    string   `json:"name" yaml:"name"`
	Columns []string `json:"columns" yaml:"columns"`
	Unique  bool     `json:"unique" yaml:"unique"`
}

// TableDefinition defines a table schema
type TableDefinition struct {
	Name    string             `json:"name" yaml:"name"`
	Columns []ColumnDefinition `json:"columns" yaml:"columns"`
	Indexes []IndexDefinition  `json:"indexes,omitempty" yaml:"indexes,omitempty"`
}

// ColumnIndex returns the position of the named column or -1.
func (t *TableDefinition) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if strings.EqualFold(c.Name, name) {
			return i
		}
	}
	return -1
}

// Index returns the named index definition.
func (t *TableDefinition) Index(name string) (*IndexDefinition, bool) {
	for i := range t.Indexes {
		if strings.EqualFold(t.Indexes[i].Name, name) {
			return &t.Indexes[i], true
		}
	}
	return nil, false
}

// Clone returns a deep copy so catalog snapshots can be handed out safely.
func (t *TableDefinition) Clone() *TableDefinition {
	out := &TableDefinition{Name: t.Name}
	out.Columns = append([]ColumnDefinition(nil), t.Columns...)
	for _, idx := range t.Indexes {
		idx.Columns = append([]string(nil), idx.Columns...)
		out.Indexes = append(out.Indexes, idx)
	}
	return out
}
