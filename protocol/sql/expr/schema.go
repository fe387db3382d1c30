// Package expr compiles parsed expressions into evaluators bound to a row
// layout, and provides the reference evaluator they are checked against.
package expr

import (
	"strings"

	qerrors "github.com/guileen/querycore/errors"
	"github.com/guileen/querycore/types"
)

// Column describes one position of a row.
type Column struct {
	Table string
	Name  string
	Type  types.ColumnType
	// Hidden columns resolve only when qualified and are skipped by *.
	// USING joins hide the duplicate join column.
	Hidden bool
}

// QualifiedName is table.name, or name for unqualified columns.
func (c Column) QualifiedName() string {
	if c.Table == "" {
		return c.Name
	}
	return c.Table + "." + c.Name
}

// Schema is the ordered column layout of the rows an expression reads.
type Schema []Column

// Resolve finds the position of a column. An unqualified name must match
// exactly one visible column.
func (s Schema) Resolve(table, name string) (int, error) {
	found := -1
	for i, c := range s {
		if !strings.EqualFold(c.Name, name) {
			continue
		}
		if table == "" && c.Hidden {
			continue
		}
		if table != "" && !strings.EqualFold(c.Table, table) {
			continue
		}
		if found >= 0 {
			return -1, qerrors.NewPlanningErrorf("resolve", "column reference %q is ambiguous", name)
		}
		found = i
	}
	if found < 0 {
		if table != "" {
			return -1, qerrors.NewPlanningErrorf("resolve", "column %s.%s does not exist", table, name)
		}
		return -1, qerrors.NewPlanningErrorf("resolve", "column %s does not exist", name)
	}
	return found, nil
}

// Signature identifies the layout for cache keys.
func (s Schema) Signature() string {
	var sb strings.Builder
	for i, c := range s {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(c.QualifiedName())
		sb.WriteByte(':')
		sb.WriteString(string(c.Type))
		if c.Hidden {
			sb.WriteByte('!')
		}
	}
	return sb.String()
}

// Names returns the unqualified column names.
func (s Schema) Names() []string {
	out := make([]string, len(s))
	for i, c := range s {
		out[i] = c.Name
	}
	return out
}

// Concat returns the layout of a joined row.
func (s Schema) Concat(other Schema) Schema {
	out := make(Schema, 0, len(s)+len(other))
	out = append(out, s...)
	return append(out, other...)
}

// WithTable returns a copy of s with every column requalified and visible.
func (s Schema) WithTable(table string) Schema {
	out := make(Schema, len(s))
	for i, c := range s {
		c.Table = table
		c.Hidden = false
		out[i] = c
	}
	return out
}

// Visible returns the positions * expands to.
func (s Schema) Visible() []int {
	out := make([]int, 0, len(s))
	for i, c := range s {
		if !c.Hidden {
			out = append(out, i)
		}
	}
	return out
}

// FromTable builds the layout of a stored table seen under alias.
func FromTable(def *types.TableDefinition, alias string) Schema {
	if alias == "" {
		alias = def.Name
	}
	out := make(Schema, len(def.Columns))
	for i, c := range def.Columns {
		out[i] = Column{Table: alias, Name: c.Name, Type: c.Type}
	}
	return out
}
