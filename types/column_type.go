package types

import "strings"

// ColumnType represents the data type of a table column
type ColumnType string

const (
	ColumnTypeUnknown ColumnType = ""
	ColumnTypeBoolean ColumnType = "boolean"
	ColumnTypeBigInt  ColumnType = "bigint"
	ColumnTypeDouble  ColumnType = "double"
	ColumnTypeText    ColumnType = "text"
)

// IsNumeric reports whether values of the type take part in arithmetic.
func (t ColumnType) IsNumeric() bool {
	return t == ColumnTypeBigInt || t == ColumnTypeDouble
}

// ParseColumnType maps a SQL type name onto one of the storage families.
func ParseColumnType(name string) (ColumnType, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if i := strings.IndexByte(name, '('); i >= 0 {
		name = strings.TrimSpace(name[:i])
	}
	switch name {
	case "bool", "boolean":
		return ColumnTypeBoolean, true
	case "int", "int2", "int4", "int8", "integer", "smallint", "bigint",
		"serial", "bigserial", "smallserial", "serial4", "serial8":
		return ColumnTypeBigInt, true
	case "float", "float4", "float8", "real", "double", "double precision", "numeric", "decimal":
		return ColumnTypeDouble, true
	case "text", "varchar", "character varying", "char", "character", "bpchar", "string",
		"date", "timestamp", "timestamptz", "uuid", "json", "jsonb":
		return ColumnTypeText, true
	}
	return ColumnTypeUnknown, false
}
