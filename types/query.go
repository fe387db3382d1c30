package types

import "time"

// QueryResult is the bounded result of one statement.
type QueryResult struct {
	Columns       []string      `json:"columns"`
	Rows          []Row         `json:"rows"`
	Count         int64         `json:"count"`
	ExecutionTime time.Duration `json:"execution_time"`
	AffectedRows  *int64        `json:"affected_rows,omitempty"`
	// Truncated is set when output was cut at the row cap or a recursion bound.
	Truncated bool     `json:"truncated"`
	Warnings  []string `json:"warnings,omitempty"`
	Replans   int      `json:"replans,omitempty"`
}

// Affected builds a result for statements that only report a row count.
func Affected(n int64) *QueryResult {
	return &QueryResult{AffectedRows: &n}
}

// Records converts the rows into plain Go values, used by the JSON API.
func (r *QueryResult) Records() [][]interface{} {
	out := make([][]interface{}, len(r.Rows))
	for i, row := range r.Rows {
		vals := make([]interface{}, len(row))
		for j, v := range row {
			vals[j] = v.Interface()
		}
		out[i] = vals
	}
	return out
}
