// Package models defines the tabular data types shared by Stratus connectors
package models

// Table is an in-memory result set: ordered column names plus rows of values
// in column order. Values keep the driver's native Go types.
type Table struct {
	Columns []string
	Rows    [][]interface{}
}

// NumRows returns the number of rows.
func (t *Table) NumRows() int {
	return len(t.Rows)
}

// NumColumns returns the number of columns.
func (t *Table) NumColumns() int {
	return len(t.Columns)
}

// IsEmpty reports whether the table has no rows.
func (t *Table) IsEmpty() bool {
	return len(t.Rows) == 0
}

// Append adds a row. The row must match the column count; callers are
// expected to build rows from the same cursor that produced Columns.
func (t *Table) Append(row []interface{}) {
	t.Rows = append(t.Rows, row)
}

// ChunkReader iterates a result set in fixed-size chunks without holding the
// whole set in memory. Next returns nil when the set is exhausted; Close
// releases the underlying cursor and connection. The concatenation of all
// chunks equals the table a whole fetch of the same query would return.
type ChunkReader interface {
	// Next returns the next chunk, or nil at end of set.
	Next() (*Table, error)
	// Close releases the cursor. Safe to call more than once.
	Close() error
}
