package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTable(t *testing.T) {
	table := &Table{Columns: []string{"id", "name"}}
	assert.True(t, table.IsEmpty())
	assert.Equal(t, 2, table.NumColumns())
	assert.Equal(t, 0, table.NumRows())

	table.Append([]interface{}{int64(1), "ada"})
	table.Append([]interface{}{int64(2), "grace"})

	assert.False(t, table.IsEmpty())
	assert.Equal(t, 2, table.NumRows())
	assert.Equal(t, "ada", table.Rows[0][1])
}
