package base

import (
	"context"
	"database/sql/driver"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratusdata/stratus/pkg/errors"
	"github.com/stratusdata/stratus/pkg/models"
	"github.com/stratusdata/stratus/pkg/testutil"
)

func newTestConnector(t *testing.T, dsn string) *SQLConnector {
	t.Helper()
	return NewSQLConnector(SQLConnectorOptions{
		Name:       "test",
		DriverName: testutil.FakeDriverName,
		DSN:        dsn,
		Timeout:    5 * time.Second,
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
	})
}

func TestConnectRetriesUntilSuccess(t *testing.T) {
	fake, dsn := testutil.RegisterFakeDB(t)
	fake.FailOpens = 2

	c := newTestConnector(t, dsn)
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.Connected())
	assert.Equal(t, 3, fake.Opens(), "two failures then success means three acquisitions")
}

func TestConnectExhaustsRetries(t *testing.T) {
	fake, dsn := testutil.RegisterFakeDB(t)
	fake.FailOpens = 100

	c := newTestConnector(t, dsn)

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.False(t, c.Connected())
	assert.Equal(t, 3, fake.Opens(), "exactly MaxRetries acquisitions on exhaustion")
	assert.True(t, errors.IsType(err, errors.ErrorTypeConnection))
}

func TestConnectIsIdempotent(t *testing.T) {
	fake, dsn := testutil.RegisterFakeDB(t)

	c := newTestConnector(t, dsn)
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, 1, fake.Opens())
}

func TestCloseWhenNotConnected(t *testing.T) {
	_, dsn := testutil.RegisterFakeDB(t)

	c := newTestConnector(t, dsn)
	assert.NoError(t, c.Close())
}

func TestWithConnectionClosesOnAllExits(t *testing.T) {
	_, dsn := testutil.RegisterFakeDB(t)
	c := newTestConnector(t, dsn)

	err := c.WithConnection(context.Background(), func(ctx context.Context) error {
		assert.True(t, c.Connected())
		return nil
	})
	require.NoError(t, err)
	assert.False(t, c.Connected(), "connection released on normal exit")

	fnErr := fmt.Errorf("work failed")
	err = c.WithConnection(context.Background(), func(ctx context.Context) error {
		return fnErr
	})
	assert.Equal(t, fnErr, err, "fn error propagates unchanged")
	assert.False(t, c.Connected(), "connection released on error exit")
}

func TestWithConnectionConnectFailure(t *testing.T) {
	fake, dsn := testutil.RegisterFakeDB(t)
	fake.FailOpens = 100

	c := newTestConnector(t, dsn)

	called := false
	err := c.WithConnection(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called, "fn must not run without a connection")
}

func TestCleanQuery(t *testing.T) {
	assert.Equal(t, "SELECT 1", CleanQuery("SELECT 1;"))
	assert.Equal(t, "SELECT 1", CleanQuery("  SELECT 1;  "))
	assert.Equal(t, "SELECT a FROM b", CleanQuery("SELECT a FROM b;;"))
}

func TestFetch(t *testing.T) {
	fake, dsn := testutil.RegisterFakeDB(t)
	fake.Results["SELECT id, name FROM users"] = testutil.QueryResult{
		Columns: []string{"id", "name"},
		Rows: [][]driver.Value{
			{int64(1), "ada"},
			{int64(2), "grace"},
		},
	}

	c := newTestConnector(t, dsn)
	defer c.Close()

	// Trailing semicolon is stripped before submission.
	table, err := c.Fetch(context.Background(), "SELECT id, name FROM users;")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name"}, table.Columns)
	require.Equal(t, 2, table.NumRows())
	assert.Equal(t, int64(1), table.Rows[0][0])
	assert.Equal(t, "grace", table.Rows[1][1])
}

func TestFetchQueryError(t *testing.T) {
	_, dsn := testutil.RegisterFakeDB(t)

	c := newTestConnector(t, dsn)
	defer c.Close()

	_, err := c.Fetch(context.Background(), "SELECT * FROM missing")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeQuery))
}

func scriptedRows(n int) [][]driver.Value {
	rows := make([][]driver.Value, n)
	for i := range rows {
		rows[i] = []driver.Value{int64(i)}
	}
	return rows
}

func TestFetchChunksEqualsWholeFetch(t *testing.T) {
	fake, dsn := testutil.RegisterFakeDB(t)
	fake.Results["SELECT n FROM seq"] = testutil.QueryResult{
		Columns: []string{"n"},
		Rows:    scriptedRows(7),
	}

	c := newTestConnector(t, dsn)
	defer c.Close()

	whole, err := c.Fetch(context.Background(), "SELECT n FROM seq")
	require.NoError(t, err)

	reader, err := c.FetchChunks(context.Background(), "SELECT n FROM seq;", 3)
	require.NoError(t, err)
	defer reader.Close()

	var chunks []*models.Table
	for {
		chunk, err := reader.Next()
		require.NoError(t, err)
		if chunk == nil {
			break
		}
		chunks = append(chunks, chunk)
	}

	require.Len(t, chunks, 3)
	assert.Equal(t, 3, chunks[0].NumRows())
	assert.Equal(t, 3, chunks[1].NumRows())
	assert.Equal(t, 1, chunks[2].NumRows())

	var concat [][]interface{}
	for _, chunk := range chunks {
		assert.Equal(t, whole.Columns, chunk.Columns)
		concat = append(concat, chunk.Rows...)
	}
	assert.Equal(t, whole.Rows, concat, "concatenated chunks equal the whole fetch")
}

func TestFetchChunksInvalidSize(t *testing.T) {
	_, dsn := testutil.RegisterFakeDB(t)
	c := newTestConnector(t, dsn)

	_, err := c.FetchChunks(context.Background(), "SELECT 1", 0)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestFetchChunksCloseIsIdempotent(t *testing.T) {
	fake, dsn := testutil.RegisterFakeDB(t)
	fake.Results["SELECT n FROM seq"] = testutil.QueryResult{
		Columns: []string{"n"},
		Rows:    scriptedRows(2),
	}

	c := newTestConnector(t, dsn)
	reader, err := c.FetchChunks(context.Background(), "SELECT n FROM seq", 10)
	require.NoError(t, err)

	require.NoError(t, reader.Close())
	require.NoError(t, reader.Close())

	chunk, err := reader.Next()
	require.NoError(t, err)
	assert.Nil(t, chunk, "closed reader yields no more chunks")
}

func TestExecuteStatementsSequential(t *testing.T) {
	fake, dsn := testutil.RegisterFakeDB(t)
	fake.ExecErrs["UPDATE b SET x = 1"] = fmt.Errorf("deadlock")

	c := newTestConnector(t, dsn)
	defer c.Close()

	statements := []string{
		"UPDATE a SET x = 1;",
		"UPDATE b SET x = 1;",
		"UPDATE c SET x = 1;",
	}
	results, err := c.ExecuteStatements(context.Background(), statements, false)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success, "failing statement is captured, not raised")
	assert.True(t, results[2].Success, "later statements still run after a failure")
	assert.Equal(t, statements[1], results[1].Statement)
	assert.True(t, errors.IsType(results[1].Err, errors.ErrorTypeQuery))

	assert.Equal(t, 1, fake.Opens(), "sequential execution shares one connection")
	assert.Equal(t, []string{
		"UPDATE a SET x = 1",
		"UPDATE b SET x = 1",
		"UPDATE c SET x = 1",
	}, fake.ExecLog())
}

func TestExecuteStatementsSequentialConnectFailure(t *testing.T) {
	fake, dsn := testutil.RegisterFakeDB(t)
	fake.FailOpens = 100

	c := newTestConnector(t, dsn)

	results, err := c.ExecuteStatements(context.Background(), []string{"UPDATE a SET x = 1"}, false)
	require.Error(t, err)
	assert.Nil(t, results)
	assert.Empty(t, fake.ExecLog(), "no statement runs when the shared connect fails")
}

func TestExecuteStatementsParallel(t *testing.T) {
	fake, dsn := testutil.RegisterFakeDB(t)
	fake.ExecErrs["UPDATE t2 SET x = 1"] = fmt.Errorf("constraint violation")

	c := newTestConnector(t, dsn)

	statements := []string{
		"UPDATE t0 SET x = 1",
		"UPDATE t1 SET x = 1",
		"UPDATE t2 SET x = 1",
		"UPDATE t3 SET x = 1",
		"UPDATE t4 SET x = 1",
	}
	results, err := c.ExecuteStatements(context.Background(), statements, true)
	require.NoError(t, err)
	require.Len(t, results, 5)

	// Results come back in input order regardless of completion order.
	for i, r := range results {
		assert.Equal(t, statements[i], r.Statement)
	}
	assert.False(t, results[2].Success)
	assert.True(t, results[0].Success)
	assert.True(t, results[4].Success)

	assert.Equal(t, 5, fake.Opens(), "each parallel statement acquires its own connection")
	assert.Equal(t, 4, fake.Commits(), "each successful statement commits its own transaction")
}

func TestExecuteStatementsEmpty(t *testing.T) {
	_, dsn := testutil.RegisterFakeDB(t)
	c := newTestConnector(t, dsn)

	results, err := c.ExecuteStatements(context.Background(), nil, false)
	require.NoError(t, err)
	assert.Nil(t, results)
}

func TestExecuteStatementsParallelBounded(t *testing.T) {
	fake, dsn := testutil.RegisterFakeDB(t)

	c := NewSQLConnector(SQLConnectorOptions{
		Name:           "test",
		DriverName:     testutil.FakeDriverName,
		DSN:            dsn,
		MaxRetries:     1,
		RetryDelay:     time.Millisecond,
		MaxConcurrency: 2,
	})

	statements := make([]string, 10)
	for i := range statements {
		statements[i] = fmt.Sprintf("UPDATE t%d SET x = 1", i)
	}

	results, err := c.ExecuteStatements(context.Background(), statements, true)
	require.NoError(t, err)
	require.Len(t, results, 10)
	for _, r := range results {
		assert.True(t, r.Success)
	}
	assert.Equal(t, 10, fake.Opens())
}
