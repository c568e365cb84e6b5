package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"sync"
	"testing"
)

// FakeDriverName is the database/sql driver name the fake registers under.
const FakeDriverName = "stratusfake"

var (
	fakeRegistry   = map[string]*FakeDB{}
	fakeRegistryMu sync.Mutex
	registerOnce   sync.Once
)

// QueryResult is a canned result set for a statement.
type QueryResult struct {
	Columns []string
	Rows    [][]driver.Value
}

// FakeDB scripts the behavior of the fake driver for one DSN. Tests
// configure failures and canned results, run the code under test, and then
// inspect the counters.
type FakeDB struct {
	mu sync.Mutex

	// FailOpens makes the first N driver opens fail.
	FailOpens int
	// ExecErrs maps a statement to the error its execution returns.
	ExecErrs map[string]error
	// Results maps a query to its canned result set.
	Results map[string]QueryResult

	opens   int
	execLog []string
	commits int
}

// RegisterFakeDB registers a scripted database under a DSN unique to the
// test and returns it. The registration is removed on test cleanup.
func RegisterFakeDB(t *testing.T) (*FakeDB, string) {
	t.Helper()

	registerOnce.Do(func() {
		sql.Register(FakeDriverName, &fakeDriver{})
	})

	dsn := t.Name()
	db := &FakeDB{
		ExecErrs: map[string]error{},
		Results:  map[string]QueryResult{},
	}

	fakeRegistryMu.Lock()
	fakeRegistry[dsn] = db
	fakeRegistryMu.Unlock()

	t.Cleanup(func() {
		fakeRegistryMu.Lock()
		delete(fakeRegistry, dsn)
		fakeRegistryMu.Unlock()
	})

	return db, dsn
}

// Opens returns how many connections were opened.
func (f *FakeDB) Opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

// ExecLog returns the statements executed, in execution order.
func (f *FakeDB) ExecLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.execLog))
	copy(out, f.execLog)
	return out
}

// Commits returns how many transactions were committed.
func (f *FakeDB) Commits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commits
}

type fakeDriver struct{}

func (d *fakeDriver) Open(dsn string) (driver.Conn, error) {
	fakeRegistryMu.Lock()
	db := fakeRegistry[dsn]
	fakeRegistryMu.Unlock()

	if db == nil {
		return nil, fmt.Errorf("unknown fake dsn %q", dsn)
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	db.opens++
	if db.opens <= db.FailOpens {
		return nil, fmt.Errorf("scripted open failure %d", db.opens)
	}
	return &fakeConn{db: db}, nil
}

type fakeConn struct {
	db *FakeDB
}

var (
	_ driver.Pinger         = (*fakeConn)(nil)
	_ driver.ExecerContext  = (*fakeConn)(nil)
	_ driver.QueryerContext = (*fakeConn)(nil)
	_ driver.ConnBeginTx    = (*fakeConn)(nil)
)

func (c *fakeConn) Prepare(string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepared statements not supported by fake driver")
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) Begin() (driver.Tx, error) {
	return &fakeTx{db: c.db}, nil
}

func (c *fakeConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	return &fakeTx{db: c.db}, nil
}

func (c *fakeConn) Ping(context.Context) error { return nil }

func (c *fakeConn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	c.db.mu.Lock()
	c.db.execLog = append(c.db.execLog, query)
	err := c.db.ExecErrs[query]
	c.db.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return driver.RowsAffected(1), nil
}

func (c *fakeConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	c.db.mu.Lock()
	result, ok := c.db.Results[query]
	c.db.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("no scripted result for query %q", query)
	}
	return &fakeRows{result: result}, nil
}

type fakeTx struct {
	db *FakeDB
}

func (tx *fakeTx) Commit() error {
	tx.db.mu.Lock()
	tx.db.commits++
	tx.db.mu.Unlock()
	return nil
}

func (tx *fakeTx) Rollback() error { return nil }

type fakeRows struct {
	result QueryResult
	pos    int
}

func (r *fakeRows) Columns() []string { return r.result.Columns }

func (r *fakeRows) Close() error { return nil }

func (r *fakeRows) Next(dest []driver.Value) error {
	if r.pos >= len(r.result.Rows) {
		return io.EOF
	}
	copy(dest, r.result.Rows[r.pos])
	r.pos++
	return nil
}
