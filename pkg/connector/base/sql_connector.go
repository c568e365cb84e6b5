// Package base provides the shared machinery for Stratus SQL connectors:
// retry policy, connection lifecycle, fetch, and statement execution over
// database/sql. The warehouse and iSeries connectors wrap this with their
// driver-specific DSN construction.
package base

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/stratusdata/stratus/pkg/connector/core"
	"github.com/stratusdata/stratus/pkg/errors"
	"github.com/stratusdata/stratus/pkg/logger"
	"github.com/stratusdata/stratus/pkg/metrics"
	"github.com/stratusdata/stratus/pkg/models"
	"github.com/stratusdata/stratus/pkg/observability"
)

// SQLConnectorOptions configures a SQLConnector.
type SQLConnectorOptions struct {
	Name           string // connector name for logs, metrics, and spans
	DriverName     string // database/sql driver name
	DSN            string
	Timeout        time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
	MaxConcurrency int
}

// SQLConnector implements core.SQLConnector over database/sql.
//
// A single handle is shared by Connect/Fetch/sequential execution; chunked
// fetches and parallel statement workers each acquire a dedicated handle so
// their lifetimes are independent of the shared one.
type SQLConnector struct {
	name           string
	driverName     string
	dsn            string
	timeout        time.Duration
	retry          *RetryPolicy
	maxConcurrency int
	logger         *zap.Logger

	mu sync.Mutex
	db *sql.DB
}

var _ core.SQLConnector = (*SQLConnector)(nil)

// NewSQLConnector creates a connector. Zero option values get defaults
// (30s timeout, 3 attempts, 5s delay, 8 parallel workers).
func NewSQLConnector(opts SQLConnectorOptions) *SQLConnector {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 8
	}

	return &SQLConnector{
		name:           opts.Name,
		driverName:     opts.DriverName,
		dsn:            opts.DSN,
		timeout:        opts.Timeout,
		retry:          NewRetryPolicy(opts.MaxRetries, opts.RetryDelay),
		maxConcurrency: opts.MaxConcurrency,
		logger:         logger.Get().With(zap.String("connector", opts.Name)),
	}
}

// Name returns the connector name.
func (c *SQLConnector) Name() string {
	return c.name
}

// Connect establishes the shared connection, retrying with a fixed delay.
// It is a no-op when already connected.
func (c *SQLConnector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db != nil {
		return nil
	}

	ctx, span := observability.StartSpan(ctx, "connector.connect",
		attribute.String("connector", c.name))
	db, err := c.acquire(ctx)
	observability.EndSpan(span, err)
	if err != nil {
		return err
	}

	c.db = db
	c.logger.Info("connected")
	return nil
}

// acquire opens and verifies a new handle, retrying per the policy. Every
// connect error is treated as retriable.
func (c *SQLConnector) acquire(ctx context.Context) (*sql.DB, error) {
	var db *sql.DB

	attempt := 0
	err := c.retry.Execute(ctx, func() error {
		attempt++

		d, err := sql.Open(c.driverName, c.dsn)
		if err == nil {
			pingCtx, cancel := context.WithTimeout(ctx, c.timeout)
			err = d.PingContext(pingCtx)
			cancel()
			if err != nil {
				_ = d.Close()
			}
		}

		metrics.ConnectAttempts.WithLabelValues(c.name, metrics.StatusOf(err)).Inc()
		if err != nil {
			c.logger.Warn("connection attempt failed",
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}

		db = d
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect").
			WithDetail("attempts", attempt)
	}
	return db, nil
}

// Close releases the shared connection and nils the handle, so the connector
// may be reconnected afterwards. Safe to call when not connected.
func (c *SQLConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db == nil {
		return nil
	}

	err := c.db.Close()
	c.db = nil
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to close connection")
	}
	c.logger.Debug("connection closed")
	return nil
}

// Connected reports whether the shared handle is held.
func (c *SQLConnector) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db != nil
}

// WithConnection connects, runs fn, and closes on all exits. A close-time
// error is logged and swallowed; it never overrides fn's error.
func (c *SQLConnector) WithConnection(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			c.logger.Warn("error closing connection", zap.Error(err))
		}
	}()

	return fn(ctx)
}

// handle returns the shared db, connecting lazily.
func (c *SQLConnector) handle(ctx context.Context) (*sql.DB, error) {
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db, nil
}

// CleanQuery strips semicolons from query text. Drivers submit a single
// statement at a time; trailing semicolons from hand-written SQL break some
// of them.
func CleanQuery(query string) string {
	return strings.TrimSpace(strings.ReplaceAll(query, ";", ""))
}

// Fetch runs a query and returns the whole result set in memory.
func (c *SQLConnector) Fetch(ctx context.Context, query string) (*models.Table, error) {
	db, err := c.handle(ctx)
	if err != nil {
		return nil, err
	}

	query = CleanQuery(query)
	ctx, span := observability.StartSpan(ctx, "connector.fetch",
		attribute.String("connector", c.name))
	defer func() { observability.EndSpan(span, err) }()

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		err = errors.Wrap(err, errors.ErrorTypeQuery, "query failed").
			WithDetail("query", query)
		return nil, err
	}
	defer rows.Close()

	var table *models.Table
	table, err = scanAll(rows)
	if err != nil {
		return nil, err
	}

	metrics.RowsFetched.WithLabelValues(c.name).Add(float64(table.NumRows()))
	c.logger.Debug("fetch complete", zap.Int("rows", table.NumRows()))
	return table, nil
}

// FetchChunks runs a query and returns a lazy forward-only chunk reader.
// The reader owns a dedicated connection; Close releases it.
func (c *SQLConnector) FetchChunks(ctx context.Context, query string, chunkSize int) (models.ChunkReader, error) {
	if chunkSize <= 0 {
		return nil, errors.Newf(errors.ErrorTypeValidation, "chunk size must be positive, got %d", chunkSize)
	}

	db, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}

	query = CleanQuery(query)
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "query failed").
			WithDetail("query", query)
	}

	columns, err := rows.Columns()
	if err != nil {
		_ = rows.Close()
		_ = db.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to read columns")
	}

	return &chunkReader{
		name:    c.name,
		db:      db,
		rows:    rows,
		columns: columns,
		size:    chunkSize,
	}, nil
}

// ExecuteStatements runs statements and returns one result per statement in
// input order. Sequential mode shares one connection and returns an error if
// it cannot be established; parallel mode gives each statement a dedicated
// connection and captures every failure in its result.
func (c *SQLConnector) ExecuteStatements(ctx context.Context, statements []string, parallel bool) ([]core.StatementResult, error) {
	if len(statements) == 0 {
		return nil, nil
	}
	if parallel {
		return c.executeParallel(ctx, statements), nil
	}
	return c.executeSequential(ctx, statements)
}

func (c *SQLConnector) executeSequential(ctx context.Context, statements []string) ([]core.StatementResult, error) {
	db, err := c.handle(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]core.StatementResult, 0, len(statements))
	for _, stmt := range statements {
		results = append(results, c.runStatement(ctx, db, stmt))
	}
	return results, nil
}

// executeParallel runs one worker per statement, bounded by a semaphore of
// maxConcurrency. Each worker acquires its own connection and commits its
// own transaction.
func (c *SQLConnector) executeParallel(ctx context.Context, statements []string) []core.StatementResult {
	results := make([]core.StatementResult, len(statements))
	sem := make(chan struct{}, c.maxConcurrency)

	var wg sync.WaitGroup
	for i, stmt := range statements {
		wg.Add(1)
		go func(i int, stmt string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			results[i] = c.runDedicated(ctx, stmt)
		}(i, stmt)
	}
	wg.Wait()

	return results
}

// runDedicated executes one statement on its own connection.
func (c *SQLConnector) runDedicated(ctx context.Context, stmt string) core.StatementResult {
	start := time.Now()

	db, err := c.acquire(ctx)
	if err != nil {
		metrics.ObserveStatement(c.name, time.Since(start), err)
		return core.StatementResult{Statement: stmt, Duration: time.Since(start), Err: err}
	}
	defer func() {
		if err := db.Close(); err != nil {
			c.logger.Warn("error closing worker connection", zap.Error(err))
		}
	}()

	err = c.execInTx(ctx, db, CleanQuery(stmt))
	result := core.StatementResult{
		Statement: stmt,
		Success:   err == nil,
		Duration:  time.Since(start),
		Err:       err,
	}
	metrics.ObserveStatement(c.name, result.Duration, err)
	c.logStatement(result)
	return result
}

func (c *SQLConnector) execInTx(ctx context.Context, db *sql.DB, stmt string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to begin transaction")
	}
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		_ = tx.Rollback()
		return errors.Wrap(err, errors.ErrorTypeQuery, "statement failed").
			WithDetail("statement", stmt)
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "commit failed")
	}
	return nil
}

// runStatement executes one statement on the shared connection.
func (c *SQLConnector) runStatement(ctx context.Context, db *sql.DB, stmt string) core.StatementResult {
	start := time.Now()

	_, err := db.ExecContext(ctx, CleanQuery(stmt))
	if err != nil {
		err = errors.Wrap(err, errors.ErrorTypeQuery, "statement failed").
			WithDetail("statement", stmt)
	}

	result := core.StatementResult{
		Statement: stmt,
		Success:   err == nil,
		Duration:  time.Since(start),
		Err:       err,
	}
	metrics.ObserveStatement(c.name, result.Duration, err)
	c.logStatement(result)
	return result
}

func (c *SQLConnector) logStatement(r core.StatementResult) {
	if r.Success {
		c.logger.Debug("statement executed", zap.Duration("duration", r.Duration))
		return
	}
	c.logger.Error("statement failed",
		zap.Duration("duration", r.Duration),
		zap.Error(r.Err))
}

// scanAll drains rows into an in-memory table.
func scanAll(rows *sql.Rows) (*models.Table, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to read columns")
	}

	table := &models.Table{Columns: columns}
	for rows.Next() {
		row, err := scanRow(rows, len(columns))
		if err != nil {
			return nil, err
		}
		table.Append(row)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "row iteration failed")
	}
	return table, nil
}

func scanRow(rows *sql.Rows, n int) ([]interface{}, error) {
	values := make([]interface{}, n)
	ptrs := make([]interface{}, n)
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "scan failed")
	}
	return values, nil
}

// chunkReader implements models.ChunkReader over a dedicated connection.
type chunkReader struct {
	name    string
	db      *sql.DB
	rows    *sql.Rows
	columns []string
	size    int
	closed  bool
	mu      sync.Mutex
}

// Next returns the next chunk, or nil at end of set. The reader closes
// itself when the set is exhausted.
func (r *chunkReader) Next() (*models.Table, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, nil
	}

	table := &models.Table{Columns: r.columns}
	for len(table.Rows) < r.size && r.rows.Next() {
		row, err := scanRow(r.rows, len(r.columns))
		if err != nil {
			_ = r.closeLocked()
			return nil, err
		}
		table.Append(row)
	}
	if err := r.rows.Err(); err != nil {
		_ = r.closeLocked()
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "row iteration failed")
	}

	if table.IsEmpty() {
		return nil, r.closeLocked()
	}

	metrics.RowsFetched.WithLabelValues(r.name).Add(float64(table.NumRows()))
	return table, nil
}

// Close releases the cursor and its connection. Safe to call more than once.
func (r *chunkReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeLocked()
}

func (r *chunkReader) closeLocked() error {
	if r.closed {
		return nil
	}
	r.closed = true
	_ = r.rows.Close()
	return r.db.Close()
}
