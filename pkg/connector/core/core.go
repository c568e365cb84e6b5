// Package core defines the shared contracts for Stratus connectors
package core

import (
	"context"
	"time"

	"github.com/stratusdata/stratus/pkg/models"
)

// SQLConnector is the contract shared by the warehouse and iSeries
// connectors. Implementations are safe for use by a single goroutine;
// ExecuteStatements in parallel mode manages its own dedicated connections.
type SQLConnector interface {
	// Connect establishes a connection, retrying per the connector's policy.
	Connect(ctx context.Context) error
	// Close releases the connection. Safe to call when not connected.
	Close() error
	// Connected reports whether a live connection is held.
	Connected() bool

	// WithConnection runs fn with a live connection, closing it on all exits.
	WithConnection(ctx context.Context, fn func(ctx context.Context) error) error

	// Fetch runs a query and returns the whole result set in memory.
	Fetch(ctx context.Context, query string) (*models.Table, error)
	// FetchChunks runs a query and returns a lazy chunk iterator.
	FetchChunks(ctx context.Context, query string, chunkSize int) (models.ChunkReader, error)

	// ExecuteStatements runs statements sequentially or in parallel and
	// returns one result per statement, in input order. In sequential mode a
	// failure to establish the shared connection is returned as an error and
	// no statement runs; per-statement failures are captured in the results.
	ExecuteStatements(ctx context.Context, statements []string, parallel bool) ([]StatementResult, error)
}

// StatementResult reports the outcome of a single statement execution.
type StatementResult struct {
	Statement string        `json:"statement"`
	Success   bool          `json:"success"`
	Duration  time.Duration `json:"duration"`
	Err       error         `json:"error,omitempty"`
}

// LoadResult reports the outcome of a warehouse COPY load.
type LoadResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Err     error  `json:"error,omitempty"`
}
