// Package auth keeps short-lived CLI credentials fresh. A refresher runs an
// external login tool when the last recorded refresh falls outside the
// freshness window, and persists refresh timestamps in an embedded SQLite
// database.
package auth

import (
	"context"
	"database/sql"
	stderrors "errors"
	"io/fs"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // registers the sqlite driver

	"github.com/stratusdata/stratus/pkg/config"
	"github.com/stratusdata/stratus/pkg/connector/base"
	"github.com/stratusdata/stratus/pkg/errors"
	"github.com/stratusdata/stratus/pkg/logger"
	"github.com/stratusdata/stratus/pkg/metrics"
)

// timestampLayout is fixed-width so lexicographic order in SQLite matches
// chronological order.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

const createTimestampTable = `
CREATE TABLE IF NOT EXISTS credential_timestamps (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	last_refresh TIMESTAMP NOT NULL,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
)`

// Refresher invokes the login tool and tracks refresh timestamps.
type Refresher struct {
	cfg    *config.SSOConfig
	db     *sql.DB
	retry  *base.RetryPolicy
	logger *zap.Logger
	now    func() time.Time
}

// NewRefresher validates the config, opens the timestamp database, and
// creates the table if needed.
func NewRefresher(cfg *config.SSOConfig) (*Refresher, error) {
	if cfg == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "sso config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeFile, "failed to open timestamp database %s", cfg.DBPath)
	}
	if _, err := db.Exec(createTimestampTable); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to create credential_timestamps table")
	}

	return &Refresher{
		cfg:    cfg,
		db:     db,
		retry:  base.NewRetryPolicy(cfg.MaxRetries, cfg.RetryDelay),
		logger: logger.Get().With(zap.String("component", "auth")),
		now:    time.Now,
	}, nil
}

// Close releases the timestamp database.
func (r *Refresher) Close() error {
	return r.db.Close()
}

// LastRefresh returns the most recent refresh timestamp, if any.
func (r *Refresher) LastRefresh(ctx context.Context) (time.Time, bool, error) {
	var raw string
	err := r.db.QueryRowContext(ctx,
		"SELECT last_refresh FROM credential_timestamps ORDER BY last_refresh DESC LIMIT 1").Scan(&raw)
	if stderrors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, errors.Wrap(err, errors.ErrorTypeQuery, "failed to read last refresh")
	}

	ts, err := time.Parse(timestampLayout, raw)
	if err != nil {
		return time.Time{}, false, errors.Wrap(err, errors.ErrorTypeData, "malformed refresh timestamp")
	}
	return ts, true, nil
}

// ShouldRefresh reports whether credentials need refreshing: no recorded
// refresh, or the latest one is older than the freshness window.
func (r *Refresher) ShouldRefresh(ctx context.Context) (bool, error) {
	last, ok, err := r.LastRefresh(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return r.now().Sub(last) > r.cfg.RefreshWindow, nil
}

// Refresh runs the login tool, retrying on non-zero exit with a fixed delay.
// A missing executable fails immediately without retries. Success records a
// new timestamp.
func (r *Refresher) Refresh(ctx context.Context) error {
	parts := strings.Fields(r.cfg.LoginCommand)
	name, args := parts[0], parts[1:]

	err := r.retry.ExecuteWithCondition(ctx,
		func() error { return r.runLogin(ctx, name, args) },
		func(err error) bool { return !isNotFound(err) })

	metrics.CredentialRefreshes.WithLabelValues(metrics.StatusOf(err)).Inc()
	if err != nil {
		if isNotFound(err) {
			return errors.Wrapf(err, errors.ErrorTypeConfig, "login tool %s not found", name)
		}
		return errors.Wrap(err, errors.ErrorTypeAuthentication, "credential refresh failed")
	}

	return r.recordRefresh(ctx)
}

// EnsureValid refreshes only when the freshness window has lapsed.
func (r *Refresher) EnsureValid(ctx context.Context) error {
	should, err := r.ShouldRefresh(ctx)
	if err != nil {
		return err
	}
	if !should {
		r.logger.Debug("credentials still fresh")
		return nil
	}
	return r.Refresh(ctx)
}

func (r *Refresher) runLogin(ctx context.Context, name string, args []string) error {
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec // G204: command comes from validated config
	output, err := cmd.CombinedOutput()
	if err != nil {
		r.logger.Warn("login tool failed",
			zap.Error(err),
			zap.String("output", strings.TrimSpace(string(output))))
		return err
	}
	r.logger.Info("login tool succeeded")
	return nil
}

func (r *Refresher) recordRefresh(ctx context.Context) error {
	ts := r.now().UTC().Format(timestampLayout)
	if _, err := r.db.ExecContext(ctx,
		"INSERT INTO credential_timestamps (last_refresh) VALUES (?)", ts); err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to record refresh timestamp")
	}
	return nil
}

// isNotFound reports whether err means the executable does not exist.
func isNotFound(err error) bool {
	return stderrors.Is(err, exec.ErrNotFound) || stderrors.Is(err, fs.ErrNotExist)
}
