// Package iseries provides the IBM iSeries (AS/400) connector over ODBC.
package iseries

import (
	"fmt"
	"strings"

	_ "github.com/alexbrainman/odbc" // registers the odbc driver

	"github.com/stratusdata/stratus/pkg/config"
	"github.com/stratusdata/stratus/pkg/connector/base"
	"github.com/stratusdata/stratus/pkg/errors"
)

// Connector is a SQL connector for an iSeries host.
type Connector struct {
	*base.SQLConnector
	cfg *config.ISeriesConfig
}

// New validates the config and builds a connector. No I/O happens until
// Connect.
func New(cfg *config.ISeriesConfig) (*Connector, error) {
	if cfg == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "iseries config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Connector{
		SQLConnector: base.NewSQLConnector(base.SQLConnectorOptions{
			Name:           "iseries",
			DriverName:     "odbc",
			DSN:            connectionString(cfg),
			Timeout:        cfg.Timeout,
			MaxRetries:     cfg.MaxRetries,
			RetryDelay:     cfg.RetryDelay,
			MaxConcurrency: cfg.MaxConcurrency,
		}),
		cfg: cfg,
	}, nil
}

// Config returns the connector configuration.
func (c *Connector) Config() *config.ISeriesConfig {
	return c.cfg
}

// connectionString appends the credentials to the configured DSN fragment.
func connectionString(cfg *config.ISeriesConfig) string {
	dsn := strings.TrimSuffix(strings.TrimSpace(cfg.DSN), ";")
	return fmt.Sprintf("%s;UID=%s;PWD=%s", dsn, cfg.Username, cfg.Password)
}
