// Package warehouse provides the cloud data-warehouse connector.
//
// Two drivers are supported: Redshift through the pgx stdlib driver
// (Redshift speaks the postgres wire protocol) and Snowflake through
// gosnowflake. Everything past DSN construction is shared connector
// machinery from the base package.
package warehouse

import (
	"fmt"
	"net/url"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"     // registers the pgx driver
	_ "github.com/snowflakedb/gosnowflake" // registers the snowflake driver

	"github.com/stratusdata/stratus/pkg/config"
	"github.com/stratusdata/stratus/pkg/connector/base"
	"github.com/stratusdata/stratus/pkg/errors"
)

// Connector is a SQL connector for a cloud data warehouse.
type Connector struct {
	*base.SQLConnector
	cfg *config.WarehouseConfig
}

// New validates the config and builds a connector. No I/O happens until
// Connect.
func New(cfg *config.WarehouseConfig) (*Connector, error) {
	if cfg == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "warehouse config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	driverName, dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}

	return &Connector{
		SQLConnector: base.NewSQLConnector(base.SQLConnectorOptions{
			Name:           "warehouse." + cfg.Driver,
			DriverName:     driverName,
			DSN:            dsn,
			Timeout:        cfg.Timeout,
			MaxRetries:     cfg.MaxRetries,
			RetryDelay:     cfg.RetryDelay,
			MaxConcurrency: cfg.MaxConcurrency,
		}),
		cfg: cfg,
	}, nil
}

// Config returns the connector configuration.
func (c *Connector) Config() *config.WarehouseConfig {
	return c.cfg
}

// buildDSN maps the config onto a driver name and DSN.
func buildDSN(cfg *config.WarehouseConfig) (string, string, error) {
	switch cfg.Driver {
	case config.DriverRedshift:
		return "pgx", redshiftDSN(cfg), nil
	case config.DriverSnowflake:
		return "snowflake", snowflakeDSN(cfg), nil
	default:
		return "", "", errors.Newf(errors.ErrorTypeConfig, "unsupported warehouse driver %q", cfg.Driver)
	}
}

func redshiftDSN(cfg *config.WarehouseConfig) string {
	sslMode := "require"
	if !cfg.SSL {
		sslMode = "disable"
	}

	q := url.Values{}
	q.Set("sslmode", sslMode)
	q.Set("connect_timeout", fmt.Sprintf("%d", int(cfg.Timeout.Seconds())))
	if cfg.Schema != "" {
		q.Set("search_path", cfg.Schema)
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.Username, cfg.Password),
		Host:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:     "/" + cfg.Database,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// snowflakeDSN builds user:password@account/database/schema?warehouse=X&role=Y.
// Host carries the Snowflake account identifier.
func snowflakeDSN(cfg *config.WarehouseConfig) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s:%s@%s/%s",
		url.QueryEscape(cfg.Username),
		url.QueryEscape(cfg.Password),
		cfg.Host,
		cfg.Database)
	if cfg.Schema != "" {
		sb.WriteString("/" + cfg.Schema)
	}

	q := url.Values{}
	if cfg.Warehouse != "" {
		q.Set("warehouse", cfg.Warehouse)
	}
	if cfg.Role != "" {
		q.Set("role", cfg.Role)
	}
	if len(q) > 0 {
		sb.WriteString("?" + q.Encode())
	}
	return sb.String()
}
