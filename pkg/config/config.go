// Package config provides connector configuration for Stratus.
//
// Each connector has a dedicated config struct with yaml tags, a FromEnv
// constructor backed by viper (prefix per connector), and a Validate method.
// Configs are validated at construction time, before any I/O happens.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/stratusdata/stratus/pkg/errors"
)

// Warehouse driver names accepted by WarehouseConfig.Driver.
const (
	DriverRedshift  = "redshift"
	DriverSnowflake = "snowflake"
)

// WarehouseConfig holds connection settings for a cloud data warehouse.
type WarehouseConfig struct {
	Driver     string        `yaml:"driver"`
	Host       string        `yaml:"host"` // Redshift cluster endpoint or Snowflake account
	Username   string        `yaml:"username"`
	Password   string        `yaml:"password"`
	Database   string        `yaml:"database"`
	Schema     string        `yaml:"schema,omitempty"`
	Warehouse  string        `yaml:"warehouse,omitempty"` // Snowflake only
	Role       string        `yaml:"role,omitempty"`      // Snowflake only
	Port       int           `yaml:"port"`
	Timeout    time.Duration `yaml:"timeout"`
	SSL        bool          `yaml:"ssl"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`

	// MaxConcurrency caps the number of parallel statement workers.
	MaxConcurrency int `yaml:"max_concurrency"`
}

// WarehouseFromEnv builds a WarehouseConfig from WAREHOUSE_* environment
// variables and validates it.
func WarehouseFromEnv() (*WarehouseConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("WAREHOUSE")
	v.AutomaticEnv()
	v.SetDefault("driver", DriverRedshift)
	v.SetDefault("port", 5439)
	v.SetDefault("timeout", "30s")
	v.SetDefault("ssl", true)
	v.SetDefault("max_retries", 3)
	v.SetDefault("retry_delay", "5s")
	v.SetDefault("max_concurrency", 8)

	cfg := &WarehouseConfig{
		Driver:         v.GetString("driver"),
		Host:           v.GetString("host"),
		Username:       v.GetString("username"),
		Password:       v.GetString("password"),
		Database:       v.GetString("database"),
		Schema:         v.GetString("schema"),
		Warehouse:      v.GetString("warehouse"),
		Role:           v.GetString("role"),
		Port:           v.GetInt("port"),
		Timeout:        v.GetDuration("timeout"),
		SSL:            v.GetBool("ssl"),
		MaxRetries:     v.GetInt("max_retries"),
		RetryDelay:     v.GetDuration("retry_delay"),
		MaxConcurrency: v.GetInt("max_concurrency"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and value ranges.
func (c *WarehouseConfig) Validate() error {
	switch c.Driver {
	case DriverRedshift, DriverSnowflake:
	default:
		return errors.Newf(errors.ErrorTypeConfig, "unsupported warehouse driver %q", c.Driver)
	}
	for name, value := range map[string]string{
		"host":     c.Host,
		"username": c.Username,
		"password": c.Password,
		"database": c.Database,
	} {
		if strings.TrimSpace(value) == "" {
			return errors.Newf(errors.ErrorTypeConfig, "warehouse %s is required", name)
		}
	}
	if c.Port <= 0 {
		return errors.Newf(errors.ErrorTypeConfig, "warehouse port must be positive, got %d", c.Port)
	}
	if c.Timeout <= 0 {
		return errors.New(errors.ErrorTypeConfig, "warehouse timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return errors.New(errors.ErrorTypeConfig, "warehouse max_retries must not be negative")
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 8
	}
	return nil
}

// ISeriesConfig holds connection settings for an IBM iSeries (AS/400)
// database reached over ODBC.
type ISeriesConfig struct {
	DSN        string        `yaml:"dsn"`
	Username   string        `yaml:"username"`
	Password   string        `yaml:"password"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`

	MaxConcurrency int `yaml:"max_concurrency"`
}

// ISeriesFromEnv builds an ISeriesConfig from ISERIES_* environment variables
// and validates it.
func ISeriesFromEnv() (*ISeriesConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("ISERIES")
	v.AutomaticEnv()
	v.SetDefault("timeout", "30s")
	v.SetDefault("max_retries", 3)
	v.SetDefault("retry_delay", "5s")
	v.SetDefault("max_concurrency", 8)

	cfg := &ISeriesConfig{
		DSN:            v.GetString("dsn"),
		Username:       v.GetString("username"),
		Password:       v.GetString("password"),
		Timeout:        v.GetDuration("timeout"),
		MaxRetries:     v.GetInt("max_retries"),
		RetryDelay:     v.GetDuration("retry_delay"),
		MaxConcurrency: v.GetInt("max_concurrency"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and value ranges.
func (c *ISeriesConfig) Validate() error {
	for name, value := range map[string]string{
		"dsn":      c.DSN,
		"username": c.Username,
		"password": c.Password,
	} {
		if strings.TrimSpace(value) == "" {
			return errors.Newf(errors.ErrorTypeConfig, "iseries %s is required", name)
		}
	}
	if c.Timeout <= 0 {
		return errors.New(errors.ErrorTypeConfig, "iseries timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return errors.New(errors.ErrorTypeConfig, "iseries max_retries must not be negative")
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 8
	}
	return nil
}

// ObjectStoreConfig holds settings for the S3 object store connector.
type ObjectStoreConfig struct {
	Bucket     string        `yaml:"bucket"`
	Prefix     string        `yaml:"prefix,omitempty"`
	Region     string        `yaml:"region"`
	IAMRole    string        `yaml:"iam_role,omitempty"`    // for warehouse COPY
	KMSKeyID   string        `yaml:"kms_key_id,omitempty"`
	MaxRetries int           `yaml:"max_retries"`
	Timeout    time.Duration `yaml:"timeout"`
}

// ObjectStoreFromEnv builds an ObjectStoreConfig from OBJECTSTORE_*
// environment variables and validates it.
func ObjectStoreFromEnv() (*ObjectStoreConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("OBJECTSTORE")
	v.AutomaticEnv()
	v.SetDefault("region", "us-east-1")
	v.SetDefault("max_retries", 3)
	v.SetDefault("timeout", "30s")

	cfg := &ObjectStoreConfig{
		Bucket:     v.GetString("bucket"),
		Prefix:     v.GetString("prefix"),
		Region:     v.GetString("region"),
		IAMRole:    v.GetString("iam_role"),
		KMSKeyID:   v.GetString("kms_key_id"),
		MaxRetries: v.GetInt("max_retries"),
		Timeout:    v.GetDuration("timeout"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and normalizes the key prefix to a single
// trailing slash.
func (c *ObjectStoreConfig) Validate() error {
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New(errors.ErrorTypeConfig, "objectstore bucket is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New(errors.ErrorTypeConfig, "objectstore region is required")
	}
	if c.IAMRole != "" && strings.TrimSpace(c.IAMRole) == "" {
		return errors.New(errors.ErrorTypeConfig, "objectstore iam_role must not be blank")
	}
	if c.KMSKeyID != "" && strings.TrimSpace(c.KMSKeyID) == "" {
		return errors.New(errors.ErrorTypeConfig, "objectstore kms_key_id must not be blank")
	}
	if c.MaxRetries < 0 {
		return errors.New(errors.ErrorTypeConfig, "objectstore max_retries must not be negative")
	}
	if c.Timeout <= 0 {
		return errors.New(errors.ErrorTypeConfig, "objectstore timeout must be positive")
	}
	if c.Prefix != "" && !strings.HasSuffix(c.Prefix, "/") {
		c.Prefix += "/"
	}
	return nil
}

// SSOConfig holds settings for the credential refresher.
type SSOConfig struct {
	// LoginCommand is the external login tool invocation, e.g.
	// "aws sso login --profile data-eng". The first token is the executable.
	LoginCommand  string        `yaml:"login_command"`
	DBPath        string        `yaml:"db_path"`
	RefreshWindow time.Duration `yaml:"refresh_window"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// SSOFromEnv builds an SSOConfig from SSO_* environment variables and
// validates it.
func SSOFromEnv() (*SSOConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("SSO")
	v.AutomaticEnv()
	v.SetDefault("login_command", "aws sso login")
	v.SetDefault("refresh_window", "6h")
	v.SetDefault("max_retries", 3)
	v.SetDefault("retry_delay", "5s")

	cfg := &SSOConfig{
		LoginCommand:  v.GetString("login_command"),
		DBPath:        v.GetString("db_path"),
		RefreshWindow: v.GetDuration("refresh_window"),
		MaxRetries:    v.GetInt("max_retries"),
		RetryDelay:    v.GetDuration("retry_delay"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and value ranges.
func (c *SSOConfig) Validate() error {
	if strings.TrimSpace(c.LoginCommand) == "" {
		return errors.New(errors.ErrorTypeConfig, "sso login_command is required")
	}
	if strings.TrimSpace(c.DBPath) == "" {
		return errors.New(errors.ErrorTypeConfig, "sso db_path is required")
	}
	if c.RefreshWindow <= 0 {
		return errors.New(errors.ErrorTypeConfig, "sso refresh_window must be positive")
	}
	if c.MaxRetries < 0 {
		return errors.New(errors.ErrorTypeConfig, "sso max_retries must not be negative")
	}
	return nil
}

// TransferConfig holds settings for the desktop transfer tool automation.
type TransferConfig struct {
	HostName     string        `yaml:"host_name"`
	Database     string        `yaml:"database"`
	LauncherPath string        `yaml:"launcher_path"`
	BatchSize    int           `yaml:"batch_size"`
	BatchPause   time.Duration `yaml:"batch_pause"`
	// TemplatePath overrides the embedded job description template.
	TemplatePath string `yaml:"template_path,omitempty"`
	RawDataDir   string `yaml:"raw_data_dir"`
	PackageDir   string `yaml:"package_dir"`
}

// TransferFromEnv builds a TransferConfig from TRANSFER_* environment
// variables and validates it.
func TransferFromEnv() (*TransferConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("TRANSFER")
	v.AutomaticEnv()
	v.SetDefault("database", "*SYSBAS")
	v.SetDefault("batch_size", 15)
	v.SetDefault("batch_pause", "30s")

	cfg := &TransferConfig{
		HostName:     v.GetString("host_name"),
		Database:     v.GetString("database"),
		LauncherPath: v.GetString("launcher_path"),
		BatchSize:    v.GetInt("batch_size"),
		BatchPause:   v.GetDuration("batch_pause"),
		TemplatePath: v.GetString("template_path"),
		RawDataDir:   v.GetString("raw_data_dir"),
		PackageDir:   v.GetString("package_dir"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and creates the working directories.
func (c *TransferConfig) Validate() error {
	for name, value := range map[string]string{
		"host_name":     c.HostName,
		"database":      c.Database,
		"launcher_path": c.LauncherPath,
		"raw_data_dir":  c.RawDataDir,
		"package_dir":   c.PackageDir,
	} {
		if strings.TrimSpace(value) == "" {
			return errors.Newf(errors.ErrorTypeConfig, "transfer %s is required", name)
		}
	}
	if c.BatchSize <= 0 {
		return errors.Newf(errors.ErrorTypeConfig, "transfer batch_size must be positive, got %d", c.BatchSize)
	}
	if c.BatchPause < 0 {
		return errors.New(errors.ErrorTypeConfig, "transfer batch_pause must not be negative")
	}
	for _, dir := range []string{c.RawDataDir, c.PackageDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, errors.ErrorTypeFile, "failed to create directory %s", dir)
		}
	}
	return nil
}
