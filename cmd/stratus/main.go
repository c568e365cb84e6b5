package main

import (
	"context"
	"fmt"
	"os"
	"runtime"

	json "github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stratusdata/stratus/pkg/auth"
	"github.com/stratusdata/stratus/pkg/config"
	"github.com/stratusdata/stratus/pkg/connector/core"
	"github.com/stratusdata/stratus/pkg/connector/iseries"
	"github.com/stratusdata/stratus/pkg/connector/objectstore"
	"github.com/stratusdata/stratus/pkg/connector/warehouse"
	"github.com/stratusdata/stratus/pkg/logger"
	"github.com/stratusdata/stratus/pkg/observability"
	"github.com/stratusdata/stratus/pkg/transfer"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	var logLevel, logEncoding string
	var enableTracing bool

	root := &cobra.Command{
		Use:   "stratus",
		Short: "Stratus - thin data-movement connectors",
		Long: `Stratus moves tabular data between an iSeries host, a cloud data warehouse,
and S3 staging storage, and keeps short-lived CLI credentials fresh.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := logger.Init(logger.Config{
				Level:    logLevel,
				Encoding: logEncoding,
			}); err != nil {
				return err
			}
			return observability.InitTracing(observability.TracingConfig{
				Enabled:     enableTracing,
				ServiceName: "stratus",
			})
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&logEncoding, "log-encoding", "console", "Log encoding (json, console)")
	root.PersistentFlags().BoolVar(&enableTracing, "trace", false, "Emit traces to stdout")

	root.AddCommand(versionCmd())
	root.AddCommand(execCmd())
	root.AddCommand(fetchCmd())
	root.AddCommand(uploadCmd())
	root.AddCommand(loadCmd())
	root.AddCommand(refreshCmd())
	root.AddCommand(transferCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Stratus v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

// newSQLConnector builds the connector named by --connector from the
// environment.
func newSQLConnector(name string) (core.SQLConnector, error) {
	switch name {
	case "warehouse":
		cfg, err := config.WarehouseFromEnv()
		if err != nil {
			return nil, err
		}
		return warehouse.New(cfg)
	case "iseries":
		cfg, err := config.ISeriesFromEnv()
		if err != nil {
			return nil, err
		}
		return iseries.New(cfg)
	default:
		return nil, fmt.Errorf("unknown connector %q (want warehouse or iseries)", name)
	}
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func execCmd() *cobra.Command {
	var connectorName string
	var parallel bool

	cmd := &cobra.Command{
		Use:   "exec [statements...]",
		Short: "Execute SQL statements",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := newSQLConnector(connectorName)
			if err != nil {
				return err
			}
			defer conn.Close()

			results, err := conn.ExecuteStatements(cmd.Context(), args, parallel)
			if err != nil {
				return err
			}
			return printJSON(results)
		},
	}
	cmd.Flags().StringVarP(&connectorName, "connector", "c", "warehouse", "Connector (warehouse, iseries)")
	cmd.Flags().BoolVarP(&parallel, "parallel", "p", false, "Run statements in parallel, each on its own connection")
	return cmd
}

func fetchCmd() *cobra.Command {
	var connectorName string
	var chunkSize int

	cmd := &cobra.Command{
		Use:   "fetch <query>",
		Short: "Run a query and print the result set as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := newSQLConnector(connectorName)
			if err != nil {
				return err
			}
			defer conn.Close()

			if chunkSize > 0 {
				return fetchChunked(cmd.Context(), conn, args[0], chunkSize)
			}

			table, err := conn.Fetch(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(table)
		},
	}
	cmd.Flags().StringVarP(&connectorName, "connector", "c", "warehouse", "Connector (warehouse, iseries)")
	cmd.Flags().IntVar(&chunkSize, "chunk-size", 0, "Stream the result in chunks of this many rows")
	return cmd
}

func fetchChunked(ctx context.Context, conn core.SQLConnector, query string, size int) error {
	reader, err := conn.FetchChunks(ctx, query, size)
	if err != nil {
		return err
	}
	defer reader.Close()

	for {
		chunk, err := reader.Next()
		if err != nil {
			return err
		}
		if chunk == nil {
			return nil
		}
		if err := printJSON(chunk); err != nil {
			return err
		}
	}
}

func uploadCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a local file to the staging bucket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.ObjectStoreFromEnv()
			if err != nil {
				return err
			}
			client, err := objectstore.New(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			if name == "" {
				name = args[0]
			}
			key, err := client.UploadFile(cmd.Context(), args[0], name)
			if err != nil {
				return err
			}
			logger.Info("upload complete", zap.String("uri", client.URI(key)))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Object name under the configured prefix (default: local file name)")
	return cmd
}

func loadCmd() *cobra.Command {
	req := &objectstore.CopyRequest{}

	cmd := &cobra.Command{
		Use:   "load",
		Short: "COPY a staged object into a warehouse table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.ObjectStoreFromEnv()
			if err != nil {
				return err
			}
			client, err := objectstore.New(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			result := client.LoadToWarehouse(cmd.Context(), req)
			if err := printJSON(result); err != nil {
				return err
			}
			if result.Err != nil {
				return result.Err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Key, "key", "", "Staged object key (required)")
	cmd.Flags().StringVar(&req.Table, "table", "", "Target table (required)")
	cmd.Flags().StringVar(&req.ClusterID, "cluster", "", "Warehouse cluster identifier (required)")
	cmd.Flags().StringVar(&req.Database, "database", "", "Warehouse database (required)")
	cmd.Flags().StringVar(&req.DBUser, "db-user", "", "Warehouse database user")
	cmd.Flags().StringVar(&req.SecretARN, "secret-arn", "", "Secrets Manager ARN for warehouse credentials")
	cmd.Flags().StringVar(&req.CreateTableSQL, "create-sql", "", "Optional create-table statement to run before the COPY")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("table")
	_ = cmd.MarkFlagRequired("cluster")
	_ = cmd.MarkFlagRequired("database")
	return cmd
}

func refreshCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Refresh CLI credentials if the freshness window has lapsed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.SSOFromEnv()
			if err != nil {
				return err
			}
			refresher, err := auth.NewRefresher(cfg)
			if err != nil {
				return err
			}
			defer refresher.Close()

			if force {
				return refresher.Refresh(cmd.Context())
			}
			return refresher.EnsureValid(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Refresh even when credentials are still fresh")
	return cmd
}

func transferCmd() *cobra.Command {
	var jobsFile string

	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Run desktop transfer jobs in batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.TransferFromEnv()
			if err != nil {
				return err
			}
			runner, err := transfer.NewRunner(cfg)
			if err != nil {
				return err
			}

			var jobs []transfer.Job
			if err := config.Load(jobsFile, &jobs); err != nil {
				return err
			}

			results := runner.Run(cmd.Context(), jobs)
			if err := printJSON(results); err != nil {
				return err
			}
			for _, r := range results {
				if !r.Success {
					return fmt.Errorf("%d transfer job(s) failed", countFailed(results))
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&jobsFile, "jobs", "j", "", "YAML file with the transfer jobs (required)")
	_ = cmd.MarkFlagRequired("jobs")
	return cmd
}

func countFailed(results []transfer.Result) int {
	n := 0
	for _, r := range results {
		if !r.Success {
			n++
		}
	}
	return n
}
