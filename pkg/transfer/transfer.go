// Package transfer automates a desktop data-transfer tool. Jobs are
// rendered into DTFX job description files from a template, launched as
// subprocesses in bounded concurrent batches, and their output scraped for
// a best-effort row count.
package transfer

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stratusdata/stratus/pkg/config"
	"github.com/stratusdata/stratus/pkg/errors"
	"github.com/stratusdata/stratus/pkg/logger"
	"github.com/stratusdata/stratus/pkg/metrics"
)

//go:embed templates/job.dtfx
var defaultTemplate string

// rowCountPattern matches "123 rows" or "1 row" in tool output.
var rowCountPattern = regexp.MustCompile(`(?i)(\d+)\s*rows?`)

// Job identifies one table extract.
type Job struct {
	Schema string `json:"schema"`
	Table  string `json:"table"`
	SQL    string `json:"sql"`
}

// Result reports the outcome of one transfer job.
type Result struct {
	Schema    string        `json:"schema"`
	Table     string        `json:"table"`
	FilePath  string        `json:"file_path"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	RowCount  *int          `json:"row_count,omitempty"`
	Output    string        `json:"output,omitempty"`
	Success   bool          `json:"success"`
	Err       error         `json:"error,omitempty"`
}

// Runner renders and executes transfer jobs.
type Runner struct {
	cfg      *config.TransferConfig
	template string
	logger   *zap.Logger
}

// NewRunner validates the config and loads the job template (configured
// path, or the embedded default).
func NewRunner(cfg *config.TransferConfig) (*Runner, error) {
	if cfg == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "transfer config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	template := defaultTemplate
	if cfg.TemplatePath != "" {
		data, err := os.ReadFile(cfg.TemplatePath) //nolint:gosec // G304: path comes from validated config
		if err != nil {
			return nil, errors.Wrapf(err, errors.ErrorTypeFile, "failed to read template %s", cfg.TemplatePath)
		}
		template = string(data)
	}

	return &Runner{
		cfg:      cfg,
		template: template,
		logger:   logger.Get().With(zap.String("component", "transfer")),
	}, nil
}

// Render substitutes the job into the template.
func (r *Runner) Render(job Job) string {
	return strings.NewReplacer(
		"{{host_name}}", r.cfg.HostName,
		"{{database}}", r.cfg.Database,
		"{{source_schema}}", job.Schema,
		"{{source_table}}", job.Table,
		"{{sql_statement}}", job.SQL,
		"{{local_raw_data_directory}}", r.cfg.RawDataDir,
		"{{local_data_package_directory}}", r.cfg.PackageDir,
	).Replace(r.template)
}

// WriteJobFile renders the job into PackageDir and returns the file path.
func (r *Runner) WriteJobFile(job Job) (string, error) {
	if strings.TrimSpace(job.Schema) == "" || strings.TrimSpace(job.Table) == "" {
		return "", errors.New(errors.ErrorTypeValidation, "job schema and table are required")
	}

	path := filepath.Join(r.cfg.PackageDir, fmt.Sprintf("%s_%s.dtfx", job.Schema, job.Table))
	if err := os.WriteFile(path, []byte(r.Render(job)), 0o644); err != nil { //nolint:gosec
		return "", errors.Wrapf(err, errors.ErrorTypeFile, "failed to write job file %s", path)
	}
	return path, nil
}

// Run executes jobs in batches of BatchSize. All jobs within a batch run
// concurrently; a failed job never aborts its batch. Between batches (not
// after the last) the runner pauses for BatchPause. Results come back in
// input order.
func (r *Runner) Run(ctx context.Context, jobs []Job) []Result {
	results := make([]Result, len(jobs))

	for start := 0; start < len(jobs); start += r.cfg.BatchSize {
		end := start + r.cfg.BatchSize
		if end > len(jobs) {
			end = len(jobs)
		}

		r.logger.Info("starting batch",
			zap.Int("from", start),
			zap.Int("to", end-1),
			zap.Int("total", len(jobs)))

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i] = r.runJob(ctx, jobs[i])
			}(i)
		}
		wg.Wait()

		if end < len(jobs) {
			if !r.pause(ctx) {
				for i := end; i < len(jobs); i++ {
					results[i] = Result{
						Schema: jobs[i].Schema,
						Table:  jobs[i].Table,
						Err:    errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "transfer run cancelled"),
					}
				}
				break
			}
		}
	}

	return results
}

// pause sleeps for BatchPause; returns false when the context is cancelled.
func (r *Runner) pause(ctx context.Context) bool {
	timer := time.NewTimer(r.cfg.BatchPause)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// runJob renders the job file, launches the transfer tool, and parses the
// output.
func (r *Runner) runJob(ctx context.Context, job Job) Result {
	result := Result{
		Schema:    job.Schema,
		Table:     job.Table,
		StartTime: time.Now(),
	}
	defer func() {
		result.EndTime = time.Now()
		result.Duration = result.EndTime.Sub(result.StartTime)
		metrics.TransferJobs.WithLabelValues(metrics.StatusOf(result.Err)).Inc()
		metrics.TransferDuration.Observe(result.Duration.Seconds())
	}()

	path, err := r.WriteJobFile(job)
	if err != nil {
		result.Err = err
		return result
	}
	result.FilePath = path

	cmd := exec.CommandContext(ctx, r.cfg.LauncherPath, path) //nolint:gosec // G204: launcher comes from validated config
	output, err := cmd.CombinedOutput()
	result.Output = strings.TrimSpace(string(output))
	result.RowCount = parseRowCount(result.Output)

	if err != nil {
		result.Err = errors.Wrapf(err, errors.ErrorTypeTransfer,
			"transfer of %s.%s failed", job.Schema, job.Table)
		r.logger.Error("transfer job failed",
			zap.String("schema", job.Schema),
			zap.String("table", job.Table),
			zap.String("output", result.Output),
			zap.Error(err))
		return result
	}

	result.Success = true
	r.logger.Info("transfer job complete",
		zap.String("schema", job.Schema),
		zap.String("table", job.Table),
		zap.Duration("duration", time.Since(result.StartTime)))
	return result
}

// parseRowCount scrapes the first "N rows" occurrence from tool output.
// Best effort: nil when the output carries no count.
func parseRowCount(output string) *int {
	m := rowCountPattern.FindStringSubmatch(output)
	if m == nil {
		return nil
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return nil
	}
	return &n
}
