package objectstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/redshiftdata"
	"github.com/aws/aws-sdk-go-v2/service/redshiftdata/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/stratusdata/stratus/pkg/connector/core"
	"github.com/stratusdata/stratus/pkg/errors"
)

// CopyRequest describes a COPY of a staged object into a warehouse table.
type CopyRequest struct {
	// Key is the staged object key (under the configured prefix).
	Key string
	// Table is the fully qualified target table.
	Table string
	// CreateTableSQL, when set, runs before the COPY in the same batch.
	CreateTableSQL string

	// Cluster identification for the Redshift Data API. Either DBUser or
	// SecretARN authenticates the session.
	ClusterID string
	Database  string
	DBUser    string
	SecretARN string
}

func (r *CopyRequest) validate() error {
	for name, value := range map[string]string{
		"key":        r.Key,
		"table":      r.Table,
		"cluster_id": r.ClusterID,
		"database":   r.Database,
	} {
		if strings.TrimSpace(value) == "" {
			return errors.Newf(errors.ErrorTypeValidation, "copy request %s is required", name)
		}
	}
	if r.DBUser == "" && r.SecretARN == "" {
		return errors.New(errors.ErrorTypeValidation, "copy request needs db_user or secret_arn")
	}
	return nil
}

// copyStatement renders the COPY command for a staged CSV object.
func (c *Client) copyStatement(req *CopyRequest) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "COPY %s FROM '%s'", req.Table, c.URI(req.Key))
	if c.cfg.IAMRole != "" {
		fmt.Fprintf(&sb, " IAM_ROLE '%s'", c.cfg.IAMRole)
	}
	fmt.Fprintf(&sb, " REGION '%s'", c.cfg.Region)
	sb.WriteString(" CSV IGNOREHEADER 1 TIMEFORMAT 'auto' DATEFORMAT 'auto'")
	if strings.HasSuffix(req.Key, ".gz") {
		sb.WriteString(" GZIP")
	}
	return sb.String()
}

// LoadToWarehouse checks that the staged object exists, submits the COPY
// (plus optional create-table) through the Data API, and polls the statement
// until it finishes.
func (c *Client) LoadToWarehouse(ctx context.Context, req *CopyRequest) core.LoadResult {
	if req == nil {
		return core.LoadResult{Err: errors.New(errors.ErrorTypeValidation, "copy request is required")}
	}
	if err := req.validate(); err != nil {
		return core.LoadResult{Err: err}
	}

	_, err := c.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.cfg.Bucket),
		Key:    aws.String(req.Key),
	})
	if err != nil {
		return core.LoadResult{Err: errors.Wrapf(err, errors.ErrorTypeNotFound,
			"staged object %s not found", c.URI(req.Key))}
	}

	statements := []string{}
	if req.CreateTableSQL != "" {
		statements = append(statements, req.CreateTableSQL)
	}
	statements = append(statements, c.copyStatement(req))

	input := &redshiftdata.BatchExecuteStatementInput{
		ClusterIdentifier: aws.String(req.ClusterID),
		Database:          aws.String(req.Database),
		Sqls:              statements,
	}
	if req.SecretARN != "" {
		input.SecretArn = aws.String(req.SecretARN)
	} else {
		input.DbUser = aws.String(req.DBUser)
	}

	out, err := c.data.BatchExecuteStatement(ctx, input)
	if err != nil {
		return core.LoadResult{Err: errors.Wrap(err, errors.ErrorTypeQuery, "failed to submit COPY batch")}
	}

	statementID := aws.ToString(out.Id)
	c.logger.Info("copy submitted",
		zap.String("statement_id", statementID),
		zap.String("table", req.Table))

	if err := c.waitForStatement(ctx, statementID); err != nil {
		return core.LoadResult{Err: err}
	}

	return core.LoadResult{
		Success: true,
		Message: fmt.Sprintf("loaded %s into %s", c.URI(req.Key), req.Table),
	}
}

// waitForStatement polls DescribeStatement until the statement reaches a
// terminal status.
func (c *Client) waitForStatement(ctx context.Context, id string) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		out, err := c.data.DescribeStatement(ctx, &redshiftdata.DescribeStatementInput{
			Id: aws.String(id),
		})
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeQuery, "failed to describe statement")
		}

		switch out.Status {
		case types.StatusStringFinished:
			return nil
		case types.StatusStringFailed:
			return errors.Newf(errors.ErrorTypeQuery, "COPY failed: %s", aws.ToString(out.Error))
		case types.StatusStringAborted:
			return errors.New(errors.ErrorTypeQuery, "COPY aborted")
		}

		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "COPY wait cancelled")
		case <-ticker.C:
		}
	}
}

// UploadToWarehouse uploads the input and loads it into the warehouse in one
// step. The input follows the Upload dispatch rules.
func (c *Client) UploadToWarehouse(ctx context.Context, input interface{}, name string, req *CopyRequest) core.LoadResult {
	key, err := c.Upload(ctx, input, name)
	if err != nil {
		return core.LoadResult{Err: err}
	}

	if req == nil {
		return core.LoadResult{Err: errors.New(errors.ErrorTypeValidation, "copy request is required")}
	}
	r := *req
	r.Key = key
	return c.LoadToWarehouse(ctx, &r)
}

// SnapshotName builds an object name for a table snapshot, timestamped to
// avoid collisions between runs.
func SnapshotName(baseName string, compress bool) string {
	suffix := ".csv"
	if compress {
		suffix = ".csv.gz"
	}
	return fmt.Sprintf("%s_%s%s", baseName, time.Now().UTC().Format("20060102T150405Z"), suffix)
}
