// Package objectstore provides the S3 staging client: bucket validation,
// file and in-memory table uploads, and COPY of staged objects into the
// warehouse through the Redshift Data API.
package objectstore

import (
	"context"
	"encoding/csv"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/redshiftdata"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/stratusdata/stratus/pkg/config"
	"github.com/stratusdata/stratus/pkg/errors"
	"github.com/stratusdata/stratus/pkg/logger"
	"github.com/stratusdata/stratus/pkg/metrics"
	"github.com/stratusdata/stratus/pkg/models"
)

const timestampFormat = "2006-01-02 15:04:05"

// S3API is the subset of the S3 client the connector uses.
type S3API interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// UploaderAPI is the subset of the transfer manager the connector uses.
type UploaderAPI interface {
	Upload(ctx context.Context, in *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// RedshiftDataAPI is the subset of the Redshift Data API the connector uses.
type RedshiftDataAPI interface {
	BatchExecuteStatement(ctx context.Context, in *redshiftdata.BatchExecuteStatementInput, opts ...func(*redshiftdata.Options)) (*redshiftdata.BatchExecuteStatementOutput, error)
	DescribeStatement(ctx context.Context, in *redshiftdata.DescribeStatementInput, opts ...func(*redshiftdata.Options)) (*redshiftdata.DescribeStatementOutput, error)
}

// Client stages data in S3 and loads it into the warehouse.
type Client struct {
	cfg          *config.ObjectStoreConfig
	s3           S3API
	uploader     UploaderAPI
	data         RedshiftDataAPI
	logger       *zap.Logger
	pollInterval time.Duration
}

// New validates the config, builds the AWS clients, and verifies bucket
// access with HeadBucket.
func New(ctx context.Context, cfg *config.ObjectStoreConfig) (*Client, error) {
	if cfg == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "objectstore config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRetryMaxAttempts(cfg.MaxRetries),
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeAuthentication, "failed to load AWS configuration")
	}

	s3Client := s3.NewFromConfig(awsCfg)
	client := &Client{
		cfg:          cfg,
		s3:           s3Client,
		uploader:     manager.NewUploader(s3Client),
		data:         redshiftdata.NewFromConfig(awsCfg),
		logger:       logger.Get().With(zap.String("connector", "objectstore"), zap.String("bucket", cfg.Bucket)),
		pollInterval: 2 * time.Second,
	}

	if err := client.validateBucket(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// newWithClients wires explicit API implementations; used by tests.
func newWithClients(cfg *config.ObjectStoreConfig, s3api S3API, uploader UploaderAPI, data RedshiftDataAPI) *Client {
	return &Client{
		cfg:          cfg,
		s3:           s3api,
		uploader:     uploader,
		data:         data,
		logger:       logger.Get().With(zap.String("connector", "objectstore")),
		pollInterval: 2 * time.Second,
	}
}

// validateBucket issues HeadBucket and maps the failure modes to distinct
// error types.
func (c *Client) validateBucket(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	_, err := c.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.cfg.Bucket)})
	if err == nil {
		c.logger.Debug("bucket validated")
		return nil
	}

	switch statusCode(err) {
	case http.StatusNotFound:
		return errors.Wrapf(err, errors.ErrorTypeNotFound, "bucket %s does not exist", c.cfg.Bucket)
	case http.StatusForbidden:
		return errors.Wrapf(err, errors.ErrorTypePermission, "access denied to bucket %s", c.cfg.Bucket)
	}
	if strings.Contains(err.Error(), "credential") {
		return errors.Wrap(err, errors.ErrorTypeAuthentication, "no AWS credentials available")
	}
	return errors.Wrapf(err, errors.ErrorTypeConnection, "failed to validate bucket %s", c.cfg.Bucket)
}

// statusCode extracts the HTTP status from an AWS SDK error, or 0.
func statusCode(err error) int {
	var respErr *awshttp.ResponseError
	if stderrors.As(err, &respErr) {
		return respErr.HTTPStatusCode()
	}
	return 0
}

// Key returns the full object key for a name under the configured prefix.
func (c *Client) Key(name string) string {
	return c.cfg.Prefix + name
}

// URI returns the s3:// URI for an object key.
func (c *Client) URI(key string) string {
	return fmt.Sprintf("s3://%s/%s", c.cfg.Bucket, key)
}

// UploadFile uploads a local file under the configured prefix and returns
// the object key.
func (c *Client) UploadFile(ctx context.Context, localPath, name string) (string, error) {
	f, err := os.Open(localPath) //nolint:gosec // G304: path comes from the caller
	if err != nil {
		return "", errors.Wrapf(err, errors.ErrorTypeFile, "failed to open %s", localPath)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", errors.Wrapf(err, errors.ErrorTypeFile, "failed to stat %s", localPath)
	}

	key := c.Key(name)
	input := &s3.PutObjectInput{
		Bucket: aws.String(c.cfg.Bucket),
		Key:    aws.String(key),
		Body:   f,
	}
	if c.cfg.KMSKeyID != "" {
		input.ServerSideEncryption = s3types.ServerSideEncryptionAwsKms
		input.SSEKMSKeyId = aws.String(c.cfg.KMSKeyID)
	}

	if _, err := c.uploader.Upload(ctx, input); err != nil {
		return "", errors.Wrapf(err, errors.ErrorTypeUpload, "failed to upload %s", key)
	}

	metrics.BytesUploaded.Add(float64(info.Size()))
	c.logger.Info("uploaded file",
		zap.String("key", key),
		zap.Int64("bytes", info.Size()))
	return key, nil
}

// UploadTable writes the table to a temporary CSV file and uploads it. The
// file is gzip-compressed when name ends in .gz. The temporary file is
// removed on all paths.
func (c *Client) UploadTable(ctx context.Context, table *models.Table, name string) (string, error) {
	if table == nil {
		return "", errors.New(errors.ErrorTypeValidation, "table is required")
	}

	tmp, err := os.CreateTemp("", "stratus-upload-*"+filepath.Ext(name))
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeFile, "failed to create temp file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	err = writeCSV(tmp, table, strings.HasSuffix(name, ".gz"))
	closeErr := tmp.Close()
	if err != nil {
		return "", err
	}
	if closeErr != nil {
		return "", errors.Wrap(closeErr, errors.ErrorTypeFile, "failed to finalize temp file")
	}

	return c.UploadFile(ctx, tmpPath, name)
}

// Upload dispatches on the input kind: a string is a local file path, a
// *models.Table is uploaded as CSV.
func (c *Client) Upload(ctx context.Context, input interface{}, name string) (string, error) {
	switch v := input.(type) {
	case string:
		return c.UploadFile(ctx, v, name)
	case *models.Table:
		return c.UploadTable(ctx, v, name)
	default:
		return "", errors.Newf(errors.ErrorTypeValidation, "unsupported upload input type %T", input)
	}
}

// writeCSV writes header plus rows, optionally gzip-compressed. Time values
// are formatted as "2006-01-02 15:04:05"; nils become empty fields.
func writeCSV(f *os.File, table *models.Table, compress bool) error {
	var w *csv.Writer
	var gz *gzip.Writer
	if compress {
		gz = gzip.NewWriter(f)
		w = csv.NewWriter(gz)
	} else {
		w = csv.NewWriter(f)
	}

	if err := w.Write(table.Columns); err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to write CSV header")
	}

	record := make([]string, len(table.Columns))
	for _, row := range table.Rows {
		for i, v := range row {
			record[i] = formatValue(v)
		}
		if err := w.Write(record); err != nil {
			return errors.Wrap(err, errors.ErrorTypeData, "failed to write CSV row")
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to flush CSV")
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return errors.Wrap(err, errors.ErrorTypeData, "failed to close gzip stream")
		}
	}
	return nil
}

func formatValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case time.Time:
		return t.Format(timestampFormat)
	case []byte:
		return string(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
