package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/redshiftdata"
	rstypes "github.com/aws/aws-sdk-go-v2/service/redshiftdata/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratusdata/stratus/pkg/config"
	"github.com/stratusdata/stratus/pkg/errors"
	"github.com/stratusdata/stratus/pkg/models"
)

type fakeS3 struct {
	headBucketErr error
	headObjectErr error
}

func (f *fakeS3) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if f.headBucketErr != nil {
		return nil, f.headBucketErr
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) HeadObject(context.Context, *s3.HeadObjectInput, ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if f.headObjectErr != nil {
		return nil, f.headObjectErr
	}
	return &s3.HeadObjectOutput{}, nil
}

type fakeUploader struct {
	uploads []*s3.PutObjectInput
	bodies  [][]byte
	err     error
}

func (f *fakeUploader) Upload(_ context.Context, in *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.uploads = append(f.uploads, in)
	f.bodies = append(f.bodies, body)
	return &manager.UploadOutput{}, nil
}

type fakeRedshiftData struct {
	batches  []*redshiftdata.BatchExecuteStatementInput
	batchErr error

	statuses  []rstypes.StatusString
	statusErr string
	describes int
}

func (f *fakeRedshiftData) BatchExecuteStatement(_ context.Context, in *redshiftdata.BatchExecuteStatementInput, _ ...func(*redshiftdata.Options)) (*redshiftdata.BatchExecuteStatementOutput, error) {
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	f.batches = append(f.batches, in)
	return &redshiftdata.BatchExecuteStatementOutput{Id: aws.String("stmt-1")}, nil
}

func (f *fakeRedshiftData) DescribeStatement(context.Context, *redshiftdata.DescribeStatementInput, ...func(*redshiftdata.Options)) (*redshiftdata.DescribeStatementOutput, error) {
	status := f.statuses[len(f.statuses)-1]
	if f.describes < len(f.statuses) {
		status = f.statuses[f.describes]
	}
	f.describes++

	out := &redshiftdata.DescribeStatementOutput{Status: status}
	if f.statusErr != "" {
		out.Error = aws.String(f.statusErr)
	}
	return out, nil
}

func testConfig() *config.ObjectStoreConfig {
	return &config.ObjectStoreConfig{
		Bucket:     "data-staging",
		Prefix:     "incoming/",
		Region:     "us-east-1",
		IAMRole:    "arn:aws:iam::123456789012:role/loader",
		MaxRetries: 3,
		Timeout:    30 * time.Second,
	}
}

func testClient(s3api S3API, up UploaderAPI, data RedshiftDataAPI) *Client {
	c := newWithClients(testConfig(), s3api, up, data)
	c.pollInterval = time.Millisecond
	return c
}

func httpStatusErr(code int) error {
	return &awshttp.ResponseError{
		ResponseError: &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{
				Response: &http.Response{StatusCode: code},
			},
			Err: fmt.Errorf("http status %d", code),
		},
	}
}

func TestValidateBucketErrorTypes(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantType errors.ErrorType
	}{
		{"missing bucket", httpStatusErr(404), errors.ErrorTypeNotFound},
		{"access denied", httpStatusErr(403), errors.ErrorTypePermission},
		{"no credentials", fmt.Errorf("failed to retrieve credentials"), errors.ErrorTypeAuthentication},
		{"network failure", fmt.Errorf("dial tcp: connection refused"), errors.ErrorTypeConnection},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testClient(&fakeS3{headBucketErr: tt.err}, &fakeUploader{}, &fakeRedshiftData{})
			err := c.validateBucket(context.Background())
			require.Error(t, err)
			assert.True(t, errors.IsType(err, tt.wantType), "got %v", err)
		})
	}
}

func TestValidateBucketSuccess(t *testing.T) {
	c := testClient(&fakeS3{}, &fakeUploader{}, &fakeRedshiftData{})
	assert.NoError(t, c.validateBucket(context.Background()))
}

func TestUploadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.csv")
	require.NoError(t, os.WriteFile(path, []byte("id,name\n1,ada\n"), 0o600))

	up := &fakeUploader{}
	c := testClient(&fakeS3{}, up, &fakeRedshiftData{})

	key, err := c.UploadFile(context.Background(), path, "data.csv")
	require.NoError(t, err)
	assert.Equal(t, "incoming/data.csv", key)

	require.Len(t, up.uploads, 1)
	assert.Equal(t, "data-staging", aws.ToString(up.uploads[0].Bucket))
	assert.Equal(t, "incoming/data.csv", aws.ToString(up.uploads[0].Key))
	assert.Equal(t, "id,name\n1,ada\n", string(up.bodies[0]))
	assert.Empty(t, up.uploads[0].ServerSideEncryption, "no KMS key configured")
}

func TestUploadFileWithKMS(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.csv")
	require.NoError(t, os.WriteFile(path, []byte("x\n"), 0o600))

	up := &fakeUploader{}
	c := testClient(&fakeS3{}, up, &fakeRedshiftData{})
	c.cfg.KMSKeyID = "alias/staging"

	_, err := c.UploadFile(context.Background(), path, "data.csv")
	require.NoError(t, err)
	assert.Equal(t, s3types.ServerSideEncryptionAwsKms, up.uploads[0].ServerSideEncryption)
	assert.Equal(t, "alias/staging", aws.ToString(up.uploads[0].SSEKMSKeyId))
}

func TestUploadFileMissing(t *testing.T) {
	c := testClient(&fakeS3{}, &fakeUploader{}, &fakeRedshiftData{})

	_, err := c.UploadFile(context.Background(), "/does/not/exist.csv", "x.csv")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeFile))
}

func sampleTable() *models.Table {
	return &models.Table{
		Columns: []string{"id", "name", "created_at"},
		Rows: [][]interface{}{
			{int64(1), "ada", time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)},
			{int64(2), nil, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)},
		},
	}
}

func TestUploadTableCSV(t *testing.T) {
	up := &fakeUploader{}
	c := testClient(&fakeS3{}, up, &fakeRedshiftData{})

	key, err := c.UploadTable(context.Background(), sampleTable(), "users.csv")
	require.NoError(t, err)
	assert.Equal(t, "incoming/users.csv", key)

	want := "id,name,created_at\n" +
		"1,ada,2026-03-01 09:30:00\n" +
		"2,,2026-03-02 10:00:00\n"
	assert.Equal(t, want, string(up.bodies[0]))
}

func TestUploadTableGzip(t *testing.T) {
	up := &fakeUploader{}
	c := testClient(&fakeS3{}, up, &fakeRedshiftData{})

	_, err := c.UploadTable(context.Background(), sampleTable(), "users.csv.gz")
	require.NoError(t, err)

	gz, err := gzip.NewReader(bytes.NewReader(up.bodies[0]))
	require.NoError(t, err)
	decompressed, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Contains(t, string(decompressed), "1,ada,2026-03-01 09:30:00")
}

func TestUploadDispatch(t *testing.T) {
	up := &fakeUploader{}
	c := testClient(&fakeS3{}, up, &fakeRedshiftData{})

	_, err := c.Upload(context.Background(), 42, "x.csv")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	_, err = c.Upload(context.Background(), sampleTable(), "t.csv")
	require.NoError(t, err)
}

func copyRequest() *CopyRequest {
	return &CopyRequest{
		Key:       "incoming/users.csv",
		Table:     "analytics.users",
		ClusterID: "warehouse-1",
		Database:  "analytics",
		DBUser:    "loader",
	}
}

func TestCopyStatement(t *testing.T) {
	c := testClient(&fakeS3{}, &fakeUploader{}, &fakeRedshiftData{})

	stmt := c.copyStatement(copyRequest())
	assert.Equal(t,
		"COPY analytics.users FROM 's3://data-staging/incoming/users.csv' "+
			"IAM_ROLE 'arn:aws:iam::123456789012:role/loader' REGION 'us-east-1' "+
			"CSV IGNOREHEADER 1 TIMEFORMAT 'auto' DATEFORMAT 'auto'",
		stmt)

	req := copyRequest()
	req.Key = "incoming/users.csv.gz"
	assert.Contains(t, c.copyStatement(req), " GZIP")
}

func TestCopyRequestValidate(t *testing.T) {
	req := copyRequest()
	require.NoError(t, req.validate())

	req.DBUser = ""
	require.Error(t, req.validate())

	req.SecretARN = "arn:aws:secretsmanager:us-east-1:123456789012:secret:wh"
	require.NoError(t, req.validate())

	req.Table = ""
	require.Error(t, req.validate())
}

func TestLoadToWarehouseSuccess(t *testing.T) {
	data := &fakeRedshiftData{
		statuses: []rstypes.StatusString{
			rstypes.StatusStringStarted,
			rstypes.StatusStringStarted,
			rstypes.StatusStringFinished,
		},
	}
	c := testClient(&fakeS3{}, &fakeUploader{}, data)

	req := copyRequest()
	req.CreateTableSQL = "CREATE TABLE IF NOT EXISTS analytics.users (id BIGINT)"

	result := c.LoadToWarehouse(context.Background(), req)
	require.NoError(t, result.Err)
	assert.True(t, result.Success)
	assert.Contains(t, result.Message, "analytics.users")

	require.Len(t, data.batches, 1)
	require.Len(t, data.batches[0].Sqls, 2, "create-table precedes the COPY")
	assert.Contains(t, data.batches[0].Sqls[0], "CREATE TABLE")
	assert.Contains(t, data.batches[0].Sqls[1], "COPY analytics.users")
	assert.Equal(t, "loader", aws.ToString(data.batches[0].DbUser))
	assert.Equal(t, 3, data.describes, "polls until a terminal status")
}

func TestLoadToWarehouseFailedStatement(t *testing.T) {
	data := &fakeRedshiftData{
		statuses:  []rstypes.StatusString{rstypes.StatusStringFailed},
		statusErr: "Load into table 'users' failed",
	}
	c := testClient(&fakeS3{}, &fakeUploader{}, data)

	result := c.LoadToWarehouse(context.Background(), copyRequest())
	require.Error(t, result.Err)
	assert.False(t, result.Success)
	assert.True(t, errors.IsType(result.Err, errors.ErrorTypeQuery))
	assert.Contains(t, result.Err.Error(), "Load into table 'users' failed")
}

func TestLoadToWarehouseAborted(t *testing.T) {
	data := &fakeRedshiftData{
		statuses: []rstypes.StatusString{rstypes.StatusStringAborted},
	}
	c := testClient(&fakeS3{}, &fakeUploader{}, data)

	result := c.LoadToWarehouse(context.Background(), copyRequest())
	require.Error(t, result.Err)
	assert.Contains(t, result.Err.Error(), "aborted")
}

func TestLoadToWarehouseMissingObject(t *testing.T) {
	c := testClient(&fakeS3{headObjectErr: httpStatusErr(404)}, &fakeUploader{}, &fakeRedshiftData{})

	result := c.LoadToWarehouse(context.Background(), copyRequest())
	require.Error(t, result.Err)
	assert.True(t, errors.IsType(result.Err, errors.ErrorTypeNotFound))
}

func TestUploadToWarehouse(t *testing.T) {
	up := &fakeUploader{}
	data := &fakeRedshiftData{
		statuses: []rstypes.StatusString{rstypes.StatusStringFinished},
	}
	c := testClient(&fakeS3{}, up, data)

	req := copyRequest()
	req.Key = ""
	result := c.UploadToWarehouse(context.Background(), sampleTable(), "users.csv", req)
	require.NoError(t, result.Err)
	assert.True(t, result.Success)

	// The COPY targets the key the upload produced.
	assert.Contains(t, data.batches[0].Sqls[0], "s3://data-staging/incoming/users.csv")
}

func TestSnapshotName(t *testing.T) {
	name := SnapshotName("users", false)
	assert.Contains(t, name, "users_")
	assert.True(t, filepath.Ext(name) == ".csv")

	gz := SnapshotName("users", true)
	assert.Contains(t, gz, ".csv.gz")
}
