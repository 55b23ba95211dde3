package checkpoint

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	ferrors "github.com/23skdu/fletch/internal/errors"
	"github.com/23skdu/fletch/internal/resilience"
)

// Archive mirrors checkpoint files to remote storage so a shard whose local
// disk was lost can still be restored.
type Archive interface {
	Upload(ctx context.Context, cp Checkpoint) error
	Download(ctx context.Context, cp Checkpoint, dst string) error
	Delete(ctx context.Context, cp Checkpoint) error
}

// MinioConfig configures an S3-compatible checkpoint archive.
type MinioConfig struct {
	Endpoint  string `envconfig:"ENDPOINT"`
	AccessKey string `envconfig:"ACCESS_KEY"`
	SecretKey string `envconfig:"SECRET_KEY"`
	Bucket    string `envconfig:"BUCKET"`
	Prefix    string `envconfig:"PREFIX" default:"checkpoints/"`
	Secure    bool   `envconfig:"SECURE"`
}

// Enabled reports whether an endpoint was configured.
func (c MinioConfig) Enabled() bool {
	return c.Endpoint != ""
}

// MinioArchive stores checkpoints as objects under <prefix>shard-<id>/.
type MinioArchive struct {
	client *minio.Client
	bucket string
	prefix string
	retry  *resilience.RetryPolicy
}

// NewMinioArchive builds a client for cfg. No request is made until the
// first upload.
func NewMinioArchive(cfg MinioConfig) (*MinioArchive, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, ferrors.NewConfigurationError("archive_init", "endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.ErrorTypeConfiguration, "archive_init", "create minio client")
	}
	return NewMinioArchiveWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

func NewMinioArchiveWithClient(client *minio.Client, bucket, prefix string) *MinioArchive {
	return &MinioArchive{
		client: client,
		bucket: bucket,
		prefix: prefix,
		retry:  resilience.DefaultRetryPolicy(),
	}
}

// ObjectKey is the object name used for cp.
func (a *MinioArchive) ObjectKey(cp Checkpoint) string {
	return objectKey(a.prefix, cp)
}

func objectKey(prefix string, cp Checkpoint) string {
	return strings.TrimPrefix(path.Join(prefix, fmt.Sprintf("shard-%d", cp.ShardID), checkpointFileName(cp.ID)), "/")
}

func (a *MinioArchive) Upload(ctx context.Context, cp Checkpoint) error {
	key := a.ObjectKey(cp)
	_, err := resilience.Retry(ctx, a.retry, func() (minio.UploadInfo, error) {
		info, err := a.client.FPutObject(ctx, a.bucket, key, cp.Path, minio.PutObjectOptions{
			ContentType: "application/octet-stream",
		})
		return info, a.mapErr(err, "archive_upload", key)
	})
	return err
}

func (a *MinioArchive) Download(ctx context.Context, cp Checkpoint, dst string) error {
	key := a.ObjectKey(cp)
	_, err := resilience.Retry(ctx, a.retry, func() (struct{}, error) {
		err := a.client.FGetObject(ctx, a.bucket, key, dst, minio.GetObjectOptions{})
		return struct{}{}, a.mapErr(err, "archive_download", key)
	})
	return err
}

func (a *MinioArchive) Delete(ctx context.Context, cp Checkpoint) error {
	key := a.ObjectKey(cp)
	err := a.client.RemoveObject(ctx, a.bucket, key, minio.RemoveObjectOptions{})
	return a.mapErr(err, "archive_delete", key)
}

func (a *MinioArchive) mapErr(err error, op, key string) error {
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		return ferrors.NewNotFoundError(op, key)
	}
	return ferrors.WrapNetworkError(err, op, key)
}

func isNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}
