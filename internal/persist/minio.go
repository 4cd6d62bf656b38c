package persist

import (
	"bytes"
	"context"
	"fmt"
	"path"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig configures the S3-compatible backend.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	// Prefix is prepended to every key, e.g. a run ID.
	Prefix string
}

// MinioStorage puts each frame as an object in a bucket.
type MinioStorage struct {
	client *miniogo.Client
	bucket string
	prefix string
}

// NewMinioStorage builds the client. It does not contact the server; call
// EnsureBucket before the first write.
func NewMinioStorage(cfg MinioConfig) (*MinioStorage, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("persist: minio endpoint and bucket are required")
	}

	client, err := miniogo.New(cfg.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("persist: create minio client: %w", err)
	}

	return &MinioStorage{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// EnsureBucket creates the bucket if it does not exist.
func (m *MinioStorage) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("persist: check bucket %s: %w", m.bucket, err)
	}
	if !exists {
		if err := m.client.MakeBucket(ctx, m.bucket, miniogo.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("persist: create bucket %s: %w", m.bucket, err)
		}
	}
	return nil
}

// Write uploads data as bucket/prefix/key.
func (m *MinioStorage) Write(ctx context.Context, key string, data []byte) error {
	_, err := m.client.PutObject(ctx, m.bucket, m.objectName(key),
		bytes.NewReader(data), int64(len(data)),
		miniogo.PutObjectOptions{ContentType: contentType(key)})
	if err != nil {
		return fmt.Errorf("%w: %s/%s: %w", ErrStorageIO, m.bucket, key, err)
	}
	return nil
}

func (m *MinioStorage) objectName(key string) string {
	if m.prefix == "" {
		return key
	}
	return path.Join(m.prefix, key)
}

func contentType(key string) string {
	switch path.Ext(key) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}
