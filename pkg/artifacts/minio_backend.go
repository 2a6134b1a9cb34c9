package artifacts

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/netintent/netintent/pkg/orchestrator"
)

// MinioConfig configures the object storage backend.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// MinioBackend stores blobs in an S3-compatible bucket under blobs/sha256/<hex>.
type MinioBackend struct {
	mc     *minio.Client
	bucket string
}

// NewMinioBackend creates a client and ensures the bucket exists.
func NewMinioBackend(ctx context.Context, cfg MinioConfig) (*MinioBackend, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("minio access_key and secret_key are required")
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "netintent-artifacts"
	}

	b := &MinioBackend{mc: mc, bucket: bucket}
	if err := b.ensureBucket(ctx, cfg.Region); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *MinioBackend) ensureBucket(ctx context.Context, region string) error {
	exists, err := b.mc.BucketExists(ctx, b.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := b.mc.MakeBucket(ctx, b.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

func objectKey(digest string) (string, error) {
	hexPart, err := hexOf(digest)
	if err != nil {
		return "", err
	}
	return "blobs/sha256/" + hexPart, nil
}

// PutBlob uploads a blob unless an object with the same digest already exists.
func (b *MinioBackend) PutBlob(ctx context.Context, digest string, size int64, r io.Reader) error {
	key, err := objectKey(digest)
	if err != nil {
		return err
	}

	exists, err := b.exists(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	_, err = b.mc.PutObject(ctx, b.bucket, key, r, size, minio.PutObjectOptions{
		ContentType:  "application/octet-stream",
		UserMetadata: map[string]string{"digest": digest},
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

// GetBlob downloads a blob. The caller closes the returned reader.
func (b *MinioBackend) GetBlob(ctx context.Context, digest string) (io.ReadCloser, error) {
	key, err := objectKey(digest)
	if err != nil {
		return nil, err
	}

	obj, err := b.mc.GetObject(ctx, b.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", key, err)
	}
	// GetObject is lazy; Stat surfaces a missing key.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, orchestrator.NewNotFoundError(fmt.Sprintf("blob %s not found", digest), nil)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", key, err)
	}
	return obj, nil
}

func (b *MinioBackend) exists(ctx context.Context, key string) (bool, error) {
	_, err := b.mc.StatObject(ctx, b.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat %s: %w", key, err)
	}
	return true, nil
}
