package artifacts

import (
	"context"
	"fmt"
	"mime"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type S3Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// S3Mirror uploads artifacts to an S3-compatible bucket.
type S3Mirror struct {
	client *minio.Client
	bucket string
}

func NewS3Mirror(ctx context.Context, cfg S3Config) (*S3Mirror, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &S3Mirror{client: client, bucket: cfg.Bucket}, nil
}

func (m *S3Mirror) Upload(ctx context.Context, name, path string) error {
	contentType := ContentType(name)
	_, err := m.client.FPutObject(ctx, m.bucket, name, path, minio.PutObjectOptions{
		ContentType: contentType,
	})
	return err
}

// ContentType guesses the media type of an artifact from its extension.
func ContentType(name string) string {
	ext := filepath.Ext(name)
	switch ext {
	case ".apk":
		return "application/vnd.android.package-archive"
	case ".aab":
		return "application/octet-stream"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}
