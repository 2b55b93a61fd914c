package publish

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/deixis/conveyor/internal/config"
)

const reportContentType = "application/xml"

// objectClient is the subset of *minio.Client used by ObjectSink.
type objectClient interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	FPutObject(ctx context.Context, bucket, object, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// ObjectSink uploads reports to an S3-compatible bucket as
// <prefix>/<run>/<file>.
type ObjectSink struct {
	client objectClient
	Bucket string
	Prefix string
}

// NewObjectSink connects to the configured endpoint. Credentials are read
// from the environment variables named in cfg.
func NewObjectSink(cfg config.ArchiveConfig, lookupEnv func(string) (string, bool)) (*ObjectSink, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("archive endpoint is required")
	}
	if strings.Contains(cfg.Endpoint, "://") {
		return nil, fmt.Errorf("archive endpoint must not include scheme: %q", cfg.Endpoint)
	}
	if cfg.Bucket == "" {
		return nil, errors.New("archive bucket is required")
	}
	access, _ := lookupEnv(cfg.AccessKeyEnv)
	secret, _ := lookupEnv(cfg.SecretKeyEnv)

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: !cfg.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("creating object store client: %w", err)
	}
	return &ObjectSink{client: client, Bucket: cfg.Bucket, Prefix: cfg.Prefix}, nil
}

// Put uploads the file at p, creating the bucket on first use.
func (s *ObjectSink) Put(ctx context.Context, runID, p string) (string, error) {
	exists, err := s.client.BucketExists(ctx, s.Bucket)
	if err != nil {
		return "", fmt.Errorf("checking bucket %s: %w", s.Bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.Bucket, minio.MakeBucketOptions{}); err != nil {
			return "", fmt.Errorf("creating bucket %s: %w", s.Bucket, err)
		}
	}

	key := s.objectKey(runID, p)
	if _, err := s.client.FPutObject(ctx, s.Bucket, key, p, minio.PutObjectOptions{ContentType: reportContentType}); err != nil {
		return "", fmt.Errorf("uploading %s: %w", key, err)
	}
	return s.Bucket + "/" + key, nil
}

func (s *ObjectSink) objectKey(runID, p string) string {
	return path.Join(s.Prefix, runID, filepath.Base(p))
}
