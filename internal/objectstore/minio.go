package objectstore

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig holds MinIO connection settings
type MinioConfig struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	UseSSL        bool
	Region        string
	PublicBaseURL string
}

// MinioStore is a Store backed by minio-go
type MinioStore struct {
	client        *minio.Client
	publicBaseURL string
}

// NewMinioStore creates the MinIO client
func NewMinioStore(cfg MinioConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  miniocreds.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &MinioStore{client: client, publicBaseURL: cfg.PublicBaseURL}, nil
}

func isMinioNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchVersion", "NoSuchBucket", "NotFound":
		return true
	}
	return resp.StatusCode == http.StatusNotFound
}

func minioInfo(bucket string, oi minio.ObjectInfo) ObjectInfo {
	return ObjectInfo{
		Bucket:      bucket,
		Key:         oi.Key,
		ETag:        oi.ETag,
		VersionID:   oi.VersionID,
		Size:        oi.Size,
		ContentType: oi.ContentType,
		Metadata:    lowerKeys(oi.UserMetadata),
	}
}

// Fetch opens an object. minio-go reads lazily, so the object is stat'ed first
// to surface a missing key before streaming starts.
func (s *MinioStore) Fetch(ctx context.Context, bucket, key, versionID string) (io.ReadCloser, ObjectInfo, error) {
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{VersionID: versionID})
	if err != nil {
		return nil, ObjectInfo{}, fmt.Errorf("failed to get object %s/%s: %w", bucket, key, err)
	}

	stat, err := obj.Stat()
	if err != nil {
		obj.Close()
		if isMinioNotFound(err) {
			return nil, ObjectInfo{}, fmt.Errorf("%w: %s/%s", ErrNotFound, bucket, key)
		}
		return nil, ObjectInfo{}, fmt.Errorf("failed to stat object %s/%s: %w", bucket, key, err)
	}
	return obj, minioInfo(bucket, stat), nil
}

// Put uploads an object; minio-go switches to multipart for large sizes
func (s *MinioStore) Put(ctx context.Context, bucket, key string, r io.Reader, size int64, opts PutOptions) error {
	_, err := s.client.PutObject(ctx, bucket, key, r, size, minio.PutObjectOptions{
		ContentType:  opts.ContentType,
		UserMetadata: opts.Metadata,
	})
	if err != nil {
		return fmt.Errorf("failed to put object %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Stat returns object info or ErrNotFound
func (s *MinioStore) Stat(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	oi, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isMinioNotFound(err) {
			return ObjectInfo{}, fmt.Errorf("%w: %s/%s", ErrNotFound, bucket, key)
		}
		return ObjectInfo{}, fmt.Errorf("failed to stat object %s/%s: %w", bucket, key, err)
	}
	return minioInfo(bucket, oi), nil
}

// Location returns bucket/key, prefixed with the public base URL if configured
func (s *MinioStore) Location(bucket, key string) string {
	return location(s.publicBaseURL, bucket, key)
}
