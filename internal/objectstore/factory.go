package objectstore

import (
	"context"
	"fmt"
)

// Storage drivers
const (
	DriverS3    = "s3"
	DriverMinio = "minio"
	DriverLocal = "local"
)

// Config selects and configures a backend
type Config struct {
	Driver        string
	PublicBaseURL string
	LocalRoot     string
	S3            S3Config
	Minio         MinioConfig
}

// New builds the Store for cfg.Driver
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case DriverS3:
		if cfg.S3.PublicBaseURL == "" {
			cfg.S3.PublicBaseURL = cfg.PublicBaseURL
		}
		return NewS3Store(ctx, cfg.S3)
	case DriverMinio:
		if cfg.Minio.PublicBaseURL == "" {
			cfg.Minio.PublicBaseURL = cfg.PublicBaseURL
		}
		return NewMinioStore(cfg.Minio)
	case DriverLocal:
		return NewLocalStore(cfg.LocalRoot, cfg.PublicBaseURL)
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}
