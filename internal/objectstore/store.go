// Package objectstore fetches source media and stores transcode outputs.
package objectstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuongbtq/transcode-worker/internal/domain"
)

var (
	// ErrNotFound is returned when the object or version does not exist
	ErrNotFound = errors.New("object not found")

	// ErrFingerprintMismatch is returned when the fetched object is not the version the job names
	ErrFingerprintMismatch = errors.New("object fingerprint mismatch")
)

// ObjectInfo describes a stored object
type ObjectInfo struct {
	Bucket      string
	Key         string
	ETag        string
	VersionID   string
	Size        int64
	ContentType string
	Metadata    map[string]string // keys lowercased
}

// Meta returns a user metadata value, matching keys case-insensitively
func (o ObjectInfo) Meta(key string) string {
	return o.Metadata[strings.ToLower(key)]
}

// PutOptions are applied to uploaded objects
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// Store is the object storage boundary used by the pipeline
type Store interface {
	// Fetch opens an object for reading. versionID may be empty.
	Fetch(ctx context.Context, bucket, key, versionID string) (io.ReadCloser, ObjectInfo, error)
	// Put writes an object, overwriting any object at the same key
	Put(ctx context.Context, bucket, key string, r io.Reader, size int64, opts PutOptions) error
	// Stat returns object info or ErrNotFound
	Stat(ctx context.Context, bucket, key string) (ObjectInfo, error)
	// Location returns the externally visible location of an object
	Location(bucket, key string) string
}

// FetchToFile streams an object into dest. When the request names no version
// the fetched etag must equal expectedETag, so a replaced source is not
// transcoded under the old job identity.
func FetchToFile(ctx context.Context, s Store, bucket, key, versionID, expectedETag, dest string) (ObjectInfo, error) {
	body, info, err := s.Fetch(ctx, bucket, key, versionID)
	if err != nil {
		return ObjectInfo{}, err
	}
	defer body.Close()

	if versionID == "" && expectedETag != "" && info.ETag != "" &&
		domain.NormalizeETag(info.ETag) != domain.NormalizeETag(expectedETag) {
		return info, fmt.Errorf("%w: %s/%s has etag %s, job expects %s",
			ErrFingerprintMismatch, bucket, key, info.ETag, expectedETag)
	}

	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return info, fmt.Errorf("failed to create %s: %w", dest, err)
	}

	n, err := io.Copy(f, body)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return info, fmt.Errorf("failed to download %s/%s: %w", bucket, key, err)
	}
	if info.Size > 0 && n != info.Size {
		return info, fmt.Errorf("short download of %s/%s: got %d of %d bytes", bucket, key, n, info.Size)
	}
	return info, nil
}

// PutFile uploads a local file
func PutFile(ctx context.Context, s Store, bucket, key, path string, opts PutOptions) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if opts.ContentType == "" {
		opts.ContentType = contentTypeFor(path)
	}
	return s.Put(ctx, bucket, key, f, stat.Size(), opts)
}

// FileMD5 returns the hex md5 of a file, the etag of a single-part upload
func FileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func contentTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp4":
		return "video/mp4"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webm":
		return "video/webm"
	}
	return "application/octet-stream"
}

func lowerKeys(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}

func location(publicBaseURL, bucket, key string) string {
	loc := bucket + "/" + strings.TrimPrefix(key, "/")
	if publicBaseURL == "" {
		return loc
	}
	return strings.TrimRight(publicBaseURL, "/") + "/" + loc
}
