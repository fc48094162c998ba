package objectstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const metaSuffix = ".meta.json"

type localMeta struct {
	ETag        string            `json:"etag"`
	ContentType string            `json:"content_type"`
	Metadata    map[string]string `json:"metadata"`
}

// LocalStore keeps objects under root/<bucket>/<key> with a JSON sidecar for metadata
type LocalStore struct {
	root          string
	publicBaseURL string
}

// NewLocalStore creates the root directory if needed
func NewLocalStore(root, publicBaseURL string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &LocalStore{root: root, publicBaseURL: publicBaseURL}, nil
}

func (s *LocalStore) path(bucket, key string) (string, error) {
	clean := filepath.Clean(filepath.Join(s.root, bucket, filepath.FromSlash(key)))
	if !strings.HasPrefix(clean, filepath.Clean(s.root)+string(os.PathSeparator)) {
		return "", fmt.Errorf("object key %q escapes storage root", key)
	}
	return clean, nil
}

// Fetch opens the object file. Versions are not tracked locally.
func (s *LocalStore) Fetch(ctx context.Context, bucket, key, versionID string) (io.ReadCloser, ObjectInfo, error) {
	info, err := s.Stat(ctx, bucket, key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	p, _ := s.path(bucket, key)
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ObjectInfo{}, fmt.Errorf("%w: %s/%s", ErrNotFound, bucket, key)
		}
		return nil, ObjectInfo{}, fmt.Errorf("failed to open %s/%s: %w", bucket, key, err)
	}
	return f, info, nil
}

// Put writes through a temp file and renames, so readers never see partial objects
func (s *LocalStore) Put(ctx context.Context, bucket, key string, r io.Reader, size int64, opts PutOptions) error {
	p, err := s.path(bucket, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	h := md5.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), r)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", bucket, key, err)
	}
	if size >= 0 && n != size {
		return fmt.Errorf("short write of %s/%s: wrote %d of %d bytes", bucket, key, n, size)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	meta, err := json.Marshal(localMeta{
		ETag:        hex.EncodeToString(h.Sum(nil)),
		ContentType: opts.ContentType,
		Metadata:    lowerKeys(opts.Metadata),
	})
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	if err := os.WriteFile(p+metaSuffix+".tmp", meta, 0o644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("failed to commit %s/%s: %w", bucket, key, err)
	}
	if err := os.Rename(p+metaSuffix+".tmp", p+metaSuffix); err != nil {
		return fmt.Errorf("failed to commit metadata for %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Stat reads the object size and sidecar metadata
func (s *LocalStore) Stat(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	p, err := s.path(bucket, key)
	if err != nil {
		return ObjectInfo{}, err
	}
	st, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ObjectInfo{}, fmt.Errorf("%w: %s/%s", ErrNotFound, bucket, key)
		}
		return ObjectInfo{}, fmt.Errorf("failed to stat %s/%s: %w", bucket, key, err)
	}
	if st.IsDir() {
		return ObjectInfo{}, fmt.Errorf("%w: %s/%s", ErrNotFound, bucket, key)
	}

	info := ObjectInfo{Bucket: bucket, Key: key, Size: st.Size(), Metadata: map[string]string{}}

	raw, err := os.ReadFile(p + metaSuffix)
	switch {
	case err == nil:
		var meta localMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			return ObjectInfo{}, fmt.Errorf("corrupt metadata for %s/%s: %w", bucket, key, err)
		}
		info.ETag = meta.ETag
		info.ContentType = meta.ContentType
		if meta.Metadata != nil {
			info.Metadata = meta.Metadata
		}
	case errors.Is(err, fs.ErrNotExist):
		// placed by hand, no sidecar
		if info.ETag, err = FileMD5(p); err != nil {
			return ObjectInfo{}, fmt.Errorf("failed to hash %s/%s: %w", bucket, key, err)
		}
	default:
		return ObjectInfo{}, fmt.Errorf("failed to read metadata for %s/%s: %w", bucket, key, err)
	}
	return info, nil
}

// Location returns bucket/key, prefixed with the public base URL if configured
func (s *LocalStore) Location(bucket, key string) string {
	return location(s.publicBaseURL, bucket, key)
}
