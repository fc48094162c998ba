package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"github.com/cuongbtq/transcode-worker/internal/domain"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/disk"
)

// Workspace is a directory owned by exactly one pipeline run
type Workspace struct {
	Dir string
}

// NewWorkspace creates root/<seed>-<random>. The random suffix keeps two runs
// of the same job from ever sharing a directory.
func NewWorkspace(ctx context.Context, root, seed string, minFreeBytes uint64) (*Workspace, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		if errors.Is(err, fs.ErrPermission) || errors.Is(err, fs.ErrExist) || errors.Is(err, syscall.ENOTDIR) {
			return nil, domain.NewConfigError("workspace root %s is unusable: %v", root, err)
		}
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}

	if minFreeBytes > 0 {
		usage, err := disk.UsageWithContext(ctx, root)
		if err != nil {
			return nil, fmt.Errorf("failed to read free space of %s: %w", root, err)
		}
		if usage.Free < minFreeBytes {
			return nil, fmt.Errorf("%w: %d bytes free under %s, need %d",
				domain.ErrResourceExhausted, usage.Free, root, minFreeBytes)
		}
	}

	dir := filepath.Join(root, seed+"-"+uuid.NewString()[:8])
	if err := os.Mkdir(dir, 0o700); err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return nil, domain.NewConfigError("workspace root %s is not writable: %v", root, err)
		}
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	return &Workspace{Dir: dir}, nil
}

// Path returns a file path inside the workspace
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.Dir, name)
}

// Cleanup removes the workspace and everything in it
func (w *Workspace) Cleanup() error {
	return os.RemoveAll(w.Dir)
}
