package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/cuongbtq/transcode-worker/internal/worker"
)

// JobCursor marks the last in-flight job of a page
type JobCursor struct {
	StartedAt time.Time
	JobID     string
}

func DecodeJobCursor(cursorStr string) (*JobCursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.URLEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, err
	}

	// the timestamp never holds '|'; the id after it may
	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return nil, fmt.Errorf("invalid cursor format")
	}

	var startedAt int64
	if _, err := fmt.Sscanf(parts[0], "%d", &startedAt); err != nil {
		return nil, fmt.Errorf("invalid started_at in cursor: %w", err)
	}

	return &JobCursor{
		StartedAt: time.Unix(0, startedAt).UTC(),
		JobID:     parts[1],
	}, nil
}

func EncodeJobCursor(cursor *JobCursor) string {
	cs := fmt.Sprintf("%d|%s", cursor.StartedAt.UnixNano(), cursor.JobID)
	return base64.URLEncoding.EncodeToString([]byte(cs))
}

// after reports whether s sorts after the cursor in the in-flight order
func (c *JobCursor) after(s worker.JobStatus) bool {
	if c == nil {
		return true
	}
	if s.StartedAt.Equal(c.StartedAt) {
		return s.JobID > c.JobID
	}
	return s.StartedAt.After(c.StartedAt)
}
