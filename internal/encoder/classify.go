package encoder

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/cuongbtq/transcode-worker/internal/domain"
)

var (
	sessionLimitMarkers = []string{
		"OpenEncodeSessionEx failed",
		"incompatible client key",
		"too many concurrent sessions",
		"session limit",
	}
	diskFullMarkers = []string{
		"No space left on device",
		"Disk quota exceeded",
	}
	sourceMarkers = []string{
		"Invalid data found when processing input",
		"moov atom not found",
		"could not find codec parameters",
		"does not contain any stream",
		"Output file #0 does not contain any stream",
		"Error while decoding stream",
		"Invalid NAL unit size",
	}
	missingEncoderMarkers = []string{
		"Unknown encoder",
		"Encoder not found",
	}
)

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func stderrOf(err error) string {
	var runErr *RunError
	if errors.As(err, &runErr) {
		return runErr.Stderr
	}
	return ""
}

// classifyHardware maps a hardware encode failure to a domain error. Anything
// that is not a session limit, disk, or source problem is treated as the
// device being unavailable so the caller can fall back.
func classifyHardware(err error) error {
	if err == nil {
		return nil
	}
	if isContextErr(err) {
		return err
	}
	stderr := stderrOf(err)
	switch {
	case containsAny(stderr, sessionLimitMarkers):
		return fmt.Errorf("%w: hardware encoder session limit: %v", domain.ErrResourceExhausted, err)
	case containsAny(stderr, diskFullMarkers):
		return fmt.Errorf("%w: %v", domain.ErrResourceExhausted, err)
	case containsAny(stderr, sourceMarkers):
		return fmt.Errorf("%w: %v", domain.ErrEncodeFailed, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrEncoderUnavailable, err)
}

// classifySoftware maps a software encode or thumbnail failure to a domain error
func classifySoftware(err error) error {
	if err == nil {
		return nil
	}
	if isContextErr(err) {
		return err
	}
	if errors.Is(err, exec.ErrNotFound) {
		return domain.NewConfigError("encoder binary not found: %v", err)
	}
	stderr := stderrOf(err)
	switch {
	case containsAny(stderr, diskFullMarkers):
		return fmt.Errorf("%w: %v", domain.ErrResourceExhausted, err)
	case containsAny(stderr, missingEncoderMarkers):
		return domain.NewConfigError("software encoder missing from ffmpeg build: %v", err)
	}
	return fmt.Errorf("%w: %v", domain.ErrEncodeFailed, err)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
