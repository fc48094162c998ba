// Package encoder wraps ffmpeg behind a single encode-one-rendition and
// extract-one-thumbnail capability, with hardware to software fallback.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/cuongbtq/transcode-worker/internal/domain"
	"github.com/cuongbtq/transcode-worker/internal/gate"
	"github.com/cuongbtq/transcode-worker/internal/profile"
)

// Config holds adapter configuration
type Config struct {
	FFmpegPath   string
	FFprobePath  string
	Device       string // resolved hardware device, empty for software only
	RenderDevice string
	Sessions     *gate.Gate
	SessionWait  time.Duration
	// HardwareRequested marks that hardware was enabled in configuration.
	// With no resolved Device every rendition is then reported as a fallback.
	HardwareRequested bool
	UnavailableReason string
}

// Result describes how a rendition was produced
type Result struct {
	Path           domain.EncoderPath
	Encoder        string
	FallbackReason string
}

// Adapter encodes renditions and thumbnails
type Adapter struct {
	runner      Runner
	logger      *slog.Logger
	ffmpeg      string
	ffprobe     string
	hw          Variant
	sw          Variant
	sessions    *gate.Gate
	sessionWait time.Duration
	// fallbackReason is set when hardware was requested but no device resolved
	fallbackReason string
}

// NewAdapter creates an adapter for the resolved device
func NewAdapter(cfg Config, runner Runner, logger *slog.Logger) (*Adapter, error) {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}

	a := &Adapter{
		runner:      runner,
		logger:      logger,
		ffmpeg:      cfg.FFmpegPath,
		ffprobe:     cfg.FFprobePath,
		sw:          softwareVariant{},
		sessions:    cfg.Sessions,
		sessionWait: cfg.SessionWait,
	}

	if cfg.Device == "" && cfg.HardwareRequested {
		a.fallbackReason = cfg.UnavailableReason
		if a.fallbackReason == "" {
			a.fallbackReason = "no hardware encoder available"
		}
	}

	if cfg.Device != "" {
		renderDevice := cfg.RenderDevice
		if renderDevice == "" {
			renderDevice = DefaultRenderDevice
		}
		hw, err := NewVariant(cfg.Device, renderDevice)
		if err != nil {
			return nil, err
		}
		a.hw = hw
		if a.sessions == nil {
			a.sessions = gate.New("hw_sessions", DefaultSessionLimit(cfg.Device))
		}
	}

	return a, nil
}

// HardwareDevice returns the hardware variant name, or "" when encoding in software
func (a *Adapter) HardwareDevice() string {
	if a.hw == nil {
		return ""
	}
	return a.hw.Name()
}

// Sessions returns the hardware session gate, nil when hardware is off
func (a *Adapter) Sessions() *gate.Gate {
	return a.sessions
}

// Encode produces one rendition of src at out for profile p.
//
// Hardware failures other than session limits and source problems fall back
// to the software codec within the same call; the fallback is reported in the
// result rather than as an error.
func (a *Adapter) Encode(ctx context.Context, src, out string, p profile.Profile) (*Result, error) {
	if a.hw == nil {
		if a.fallbackReason != "" {
			return a.encodeSoftware(ctx, src, out, p, domain.EncoderPathFallback, a.fallbackReason)
		}
		return a.encodeSoftware(ctx, src, out, p, domain.EncoderPathSoftware, "")
	}

	codec := a.hw.Codec(p)
	err := a.encodeHardware(ctx, src, out, p)
	if err == nil {
		return &Result{Path: domain.EncoderPathHardware, Encoder: codec}, nil
	}
	if !errors.Is(err, domain.ErrEncoderUnavailable) {
		return nil, err
	}

	a.logger.Warn("Hardware encoder unavailable, falling back to software codec",
		slog.String("hardware_codec", codec),
		slog.String("fallback_codec", a.sw.Codec(p)),
		slog.String("profile", p.ID),
		slog.Any("error", err),
	)
	_ = os.Remove(out)

	return a.encodeSoftware(ctx, src, out, p, domain.EncoderPathFallback, err.Error())
}

func (a *Adapter) encodeHardware(ctx context.Context, src, out string, p profile.Profile) error {
	if a.hw.Codec(p) == "" {
		return fmt.Errorf("%w: no %s codec for family %s", domain.ErrEncoderUnavailable, a.hw.Name(), p.Family)
	}

	waitCtx := ctx
	if a.sessionWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, a.sessionWait)
		defer cancel()
	}
	if err := a.sessions.Acquire(waitCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: no %s session free after %s", domain.ErrResourceExhausted, a.hw.Name(), a.sessionWait)
	}
	defer a.sessions.Release()

	_, err := a.runner.Run(ctx, a.ffmpeg, a.hw.Args(src, out, p)...)
	if err == nil && !nonEmpty(out) {
		return fmt.Errorf("%w: %s produced no output", domain.ErrEncoderUnavailable, a.hw.Codec(p))
	}
	return classifyHardware(err)
}

func (a *Adapter) encodeSoftware(ctx context.Context, src, out string, p profile.Profile, path domain.EncoderPath, reason string) (*Result, error) {
	_, err := a.runner.Run(ctx, a.ffmpeg, a.sw.Args(src, out, p)...)
	if err != nil {
		return nil, classifySoftware(err)
	}
	if !nonEmpty(out) {
		return nil, fmt.Errorf("%w: %s produced no output", domain.ErrEncodeFailed, a.sw.Codec(p))
	}
	return &Result{Path: path, Encoder: a.sw.Codec(p), FallbackReason: reason}, nil
}

// Thumbnail extracts one JPEG frame near the start of src. duration is the
// probed media length; the offset is clamped to 0 for shorter or unknown media.
func (a *Adapter) Thumbnail(ctx context.Context, src, out string, t profile.Thumbnail, duration time.Duration) error {
	offset := t.Offset
	if duration <= offset {
		offset = 0
	}

	_, err := a.runner.Run(ctx, a.ffmpeg,
		"-hide_banner", "-nostdin",
		"-ss", strconv.FormatFloat(offset.Seconds(), 'f', 3, 64),
		"-i", src,
		"-frames:v", "1",
		"-vf", "scale="+strconv.Itoa(t.Width)+":-2",
		"-q:v", strconv.Itoa(t.Quality),
		"-y", out,
	)
	if err != nil {
		return classifySoftware(err)
	}
	if !nonEmpty(out) {
		return fmt.Errorf("%w: thumbnail extraction produced no output", domain.ErrEncodeFailed)
	}
	return nil
}

func nonEmpty(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}
