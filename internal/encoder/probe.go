package encoder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/cuongbtq/transcode-worker/internal/domain"
)

// MediaInfo is what the pipeline needs to know about a source file
type MediaInfo struct {
	Duration   time.Duration
	Width      int
	Height     int
	VideoCodec string
	HasAudio   bool
}

type probeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe inspects a local media file with ffprobe
func (a *Adapter) Probe(ctx context.Context, src string) (*MediaInfo, error) {
	out, err := a.runner.Run(ctx, a.ffprobe,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		src,
	)
	if err != nil {
		switch {
		case isContextErr(err):
			return nil, err
		case errors.Is(err, exec.ErrNotFound):
			return nil, domain.NewConfigError("ffprobe binary not found: %v", err)
		}
		return nil, fmt.Errorf("%w: probe failed: %v", domain.ErrSourceCorrupt, err)
	}

	return parseProbe(out)
}

func parseProbe(out []byte) (*MediaInfo, error) {
	var probe probeOutput
	if err := json.Unmarshal(out, &probe); err != nil {
		return nil, fmt.Errorf("%w: unreadable probe output: %v", domain.ErrSourceCorrupt, err)
	}

	info := &MediaInfo{}
	for _, s := range probe.Streams {
		switch s.CodecType {
		case "video":
			if info.VideoCodec == "" {
				info.VideoCodec = s.CodecName
				info.Width = s.Width
				info.Height = s.Height
			}
		case "audio":
			info.HasAudio = true
		}
	}
	if info.VideoCodec == "" || info.Width <= 0 || info.Height <= 0 {
		return nil, fmt.Errorf("%w: no decodable video stream", domain.ErrSourceCorrupt)
	}

	if probe.Format.Duration != "" {
		secs, err := strconv.ParseFloat(probe.Format.Duration, 64)
		if err == nil && secs > 0 {
			info.Duration = time.Duration(secs * float64(time.Second))
		}
	}
	return info, nil
}
