package encoder

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/cuongbtq/transcode-worker/internal/domain"
	"github.com/cuongbtq/transcode-worker/internal/profile"
)

// Hardware acceleration modes
const (
	ModeAuto     = "auto"
	ModeAlways   = "always"
	ModeDisabled = "disabled"
)

// DefaultRenderDevice is the DRM render node used by vaapi and qsv
const DefaultRenderDevice = "/dev/dri/renderD128"

// probe order when the device type is auto
var devicePriority = []string{
	profile.DeviceNVENC,
	profile.DeviceVAAPI,
	profile.DeviceQSV,
	profile.DeviceVideoToolbox,
}

// DeviceStatus is the detection result for one vendor
type DeviceStatus struct {
	Device       string `json:"device"`
	Encoder      string `json:"encoder"`
	Listed       bool   `json:"listed"`
	RenderDevice string `json:"render_device,omitempty"`
	Available    bool   `json:"available"`
	Reason       string `json:"reason,omitempty"`
}

// Capabilities is the outcome of hardware detection
type Capabilities struct {
	FFmpegPath string         `json:"ffmpeg_path"`
	Devices    []DeviceStatus `json:"devices"`
	Selected   string         `json:"selected"` // empty means software only
}

// DetectOptions controls Detect
type DetectOptions struct {
	FFmpegPath   string
	Device       string // preferred device type, empty or "auto" to probe all
	RenderDevice string

	goos         string
	deviceExists func(path string) bool
}

// Detect lists the ffmpeg encoders and reports which hardware devices can be used
func Detect(ctx context.Context, runner Runner, opts DetectOptions) (*Capabilities, error) {
	if opts.RenderDevice == "" {
		opts.RenderDevice = DefaultRenderDevice
	}
	if opts.goos == "" {
		opts.goos = runtime.GOOS
	}
	if opts.deviceExists == nil {
		opts.deviceExists = func(path string) bool {
			_, err := os.Stat(path)
			return err == nil
		}
	}

	out, err := runner.Run(ctx, opts.FFmpegPath, "-hide_banner", "-encoders")
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, domain.NewConfigError("ffmpeg binary not found at %q", opts.FFmpegPath)
		}
		return nil, fmt.Errorf("failed to list ffmpeg encoders: %w", err)
	}
	encoders := parseEncoders(out)

	caps := &Capabilities{FFmpegPath: opts.FFmpegPath}
	for _, device := range devicePriority {
		status := DeviceStatus{Device: device, Encoder: "h264_" + device}
		status.Listed = encoders[status.Encoder]

		switch {
		case !status.Listed:
			status.Reason = "encoder not compiled into ffmpeg"
		case device == profile.DeviceVAAPI || device == profile.DeviceQSV:
			status.RenderDevice = opts.RenderDevice
			if opts.deviceExists(opts.RenderDevice) {
				status.Available = true
			} else {
				status.Reason = "render device not present"
			}
		case device == profile.DeviceVideoToolbox && opts.goos != "darwin":
			status.Reason = "videotoolbox requires macOS"
		default:
			status.Available = true
		}
		caps.Devices = append(caps.Devices, status)
	}

	preferred := opts.Device
	for _, status := range caps.Devices {
		if !status.Available {
			continue
		}
		if preferred == "" || preferred == ModeAuto || preferred == status.Device {
			caps.Selected = status.Device
			break
		}
	}
	return caps, nil
}

// parseEncoders reads the name column of `ffmpeg -encoders`
func parseEncoders(out []byte) map[string]bool {
	encoders := make(map[string]bool)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	inList := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "------") {
			inList = true
			continue
		}
		if !inList {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 2 {
			encoders[fields[1]] = true
		}
	}
	return encoders
}

// HardwareSettings is the subset of encoder configuration that decides the device
type HardwareSettings struct {
	Enabled      bool
	Mode         string
	DeviceType   string
	RenderDevice string
	FFmpegPath   string
}

// Requested reports whether configuration asks for hardware encoding at all
func (s HardwareSettings) Requested() bool {
	return s.Enabled && s.Mode != ModeDisabled
}

// UnavailableReason summarizes why no device was selected
func (c *Capabilities) UnavailableReason() string {
	if c == nil || c.Selected != "" {
		return ""
	}
	reasons := make([]string, 0, len(c.Devices))
	for _, d := range c.Devices {
		if d.Reason != "" {
			reasons = append(reasons, d.Device+": "+d.Reason)
		}
	}
	if len(reasons) == 0 {
		return "no hardware encoder available"
	}
	return "no hardware encoder available (" + strings.Join(reasons, "; ") + ")"
}

// ResolveDevice decides the hardware device for this process. An empty device
// means every job encodes in software.
func ResolveDevice(ctx context.Context, runner Runner, s HardwareSettings) (string, *Capabilities, error) {
	if !s.Enabled || s.Mode == ModeDisabled {
		return "", nil, nil
	}

	switch s.Mode {
	case ModeAlways:
		if s.DeviceType == "" || s.DeviceType == ModeAuto {
			return "", nil, domain.NewConfigError("hardware mode %q requires an explicit device_type", ModeAlways)
		}
		return s.DeviceType, nil, nil
	case ModeAuto, "":
		caps, err := Detect(ctx, runner, DetectOptions{
			FFmpegPath:   s.FFmpegPath,
			Device:       s.DeviceType,
			RenderDevice: s.RenderDevice,
		})
		if err != nil {
			return "", nil, err
		}
		return caps.Selected, caps, nil
	}
	return "", nil, domain.NewConfigError("unknown hardware mode %q", s.Mode)
}

// DefaultSessionLimit returns the concurrent session cap of a vendor, 0 when unlimited
func DefaultSessionLimit(device string) int {
	if device == profile.DeviceNVENC {
		// consumer NVIDIA drivers cap concurrent NVENC sessions
		return 5
	}
	return 0
}
