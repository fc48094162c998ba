package encoder

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cuongbtq/transcode-worker/internal/domain"
	"github.com/cuongbtq/transcode-worker/internal/profile"
)

// Variant is one way of encoding a rendition. The set is closed: software plus
// one variant per supported hardware vendor.
type Variant interface {
	Name() string
	Hardware() bool
	Codec(p profile.Profile) string
	Args(src, out string, p profile.Profile) []string
}

// NewVariant returns the variant for a device type, "" or "software" for CPU encoding
func NewVariant(device, renderDevice string) (Variant, error) {
	switch device {
	case "", "software":
		return softwareVariant{}, nil
	case profile.DeviceNVENC:
		return nvencVariant{}, nil
	case profile.DeviceVAAPI:
		return vaapiVariant{renderDevice: renderDevice}, nil
	case profile.DeviceQSV:
		return qsvVariant{renderDevice: renderDevice}, nil
	case profile.DeviceVideoToolbox:
		return videoToolboxVariant{}, nil
	}
	return nil, domain.NewConfigError("unsupported hardware device type %q", device)
}

func scaleFilter(p profile.Profile) string {
	return fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,setsar=1",
		p.Width, p.Height, p.Width, p.Height)
}

func bufsize(bitrate string) string {
	n, err := strconv.Atoi(strings.TrimSuffix(bitrate, "k"))
	if err != nil {
		return bitrate
	}
	return strconv.Itoa(n*2) + "k"
}

func rateArgs(p profile.Profile) []string {
	return []string{"-b:v", p.VideoBitrate, "-maxrate", p.VideoBitrate, "-bufsize", bufsize(p.VideoBitrate)}
}

func audioArgs(p profile.Profile) []string {
	return []string{"-c:a", p.AudioCodec, "-b:a", p.AudioBitrate, "-ac", "2"}
}

func outputArgs(out string) []string {
	return []string{"-movflags", "+faststart", "-y", out}
}

func assemble(parts ...[]string) []string {
	var args []string
	for _, part := range parts {
		args = append(args, part...)
	}
	return args
}

type softwareVariant struct{}

func (softwareVariant) Name() string                   { return "software" }
func (softwareVariant) Hardware() bool                 { return false }
func (softwareVariant) Codec(p profile.Profile) string { return p.SoftwareCodec }

func (v softwareVariant) Args(src, out string, p profile.Profile) []string {
	return assemble(
		[]string{"-hide_banner", "-nostdin", "-i", src, "-map", "0:v:0", "-map", "0:a:0?"},
		[]string{"-vf", scaleFilter(p), "-c:v", v.Codec(p), "-preset", p.Preset, "-pix_fmt", "yuv420p"},
		rateArgs(p),
		audioArgs(p),
		outputArgs(out),
	)
}

type nvencVariant struct{}

func (nvencVariant) Name() string                   { return profile.DeviceNVENC }
func (nvencVariant) Hardware() bool                 { return true }
func (nvencVariant) Codec(p profile.Profile) string { return p.HardwareCodec(profile.DeviceNVENC) }

func (v nvencVariant) Args(src, out string, p profile.Profile) []string {
	return assemble(
		[]string{"-hide_banner", "-nostdin", "-hwaccel", "cuda", "-i", src, "-map", "0:v:0", "-map", "0:a:0?"},
		[]string{"-vf", scaleFilter(p), "-c:v", v.Codec(p), "-preset", p.HardwarePreset(profile.DeviceNVENC), "-pix_fmt", "yuv420p"},
		rateArgs(p),
		audioArgs(p),
		outputArgs(out),
	)
}

type vaapiVariant struct {
	renderDevice string
}

func (vaapiVariant) Name() string                   { return profile.DeviceVAAPI }
func (vaapiVariant) Hardware() bool                 { return true }
func (vaapiVariant) Codec(p profile.Profile) string { return p.HardwareCodec(profile.DeviceVAAPI) }

func (v vaapiVariant) Args(src, out string, p profile.Profile) []string {
	return assemble(
		[]string{"-hide_banner", "-nostdin", "-vaapi_device", v.renderDevice, "-i", src, "-map", "0:v:0", "-map", "0:a:0?"},
		[]string{"-vf", scaleFilter(p) + ",format=nv12,hwupload", "-c:v", v.Codec(p)},
		rateArgs(p),
		audioArgs(p),
		outputArgs(out),
	)
}

type qsvVariant struct {
	renderDevice string
}

func (qsvVariant) Name() string                   { return profile.DeviceQSV }
func (qsvVariant) Hardware() bool                 { return true }
func (qsvVariant) Codec(p profile.Profile) string { return p.HardwareCodec(profile.DeviceQSV) }

func (v qsvVariant) Args(src, out string, p profile.Profile) []string {
	head := []string{"-hide_banner", "-nostdin"}
	if v.renderDevice != "" {
		head = append(head, "-qsv_device", v.renderDevice)
	}
	return assemble(
		head,
		[]string{"-i", src, "-map", "0:v:0", "-map", "0:a:0?"},
		[]string{"-vf", scaleFilter(p) + ",format=nv12", "-c:v", v.Codec(p), "-preset", p.Preset},
		rateArgs(p),
		audioArgs(p),
		outputArgs(out),
	)
}

type videoToolboxVariant struct{}

func (videoToolboxVariant) Name() string   { return profile.DeviceVideoToolbox }
func (videoToolboxVariant) Hardware() bool { return true }
func (videoToolboxVariant) Codec(p profile.Profile) string {
	return p.HardwareCodec(profile.DeviceVideoToolbox)
}

func (v videoToolboxVariant) Args(src, out string, p profile.Profile) []string {
	return assemble(
		[]string{"-hide_banner", "-nostdin", "-i", src, "-map", "0:v:0", "-map", "0:a:0?"},
		[]string{"-vf", scaleFilter(p), "-c:v", v.Codec(p), "-allow_sw", "0", "-pix_fmt", "yuv420p"},
		rateArgs(p),
		audioArgs(p),
		outputArgs(out),
	)
}
