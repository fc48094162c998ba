// Package profile holds the static catalog of transcode profiles.
package profile

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cuongbtq/transcode-worker/internal/domain"
)

// Hardware device types that have a vendor codec
const (
	DeviceNVENC        = "nvenc"
	DeviceVAAPI        = "vaapi"
	DeviceQSV          = "qsv"
	DeviceVideoToolbox = "videotoolbox"
)

// Profile is a named set of target encode parameters
type Profile struct {
	ID            string `json:"id"`
	Label         string `json:"label"`  // quality label used as the transcoded_url key
	Suffix        string `json:"suffix"` // output filename suffix
	Width         int    `json:"width"`
	Height        int    `json:"height"`
	Family        string `json:"family"` // h264 or hevc
	SoftwareCodec string `json:"software_codec"`
	VideoBitrate  string `json:"video_bitrate"`
	AudioCodec    string `json:"audio_codec"`
	AudioBitrate  string `json:"audio_bitrate"`
	Preset        string `json:"preset"`
	Container     string `json:"container"`
}

// Thumbnail holds the thumbnail extraction parameters shared by every profile
type Thumbnail struct {
	Offset  time.Duration `json:"offset"`
	Width   int           `json:"width"`
	Quality int           `json:"quality"`
}

// Resolution returns the profile size in WxH form
func (p Profile) Resolution() string {
	return strconv.Itoa(p.Width) + "x" + strconv.Itoa(p.Height)
}

// HardwareCodec returns the vendor codec for the profile family, or "" when the device has none
func (p Profile) HardwareCodec(device string) string {
	switch device {
	case DeviceNVENC, DeviceVAAPI, DeviceQSV, DeviceVideoToolbox:
		return p.Family + "_" + device
	}
	return ""
}

// HardwarePreset returns the speed preset the vendor codec understands
func (p Profile) HardwarePreset(device string) string {
	if device == DeviceNVENC {
		return "p4"
	}
	return ""
}

// DefaultThumbnail returns the built-in thumbnail parameters
func DefaultThumbnail() Thumbnail {
	return Thumbnail{Offset: time.Second, Width: 640, Quality: 3}
}

// DefaultProfiles returns the built-in profiles in id order
func DefaultProfiles() []Profile {
	return []Profile{
		{ID: "h264_1080p", Label: "FHD", Suffix: "1080p", Width: 1920, Height: 1080, Family: "h264", SoftwareCodec: "libx264", VideoBitrate: "5000k", AudioCodec: "aac", AudioBitrate: "192k", Preset: "medium", Container: "mp4"},
		{ID: "h264_360p", Label: "LD", Suffix: "360p", Width: 640, Height: 360, Family: "h264", SoftwareCodec: "libx264", VideoBitrate: "800k", AudioCodec: "aac", AudioBitrate: "96k", Preset: "veryfast", Container: "mp4"},
		{ID: "h264_480p", Label: "SD", Suffix: "480p", Width: 854, Height: 480, Family: "h264", SoftwareCodec: "libx264", VideoBitrate: "1400k", AudioCodec: "aac", AudioBitrate: "128k", Preset: "veryfast", Container: "mp4"},
		{ID: "h264_720p", Label: "HD", Suffix: "720p", Width: 1280, Height: 720, Family: "h264", SoftwareCodec: "libx264", VideoBitrate: "2800k", AudioCodec: "aac", AudioBitrate: "128k", Preset: "fast", Container: "mp4"},
		{ID: "hevc_2160p", Label: "UHD", Suffix: "2160p", Width: 3840, Height: 2160, Family: "hevc", SoftwareCodec: "libx265", VideoBitrate: "16000k", AudioCodec: "aac", AudioBitrate: "192k", Preset: "medium", Container: "mp4"},
	}
}

// Catalog is an immutable profile table, safe for concurrent reads
type Catalog struct {
	byID      map[string]Profile
	ordered   []Profile
	thumbnail Thumbnail
}

// NewCatalog validates profiles and builds a catalog
func NewCatalog(profiles []Profile, thumbnail Thumbnail) (*Catalog, error) {
	if len(profiles) == 0 {
		return nil, fmt.Errorf("catalog requires at least one profile")
	}

	c := &Catalog{
		byID:      make(map[string]Profile, len(profiles)),
		thumbnail: thumbnail,
	}
	for _, p := range profiles {
		if err := validate(p); err != nil {
			return nil, err
		}
		if _, dup := c.byID[p.ID]; dup {
			return nil, fmt.Errorf("duplicate profile id %q", p.ID)
		}
		c.byID[p.ID] = p
		c.ordered = append(c.ordered, p)
	}
	sort.Slice(c.ordered, func(i, j int) bool { return c.ordered[i].ID < c.ordered[j].ID })

	if c.thumbnail.Width <= 0 {
		c.thumbnail.Width = DefaultThumbnail().Width
	}
	if c.thumbnail.Quality <= 0 {
		c.thumbnail.Quality = DefaultThumbnail().Quality
	}
	return c, nil
}

// Default returns the catalog of built-in profiles
func Default() *Catalog {
	c, err := NewCatalog(DefaultProfiles(), DefaultThumbnail())
	if err != nil {
		panic(err)
	}
	return c
}

func validate(p Profile) error {
	switch {
	case strings.TrimSpace(p.ID) == "":
		return fmt.Errorf("profile id is required")
	case p.Label == "" || p.Suffix == "":
		return fmt.Errorf("profile %q: label and suffix are required", p.ID)
	case p.Width <= 0 || p.Height <= 0:
		return fmt.Errorf("profile %q: invalid resolution %dx%d", p.ID, p.Width, p.Height)
	case p.SoftwareCodec == "":
		return fmt.Errorf("profile %q: software codec is required", p.ID)
	case p.Family != "h264" && p.Family != "hevc":
		return fmt.Errorf("profile %q: unsupported codec family %q", p.ID, p.Family)
	case p.Container == "":
		return fmt.Errorf("profile %q: container is required", p.ID)
	}
	return nil
}

// Lookup returns the profile for id
func (c *Catalog) Lookup(id string) (Profile, error) {
	p, ok := c.byID[id]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %s", domain.ErrUnknownProfile, id)
	}
	return p, nil
}

// All returns a copy of the profiles in id order
func (c *Catalog) All() []Profile {
	out := make([]Profile, len(c.ordered))
	copy(out, c.ordered)
	return out
}

// Thumbnail returns the thumbnail extraction parameters
func (c *Catalog) Thumbnail() Thumbnail {
	return c.thumbnail
}
