package encoder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuongbtq/transcode-worker/internal/domain"
	"github.com/cuongbtq/transcode-worker/internal/gate"
	"github.com/cuongbtq/transcode-worker/internal/profile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner records invocations and writes the output file unless behave fails
type fakeRunner struct {
	mu     sync.Mutex
	calls  [][]string
	behave func(args []string) ([]byte, error)
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string{name}, args...))
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.behave != nil {
		if out, err := f.behave(args); err != nil || out != nil {
			return out, err
		}
	}
	return nil, os.WriteFile(args[len(args)-1], []byte("media"), 0o644)
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func argAfter(args []string, flag string) string {
	i := slices.Index(args, flag)
	if i < 0 || i+1 >= len(args) {
		return ""
	}
	return args[i+1]
}

func ffmpegErr(stderr string) error {
	return &RunError{Name: "ffmpeg", ExitCode: 1, Stderr: stderr, Err: errors.New("exit status 1")}
}

func newTestAdapter(t *testing.T, device string, runner Runner, sessions *gate.Gate, wait time.Duration) *Adapter {
	t.Helper()
	a, err := NewAdapter(Config{Device: device, Sessions: sessions, SessionWait: wait}, runner, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return a
}

func hd(t *testing.T) profile.Profile {
	t.Helper()
	p, err := profile.Default().Lookup("h264_720p")
	require.NoError(t, err)
	return p
}

func TestEncode_Paths(t *testing.T) {
	tests := []struct {
		name        string
		device      string
		behave      func(args []string) ([]byte, error)
		wantPath    domain.EncoderPath
		wantEncoder string
		wantCalls   int
	}{
		{
			name:        "software only node",
			device:      "",
			wantPath:    domain.EncoderPathSoftware,
			wantEncoder: "libx264",
			wantCalls:   1,
		},
		{
			name:        "hardware succeeds",
			device:      profile.DeviceNVENC,
			wantPath:    domain.EncoderPathHardware,
			wantEncoder: "h264_nvenc",
			wantCalls:   1,
		},
		{
			name:   "hardware device unavailable falls back",
			device: profile.DeviceNVENC,
			behave: func(args []string) ([]byte, error) {
				if argAfter(args, "-c:v") == "h264_nvenc" {
					return nil, ffmpegErr("Cannot load libcuda.so.1\nError initializing output stream")
				}
				return nil, nil
			},
			wantPath:    domain.EncoderPathFallback,
			wantEncoder: "libx264",
			wantCalls:   2,
		},
		{
			name:   "unclassified hardware failure falls back",
			device: profile.DeviceVAAPI,
			behave: func(args []string) ([]byte, error) {
				if argAfter(args, "-c:v") == "h264_vaapi" {
					return nil, ffmpegErr("something odd happened")
				}
				return nil, nil
			},
			wantPath:    domain.EncoderPathFallback,
			wantEncoder: "libx264",
			wantCalls:   2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{behave: tt.behave}
			a := newTestAdapter(t, tt.device, runner, nil, 0)
			out := filepath.Join(t.TempDir(), "v_720p.mp4")

			res, err := a.Encode(context.Background(), "/src.mp4", out, hd(t))
			require.NoError(t, err)
			assert.Equal(t, tt.wantPath, res.Path)
			assert.Equal(t, tt.wantEncoder, res.Encoder)
			assert.Equal(t, tt.wantCalls, runner.callCount())
			assert.FileExists(t, out)
			if tt.wantPath == domain.EncoderPathFallback {
				assert.NotEmpty(t, res.FallbackReason)
			}
		})
	}
}

func TestEncode_Arguments(t *testing.T) {
	runner := &fakeRunner{}
	a := newTestAdapter(t, profile.DeviceNVENC, runner, nil, 0)
	out := filepath.Join(t.TempDir(), "out.mp4")

	_, err := a.Encode(context.Background(), "/src.mp4", out, hd(t))
	require.NoError(t, err)

	args := runner.calls[0][1:]
	assert.Equal(t, "/src.mp4", argAfter(args, "-i"))
	assert.Equal(t, "h264_nvenc", argAfter(args, "-c:v"))
	assert.Equal(t, "p4", argAfter(args, "-preset"))
	assert.Equal(t, "2800k", argAfter(args, "-b:v"))
	assert.Equal(t, "5600k", argAfter(args, "-bufsize"))
	assert.Equal(t, "128k", argAfter(args, "-b:a"))
	assert.True(t, strings.HasPrefix(argAfter(args, "-vf"), "scale=1280:720"))
	assert.Equal(t, out, args[len(args)-1])
}

func TestEncode_Failures(t *testing.T) {
	tests := []struct {
		name      string
		device    string
		stderr    string
		runErr    error
		wantIs    error
		wantFatal bool
		wantCalls int
	}{
		{
			name:      "hardware session limit is not handled by fallback",
			device:    profile.DeviceNVENC,
			stderr:    "OpenEncodeSessionEx failed: incompatible client key (21)",
			wantIs:    domain.ErrResourceExhausted,
			wantCalls: 1,
		},
		{
			name:      "corrupt source on hardware path",
			device:    profile.DeviceNVENC,
			stderr:    "moov atom not found\n/src.mp4: Invalid data found when processing input",
			wantIs:    domain.ErrEncodeFailed,
			wantCalls: 1,
		},
		{
			name:      "corrupt source on software path",
			stderr:    "/src.mp4: Invalid data found when processing input",
			wantIs:    domain.ErrEncodeFailed,
			wantCalls: 1,
		},
		{
			name:      "disk full",
			stderr:    "av_interleaved_write_frame(): No space left on device",
			wantIs:    domain.ErrResourceExhausted,
			wantCalls: 1,
		},
		{
			name:      "software codec missing",
			stderr:    "Unknown encoder 'libx264'",
			wantFatal: true,
			wantCalls: 1,
		},
		{
			name:      "ffmpeg binary missing",
			runErr:    &exec.Error{Name: "ffmpeg", Err: exec.ErrNotFound},
			wantFatal: true,
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{behave: func(args []string) ([]byte, error) {
				if tt.runErr != nil {
					return nil, tt.runErr
				}
				return nil, ffmpegErr(tt.stderr)
			}}
			a := newTestAdapter(t, tt.device, runner, nil, 0)

			_, err := a.Encode(context.Background(), "/src.mp4", filepath.Join(t.TempDir(), "o.mp4"), hd(t))
			require.Error(t, err)
			if tt.wantIs != nil {
				assert.ErrorIs(t, err, tt.wantIs)
			}
			assert.Equal(t, tt.wantFatal, domain.IsConfigurationFatal(err))
			assert.Equal(t, tt.wantCalls, runner.callCount())
		})
	}
}

func TestEncode_SessionWaitTimeout(t *testing.T) {
	sessions := gate.New("hw", 1)
	require.True(t, sessions.TryAcquire())
	defer sessions.Release()

	runner := &fakeRunner{}
	a := newTestAdapter(t, profile.DeviceNVENC, runner, sessions, 20*time.Millisecond)

	_, err := a.Encode(context.Background(), "/src.mp4", filepath.Join(t.TempDir(), "o.mp4"), hd(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrResourceExhausted)
	assert.Equal(t, 0, runner.callCount())
}

func TestEncode_SessionGateBoundsHardwareRuns(t *testing.T) {
	var active, peak atomic.Int32
	runner := &fakeRunner{behave: func(args []string) ([]byte, error) {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return nil, nil
	}}
	a := newTestAdapter(t, profile.DeviceNVENC, runner, gate.New("hw", 2), time.Second)
	dir := t.TempDir()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := a.Encode(context.Background(), "/src.mp4", filepath.Join(dir, strings.Repeat("o", i+1)+".mp4"), hd(t))
			if assert.NoError(t, err) {
				assert.Equal(t, domain.EncoderPathHardware, res.Path)
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, int(peak.Load()), 2)
	assert.Equal(t, 0, a.Sessions().InUse())
}

func TestEncode_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := newTestAdapter(t, "", &fakeRunner{}, nil, 0)
	_, err := a.Encode(ctx, "/src.mp4", filepath.Join(t.TempDir(), "o.mp4"), hd(t))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestThumbnail_OffsetClamp(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		wantSS   string
	}{
		{name: "long media", duration: 10 * time.Second, wantSS: "1.000"},
		{name: "shorter than offset", duration: 500 * time.Millisecond, wantSS: "0.000"},
		{name: "unknown duration", duration: 0, wantSS: "0.000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{}
			a := newTestAdapter(t, profile.DeviceNVENC, runner, nil, 0)
			out := filepath.Join(t.TempDir(), "thumb.jpg")

			require.NoError(t, a.Thumbnail(context.Background(), "/src.mp4", out, profile.DefaultThumbnail(), tt.duration))

			args := runner.calls[0][1:]
			assert.Equal(t, tt.wantSS, argAfter(args, "-ss"))
			assert.Equal(t, "scale=640:-2", argAfter(args, "-vf"))
			assert.Equal(t, "3", argAfter(args, "-q:v"))
			assert.Empty(t, argAfter(args, "-hwaccel"))
			assert.FileExists(t, out)
		})
	}
}

func TestThumbnail_CorruptSource(t *testing.T) {
	runner := &fakeRunner{behave: func(args []string) ([]byte, error) {
		return nil, ffmpegErr("Invalid data found when processing input")
	}}
	a := newTestAdapter(t, "", runner, nil, 0)

	err := a.Thumbnail(context.Background(), "/src.mp4", filepath.Join(t.TempDir(), "t.jpg"), profile.DefaultThumbnail(), time.Minute)
	assert.ErrorIs(t, err, domain.ErrEncodeFailed)
}

func TestProbe(t *testing.T) {
	tests := []struct {
		name    string
		out     string
		runErr  error
		wantErr error
		want    *MediaInfo
	}{
		{
			name: "video with audio",
			out:  `{"streams":[{"codec_type":"video","codec_name":"h264","width":1920,"height":1080},{"codec_type":"audio","codec_name":"aac"}],"format":{"duration":"10.5"}}`,
			want: &MediaInfo{Duration: 10500 * time.Millisecond, Width: 1920, Height: 1080, VideoCodec: "h264", HasAudio: true},
		},
		{
			name:    "audio only",
			out:     `{"streams":[{"codec_type":"audio","codec_name":"mp3"}],"format":{"duration":"3"}}`,
			wantErr: domain.ErrSourceCorrupt,
		},
		{
			name:    "ffprobe rejects input",
			runErr:  ffmpegErr("Invalid data found when processing input"),
			wantErr: domain.ErrSourceCorrupt,
		},
		{
			name:    "garbage output",
			out:     `not json`,
			wantErr: domain.ErrSourceCorrupt,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{behave: func(args []string) ([]byte, error) {
				if tt.runErr != nil {
					return nil, tt.runErr
				}
				return []byte(tt.out), nil
			}}
			a := newTestAdapter(t, "", runner, nil, 0)

			info, err := a.Probe(context.Background(), "/src.mp4")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, info)
			assert.Equal(t, "ffprobe", runner.calls[0][0])
		})
	}
}

const encodersOutput = `Encoders:
 V..... = Video
 ------
 V....D libx264              libx264 H.264 / AVC / MPEG-4 AVC (codec h264)
 V....D h264_nvenc           NVIDIA NVENC H.264 encoder (codec h264)
 V....D h264_vaapi           H.264/AVC (VAAPI) (codec h264)
 V....D h264_videotoolbox    VideoToolbox H.264 Encoder (codec h264)
 A....D aac                  AAC (Advanced Audio Coding)
`

func TestDetect(t *testing.T) {
	tests := []struct {
		name         string
		preferred    string
		renderExists bool
		goos         string
		want         string
	}{
		{name: "auto picks nvenc first", preferred: ModeAuto, goos: "linux", want: profile.DeviceNVENC},
		{name: "preferred vaapi with render node", preferred: profile.DeviceVAAPI, renderExists: true, goos: "linux", want: profile.DeviceVAAPI},
		{name: "preferred vaapi without render node", preferred: profile.DeviceVAAPI, goos: "linux", want: ""},
		{name: "qsv not compiled in", preferred: profile.DeviceQSV, renderExists: true, goos: "linux", want: ""},
		{name: "videotoolbox off macOS", preferred: profile.DeviceVideoToolbox, goos: "linux", want: ""},
		{name: "videotoolbox on macOS", preferred: profile.DeviceVideoToolbox, goos: "darwin", want: profile.DeviceVideoToolbox},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{behave: func(args []string) ([]byte, error) {
				return []byte(encodersOutput), nil
			}}
			caps, err := Detect(context.Background(), runner, DetectOptions{
				FFmpegPath:   "ffmpeg",
				Device:       tt.preferred,
				goos:         tt.goos,
				deviceExists: func(string) bool { return tt.renderExists },
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, caps.Selected)
			assert.Len(t, caps.Devices, 4)
		})
	}
}

func TestParseEncoders(t *testing.T) {
	encoders := parseEncoders([]byte(encodersOutput))
	assert.True(t, encoders["libx264"])
	assert.True(t, encoders["h264_nvenc"])
	assert.False(t, encoders["h264_qsv"])
	assert.False(t, encoders["Video"])
}

func TestResolveDevice(t *testing.T) {
	runner := &fakeRunner{behave: func(args []string) ([]byte, error) {
		return []byte(encodersOutput), nil
	}}

	device, _, err := ResolveDevice(context.Background(), runner, HardwareSettings{Enabled: false, Mode: ModeAlways, DeviceType: "nvenc"})
	require.NoError(t, err)
	assert.Empty(t, device)

	device, _, err = ResolveDevice(context.Background(), runner, HardwareSettings{Enabled: true, Mode: ModeDisabled})
	require.NoError(t, err)
	assert.Empty(t, device)

	device, caps, err := ResolveDevice(context.Background(), runner, HardwareSettings{Enabled: true, Mode: ModeAlways, DeviceType: "qsv"})
	require.NoError(t, err)
	assert.Equal(t, "qsv", device)
	assert.Nil(t, caps)

	_, _, err = ResolveDevice(context.Background(), runner, HardwareSettings{Enabled: true, Mode: ModeAlways, DeviceType: ModeAuto})
	assert.True(t, domain.IsConfigurationFatal(err))

	_, _, err = ResolveDevice(context.Background(), runner, HardwareSettings{Enabled: true, Mode: "sometimes"})
	assert.True(t, domain.IsConfigurationFatal(err))

	device, caps, err = ResolveDevice(context.Background(), runner, HardwareSettings{Enabled: true, Mode: ModeAuto, DeviceType: "nvenc", FFmpegPath: "ffmpeg"})
	require.NoError(t, err)
	assert.Equal(t, "nvenc", device)
	require.NotNil(t, caps)
}

func TestNewVariant(t *testing.T) {
	for _, device := range []string{"", "software", "nvenc", "vaapi", "qsv", "videotoolbox"} {
		v, err := NewVariant(device, DefaultRenderDevice)
		require.NoError(t, err, device)
		assert.Equal(t, device != "" && device != "software", v.Hardware())
	}

	_, err := NewVariant("amf", "")
	assert.True(t, domain.IsConfigurationFatal(err))
}

func TestDefaultSessionLimit(t *testing.T) {
	assert.Equal(t, 5, DefaultSessionLimit(profile.DeviceNVENC))
	assert.Equal(t, 0, DefaultSessionLimit(profile.DeviceVAAPI))
}

func TestStderrTail(t *testing.T) {
	stderr := "line1\nline2\n\nline3\nline4\n"
	assert.Equal(t, "line2 | line3 | line4", stderrTail(stderr, 3))
	assert.Equal(t, "", stderrTail("", 3))
}

func TestEncode_HardwareRequestedButUnavailable(t *testing.T) {
	runner := &fakeRunner{behave: func(args []string) ([]byte, error) {
		if slices.Contains(args, "-encoders") {
			return []byte(" V....D libx264              libx264 H.264 / AVC\n"), nil
		}
		return nil, nil
	}}
	settings := HardwareSettings{Enabled: true, Mode: ModeAuto, FFmpegPath: "ffmpeg"}

	device, caps, err := ResolveDevice(context.Background(), runner, settings)
	require.NoError(t, err)
	require.Empty(t, device)
	assert.Contains(t, caps.UnavailableReason(), "nvenc: encoder not compiled into ffmpeg")

	a, err := NewAdapter(Config{
		Device:            device,
		HardwareRequested: settings.Requested(),
		UnavailableReason: caps.UnavailableReason(),
	}, runner, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "v_720p.mp4")
	result, err := a.Encode(context.Background(), "source", out, hd(t))
	require.NoError(t, err)
	assert.Equal(t, domain.EncoderPathFallback, result.Path)
	assert.Equal(t, "libx264", result.Encoder)
	assert.Contains(t, result.FallbackReason, "no hardware encoder available")
}

func TestEncode_HardwareDisabledIsSoftware(t *testing.T) {
	settings := HardwareSettings{Enabled: true, Mode: ModeDisabled}
	a, err := NewAdapter(Config{HardwareRequested: settings.Requested()}, &fakeRunner{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	result, err := a.Encode(context.Background(), "source", filepath.Join(t.TempDir(), "v_720p.mp4"), hd(t))
	require.NoError(t, err)
	assert.Equal(t, domain.EncoderPathSoftware, result.Path)
	assert.Empty(t, result.FallbackReason)
}
