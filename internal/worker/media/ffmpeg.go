package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultSegmentSeconds is the HLS target segment duration.
	DefaultSegmentSeconds = 10
	// MasterPlaylistName is the file name of the master manifest.
	MasterPlaylistName = "master.m3u8"
	// VariantPlaylistName is the file name of each rendition playlist.
	VariantPlaylistName = "index.m3u8"

	maxStderrBytes = 16 << 10
)

// Config configures the ffmpeg/ffprobe binaries.
type Config struct {
	FFmpegPath  string
	FFprobePath string
	Preset      string
	Logger      *slog.Logger
}

// FFmpeg implements probing and transcoding with the ffmpeg CLI.
type FFmpeg struct {
	ffmpegPath  string
	ffprobePath string
	preset      string
	logger      *slog.Logger
}

// NewFFmpeg creates a new FFmpeg. Empty paths resolve through PATH.
func NewFFmpeg(cfg Config) *FFmpeg {
	f := &FFmpeg{
		ffmpegPath:  cfg.FFmpegPath,
		ffprobePath: cfg.FFprobePath,
		preset:      cfg.Preset,
		logger:      cfg.Logger,
	}
	if f.ffmpegPath == "" {
		f.ffmpegPath = "ffmpeg"
	}
	if f.ffprobePath == "" {
		f.ffprobePath = "ffprobe"
	}
	if f.preset == "" {
		f.preset = "veryfast"
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	return f
}

// Probe inspects path and reports the primary video stream geometry.
func (f *FFmpeg) Probe(ctx context.Context, path string) (*Probe, error) {
	// #nosec G204 - ffprobePath is set by the application, not user input
	cmd := exec.CommandContext(ctx, f.ffprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_streams",
		"-show_format",
		path,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("ffprobe cancelled: %w", ctx.Err())
		}
		return nil, fmt.Errorf("%w: %w, stderr: %s", ErrFFprobeExecution, err, strings.TrimSpace(stderr.String()))
	}

	return parseProbe(stdout.Bytes())
}

// Thumbnail extracts one frame at offset seconds, scaled to width with the
// aspect ratio preserved.
func (f *FFmpeg) Thumbnail(ctx context.Context, input, output string, offset float64, width int) error {
	return f.run(ctx, thumbnailArgs(input, output, offset, width), nil)
}

// Waveform renders a width x height waveform image of the first audio stream.
func (f *FFmpeg) Waveform(ctx context.Context, input, output string, width, height int) error {
	return f.run(ctx, waveformArgs(input, output, width, height), nil)
}

// EncodeHLS produces every rendition of req in a single ffmpeg invocation.
// onProgress, if set, receives the encoded fraction in [0,1].
func (f *FFmpeg) EncodeHLS(ctx context.Context, req HLSRequest, onProgress func(float64)) error {
	if len(req.Renditions) == 0 {
		return ErrNoRenditions
	}
	if req.SegmentSeconds <= 0 {
		req.SegmentSeconds = DefaultSegmentSeconds
	}

	for _, r := range req.Renditions {
		if err := os.MkdirAll(filepath.Join(req.OutputDir, r.Name), 0o750); err != nil {
			return fmt.Errorf("create rendition dir: %w", err)
		}
	}

	var progress func(time.Duration)
	if onProgress != nil && req.Duration > 0 {
		total := req.Duration
		progress = func(encoded time.Duration) {
			onProgress(fraction(encoded, total))
		}
	}

	args := hlsArgs(req, f.preset)
	f.logger.Debug("Running ffmpeg HLS encode",
		slog.String("output_dir", req.OutputDir),
		slog.Int("renditions", len(req.Renditions)),
	)

	return f.run(ctx, args, progress)
}

// run executes ffmpeg and always reaps the child. When progress is non-nil,
// ffmpeg's machine-readable progress stream on stdout is parsed and fed to it.
func (f *FFmpeg) run(ctx context.Context, args []string, progress func(time.Duration)) error {
	if progress != nil {
		args = append([]string{"-progress", "pipe:1", "-nostats"}, args...)
	}

	// #nosec G204 - ffmpegPath is set by the application, not user input
	cmd := exec.CommandContext(ctx, f.ffmpegPath, args...)
	stderr := newTailBuffer(maxStderrBytes)
	cmd.Stderr = stderr

	var scanner *progressScanner
	if progress != nil {
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return fmt.Errorf("stdout pipe: %w", err)
		}
		scanner = newProgressScanner(stdout, progress)
	}

	if err := cmd.Start(); err != nil {
		return &FFmpegError{Args: args, Err: fmt.Errorf("start: %w", err)}
	}

	// stdout must be drained before Wait closes the pipe.
	if scanner != nil {
		if err := scanner.scan(); err != nil {
			f.logger.Warn("Reading ffmpeg progress failed", slog.String("error", err.Error()))
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("ffmpeg cancelled: %w", ctx.Err())
		}
		return &FFmpegError{Args: args, Stderr: stderr.String(), Err: err}
	}

	return nil
}

type probeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
		Duration  string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func parseProbe(data []byte) (*Probe, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}

	probe := &Probe{}
	var videoDuration string
	foundVideo := false

	for _, s := range out.Streams {
		switch s.CodecType {
		case "video":
			if foundVideo {
				continue
			}
			foundVideo = true
			probe.Width = s.Width
			probe.Height = s.Height
			videoDuration = s.Duration
		case "audio":
			probe.HasAudio = true
		}
	}

	if !foundVideo || probe.Height <= 0 {
		return nil, ErrNoVideoStream
	}

	for _, d := range []string{out.Format.Duration, videoDuration} {
		if v, err := strconv.ParseFloat(strings.TrimSpace(d), 64); err == nil && v > 0 {
			probe.Duration = v
			break
		}
	}

	return probe, nil
}

func thumbnailArgs(input, output string, offset float64, width int) []string {
	return []string{
		"-y",
		"-hide_banner",
		"-ss", strconv.FormatFloat(offset, 'f', 3, 64),
		"-i", input,
		"-frames:v", "1",
		"-vf", fmt.Sprintf("scale=%d:-2", width),
		"-q:v", "2",
		output,
	}
}

func waveformArgs(input, output string, width, height int) []string {
	return []string{
		"-y",
		"-hide_banner",
		"-i", input,
		"-filter_complex", fmt.Sprintf("[0:a:0]aformat=channel_layouts=mono,showwavespic=s=%dx%d:colors=0x4f46e5", width, height),
		"-frames:v", "1",
		output,
	}
}

func fraction(encoded time.Duration, total float64) float64 {
	if total <= 0 {
		return 0
	}
	v := encoded.Seconds() / total
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
