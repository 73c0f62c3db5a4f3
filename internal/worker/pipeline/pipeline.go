// Package pipeline runs one transcode job end to end: download, probe,
// preview images, adaptive HLS encode, upload and the final status write.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/cuongbtq/hls-worker/internal/worker/artifact"
	"github.com/cuongbtq/hls-worker/internal/worker/domain"
	"github.com/cuongbtq/hls-worker/internal/worker/ladder"
	"github.com/cuongbtq/hls-worker/internal/worker/media"
	"github.com/cuongbtq/hls-worker/internal/worker/storage"
	"github.com/cuongbtq/hls-worker/internal/worker/workspace"
)

const (
	// ThumbnailName and WaveformName are written next to the master manifest.
	ThumbnailName = "thumbnail.jpg"
	WaveformName  = "waveform.png"

	thumbnailPosition = 0.2
)

// Progress milestones. The encode stage fills encodeStart..encodeEnd.
const (
	progressDownloaded = 5
	progressProbed     = 10
	progressThumbnail  = 15
	progressWaveform   = 20
	encodeStart        = 20
	encodeEnd          = 90
	progressUploaded   = 99
)

// Transcoder is the media toolchain the pipeline drives.
type Transcoder interface {
	Probe(ctx context.Context, path string) (*media.Probe, error)
	Thumbnail(ctx context.Context, input, output string, offset float64, width int) error
	Waveform(ctx context.Context, input, output string, width, height int) error
	EncodeHLS(ctx context.Context, req media.HLSRequest, onProgress func(float64)) error
}

// Config holds pipeline settings
type Config struct {
	WorkerID          string
	WorkspaceRoot     string
	PublicBaseURL     string
	KeyPrefix         string // defaults to "hls"
	ThumbnailWidth    int
	ThumbnailRequired bool
	WaveformWidth     int
	WaveformHeight    int
	SegmentSeconds    int
	ProgressInterval  time.Duration
	ProgressStep      int
	FailAttempts      int
	FailBackoff       time.Duration
}

// Pipeline executes transcode jobs
type Pipeline struct {
	cfg        Config
	jobs       storage.JobStore
	artifacts  artifact.Store
	transcoder Transcoder
	logger     *slog.Logger
}

// New creates a new Pipeline, filling unset settings with defaults
func New(cfg Config, jobs storage.JobStore, artifacts artifact.Store, transcoder Transcoder, logger *slog.Logger) *Pipeline {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "hls"
	}
	if cfg.ThumbnailWidth <= 0 {
		cfg.ThumbnailWidth = 640
	}
	if cfg.WaveformWidth <= 0 {
		cfg.WaveformWidth = 1280
	}
	if cfg.WaveformHeight <= 0 {
		cfg.WaveformHeight = 240
	}
	if cfg.SegmentSeconds <= 0 {
		cfg.SegmentSeconds = media.DefaultSegmentSeconds
	}
	if cfg.ProgressStep <= 0 {
		cfg.ProgressStep = 5
	}
	if cfg.FailAttempts <= 0 {
		cfg.FailAttempts = 3
	}
	if cfg.FailBackoff <= 0 {
		cfg.FailBackoff = 200 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Pipeline{
		cfg:        cfg,
		jobs:       jobs,
		artifacts:  artifacts,
		transcoder: transcoder,
		logger:     logger,
	}
}

// Run processes one job message.
//
// Returned errors follow the queue outcome mapping: nil and
// domain.ErrJobTerminal mean the message is done, a *domain.RetryableError
// means the job was left claimable and the message should be redelivered,
// and anything else means the job was marked FAILED.
func (p *Pipeline) Run(ctx context.Context, msg domain.JobMessage) error {
	logger := p.logger.With(slog.String("job_id", msg.JobID))
	start := time.Now()

	ws, err := workspace.New(p.cfg.WorkspaceRoot, msg.JobID)
	if err != nil {
		return domain.NewRetryableError(err)
	}
	defer func() {
		if err := ws.Close(); err != nil {
			logger.Warn("Failed to remove workspace",
				slog.String("dir", ws.Dir()),
				slog.String("error", err.Error()),
			)
		}
	}()

	job, err := p.jobs.ClaimJob(ctx, msg.JobID, p.cfg.WorkerID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrJobTerminal):
			logger.Info("Job already finished, skipping")
			return err
		case errors.Is(err, domain.ErrJobNotFound):
			logger.Warn("Job row not found")
			return err
		default:
			return domain.NewRetryableError(fmt.Errorf("failed to claim job: %w", err))
		}
	}

	if msg.SourceKey == "" {
		msg.SourceKey = job.SourceKey
	}
	if msg.OwnerID == "" {
		msg.OwnerID = job.OwnerID
	}

	outputs, err := p.execute(ctx, logger, ws, msg, job.Progress)
	if err != nil {
		// Shutdown interrupted the job: leave it PROCESSING so a redelivery
		// resumes it instead of failing a healthy source.
		if errors.Is(ctx.Err(), context.Canceled) {
			logger.Warn("Job interrupted", slog.String("error", err.Error()))
			return domain.NewRetryableError(err)
		}

		logger.Error("Job failed",
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		p.markFailed(ctx, logger, msg.JobID)
		return err
	}

	if err := p.jobs.CompleteJob(ctx, msg.JobID, outputs); err != nil {
		if errors.Is(err, domain.ErrJobTerminal) {
			return err
		}
		logger.Error("Failed to complete job", slog.String("error", err.Error()))
		p.markFailed(ctx, logger, msg.JobID)
		return fmt.Errorf("failed to complete job: %w", err)
	}

	logger.Info("Job completed",
		slog.Duration("elapsed", time.Since(start)),
	)
	return nil
}

func (p *Pipeline) execute(ctx context.Context, logger *slog.Logger, ws *workspace.Workspace, msg domain.JobMessage, progress int) (domain.Outputs, error) {
	var outputs domain.Outputs
	reporter := newProgressReporter(p.jobs, msg.JobID, progress, p.cfg.ProgressStep, p.cfg.ProgressInterval, logger)

	// Download
	input := ws.InputPath(msg.SourceKey)
	size, err := artifact.Download(ctx, p.artifacts, msg.SourceKey, input)
	if err != nil {
		return outputs, fmt.Errorf("%w: %w", domain.ErrDownload, err)
	}
	logger.Info("Source downloaded",
		slog.String("source_key", msg.SourceKey),
		slog.Int64("bytes", size),
	)
	reporter.milestone(ctx, progressDownloaded)

	// Probe
	probe, err := p.transcoder.Probe(ctx, input)
	if err != nil {
		return outputs, fmt.Errorf("%w: %w", domain.ErrProbe, err)
	}
	if probe.Height <= 0 {
		return outputs, fmt.Errorf("%w: %w", domain.ErrProbe, media.ErrNoVideoStream)
	}
	renditions := ladder.Select(uint(probe.Height))
	logger.Info("Source probed",
		slog.Int("width", probe.Width),
		slog.Int("height", probe.Height),
		slog.Float64("duration", probe.Duration),
		slog.Bool("has_audio", probe.HasAudio),
		slog.Any("renditions", ladder.Names(renditions)),
	)
	reporter.milestone(ctx, progressProbed)

	prefix := path.Join(p.cfg.KeyPrefix, msg.OwnerID, msg.JobID)

	// Thumbnail
	offset := probe.Duration * thumbnailPosition
	if err := p.transcoder.Thumbnail(ctx, input, ws.OutputPath(ThumbnailName), offset, p.cfg.ThumbnailWidth); err != nil {
		err = fmt.Errorf("%w: %w", domain.ErrThumbnail, err)
		if p.cfg.ThumbnailRequired || ctx.Err() != nil {
			return outputs, err
		}
		_ = os.Remove(ws.OutputPath(ThumbnailName))
		logger.Warn("Thumbnail skipped", slog.String("error", err.Error()))
	} else {
		outputs.ThumbnailURL = p.publicURL(prefix, ThumbnailName)
	}
	reporter.milestone(ctx, progressThumbnail)

	// Waveform, best effort
	if err := p.waveform(ctx, input, ws.OutputPath(WaveformName), probe.HasAudio); err != nil {
		if ctx.Err() != nil {
			return outputs, err
		}
		_ = os.Remove(ws.OutputPath(WaveformName))
		logger.Warn("Waveform skipped", slog.String("error", err.Error()))
	} else {
		outputs.WaveformURL = p.publicURL(prefix, WaveformName)
	}
	reporter.milestone(ctx, progressWaveform)

	// Encode
	req := media.HLSRequest{
		Input:          input,
		OutputDir:      ws.OutputDir(),
		Renditions:     renditions,
		HasAudio:       probe.HasAudio,
		Duration:       probe.Duration,
		SegmentSeconds: p.cfg.SegmentSeconds,
	}
	onProgress := func(f float64) {
		reporter.report(ctx, encodeStart+int(f*float64(encodeEnd-encodeStart)))
	}
	if err := p.transcoder.EncodeHLS(ctx, req, onProgress); err != nil {
		return outputs, fmt.Errorf("%w: %w", domain.ErrEncode, err)
	}
	logger.Info("HLS encode finished")
	reporter.milestone(ctx, encodeEnd)

	// Upload
	keys, err := artifact.UploadTree(ctx, p.artifacts, ws.OutputDir(), prefix)
	if err != nil {
		return outputs, fmt.Errorf("%w: %w", domain.ErrUpload, err)
	}
	logger.Info("Artifacts uploaded",
		slog.String("prefix", prefix),
		slog.Int("objects", len(keys)),
	)
	reporter.milestone(ctx, progressUploaded)

	outputs.ManifestURL = p.publicURL(prefix, media.MasterPlaylistName)
	return outputs, nil
}

func (p *Pipeline) waveform(ctx context.Context, input, output string, hasAudio bool) error {
	if !hasAudio {
		return fmt.Errorf("%w: %w", domain.ErrWaveform, media.ErrNoAudioStream)
	}
	if err := p.transcoder.Waveform(ctx, input, output, p.cfg.WaveformWidth, p.cfg.WaveformHeight); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrWaveform, err)
	}
	return nil
}

func (p *Pipeline) publicURL(prefix, name string) *string {
	u := artifact.PublicURL(p.cfg.PublicBaseURL, path.Join(prefix, name))
	return &u
}

// markFailed writes FAILED with bounded retries on a context that outlives
// the job context, since that one is often already done.
func (p *Pipeline) markFailed(ctx context.Context, logger *slog.Logger, jobID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	delay := p.cfg.FailBackoff
	for attempt := 1; attempt <= p.cfg.FailAttempts; attempt++ {
		err := p.jobs.FailJob(ctx, jobID)
		if err == nil || errors.Is(err, domain.ErrJobTerminal) || errors.Is(err, domain.ErrJobNotFound) {
			return
		}

		logger.Warn("Failed to mark job as FAILED",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", p.cfg.FailAttempts),
			slog.String("error", err.Error()),
		)

		if attempt < p.cfg.FailAttempts {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			delay *= 2
		}
	}

	logger.Error("Giving up marking job as FAILED",
		slog.Int("attempts", p.cfg.FailAttempts),
	)
}
