// Package media drives the ffprobe and ffmpeg binaries: stream probing,
// preview extraction and multi-rendition HLS packaging.
package media

import (
	"errors"
	"fmt"
	"strings"
)

// Static errors for media operations.
var (
	// ErrNoVideoStream is returned when a file has no decodable video stream.
	ErrNoVideoStream = errors.New("no video stream")
	// ErrNoAudioStream is returned when an audio-only operation gets a silent source.
	ErrNoAudioStream = errors.New("no audio stream")
	// ErrNoRenditions is returned when an encode is requested with an empty ladder.
	ErrNoRenditions = errors.New("no renditions requested")
	// ErrFFprobeExecution is returned when the ffprobe command fails.
	ErrFFprobeExecution = errors.New("ffprobe execution failed")
)

// FFmpegError represents an error from running ffmpeg, including the tail of stderr.
type FFmpegError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *FFmpegError) Error() string {
	return fmt.Sprintf("ffmpeg error: %v\nargs: %s\nstderr: %s", e.Err, strings.Join(e.Args, " "), e.Stderr)
}

func (e *FFmpegError) Unwrap() error {
	return e.Err
}

// Probe describes the geometry of a media file.
type Probe struct {
	Width    int
	Height   int
	Duration float64 // seconds, 0 when unknown
	HasAudio bool
}
