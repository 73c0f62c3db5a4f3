package media

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cuongbtq/hls-worker/internal/worker/ladder"
)

// HLSRequest describes one multi-rendition HLS packaging run.
type HLSRequest struct {
	Input          string
	OutputDir      string
	Renditions     []ladder.Rendition
	HasAudio       bool
	Duration       float64 // seconds, used for progress
	SegmentSeconds int
}

// hlsArgs builds the ffmpeg arguments for req. Renditions are declared
// lowest to highest; each gets its own scaled split branch, bitrate settings,
// sub-playlist directory, and an entry in the master playlist.
func hlsArgs(req HLSRequest, preset string) []string {
	renditions := ladder.Ascending(req.Renditions)
	segment := req.SegmentSeconds
	if segment <= 0 {
		segment = DefaultSegmentSeconds
	}

	args := []string{
		"-y",
		"-hide_banner",
		"-i", req.Input,
		"-filter_complex", filterGraph(renditions),
		"-preset", preset,
		"-force_key_frames", fmt.Sprintf("expr:gte(t,n_forced*%d)", segment),
		"-sc_threshold", "0",
	}

	for i, r := range renditions {
		idx := strconv.Itoa(i)
		args = append(args,
			"-map", fmt.Sprintf("[v%dout]", i),
			"-c:v:"+idx, "libx264",
			"-b:v:"+idx, r.VideoRate(),
			"-maxrate:v:"+idx, r.MaxRateValue(),
			"-bufsize:v:"+idx, r.BufSizeValue(),
		)
		if req.HasAudio {
			args = append(args,
				"-map", "0:a:0",
				"-c:a:"+idx, "aac",
				"-b:a:"+idx, r.AudioRate(),
			)
		}
	}

	args = append(args,
		"-f", "hls",
		"-hls_time", strconv.Itoa(segment),
		"-hls_list_size", "0",
		"-hls_playlist_type", "vod",
		"-hls_segment_filename", filepath.Join(req.OutputDir, "%v", "segment_%03d.ts"),
		"-master_pl_name", MasterPlaylistName,
		"-var_stream_map", varStreamMap(renditions, req.HasAudio),
		filepath.Join(req.OutputDir, "%v", VariantPlaylistName),
	)

	return args
}

// filterGraph splits the decoded video into one branch per rendition and
// scales each to its target height with an even, aspect-preserving width.
func filterGraph(renditions []ladder.Rendition) string {
	splits := make([]string, len(renditions))
	scales := make([]string, len(renditions))
	for i, r := range renditions {
		splits[i] = fmt.Sprintf("[v%d]", i)
		scales[i] = fmt.Sprintf("[v%d]scale=-2:%d[v%dout]", i, r.Height, i)
	}

	split := fmt.Sprintf("[0:v]split=%d%s", len(renditions), strings.Join(splits, ""))
	return strings.Join(append([]string{split}, scales...), ";")
}

func varStreamMap(renditions []ladder.Rendition, hasAudio bool) string {
	entries := make([]string, len(renditions))
	for i, r := range renditions {
		if hasAudio {
			entries[i] = fmt.Sprintf("v:%d,a:%d,name:%s", i, i, r.Name)
		} else {
			entries[i] = fmt.Sprintf("v:%d,name:%s", i, r.Name)
		}
	}
	return strings.Join(entries, " ")
}
