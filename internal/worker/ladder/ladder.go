// Package ladder maps a source video height to the set of HLS renditions
// worth producing for it.
package ladder

import (
	"fmt"
	"sort"
)

// Rendition describes one resolution/bitrate variant. Bitrates are in kbps.
type Rendition struct {
	Name         string
	Height       int
	VideoBitrate int
	MaxRate      int
	BufSize      int
	AudioBitrate int
}

var (
	r1080 = Rendition{Name: "1080p", Height: 1080, VideoBitrate: 5000, MaxRate: 5350, BufSize: 7500, AudioBitrate: 192}
	r720  = Rendition{Name: "720p", Height: 720, VideoBitrate: 2800, MaxRate: 2996, BufSize: 4200, AudioBitrate: 128}
	r360  = Rendition{Name: "360p", Height: 360, VideoBitrate: 800, MaxRate: 856, BufSize: 1200, AudioBitrate: 96}
)

// Select returns the renditions for a source of the given height, highest first.
// Each threshold is evaluated independently; a source shorter than 360 lines
// still gets a single 360p rendition.
func Select(height uint) []Rendition {
	var out []Rendition
	if height >= 1080 {
		out = append(out, r1080)
	}
	if height >= 720 {
		out = append(out, r720)
	}
	if height >= 360 {
		out = append(out, r360)
	}
	if len(out) == 0 {
		out = append(out, r360)
	}
	return out
}

// Ascending returns a copy of rs ordered from lowest to highest resolution,
// the order variant streams are declared in.
func Ascending(rs []Rendition) []Rendition {
	out := make([]Rendition, len(rs))
	copy(out, rs)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Height < out[j].Height })
	return out
}

// Names returns rendition names in order.
func Names(rs []Rendition) []string {
	names := make([]string, len(rs))
	for i, r := range rs {
		names[i] = r.Name
	}
	return names
}

// VideoRate renders the video bitrate as an ffmpeg value, e.g. "5000k".
func (r Rendition) VideoRate() string { return kbps(r.VideoBitrate) }

// MaxRateValue renders the max rate as an ffmpeg value.
func (r Rendition) MaxRateValue() string { return kbps(r.MaxRate) }

// BufSizeValue renders the VBV buffer size as an ffmpeg value.
func (r Rendition) BufSizeValue() string { return kbps(r.BufSize) }

// AudioRate renders the audio bitrate as an ffmpeg value.
func (r Rendition) AudioRate() string { return kbps(r.AudioBitrate) }

// Bandwidth is the peak bits per second advertised for the variant.
func (r Rendition) Bandwidth() int {
	return (r.MaxRate + r.AudioBitrate) * 1000
}

func kbps(v int) string {
	return fmt.Sprintf("%dk", v)
}
