package ladder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelect(t *testing.T) {
	tests := []struct {
		name   string
		height uint
		want   []string
	}{
		{name: "taller than 1080", height: 1920, want: []string{"1080p", "720p", "360p"}},
		{name: "exactly 1080", height: 1080, want: []string{"1080p", "720p", "360p"}},
		{name: "between 720 and 1080", height: 900, want: []string{"720p", "360p"}},
		{name: "exactly 720", height: 720, want: []string{"720p", "360p"}},
		{name: "exactly 360", height: 360, want: []string{"360p"}},
		{name: "below 360 falls back", height: 200, want: []string{"360p"}},
		{name: "zero height falls back", height: 0, want: []string{"360p"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Names(Select(tt.height)))
		})
	}
}

func TestSelect_Parameters(t *testing.T) {
	rs := Select(1080)
	require.Len(t, rs, 3)

	assert.Equal(t, Rendition{Name: "1080p", Height: 1080, VideoBitrate: 5000, MaxRate: 5350, BufSize: 7500, AudioBitrate: 192}, rs[0])
	assert.Equal(t, Rendition{Name: "720p", Height: 720, VideoBitrate: 2800, MaxRate: 2996, BufSize: 4200, AudioBitrate: 128}, rs[1])
	assert.Equal(t, Rendition{Name: "360p", Height: 360, VideoBitrate: 800, MaxRate: 856, BufSize: 1200, AudioBitrate: 96}, rs[2])

	fallback := Select(120)
	require.Len(t, fallback, 1)
	assert.Equal(t, rs[2], fallback[0])
}

func TestSelect_Deterministic(t *testing.T) {
	assert.Equal(t, Select(1440), Select(1440))

	first := Select(1080)
	first[0].Name = "mutated"
	assert.Equal(t, "1080p", Select(1080)[0].Name)
}

func TestAscending(t *testing.T) {
	rs := Select(2160)
	asc := Ascending(rs)

	assert.Equal(t, []string{"360p", "720p", "1080p"}, Names(asc))
	assert.Equal(t, []string{"1080p", "720p", "360p"}, Names(rs), "input must not be reordered")
}

func TestRenditionValues(t *testing.T) {
	r := Select(720)[0]

	assert.Equal(t, "2800k", r.VideoRate())
	assert.Equal(t, "2996k", r.MaxRateValue())
	assert.Equal(t, "4200k", r.BufSizeValue())
	assert.Equal(t, "128k", r.AudioRate())
	assert.Equal(t, 3124000, r.Bandwidth())
}
