package artifact

import (
	"path/filepath"
	"strings"
)

// Content types for uploaded artifacts
const (
	ContentTypePlaylist = "application/vnd.apple.mpegurl"
	ContentTypeSegment  = "video/mp2t"
	ContentTypeJPEG     = "image/jpeg"
	ContentTypePNG      = "image/png"
	ContentTypeWebP     = "image/webp"
	ContentTypeBinary   = "application/octet-stream"
)

// ContentType selects a content type from the file extension.
func ContentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".m3u8":
		return ContentTypePlaylist
	case ".ts":
		return ContentTypeSegment
	case ".jpg", ".jpeg":
		return ContentTypeJPEG
	case ".png":
		return ContentTypePNG
	case ".webp":
		return ContentTypeWebP
	default:
		return ContentTypeBinary
	}
}
