package artifact

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDownload(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Put(ctx, "uploads/u1/clip.mp4", stringsReader("video-bytes"), 11, "video/mp4"))

	dst := filepath.Join(t.TempDir(), "input", "source.mp4")
	n, err := Download(ctx, store, "uploads/u1/clip.mp4", dst)
	require.NoError(t, err)
	assert.Equal(t, int64(11), n)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "video-bytes", string(data))
}

func TestDownload_NotFound(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "source.mp4")

	_, err := Download(context.Background(), NewMemoryStore(), "missing", dst)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoFileExists(t, dst)
}

func TestUploadTree(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "master.m3u8"), "#EXTM3U")
	writeFile(t, filepath.Join(root, "360p", "index.m3u8"), "#EXTM3U")
	writeFile(t, filepath.Join(root, "360p", "segment_000.ts"), "ts")
	writeFile(t, filepath.Join(root, "thumbnail.jpg"), "jpg")
	writeFile(t, filepath.Join(root, "waveform.png"), "png")

	store := NewMemoryStore()
	keys, err := UploadTree(context.Background(), store, root, "hls/u1/42")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"hls/u1/42/360p/index.m3u8",
		"hls/u1/42/360p/segment_000.ts",
		"hls/u1/42/master.m3u8",
		"hls/u1/42/thumbnail.jpg",
		"hls/u1/42/waveform.png",
	}, keys)

	obj, ok := store.Object("hls/u1/42/360p/segment_000.ts")
	require.True(t, ok)
	assert.Equal(t, ContentTypeSegment, obj.ContentType)
	assert.Equal(t, "ts", string(obj.Data))

	obj, ok = store.Object("hls/u1/42/master.m3u8")
	require.True(t, ok)
	assert.Equal(t, ContentTypePlaylist, obj.ContentType)
}

func TestUploadTree_StopsOnFailure(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.ts"), "a")
	writeFile(t, filepath.Join(root, "b.ts"), "b")
	writeFile(t, filepath.Join(root, "c.ts"), "c")

	store := NewMemoryStore()
	store.PutHook = func(key string) error {
		if key == "p/b.ts" {
			return errors.New("connection reset")
		}
		return nil
	}

	keys, err := UploadTree(context.Background(), store, root, "p")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, []string{"p/a.ts"}, keys)
	assert.Equal(t, []string{"p/a.ts"}, store.Keys(), "committed objects are not rolled back")
}

func TestContentType(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"master.m3u8", ContentTypePlaylist},
		{"360p/segment_001.ts", ContentTypeSegment},
		{"thumbnail.jpg", ContentTypeJPEG},
		{"THUMB.JPEG", ContentTypeJPEG},
		{"waveform.png", ContentTypePNG},
		{"poster.webp", ContentTypeWebP},
		{"notes.txt", ContentTypeBinary},
		{"noext", ContentTypeBinary},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ContentType(tt.name))
		})
	}
}

func TestPublicURL(t *testing.T) {
	assert.Equal(t, "https://cdn.example.com/hls/u1/42/master.m3u8", PublicURL("https://cdn.example.com/", "/hls/u1/42/master.m3u8"))
	assert.Equal(t, "https://cdn.example.com/a", PublicURL("https://cdn.example.com", "a"))
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Put(ctx, "k", stringsReader("abc"), 3, ContentTypeBinary))

	r, err := store.Get(ctx, "k")
	require.NoError(t, err)
	defer r.Close()

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func stringsReader(s string) io.Reader {
	return strings.NewReader(s)
}
