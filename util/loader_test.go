package util

import (
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFiles(t *testing.T, fs afero.Fs, names ...string) {
	t.Helper()
	for _, n := range names {
		require.NoError(t, afero.WriteFile(fs, n, []byte(filepath.Base(n)), 0o644))
	}
}

func TestLoadDirectoryImageFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFiles(t, fs,
		"/frames/frame-10.jpg",
		"/frames/frame-2.png",
		"/frames/frame-1.webp",
		"/frames/notes.txt",
		"/frames/sub/frame-0.jpg",
	)

	images, err := LoadDirectoryImageFiles(fs, "/frames")
	require.NoError(t, err)
	require.Len(t, images, 3)

	assert.Equal(t, 1, images[0].Frame)
	assert.Equal(t, 2, images[1].Frame)
	assert.Equal(t, 10, images[2].Frame)
	assert.Equal(t, []byte("frame-10.jpg"), images[2].Data)
}

func TestLoadDirectoryImageFilesMissing(t *testing.T) {
	_, err := LoadDirectoryImageFiles(afero.NewMemMapFs(), "/missing")
	assert.Error(t, err)
}

func TestExpandPaths(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFiles(t, fs,
		"/in/b.jpg",
		"/in/a.JPEG",
		"/in/frame-3.png",
		"/in/readme.md",
		"/single.txt",
	)

	got, err := ExpandPaths(fs, []string{"/single.txt", "/in"})
	require.NoError(t, err)
	assert.Equal(t, []string{"/single.txt", "/in/a.JPEG", "/in/b.jpg", "/in/frame-3.png"}, got)

	_, err = ExpandPaths(fs, []string{"/nope"})
	assert.Error(t, err)
}

func TestFrameNumber(t *testing.T) {
	tests := map[string]int{
		"frame-7.jpg":   7,
		"frame-007.png": 7,
		"frame-x.jpg":   -1,
		"photo.jpg":     -1,
	}
	for name, want := range tests {
		assert.Equal(t, want, frameNumber(name), name)
	}
}
