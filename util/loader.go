// Package util - helpers for collecting input images.
package util

import (
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// ImageExtensions are the file extensions treated as images.
var ImageExtensions = []string{".jpg", ".jpeg", ".png", ".webp"}

// ImageFile represents an image file.
type ImageFile struct {
	// Path is the path to the image file.
	Path string
	// Data is the raw bytes of the image file.
	Data []byte
	// Frame is the frame number parsed from a "frame-<n>" name, or -1.
	Frame int
}

// IsImage reports whether the file name has an image extension.
func IsImage(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range ImageExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// ExpandPaths turns files and directories into a list of image paths.
// Directories contribute their image files, ordered by frame number and then
// by name. Files are kept as given.
//
// Arguments:
//   - fs: The filesystem to read.
//   - paths: Files or directories.
//
// Returns:
//   - []string: The image paths.
//   - error: An error if a path does not exist.
func ExpandPaths(fs afero.Fs, paths []string) ([]string, error) {
	var out []string
	for _, p := range paths {
		info, err := fs.Stat(p)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to stat %s", p)
		}
		if !info.IsDir() {
			out = append(out, p)
			continue
		}
		files, err := listDirectory(fs, p)
		if err != nil {
			return nil, err
		}
		out = append(out, files...)
	}
	return out, nil
}

func listDirectory(fs afero.Fs, dir string) ([]string, error) {
	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read directory %s", dir)
	}

	var files []ImageFile
	for _, entry := range entries {
		if entry.IsDir() || !IsImage(entry.Name()) {
			continue
		}
		files = append(files, ImageFile{
			Path:  filepath.Join(dir, entry.Name()),
			Frame: frameNumber(entry.Name()),
		})
	}
	sortFrames(files)

	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.Path
	}
	return out, nil
}

// LoadDirectoryImageFiles reads all image files from a directory.
//
// Arguments:
// - fs: The filesystem to read.
// - dir: Directory path containing image files.
//
// Returns:
// - []ImageFile: Slice of ImageFile, each containing the raw bytes of an image file.
// - error: Error if loading fails.
func LoadDirectoryImageFiles(fs afero.Fs, dir string) ([]ImageFile, error) {
	paths, err := listDirectory(fs, dir)
	if err != nil {
		return nil, err
	}

	images := make([]ImageFile, 0, len(paths))
	for _, p := range paths {
		data, err := afero.ReadFile(fs, p)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read %s", p)
		}
		images = append(images, ImageFile{
			Path:  p,
			Data:  data,
			Frame: frameNumber(filepath.Base(p)),
		})
	}
	return images, nil
}

func frameNumber(name string) int {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	if !strings.HasPrefix(base, "frame-") {
		return -1
	}
	n, err := strconv.Atoi(strings.TrimPrefix(base, "frame-"))
	if err != nil {
		return -1
	}
	return n
}

func sortFrames(files []ImageFile) {
	sort.SliceStable(files, func(i, j int) bool {
		if files[i].Frame != files[j].Frame {
			return files[i].Frame < files[j].Frame
		}
		return files[i].Path < files[j].Path
	})
}
