// Package storage - key/path addressed reads of model files.
package storage

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// Storage reads text and binary blobs by path. Paths are relative to the
// storage root and use forward slashes; a leading slash is allowed.
type Storage interface {
	ReadText(ctx context.Context, name string) (string, error)
	ReadBinary(ctx context.Context, name string) ([]byte, error)
}

// Factory opens a Storage rooted at the given location.
type Factory func(root string) Storage

// LocalFileSystem is a Storage over an afero filesystem rooted at a directory.
type LocalFileSystem struct {
	fs   afero.Fs
	root string
}

// NewLocalFileSystem creates a storage rooted at root on fs.
//
// Arguments:
//   - fs: The filesystem to read from. Use afero.NewOsFs() for the real disk.
//   - root: The directory all reads are resolved against.
//
// Returns:
//   - *LocalFileSystem: The storage.
func NewLocalFileSystem(fs afero.Fs, root string) *LocalFileSystem {
	return &LocalFileSystem{fs: fs, root: root}
}

// OSFactory returns a Factory that opens roots on the operating system disk.
func OSFactory() Factory {
	fs := afero.NewOsFs()
	return func(root string) Storage {
		return NewLocalFileSystem(fs, root)
	}
}

// Root returns the directory reads are resolved against.
func (l *LocalFileSystem) Root() string {
	return l.root
}

// ReadText reads a file as text.
func (l *LocalFileSystem) ReadText(ctx context.Context, name string) (string, error) {
	data, err := l.ReadBinary(ctx, name)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ReadBinary reads a file as raw bytes.
func (l *LocalFileSystem) ReadBinary(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := l.resolve(name)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(l.fs, p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "file %q not found under %q", name, l.root)
		}
		return nil, errors.Wrapf(err, "failed to read %q", p)
	}
	return data, nil
}

// resolve joins name under the root. ".." segments cannot climb above it.
func (l *LocalFileSystem) resolve(name string) (string, error) {
	clean := path.Clean("/" + filepath.ToSlash(name))
	if clean == "/" {
		return "", errors.Errorf("invalid file name %q", name)
	}
	rel := strings.TrimPrefix(clean, "/")
	return filepath.Join(l.root, filepath.FromSlash(rel)), nil
}
