// Package safe holds bounded file reads and integer conversion helpers.
package safe

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// DefaultMaxFileSize caps reads when ReadOptions.MaxSize is zero (1MB).
const DefaultMaxFileSize = 1 << 20

// ReadOptions configures ReadFile.
type ReadOptions struct {
	// MaxSize is the largest number of bytes returned. Zero means DefaultMaxFileSize.
	MaxSize int64
	// Truncate returns the first MaxSize bytes of a larger file instead of failing.
	Truncate bool
	// AllowSymlinks permits a symlink as the final path component.
	AllowSymlinks bool
}

// ReadFile reads a regular file. Symlinks are rejected unless allowed, and files larger
// than MaxSize fail unless Truncate is set.
func ReadFile(path string, opts *ReadOptions) ([]byte, error) {
	if opts == nil {
		opts = &ReadOptions{}
	}
	maxSize := opts.MaxSize
	if maxSize == 0 {
		maxSize = DefaultMaxFileSize
	}

	clean := filepath.Clean(path)
	info, err := os.Lstat(clean)
	if err != nil {
		return nil, err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		if !opts.AllowSymlinks {
			return nil, fmt.Errorf("file %q is a symlink", path)
		}
		if info, err = os.Stat(clean); err != nil {
			return nil, err
		}
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("path %q is not a regular file", path)
	}
	if info.Size() > maxSize && !opts.Truncate {
		return nil, fmt.Errorf("file %q exceeds maximum allowed size of %d bytes", path, maxSize)
	}

	f, err := os.Open(clean) //nolint:gosec // validated above
	if err != nil {
		return nil, err
	}
	defer f.Close() //nolint:errcheck

	return io.ReadAll(io.LimitReader(f, maxSize))
}

// Exists reports whether path names an existing file.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
