package symcache

import (
	"fmt"
	"io"
	"os"
)

// Set on platforms supporting memory mapped files.
var (
	mapFile   func(fd int, length int) ([]byte, error)
	unmapFile func([]byte) error
)

// File is a Cache opened from a file.
type File struct {
	*Cache
	data   []byte
	mapped bool
}

// OpenFile opens the symbol cache stored at path. The file is memory mapped
// where supported and read into memory otherwise. The returned File must be
// closed once neither it nor the frames it returned are in use.
func OpenFile(path string, opts ...Option) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := fi.Size()
	if size > int64(^uint(0)>>1) {
		return nil, fmt.Errorf("%s: file too large: %d bytes", path, size)
	}

	file := new(File)
	if mapFile != nil && size > 0 {
		if file.data, err = mapFile(int(f.Fd()), int(size)); err != nil {
			return nil, fmt.Errorf("mapping %s: %w", path, err)
		}
		file.mapped = true
	} else if file.data, err = io.ReadAll(f); err != nil {
		return nil, err
	}

	if file.Cache, err = Open(file.data, opts...); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return file, nil
}

// Close releases the file content.
func (f *File) Close() error {
	data := f.data
	f.data, f.Cache = nil, nil
	if f.mapped && data != nil {
		f.mapped = false
		return unmapFile(data)
	}
	return nil
}
