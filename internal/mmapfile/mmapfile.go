// Package mmapfile provides read-only, zero-copy access to an input file via
// a private memory mapping.
//
// A File is the exclusive owner of its mapping: Close releases it exactly
// once, and any byte slice obtained through Bytes (or any line range derived
// from it) must not be used after Close. Callers therefore keep the File
// alive for as long as any borrowed view into the data exists.
package mmapfile

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrEmptyFile is returned by Open for zero-length inputs. An empty file has
// no header and nothing to index, and mmap of length zero is invalid anyway.
var ErrEmptyFile = errors.New("file is empty")

// File is a read-only memory mapping of a regular file.
type File struct {
	data []byte
	path string
	once sync.Once
}

// Open maps the file at path read-only and returns the mapping.
//
// Open fails fast on missing/unreadable files and on zero-length files
// (ErrEmptyFile). The returned File must be closed by the caller after all
// views into it have been dropped.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if st.Size() == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrEmptyFile)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}

	return &File{data: data, path: path}, nil
}

// Bytes returns the mapped span. The slice stays valid until Close.
func (f *File) Bytes() []byte { return f.data }

// Len returns the mapped size in bytes.
func (f *File) Len() int { return len(f.data) }

// Path returns the path the mapping was opened from.
func (f *File) Path() string { return f.path }

// Close releases the mapping. Calling Close more than once is safe; only the
// first call unmaps.
func (f *File) Close() error {
	var err error
	f.once.Do(func() {
		if f.data != nil {
			err = unix.Munmap(f.data)
			f.data = nil
		}
	})
	return err
}
