// Package sharedmemory wraps named OS shared-memory segments. The process that
// creates a segment owns it and unlinks it on Close; processes that open an
// existing segment only map it.
package sharedmemory

import (
	"errors"
	"fmt"
	"io"
	"unsafe"
)

// ErrSegmentNotFound is returned when opening a segment that does not exist,
// usually because the owner has already replaced it with a newer generation.
var ErrSegmentNotFound = errors.New("shared memory segment not found")

// SharedMemory is a mapped segment.
type SharedMemory struct {
	name string
	m    *shmi
}

// CreateSharedMemory creates (or recreates) the named segment with the given
// size in bytes. The caller owns the segment.
func CreateSharedMemory(name string, size int) (*SharedMemory, error) {
	if size <= 0 {
		return nil, fmt.Errorf("create %q: invalid size %d", name, size)
	}
	m, err := create(name, size)
	if err != nil {
		return nil, fmt.Errorf("create %q: %w", name, err)
	}
	return &SharedMemory{name: name, m: m}, nil
}

// OpenSharedMemory maps an existing segment. A size of 0 maps the whole
// segment where the platform can report its size.
func OpenSharedMemory(name string, size int) (*SharedMemory, error) {
	if size < 0 {
		return nil, fmt.Errorf("open %q: invalid size %d", name, size)
	}
	m, err := open(name, size)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", name, err)
	}
	return &SharedMemory{name: name, m: m}, nil
}

// Name returns the segment name as passed to Create/Open.
func (s *SharedMemory) Name() string { return s.name }

// GetSize returns the mapped size in bytes.
func (s *SharedMemory) GetSize() int { return s.m.size }

// GetPtr returns the base address of the mapping.
func (s *SharedMemory) GetPtr() unsafe.Pointer {
	if len(s.m.data) == 0 {
		return nil
	}
	return unsafe.Pointer(&s.m.data[0])
}

// Bytes returns the mapping as a byte slice. The slice is invalid after Close.
func (s *SharedMemory) Bytes() []byte { return s.m.data }

// ReadAt implements io.ReaderAt over the mapping.
func (s *SharedMemory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(s.m.data)) {
		return 0, io.EOF
	}
	n := copy(p, s.m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt over the mapping. Writes past the end are
// truncated and report io.ErrShortWrite.
func (s *SharedMemory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(s.m.data)) {
		return 0, io.EOF
	}
	n := copy(s.m.data[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// Close unmaps the segment, unlinking it if this process created it.
func (s *SharedMemory) Close() error {
	if s.m == nil {
		return nil
	}
	err := s.m.close()
	s.m.data = nil
	return err
}
