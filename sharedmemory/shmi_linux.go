//go:build linux

package sharedmemory

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// shm_open on Linux is a thin wrapper around files in this tmpfs mount.
const shmDir = "/dev/shm"

type shmi struct {
	path   string
	fd     int
	data   []byte
	size   int
	parent bool
}

// create is called by the owner. A stale segment with the same name is
// removed first.
func create(name string, size int) (*shmi, error) {
	path := filepath.Join(shmDir, name)
	_ = unix.Unlink(path)

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, 0o660)
	if err != nil {
		return nil, os.NewSyscallError("open", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		unix.Unlink(path)
		return nil, os.NewSyscallError("ftruncate", err)
	}
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		unix.Unlink(path)
		return nil, os.NewSyscallError("mmap", err)
	}
	return &shmi{path: path, fd: fd, data: data, size: size, parent: true}, nil
}

// open is called by a client. It never creates or unlinks.
func open(name string, size int) (*shmi, error) {
	path := filepath.Join(shmDir, name)
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return nil, ErrSegmentNotFound
		}
		return nil, os.NewSyscallError("open", err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("fstat", err)
	}
	if size == 0 {
		size = int(st.Size)
	}
	if size == 0 || int64(size) > st.Size {
		unix.Close(fd)
		return nil, fmt.Errorf("segment holds %d bytes, %d requested", st.Size, size)
	}

	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("mmap", err)
	}
	return &shmi{path: path, fd: fd, data: data, size: size}, nil
}

func (o *shmi) close() error {
	var errs []error
	if o.data != nil {
		errs = append(errs, unix.Munmap(o.data))
		o.data = nil
	}
	if o.fd >= 0 {
		errs = append(errs, unix.Close(o.fd))
		o.fd = -1
	}
	if o.parent {
		if err := unix.Unlink(o.path); err != nil && !errors.Is(err, unix.ENOENT) {
			errs = append(errs, err)
		}
		o.parent = false
	}
	return errors.Join(errs...)
}
