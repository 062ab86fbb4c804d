//go:build darwin && cgo

package sharedmemory

/*
#include <sys/mman.h>
#include <sys/types.h>
#include <sys/stat.h>
#include <fcntl.h>
#include <stdlib.h>
#include <unistd.h>
#include <errno.h>

// _create_shm is called by the "owner" process. It cleans up stale
// segments before creating and sizing a new one.
int _create_shm(const char* name, int size) {
    shm_unlink(name);

    mode_t mode = S_IRUSR | S_IWUSR | S_IRGRP | S_IWGRP;
    int fd = shm_open(name, O_RDWR | O_CREAT | O_EXCL, mode);
    if (fd < 0) {
        return -1;
    }
    if (ftruncate(fd, size) != 0) {
        int e = errno;
        close(fd);
        shm_unlink(name);
        errno = e;
        return -1;
    }
    return fd;
}

// _open_shm only opens an existing segment and never unlinks.
int _open_shm(const char* name) {
    return shm_open(name, O_RDWR, 0);
}

long long _shm_size(int fd) {
    struct stat st;
    if (fstat(fd, &st) != 0) {
        return -1;
    }
    return (long long)st.st_size;
}

void* _map(int fd, int size) {
    void* p = mmap(NULL, size, PROT_READ | PROT_WRITE, MAP_SHARED, fd, 0);
    if (p == MAP_FAILED) {
        return NULL;
    }
    return p;
}
*/
import "C"

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"syscall"
	"unsafe"
)

// PSHMNAMLEN on Darwin, including the leading slash.
const maxNameLen = 31

type shmi struct {
	name   string
	fd     C.int
	v      unsafe.Pointer
	data   []byte
	size   int
	parent bool
}

// posixName shortens names that exceed the Darwin limit to a stable hash.
func posixName(name string) string {
	name = "/" + name
	if len(name) <= maxNameLen {
		return name
	}
	h := fnv.New64a()
	h.Write([]byte(name))
	return fmt.Sprintf("/malt_%016x", h.Sum64())
}

func create(name string, size int) (*shmi, error) {
	cname := C.CString(posixName(name))
	defer C.free(unsafe.Pointer(cname))

	fd, errno := C._create_shm(cname, C.int(size))
	if fd < 0 {
		return nil, os.NewSyscallError("shm_open", errno)
	}
	v := C._map(fd, C.int(size))
	if v == nil {
		C.close(fd)
		C.shm_unlink(cname)
		return nil, errors.New("mmap failed")
	}
	return &shmi{
		name:   posixName(name),
		fd:     fd,
		v:      v,
		data:   unsafe.Slice((*byte)(v), size),
		size:   size,
		parent: true,
	}, nil
}

func open(name string, size int) (*shmi, error) {
	cname := C.CString(posixName(name))
	defer C.free(unsafe.Pointer(cname))

	fd, errno := C._open_shm(cname)
	if fd < 0 {
		if errors.Is(errno, syscall.ENOENT) {
			return nil, ErrSegmentNotFound
		}
		return nil, os.NewSyscallError("shm_open", errno)
	}
	have := int(C._shm_size(fd))
	if size == 0 {
		size = have
	}
	if size <= 0 || size > have {
		C.close(fd)
		return nil, fmt.Errorf("segment holds %d bytes, %d requested", have, size)
	}
	v := C._map(fd, C.int(size))
	if v == nil {
		C.close(fd)
		return nil, errors.New("mmap failed")
	}
	return &shmi{
		name: posixName(name),
		fd:   fd,
		v:    v,
		data: unsafe.Slice((*byte)(v), size),
		size: size,
	}, nil
}

func (o *shmi) close() error {
	if o.v != nil {
		C.munmap(o.v, C.size_t(o.size))
		o.v = nil
		o.data = nil
	}
	if o.fd >= 0 {
		C.close(o.fd)
		o.fd = -1
	}
	if o.parent {
		cname := C.CString(o.name)
		C.shm_unlink(cname)
		C.free(unsafe.Pointer(cname))
		o.parent = false
	}
	return nil
}
