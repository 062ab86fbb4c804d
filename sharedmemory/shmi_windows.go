package sharedmemory

import (
	"errors"
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

type shmi struct {
	h    windows.Handle
	v    uintptr
	data []byte
	size int
}

// create is called by the owner. Named mappings live until their last handle
// is closed, so there is nothing to unlink.
func create(name string, size int) (*shmi, error) {
	key, err := windows.UTF16PtrFromString("Local\\" + name)
	if err != nil {
		return nil, err
	}
	h, err := windows.CreateFileMapping(windows.InvalidHandle, nil,
		windows.PAGE_READWRITE, uint32(uint64(size)>>32), uint32(size), key)
	if err != nil {
		return nil, os.NewSyscallError("CreateFileMapping", err)
	}
	return mapView(h, size)
}

// open only opens an existing mapping.
func open(name string, size int) (*shmi, error) {
	key, err := windows.UTF16PtrFromString("Local\\" + name)
	if err != nil {
		return nil, err
	}
	h, err := windows.OpenFileMapping(windows.FILE_MAP_WRITE|windows.FILE_MAP_READ, false, key)
	if err != nil {
		if errors.Is(err, windows.ERROR_FILE_NOT_FOUND) {
			return nil, ErrSegmentNotFound
		}
		return nil, os.NewSyscallError("OpenFileMapping", err)
	}
	return mapView(h, size)
}

func mapView(h windows.Handle, size int) (*shmi, error) {
	v, err := windows.MapViewOfFile(h, windows.FILE_MAP_WRITE|windows.FILE_MAP_READ, 0, 0, uintptr(size))
	if err != nil {
		windows.CloseHandle(h)
		return nil, os.NewSyscallError("MapViewOfFile", err)
	}
	if size == 0 {
		var info windows.MemoryBasicInformation
		if err := windows.VirtualQuery(v, &info, unsafe.Sizeof(info)); err != nil {
			windows.UnmapViewOfFile(v)
			windows.CloseHandle(h)
			return nil, os.NewSyscallError("VirtualQuery", err)
		}
		size = int(info.RegionSize)
	}
	return &shmi{
		h:    h,
		v:    v,
		data: unsafe.Slice((*byte)(unsafe.Pointer(v)), size),
		size: size,
	}, nil
}

func (o *shmi) close() error {
	var errs []error
	if o.v != 0 {
		errs = append(errs, windows.UnmapViewOfFile(o.v))
		o.v = 0
		o.data = nil
	}
	if o.h != windows.InvalidHandle && o.h != 0 {
		errs = append(errs, windows.CloseHandle(o.h))
		o.h = windows.InvalidHandle
	}
	return errors.Join(errs...)
}
