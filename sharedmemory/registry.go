package sharedmemory

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"unsafe"
)

// NamePrefix starts every segment name the registry creates.
const NamePrefix = "MALT_SHARED_MEM_"

// FullName identifies one generation of a logical buffer.
type FullName struct {
	Name       string
	Generation uint32
}

// String returns the OS segment name.
func (f FullName) String() string {
	return NamePrefix + f.Name + "_GEN_" + strconv.FormatUint(uint64(f.Generation), 10)
}

// IsZero reports whether f names nothing.
func (f FullName) IsZero() bool { return f.Name == "" }

// ParseFullName is the inverse of FullName.String.
func ParseFullName(s string) (FullName, error) {
	rest, ok := strings.CutPrefix(s, NamePrefix)
	if !ok {
		return FullName{}, fmt.Errorf("segment name %q: missing prefix", s)
	}
	i := strings.LastIndex(rest, "_GEN_")
	if i <= 0 {
		return FullName{}, fmt.Errorf("segment name %q: missing generation", s)
	}
	gen, err := strconv.ParseUint(rest[i+len("_GEN_"):], 10, 32)
	if err != nil {
		return FullName{}, fmt.Errorf("segment name %q: %w", s, err)
	}
	return FullName{Name: rest[:i], Generation: uint32(gen)}, nil
}

// Element is the set of element types a buffer view can hold.
type Element interface {
	~uint8 | ~uint16 | ~int32 | ~uint32 | ~float32
}

// Buffer is the current generation of a logical buffer.
type Buffer struct {
	shm  *SharedMemory
	name FullName
}

// FullName returns the generation-qualified name consumers must open.
func (b *Buffer) FullName() FullName { return b.name }

// Size returns the segment capacity in bytes.
func (b *Buffer) Size() int { return b.shm.GetSize() }

// Bytes returns the whole segment.
func (b *Buffer) Bytes() []byte { return b.shm.Bytes() }

// View is a typed window over the first Len elements of a Buffer.
type View[T Element] struct {
	*Buffer
	Data []T
}

// Slice reinterprets the first count elements of b as T.
func Slice[T Element](b []byte, count int) []T {
	var zero T
	if count == 0 || len(b) == 0 {
		return nil
	}
	if need := count * int(unsafe.Sizeof(zero)); need > len(b) {
		panic(fmt.Sprintf("sharedmemory: %d elements need %d bytes, have %d", count, need, len(b)))
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&b[0])), count)
}

// Registry owns the segments of one process and grows them by generation.
// Growing never resizes in place: a bigger segment is created under the next
// generation and consumers holding the old name must re-resolve it.
type Registry struct {
	mu      sync.Mutex
	buffers map[string]*Buffer
	// replaced generations stay mapped until Close; a consumer may still be
	// reading from them.
	retired []*SharedMemory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{buffers: make(map[string]*Buffer)}
}

// Acquire returns a view of at least count elements of type T for the logical
// name, creating generation 0 or the next generation when the current one is
// too small.
func Acquire[T Element](r *Registry, name string, count int) (View[T], error) {
	var zero T
	size := count * int(unsafe.Sizeof(zero))
	b, err := r.acquire(name, size)
	if err != nil {
		return View[T]{}, err
	}
	return View[T]{Buffer: b, Data: Slice[T](b.Bytes(), count)}, nil
}

func (r *Registry) acquire(name string, size int) (*Buffer, error) {
	if size < 0 {
		return nil, fmt.Errorf("acquire %q: negative size", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.buffers[name]
	if ok && cur.Size() >= size {
		return cur, nil
	}
	next := FullName{Name: name}
	if ok {
		next.Generation = cur.name.Generation + 1
	}
	shm, err := CreateSharedMemory(next.String(), max(size, 1))
	if err != nil {
		return nil, err
	}
	if ok {
		r.retired = append(r.retired, cur.shm)
	}
	b := &Buffer{shm: shm, name: next}
	r.buffers[name] = b
	return b, nil
}

// Lookup returns the current generation of name.
func (r *Registry) Lookup(name string) (*Buffer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buffers[name]
	return b, ok
}

// ResolveFullName returns the current generation-qualified name of name.
func (r *Registry) ResolveFullName(name string) (FullName, bool) {
	b, ok := r.Lookup(name)
	if !ok {
		return FullName{}, false
	}
	return b.name, true
}

// Close unmaps and unlinks every segment the registry created.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for _, shm := range r.retired {
		if err := shm.Close(); err != nil && first == nil {
			first = err
		}
	}
	r.retired = nil
	for name, b := range r.buffers {
		if err := b.shm.Close(); err != nil && first == nil {
			first = err
		}
		delete(r.buffers, name)
	}
	return first
}
