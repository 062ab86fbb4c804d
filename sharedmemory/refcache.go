package sharedmemory

import (
	"fmt"
	"sync"
)

type ref struct {
	name FullName
	shm  *SharedMemory
	// retired holds older generations that may still be read or written
	// until Retire is called for the name.
	retired []*SharedMemory
}

// RefCache keeps the consumer's mappings of buffers owned by another process,
// one mapping per logical name.
type RefCache struct {
	mu   sync.Mutex
	refs map[string]*ref
}

// NewRefCache returns an empty cache.
func NewRefCache() *RefCache {
	return &RefCache{refs: make(map[string]*ref)}
}

// Open maps the named generation with at least size bytes. Opening a newer
// generation keeps the older mapping alive until Retire is called for the
// name. Asking for a generation older than the cached one fails with
// ErrSegmentNotFound.
func (c *RefCache) Open(name FullName, size int) (*SharedMemory, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, ok := c.refs[name.Name]
	if ok {
		switch {
		case cur.name.Generation == name.Generation && cur.shm.GetSize() >= size:
			return cur.shm, nil
		case cur.name.Generation > name.Generation:
			return nil, fmt.Errorf("%s superseded by generation %d: %w", name, cur.name.Generation, ErrSegmentNotFound)
		}
	}

	shm, err := OpenSharedMemory(name.String(), size)
	if err != nil {
		return nil, err
	}
	r := &ref{name: name, shm: shm}
	if ok {
		r.retired = append(cur.retired, cur.shm)
	}
	c.refs[name.Name] = r
	return shm, nil
}

// Retire unmaps every generation of name older than the current one. Call it
// once nothing points into the older mappings any more.
func (c *RefCache) Retire(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.refs[name]
	if !ok {
		return nil
	}
	var first error
	for _, shm := range r.retired {
		if err := shm.Close(); err != nil && first == nil {
			first = err
		}
	}
	r.retired = nil
	return first
}

// Retired returns how many older generations of name are still mapped.
func (c *RefCache) Retired(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.refs[name]; ok {
		return len(r.retired)
	}
	return 0
}

// Current returns the generation cached for a logical name.
func (c *RefCache) Current(name string) (FullName, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.refs[name]
	if !ok {
		return FullName{}, false
	}
	return r.name, true
}

// Close drops every mapping.
func (c *RefCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var first error
	for k, r := range c.refs {
		for _, shm := range append(r.retired, r.shm) {
			if err := shm.Close(); err != nil && first == nil {
				first = err
			}
		}
		delete(c.refs, k)
	}
	return first
}
