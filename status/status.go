// Package status is the shared table through which the worker tells the host
// which frame each viewport buffer currently holds. The worker writes
// resolution tags under a sequence lock; the FINISHED flag is a separate word
// that both sides may store.
package status

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/richinsley/gorenderbridge/sharedmemory"
)

// ErrSlotRange is returned for viewport ids without a slot.
var ErrSlotRange = errors.New("viewport id out of status table range")

const (
	magic      = 0x4d414c54 // "MALT"
	version    = 1
	headerSize = 64
	slotSize   = 64
	statsSize  = 4096

	offFinished = 0
	offSeq      = 4
	offWidth    = 8
	offHeight   = 12
	offRequest  = 16
	offValid    = 24

	// torn reads are retried this many times before giving up
	readRetries = 1 << 16
)

// Entry is what the host learns about a viewport buffer.
type Entry struct {
	Width, Height int
	RequestSeq    uint64
	Finished      bool
	// Valid is false until the worker has published into the slot once.
	Valid bool
}

// Table is a mapped status segment.
type Table struct {
	shm   *sharedmemory.SharedMemory
	mem   []byte
	slots int
}

// Size returns the segment size for a table with slots viewport slots.
func Size(slots int) int {
	return headerSize + slots*slotSize + 8 + statsSize
}

// SegmentName returns the segment a table for the given name lives in.
func SegmentName(name string) string {
	return sharedmemory.FullName{Name: name}.String()
}

// Create makes a new table. The creator owns the segment.
func Create(name string, slots int) (*Table, error) {
	if slots <= 0 {
		return nil, fmt.Errorf("status table: invalid slot count %d", slots)
	}
	shm, err := sharedmemory.CreateSharedMemory(SegmentName(name), Size(slots))
	if err != nil {
		return nil, fmt.Errorf("status table: %w", err)
	}
	t := &Table{shm: shm, mem: shm.Bytes(), slots: slots}
	atomic.StoreUint32(t.u32(8), uint32(slots))
	atomic.StoreUint32(t.u32(4), version)
	atomic.StoreUint32(t.u32(0), magic)
	return t, nil
}

// Open maps a table created by another process.
func Open(name string, slots int) (*Table, error) {
	shm, err := sharedmemory.OpenSharedMemory(SegmentName(name), Size(slots))
	if err != nil {
		return nil, fmt.Errorf("status table: %w", err)
	}
	t := &Table{shm: shm, mem: shm.Bytes(), slots: slots}
	if m := atomic.LoadUint32(t.u32(0)); m != magic {
		shm.Close()
		return nil, fmt.Errorf("status table: bad magic %#x", m)
	}
	if v := atomic.LoadUint32(t.u32(4)); v != version {
		shm.Close()
		return nil, fmt.Errorf("status table: version %d, want %d", v, version)
	}
	if n := int(atomic.LoadUint32(t.u32(8))); n != slots {
		shm.Close()
		return nil, fmt.Errorf("status table: %d slots, want %d", n, slots)
	}
	return t, nil
}

func (t *Table) u32(off int) *uint32 { return (*uint32)(unsafe.Pointer(&t.mem[off])) }
func (t *Table) u64(off int) *uint64 { return (*uint64)(unsafe.Pointer(&t.mem[off])) }

func (t *Table) slot(id int) (int, error) {
	if id < 0 || id >= t.slots {
		return 0, fmt.Errorf("viewport %d: %w", id, ErrSlotRange)
	}
	return headerSize + id*slotSize, nil
}

// Slots returns the number of viewport slots.
func (t *Table) Slots() int { return t.slots }

// ClearFinished drops the FINISHED flag for id.
func (t *Table) ClearFinished(id int) error {
	return t.SetFinished(id, false)
}

// SetFinished stores the FINISHED flag for id.
func (t *Table) SetFinished(id int, finished bool) error {
	off, err := t.slot(id)
	if err != nil {
		return err
	}
	var v uint32
	if finished {
		v = 1
	}
	atomic.StoreUint32(t.u32(off+offFinished), v)
	return nil
}

// Publish records which request and resolution the buffers of id now hold,
// then stores the FINISHED flag. Only one process may publish.
func (t *Table) Publish(id int, e Entry) error {
	off, err := t.slot(id)
	if err != nil {
		return err
	}
	seq := t.u32(off + offSeq)
	atomic.AddUint32(seq, 1)
	atomic.StoreUint32(t.u32(off+offWidth), uint32(e.Width))
	atomic.StoreUint32(t.u32(off+offHeight), uint32(e.Height))
	atomic.StoreUint64(t.u64(off+offRequest), e.RequestSeq)
	atomic.StoreUint32(t.u32(off+offValid), 1)
	atomic.AddUint32(seq, 1)
	return t.SetFinished(id, e.Finished)
}

// Read returns the last published entry of id.
func (t *Table) Read(id int) (Entry, error) {
	off, err := t.slot(id)
	if err != nil {
		return Entry{}, err
	}
	seq := t.u32(off + offSeq)
	for range readRetries {
		s1 := atomic.LoadUint32(seq)
		if s1&1 != 0 {
			runtime.Gosched()
			continue
		}
		e := Entry{
			Width:      int(atomic.LoadUint32(t.u32(off + offWidth))),
			Height:     int(atomic.LoadUint32(t.u32(off + offHeight))),
			RequestSeq: atomic.LoadUint64(t.u64(off + offRequest)),
			Valid:      atomic.LoadUint32(t.u32(off+offValid)) != 0,
		}
		if atomic.LoadUint32(seq) == s1 {
			e.Finished = atomic.LoadUint32(t.u32(off+offFinished)) != 0
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("viewport %d: status slot kept changing", id)
}

func (t *Table) statsOffset() int { return headerSize + t.slots*slotSize }

// SetStats replaces the statistics text. Text past the region size is cut.
func (t *Table) SetStats(s string) {
	off := t.statsOffset()
	seq := t.u32(off)
	atomic.AddUint32(seq, 1)
	n := copy(t.mem[off+8:off+8+statsSize], s)
	atomic.StoreUint32(t.u32(off+4), uint32(n))
	atomic.AddUint32(seq, 1)
}

// Stats returns the statistics text.
func (t *Table) Stats() string {
	off := t.statsOffset()
	seq := t.u32(off)
	buf := make([]byte, statsSize)
	for range readRetries {
		s1 := atomic.LoadUint32(seq)
		if s1&1 != 0 {
			runtime.Gosched()
			continue
		}
		n := min(int(atomic.LoadUint32(t.u32(off+4))), statsSize)
		copy(buf, t.mem[off+8:off+8+n])
		if atomic.LoadUint32(seq) == s1 {
			return string(buf[:n])
		}
	}
	return ""
}

// Close unmaps the table; the creator also removes it.
func (t *Table) Close() error {
	return t.shm.Close()
}
