package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var errShortMessage = errors.New("message truncated")

// maxLen bounds any length prefix so a corrupt message cannot request an
// absurd allocation.
const maxLen = 1 << 30

type writer struct {
	buf []byte
}

func (w *writer) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *writer) u32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *writer) u64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }
func (w *writer) i32(v int32)  { w.u32(uint32(v)) }
func (w *writer) f32(v float32) {
	w.u32(math.Float32bits(v))
}

func (w *writer) boolean(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

func (w *writer) bytes(v []byte) {
	w.u32(uint32(len(v)))
	w.buf = append(w.buf, v...)
}

func (w *writer) str(v string) {
	w.u32(uint32(len(v)))
	w.buf = append(w.buf, v...)
}

func (w *writer) strs(v []string) {
	w.u32(uint32(len(v)))
	for _, s := range v {
		w.str(s)
	}
}

func (w *writer) f32s(v []float32) {
	w.u32(uint32(len(v)))
	for _, f := range v {
		w.f32(f)
	}
}

func (w *writer) ref(r BufferRef) {
	w.str(r.Segment.Name)
	w.u32(r.Segment.Generation)
	w.u64(r.Size)
}

func (w *writer) refs(v []BufferRef) {
	w.u32(uint32(len(v)))
	for _, r := range v {
		w.ref(r)
	}
}

// reader decodes in the same order writer encodes. The first failure sticks
// and every later read returns zero values.
type reader struct {
	buf []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n > len(r.buf) {
		r.err = errShortMessage
		return nil
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) i32() int32   { return int32(r.u32()) }
func (r *reader) f32() float32 { return math.Float32frombits(r.u32()) }
func (r *reader) boolean() bool {
	return r.u8() != 0
}

func (r *reader) length() int {
	n := r.u32()
	if n > maxLen {
		r.fail(fmt.Errorf("length %d out of range", n))
		return 0
	}
	return int(n)
}

func (r *reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *reader) bytes() []byte {
	b := r.take(r.length())
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}

func (r *reader) str() string {
	return string(r.take(r.length()))
}

func (r *reader) strs() []string {
	n := r.length()
	if n == 0 || r.err != nil {
		return nil
	}
	v := make([]string, 0, min(n, len(r.buf)/4))
	for i := 0; i < n && r.err == nil; i++ {
		v = append(v, r.str())
	}
	return v
}

func (r *reader) f32s() []float32 {
	n := r.length()
	if n == 0 || r.err != nil {
		return nil
	}
	if n*4 > len(r.buf) {
		r.fail(errShortMessage)
		return nil
	}
	v := make([]float32, n)
	for i := range v {
		v[i] = r.f32()
	}
	return v
}

func (r *reader) ref() BufferRef {
	var b BufferRef
	b.Segment.Name = r.str()
	b.Segment.Generation = r.u32()
	b.Size = r.u64()
	return b
}

func (r *reader) refs() []BufferRef {
	n := r.length()
	if n == 0 || r.err != nil {
		return nil
	}
	v := make([]BufferRef, 0, min(n, len(r.buf)/16))
	for i := 0; i < n && r.err == nil; i++ {
		v = append(v, r.ref())
	}
	return v
}
