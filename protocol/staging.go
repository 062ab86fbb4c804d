package protocol

import (
	"sync/atomic"
	"unsafe"
)

// StagingHeaderSize is the space before the texels of the texture staging
// buffer. The first eight bytes hold the sequence number of the upload the
// texels belong to.
const StagingHeaderSize = 64

func stagingSeq(b []byte) *uint64 {
	if len(b) < StagingHeaderSize {
		panic("protocol: staging buffer smaller than its header")
	}
	return (*uint64)(unsafe.Pointer(&b[0]))
}

// StoreStagingSeq publishes seq after the texels have been written.
func StoreStagingSeq(b []byte, seq uint64) { atomic.StoreUint64(stagingSeq(b), seq) }

// LoadStagingSeq returns the sequence number of the texels in b.
func LoadStagingSeq(b []byte) uint64 { return atomic.LoadUint64(stagingSeq(b)) }
