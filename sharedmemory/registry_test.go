package sharedmemory

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testName(t *testing.T) string {
	return fmt.Sprintf("test_%d_%d", os.Getpid(), time.Now().UnixNano())
}

func TestFullName(t *testing.T) {
	fn := FullName{Name: "RENDER_BUFFER_1_COLOR", Generation: 3}
	assert.Equal(t, "MALT_SHARED_MEM_RENDER_BUFFER_1_COLOR_GEN_3", fn.String())

	parsed, err := ParseFullName(fn.String())
	require.NoError(t, err)
	assert.Equal(t, fn, parsed)

	_, err = ParseFullName("RENDER_BUFFER_GEN_1")
	assert.Error(t, err)
}

func TestAcquireGrowsByGeneration(t *testing.T) {
	r := NewRegistry()
	defer r.Close()
	name := testName(t)

	v, err := Acquire[float32](r, name, 16)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), v.FullName().Generation)
	assert.Len(t, v.Data, 16)
	v.Data[3] = 1.5

	// Fits in the current generation.
	v, err = Acquire[float32](r, name, 8)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), v.FullName().Generation)
	assert.Equal(t, float32(1.5), v.Data[3])

	v, err = Acquire[float32](r, name, 32)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), v.FullName().Generation)
	assert.GreaterOrEqual(t, v.Size(), 32*4)

	fn, ok := r.ResolveFullName(name)
	require.True(t, ok)
	assert.Equal(t, v.FullName(), fn)

	_, ok = r.ResolveFullName("missing")
	assert.False(t, ok)
}

func TestGenerationsAreMonotonic(t *testing.T) {
	r := NewRegistry()
	defer r.Close()
	name := testName(t)

	var last uint32
	for i, n := range []int{4, 2, 64, 64, 10, 1024} {
		v, err := Acquire[uint8](r, name, n)
		require.NoError(t, err)
		gen := v.FullName().Generation
		if i > 0 {
			assert.GreaterOrEqual(t, gen, last)
		}
		assert.GreaterOrEqual(t, v.Size(), n)
		last = gen
	}
	assert.Equal(t, uint32(2), last)
}

func TestRefCacheFollowsGenerations(t *testing.T) {
	r := NewRegistry()
	defer r.Close()
	name := testName(t)

	v, err := Acquire[uint8](r, name, 64)
	require.NoError(t, err)
	copy(v.Data, "generation zero")

	c := NewRefCache()
	defer c.Close()

	shm, err := c.Open(v.FullName(), 64)
	require.NoError(t, err)
	assert.Equal(t, "generation zero", string(shm.Bytes()[:15]))

	v, err = Acquire[uint8](r, name, 4096)
	require.NoError(t, err)
	copy(v.Data, "generation one")

	shm, err = c.Open(v.FullName(), 4096)
	require.NoError(t, err)
	assert.Equal(t, "generation one", string(shm.Bytes()[:14]))

	cur, ok := c.Current(name)
	require.True(t, ok)
	assert.Equal(t, uint32(1), cur.Generation)
	assert.Equal(t, 1, c.Retired(name))
	require.NoError(t, c.Retire(name))
	assert.Zero(t, c.Retired(name))

	_, err = c.Open(FullName{Name: name, Generation: 0}, 64)
	assert.ErrorIs(t, err, ErrSegmentNotFound)
}

func TestRefCacheKeepsOldGenerationUntilRetired(t *testing.T) {
	r := NewRegistry()
	defer r.Close()
	name := testName(t)

	v, err := Acquire[uint8](r, name, 64)
	require.NoError(t, err)
	c := NewRefCache()
	defer c.Close()
	old, err := c.Open(v.FullName(), 64)
	require.NoError(t, err)

	v, err = Acquire[uint8](r, name, 4096)
	require.NoError(t, err)
	_, err = c.Open(v.FullName(), 4096)
	require.NoError(t, err)

	copy(old.Bytes(), "still mapped")
	assert.Equal(t, "still mapped", string(old.Bytes()[:12]))
	assert.Equal(t, 1, c.Retired(name))
	assert.NoError(t, c.Retire("never opened"))
}

func TestOpenMissingSegment(t *testing.T) {
	_, err := OpenSharedMemory(FullName{Name: testName(t)}.String(), 16)
	assert.ErrorIs(t, err, ErrSegmentNotFound)
}

func TestOwnerUnlinksOnClose(t *testing.T) {
	name := FullName{Name: testName(t)}.String()
	owner, err := CreateSharedMemory(name, 128)
	require.NoError(t, err)

	n, err := owner.WriteAt([]byte("hello"), 10)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	peer, err := OpenSharedMemory(name, 0)
	require.NoError(t, err)
	assert.Equal(t, 128, peer.GetSize())

	buf := make([]byte, 5)
	_, err = peer.ReadAt(buf, 10)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))
	require.NoError(t, peer.Close())

	require.NoError(t, owner.Close())
	_, err = OpenSharedMemory(name, 128)
	assert.ErrorIs(t, err, ErrSegmentNotFound)
}
