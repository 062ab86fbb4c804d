package gpu

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatSizes(t *testing.T) {
	res := Resolution{Width: 64, Height: 32}
	assert.Equal(t, 64*32*4, FormatRGBA8.FrameSize(res))
	assert.Equal(t, 64*32*8, FormatRGBA16F.FrameSize(res))
	assert.Equal(t, 64*32*16, FormatRGBA32F.FrameSize(res))
	assert.Equal(t, 64*32*4, FormatR32F.FrameSize(res))

	f, err := FormatForBitDepth(16)
	require.NoError(t, err)
	assert.Equal(t, FormatRGBA16F, f)
	_, err = FormatForBitDepth(12)
	assert.Error(t, err)
}

func TestFloat16Bits(t *testing.T) {
	cases := map[float32]uint16{
		0:                    0x0000,
		1:                    0x3c00,
		-2:                   0xc000,
		0.5:                  0x3800,
		65504:                0x7bff,
		1e6:                  0x7c00,
		float32(math.Inf(-1)): 0xfc00,
		5.9604645e-08:        0x0001,
	}
	for f, want := range cases {
		assert.Equal(t, want, Float16Bits(f), "%g", f)
	}
	assert.Equal(t, uint16(0x7e00), Float16Bits(float32(math.NaN())))
}

func TestEncodePixels(t *testing.T) {
	rgba := []float32{0, 0.5, 1, 2, -1, 0.25, 0.75, 1}

	dst := make([]byte, 8)
	require.NoError(t, EncodePixels(dst, rgba, FormatRGBA8))
	assert.Equal(t, []byte{0, 128, 255, 255, 0, 64, 191, 255}, dst)

	dst = make([]byte, 8)
	require.NoError(t, EncodePixels(dst, rgba, FormatR32F))
	assert.Equal(t, float32(0), math.Float32frombits(binary.LittleEndian.Uint32(dst)))
	assert.Equal(t, float32(-1), math.Float32frombits(binary.LittleEndian.Uint32(dst[4:])))

	assert.Error(t, EncodePixels(make([]byte, 8), rgba, FormatRGBA32F))
}

func TestExpandChannels(t *testing.T) {
	out, err := ExpandChannels([]float32{0.1, 0.2}, 1)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0, 0, 1, 0.2, 0, 0, 1}, out)

	_, err = ExpandChannels([]float32{1, 2, 3}, 2)
	assert.Error(t, err)
}

func TestMeshValidate(t *testing.T) {
	m := &MeshData{
		Positions: []float32{0, 0, 0, 1, 0, 0, 0, 1, 0},
		Normals:   []float32{0, 0, 1, 0, 0, 1, 0, 0, 1},
		Indices:   [][]uint32{{0, 1, 2}},
	}
	assert.NoError(t, m.Validate())
	assert.Equal(t, 3, m.VertexCount())

	m.Indices = [][]uint32{{0, 1, 3}}
	assert.Error(t, m.Validate())
}
