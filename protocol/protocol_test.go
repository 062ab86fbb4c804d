package protocol

import (
	"testing"

	"github.com/richinsley/gorenderbridge/sharedmemory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderRoundTrip(t *testing.T) {
	in := &Render{
		ViewportID:  2,
		Width:       640,
		Height:      480,
		Scene:       []byte(`{"material":"a.glsl"}`),
		SceneUpdate: true,
		Capture:     true,
		BitDepth:    16,
		Seq:         9,
		Buffers: []AOVBuffer{{
			Name: "COLOR",
			Buffer: BufferRef{
				Segment: sharedmemory.FullName{Name: "RENDER_BUFFER_2_COLOR", Generation: 4},
				Size:    640 * 480 * 8,
			},
		}},
	}
	out, err := Decode(Encode(in))
	require.NoError(t, err)
	require.IsType(t, &Render{}, out)
	assert.Equal(t, in, out)

	ref, ok := out.(*Render).Buffer("COLOR")
	require.True(t, ok)
	assert.Equal(t, uint32(4), ref.Segment.Generation)
	_, ok = out.(*Render).Buffer("DEPTH")
	assert.False(t, ok)
}

func TestMaterialCarriesCompileErrors(t *testing.T) {
	in := &Material{
		Path:  "/tmp/broken.glsl",
		Error: "0:3: syntax error",
		Passes: []ShaderPass{
			{Name: "MAIN", Error: "0:3: syntax error"},
			{Name: "SHADOW", Uniforms: []Parameter{{Group: "material", Name: "tint", Type: "vec3", Size: 3, Default: []float32{1, 1, 1}}}},
		},
	}
	out, err := Decode(Encode(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestParametersGroup(t *testing.T) {
	p := &Parameters{
		Pipeline: "test",
		Params: []Parameter{
			{Group: "world", Name: "background"},
			{Group: "material", Name: "tint"},
			{Group: "world", Name: "exposure"},
		},
	}
	world := p.Group("world")
	require.Len(t, world, 2)
	assert.Equal(t, "exposure", world[1].Name)
}

func TestDecodeRejectsBadInput(t *testing.T) {
	_, err := Decode(nil)
	assert.Error(t, err)

	_, err = Decode([]byte{0xff})
	assert.ErrorContains(t, err, "unknown message kind")

	b := Encode(&TextureAck{Name: "noise", Seq: 3})
	_, err = Decode(b[:len(b)-2])
	assert.Error(t, err)

	_, err = Decode(append(b, 0))
	assert.ErrorContains(t, err, "trailing")

	// A huge length prefix must not allocate.
	_, err = Decode([]byte{byte(KindReflect), 0xff, 0xff, 0xff, 0x0f})
	assert.Error(t, err)
}

func TestChannelAccepts(t *testing.T) {
	assert.True(t, ChannelMaterial.Accepts(KindCompileMaterial))
	assert.True(t, ChannelMaterial.Accepts(KindMaterial))
	assert.False(t, ChannelRender.Accepts(KindMaterial))
	assert.Len(t, Channels, 7)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "Render", KindRender.String())
	assert.Equal(t, "CompileMaterial", KindCompileMaterial.String())
	assert.Equal(t, "Kind(0)", Kind(0).String())
	assert.Equal(t, "Kind(42)", Kind(42).String())
}

func TestStagingSeq(t *testing.T) {
	buf := make([]byte, StagingHeaderSize+16)
	assert.Equal(t, uint64(0), LoadStagingSeq(buf))
	StoreStagingSeq(buf, 42)
	assert.Equal(t, uint64(42), LoadStagingSeq(buf))
	assert.Panics(t, func() { LoadStagingSeq(buf[:8]) })
}
