package shaderpipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeScene(t *testing.T) {
	s, err := DecodeScene(nil)
	require.NoError(t, err)
	assert.Equal(t, &Scene{}, s)

	s, err = DecodeScene([]byte(`{"material":"a.glsl","time":2,"channels":["wood","gradient:heat"],"uniforms":{"tint":[1,0,0]}}`))
	require.NoError(t, err)
	assert.Equal(t, "a.glsl", s.Material)
	assert.Equal(t, float32(2), s.Time)
	assert.Equal(t, [4]string{"wood", "gradient:heat", "", ""}, s.Channels)
	assert.Equal(t, []float32{1, 0, 0}, s.Uniforms["tint"])

	_, err = DecodeScene([]byte(`{"material":`))
	assert.Error(t, err)
}

func TestSceneUpdateIsPartial(t *testing.T) {
	s, err := DecodeScene([]byte(`{"material":"a.glsl","uniforms":{"tint":[1,0,0]}}`))
	require.NoError(t, err)

	next, err := s.Update([]byte(`{"time":4.5,"uniforms":{"gloss":[0.25]}}`))
	require.NoError(t, err)
	assert.Equal(t, "a.glsl", next.Material)
	assert.Equal(t, float32(4.5), next.Time)
	assert.Equal(t, []float32{1, 0, 0}, next.Uniforms["tint"])
	assert.Equal(t, []float32{0.25}, next.Uniforms["gloss"])

	assert.Equal(t, float32(0), s.Time, "the original scene is untouched")
	assert.NotContains(t, s.Uniforms, "gloss")
}

func TestSampleCount(t *testing.T) {
	s := &Scene{}
	assert.Equal(t, DefaultSamples, s.SampleCount(false))
	assert.Equal(t, DefaultSamples*finalSampleMultiple, s.SampleCount(true))

	s = &Scene{Samples: 8, FinalSamples: 100}
	assert.Equal(t, 8, s.SampleCount(false))
	assert.Equal(t, 100, s.SampleCount(true))
}
