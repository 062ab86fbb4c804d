package testpipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/richinsley/gorenderbridge/gpu"
	"github.com/richinsley/gorenderbridge/gpu/softgpu"
	"github.com/richinsley/gorenderbridge/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvergesToExpectedImage(t *testing.T) {
	dev := softgpu.New()
	p := New(pipeline.Env{Device: dev}, 3)
	res := gpu.Resolution{Width: 8, Height: 4}

	sc, err := p.LoadScene([]byte("scene A"))
	require.NoError(t, err)

	var out map[string]gpu.Texture
	for i := 0; p.NeedsMoreSamples() || i == 0; i++ {
		out, err = p.Render(res, sc, false, i == 0)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, p.Renders())
	assert.False(t, p.NeedsMoreSamples())

	color := out[pipeline.OutputColor].(*softgpu.Texture)
	assert.Equal(t, Image([]byte("scene A"), res), color.Pixels())

	// A new frame starts over.
	_, err = p.Render(res, sc, false, true)
	require.NoError(t, err)
	assert.True(t, p.NeedsMoreSamples())
}

func TestOutputsAreReleasedBetweenSamples(t *testing.T) {
	p := New(pipeline.Env{Device: softgpu.New()}, 2)
	sc, _ := p.LoadScene(nil)
	res := gpu.Resolution{Width: 2, Height: 2}

	first, err := p.Render(res, sc, false, true)
	require.NoError(t, err)
	color := first[pipeline.OutputColor].(*softgpu.Texture)
	_, err = p.Render(res, sc, false, false)
	require.NoError(t, err)
	assert.True(t, color.Released())
}

func TestExpectedDiffersPerScene(t *testing.T) {
	res := gpu.Resolution{Width: 4, Height: 4}
	a := Expected([]byte("a"), res, gpu.FormatRGBA8)
	b := Expected([]byte("b"), res, gpu.FormatRGBA8)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
	assert.Len(t, ExpectedDepth(res), 64)
}

func TestRenderFailure(t *testing.T) {
	p := New(pipeline.Env{Device: softgpu.New()}, 2)
	sc, _ := p.LoadScene([]byte("!fail please"))
	_, err := p.Render(gpu.Resolution{Width: 1, Height: 1}, sc, false, true)
	assert.Error(t, err)
}

func TestRejectedScene(t *testing.T) {
	p := New(pipeline.Env{Device: softgpu.New()}, 2)
	_, err := p.LoadScene([]byte("!reject me"))
	assert.ErrorContains(t, err, "rejected")
	sc, err := p.LoadScene([]byte("fine"))
	require.NoError(t, err)
	_, err = p.UpdateScene(sc, []byte("!reject later"))
	assert.Error(t, err)
}

func TestCompileMaterial(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.glsl")
	bad := filepath.Join(dir, "bad.glsl")
	require.NoError(t, os.WriteFile(good, []byte("vec4 shade(vec3 n) {\n  return vec4(n, 1.0);\n}\n"), 0o644))
	require.NoError(t, os.WriteFile(bad, []byte("void main() {}\n#error missing semicolon\n"), 0o644))

	p := New(pipeline.Env{Device: softgpu.New()}, 1)

	m, res := p.CompileMaterial(good, nil)
	assert.NotNil(t, m)
	assert.Empty(t, res.Error)
	require.Len(t, res.Passes, 1)
	assert.Equal(t, "shade", res.Passes[0].Uniforms[0].Name)

	m, res = p.CompileMaterial(bad, nil)
	assert.Nil(t, m)
	assert.Contains(t, res.Error, "bad.glsl:2: missing semicolon")

	m, res = p.CompileMaterial(filepath.Join(dir, "nope.glsl"), nil)
	assert.Nil(t, m)
	assert.NotEmpty(t, res.Error)
}
