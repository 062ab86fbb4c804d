package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	Register("registry-test", func(Env) (Pipeline, error) { return nil, nil })
	f, ok := Lookup("registry-test")
	require.True(t, ok)
	assert.NotNil(t, f)
	assert.Contains(t, Names(), "registry-test")

	assert.Panics(t, func() {
		Register("registry-test", func(Env) (Pipeline, error) { return nil, nil })
	})

	_, err := New("missing", Env{})
	assert.ErrorContains(t, err, "unknown pipeline")
}

func TestR2Samples(t *testing.T) {
	s := R2Samples(16)
	require.Len(t, s, 16)
	assert.Equal(t, [2]float32{0, 0}, s[0])
	seen := map[[2]float32]bool{}
	for _, o := range s {
		assert.GreaterOrEqual(t, o[0], float32(-0.5))
		assert.Less(t, o[0], float32(0.5))
		assert.GreaterOrEqual(t, o[1], float32(-0.5))
		assert.Less(t, o[1], float32(0.5))
		assert.False(t, seen[o])
		seen[o] = true
	}
}

const library = `
#include "common.glsl"
// struct Commented { float x; };
struct Surface
{
    vec3 albedo;
};

/* float hidden(float x) { return x; } */
float luminance(vec3 c) {
    if (c.x > 0.0) {
        return dot(c, vec3(0.2126, 0.7152, 0.0722));
    }
    return 0.0;
}

Surface make_surface(vec3 albedo)
{
    Surface s;
    s.albedo = albedo;
    return s;
}
`

func TestScanLibrary(t *testing.T) {
	structs, functions, includes := ScanLibrary(library)
	assert.Equal(t, []string{"Surface"}, structs)
	assert.Equal(t, []string{"luminance", "make_surface"}, functions)
	assert.Equal(t, []string{"common.glsl"}, includes)
}

func TestReflectFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lib.glsl")
	require.NoError(t, os.WriteFile(path, []byte(library), 0o644))

	r := ReflectFiles([]string{path})
	require.Empty(t, r.Error)
	lib, ok := r.Library(path)
	require.True(t, ok)
	assert.Equal(t, []string{"Surface"}, lib.Structs)

	r = ReflectFiles([]string{path, filepath.Join(dir, "missing.glsl")})
	assert.NotEmpty(t, r.Error)
}
