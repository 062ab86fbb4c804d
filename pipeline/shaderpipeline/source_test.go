package shaderpipeline

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestFragmentSourceExpandsIncludes(t *testing.T) {
	dir := t.TempDir()
	lib := filepath.Join(dir, "lib")
	write(t, filepath.Join(lib, "noise.glsl"), "float noise(vec2 p) { return 0.5; }\n#include \"common.glsl\"\n")
	write(t, filepath.Join(lib, "common.glsl"), "#define PI 3.14159\n")
	write(t, filepath.Join(dir, "mat.glsl"), strings.Join([]string{
		`#include "noise.glsl"`,
		`#include "common.glsl"`,
		`void mainImage(out vec4 c, in vec2 p) { c = vec4(noise(p)); }`,
	}, "\n"))

	src, err := FragmentSource(filepath.Join(dir, "mat.glsl"), []string{lib})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(src, "#version 300 es"))
	assert.Contains(t, src, "float noise(vec2 p)")
	assert.Equal(t, 1, strings.Count(src, "#define PI"), "each file is included once")
	assert.Contains(t, src, "mainImage(fragColor, gl_FragCoord.xy + iJitter)")
	assert.NotContains(t, src, "#include")
}

func TestFragmentSourceMissingInclude(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, "mat.glsl"), "\n#include \"nowhere.glsl\"\n")
	_, err := FragmentSource(filepath.Join(dir, "mat.glsl"), nil)
	assert.ErrorContains(t, err, "mat.glsl:2")
	assert.ErrorContains(t, err, "nowhere.glsl")
}

func TestFragmentSourceMissingFile(t *testing.T) {
	_, err := FragmentSource(filepath.Join(t.TempDir(), "absent.glsl"), nil)
	assert.Error(t, err)
}
