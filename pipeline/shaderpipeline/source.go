package shaderpipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const vertexShaderSource = `#version 410 core
layout (location = 0) in vec2 in_vert;
out vec2 frag_uv;
void main() {
    frag_uv = in_vert * 0.5 + 0.5;
    gl_Position = vec4(in_vert, 0.0, 1.0);
}
`

const preamble = `#version 300 es
precision highp float;
precision highp int;

uniform vec3  iResolution;
uniform float iTime;
uniform int   iFrame;
uniform vec4  iMouse;
uniform vec2  iJitter;
uniform sampler2D iChannel0;
uniform sampler2D iChannel1;
uniform sampler2D iChannel2;
uniform sampler2D iChannel3;

out vec4 fragColor;

`

const mainWrapper = `
void main(void)
{
    mainImage(fragColor, gl_FragCoord.xy + iJitter);
}
`

// builtinUniforms are set by the pipeline itself on every sample.
var builtinUniforms = map[string]bool{
	"iResolution": true,
	"iTime":       true,
	"iFrame":      true,
	"iMouse":      true,
	"iJitter":     true,
	"iChannel0":   true,
	"iChannel1":   true,
	"iChannel2":   true,
	"iChannel3":   true,
}

const maxIncludeDepth = 16

var includeLine = regexp.MustCompile(`^\s*#include\s+["<]([^">]+)[">]\s*$`)

// FragmentSource returns the WebGL2 fragment shader for the material at path
// with its includes expanded.
func FragmentSource(path string, searchPaths []string) (string, error) {
	var b strings.Builder
	b.WriteString(preamble)
	if err := expand(&b, path, searchPaths, map[string]bool{}, 0); err != nil {
		return "", err
	}
	b.WriteString(mainWrapper)
	return b.String(), nil
}

func expand(b *strings.Builder, path string, searchPaths []string, seen map[string]bool, depth int) error {
	if depth > maxIncludeDepth {
		return fmt.Errorf("%s: includes nested deeper than %d", path, maxIncludeDepth)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if seen[abs] {
		return nil
	}
	seen[abs] = true

	src, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	for i, line := range strings.Split(string(src), "\n") {
		m := includeLine.FindStringSubmatch(line)
		if m == nil {
			b.WriteString(line)
			b.WriteByte('\n')
			continue
		}
		inc, err := findInclude(m[1], filepath.Dir(path), searchPaths)
		if err != nil {
			return fmt.Errorf("%s:%d: %w", path, i+1, err)
		}
		if err := expand(b, inc, searchPaths, seen, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// findInclude looks next to the including file first, then in searchPaths.
func findInclude(name, dir string, searchPaths []string) (string, error) {
	if filepath.IsAbs(name) {
		if _, err := os.Stat(name); err != nil {
			return "", err
		}
		return name, nil
	}
	for _, d := range append([]string{dir}, searchPaths...) {
		p := filepath.Join(d, name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("include %q not found", name)
}
