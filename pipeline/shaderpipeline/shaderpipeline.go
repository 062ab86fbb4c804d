// Package shaderpipeline renders fragment-shader materials progressively on
// OpenGL. Every sample draws the material once with a sub-pixel jitter and
// blends it into a float accumulation target with weight 1/(k+1).
package shaderpipeline

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	gl "github.com/go-gl/gl/v4.1-core/gl"
	"github.com/richinsley/gorenderbridge/gpu"
	"github.com/richinsley/gorenderbridge/gpu/glgpu"
	"github.com/richinsley/gorenderbridge/pipeline"
	"github.com/richinsley/gorenderbridge/protocol"
)

// Name is the registry name.
const Name = "shader"

// gradientPrefix selects a gradient instead of a texture in a scene channel.
const gradientPrefix = "gradient:"

func init() {
	pipeline.Register(Name, func(env pipeline.Env) (pipeline.Pipeline, error) {
		dev, ok := env.Device.(*glgpu.Device)
		if !ok {
			return nil, fmt.Errorf("shader pipeline needs the gl device, have %T", env.Device)
		}
		return New(env, dev), nil
	})
}

type material struct {
	path    string
	program uint32
	// builtin uniform locations by source name
	builtins map[string]int32
	// user uniform locations by source name
	uniforms map[string]int32
}

func (m *material) Release() {
	if m.program != 0 {
		gl.DeleteProgram(m.program)
		m.program = 0
	}
}

func (m *material) loc(name string) int32 {
	if l, ok := m.builtins[name]; ok {
		return l
	}
	return -1
}

// Pipeline is the GL shader pipeline.
type Pipeline struct {
	env pipeline.Env
	dev *glgpu.Device

	color *glgpu.Texture
	depth *glgpu.Texture

	total int
	index int
}

// New returns a pipeline drawing with dev.
func New(env pipeline.Env, dev *glgpu.Device) *Pipeline {
	return &Pipeline{env: env, dev: dev}
}

func (p *Pipeline) Parameters() []protocol.Parameter {
	params := []protocol.Parameter{
		{Group: "scene", Name: "samples", Type: "int", Size: 1, Default: []float32{DefaultSamples}},
		{Group: "scene", Name: "final_samples", Type: "int", Size: 1, Default: []float32{DefaultSamples * finalSampleMultiple}},
		{Group: "scene", Name: "time", Type: "float", Size: 1, Default: []float32{0}},
		{Group: "scene", Name: "mouse", Type: "vec4", Size: 4, Default: []float32{0, 0, 0, 0}},
	}
	for i := range 4 {
		params = append(params, protocol.Parameter{Group: "channel", Name: fmt.Sprintf("iChannel%d", i), Type: "sampler2D", Size: 1})
	}
	return params
}

func (p *Pipeline) CompileMaterial(path string, searchPaths []string) (pipeline.Material, protocol.Material) {
	res := protocol.Material{Path: path}
	fail := func(err error) (pipeline.Material, protocol.Material) {
		res.Error = err.Error()
		res.Passes = []protocol.ShaderPass{{Name: "MAIN", Error: res.Error}}
		return nil, res
	}

	src, err := FragmentSource(path, searchPaths)
	if err != nil {
		return fail(err)
	}
	code, names, err := translate(src)
	if err != nil {
		return fail(fmt.Errorf("fragment shader translation failed: %w", err))
	}
	program, err := glgpu.NewProgram(vertexShaderSource, code)
	if err != nil {
		return fail(err)
	}

	m := &material{path: path, program: program, builtins: map[string]int32{}, uniforms: map[string]int32{}}
	pass := protocol.ShaderPass{Name: "MAIN"}
	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)
	for _, name := range sorted {
		loc := glgpu.UniformLocation(program, names[name])
		if builtinUniforms[name] {
			m.builtins[name] = loc
			continue
		}
		m.uniforms[name] = loc
		pass.Uniforms = append(pass.Uniforms, protocol.Parameter{Group: "material", Name: name, Type: "uniform"})
	}
	res.Passes = []protocol.ShaderPass{pass}
	return m, res
}

func (p *Pipeline) ReflectLibraries(paths []string) protocol.Reflection {
	return pipeline.ReflectFiles(paths)
}

func (p *Pipeline) LoadScene(payload []byte) (pipeline.Scene, error) {
	return DecodeScene(payload)
}

func (p *Pipeline) UpdateScene(sc pipeline.Scene, payload []byte) (pipeline.Scene, error) {
	s, ok := sc.(*Scene)
	if !ok {
		return DecodeScene(payload)
	}
	return s.Update(payload)
}

// ensureTargets rebuilds the accumulation and depth targets for res.
func (p *Pipeline) ensureTargets(res gpu.Resolution) error {
	if p.color != nil && p.color.Resolution() == res {
		return nil
	}
	p.releaseTargets()
	color, err := p.dev.NewTarget(res, gpu.FormatRGBA32F)
	if err != nil {
		return err
	}
	depth, err := p.dev.NewTarget(res, gpu.FormatR32F)
	if err != nil {
		color.Release()
		return err
	}
	p.color = color.(*glgpu.Texture)
	p.depth = depth.(*glgpu.Texture)
	return nil
}

func (p *Pipeline) releaseTargets() {
	if p.color != nil {
		p.color.Release()
		p.color = nil
	}
	if p.depth != nil {
		p.depth.Release()
		p.depth = nil
	}
}

func (p *Pipeline) clearDepth() error {
	fbo, err := p.depth.Framebuffer()
	if err != nil {
		return err
	}
	far := [4]float32{1, 0, 0, 0}
	gl.BindFramebuffer(gl.FRAMEBUFFER, fbo)
	gl.ClearBufferfv(gl.COLOR, 0, &far[0])
	gl.BindFramebuffer(gl.FRAMEBUFFER, 0)
	return nil
}

func (p *Pipeline) channelTexture(name string) (*glgpu.Texture, bool) {
	var (
		tex gpu.Texture
		ok  bool
	)
	if g, isGradient := strings.CutPrefix(name, gradientPrefix); isGradient {
		tex, ok = p.env.Resources.Gradient(g)
	} else {
		tex, ok = p.env.Resources.Texture(name)
	}
	if !ok {
		return nil, false
	}
	t, ok := tex.(*glgpu.Texture)
	return t, ok
}

func (p *Pipeline) Render(res gpu.Resolution, sc pipeline.Scene, isFinalRender, isNewFrame bool) (map[string]gpu.Texture, error) {
	s, ok := sc.(*Scene)
	if !ok {
		return nil, fmt.Errorf("render: scene is %T", sc)
	}
	if s.Material == "" {
		return nil, errors.New("render: scene has no material")
	}
	mat, ok := p.env.Resources.Material(s.Material)
	if !ok {
		return nil, fmt.Errorf("render: material %q is not loaded", s.Material)
	}
	m, ok := mat.(*material)
	if !ok {
		return nil, fmt.Errorf("render: material %q is %T", s.Material, mat)
	}

	rebuild := p.color == nil || p.color.Resolution() != res
	if err := p.ensureTargets(res); err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}
	if isNewFrame || rebuild {
		p.index = 0
		p.total = s.SampleCount(isFinalRender)
		if err := p.clearDepth(); err != nil {
			return nil, fmt.Errorf("render: %w", err)
		}
	}
	if p.index >= p.total {
		return p.outputs(), nil
	}

	fbo, err := p.color.Framebuffer()
	if err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}
	jitter := pipeline.R2Samples(p.total)[p.index]

	gl.BindFramebuffer(gl.FRAMEBUFFER, fbo)
	gl.Viewport(0, 0, int32(res.Width), int32(res.Height))
	gl.Disable(gl.DEPTH_TEST)
	gl.Enable(gl.BLEND)
	gl.BlendFunc(gl.CONSTANT_ALPHA, gl.ONE_MINUS_CONSTANT_ALPHA)
	gl.BlendColor(0, 0, 0, 1/float32(p.index+1))

	gl.UseProgram(m.program)
	if l := m.loc("iResolution"); l >= 0 {
		gl.Uniform3f(l, float32(res.Width), float32(res.Height), 1)
	}
	if l := m.loc("iTime"); l >= 0 {
		gl.Uniform1f(l, s.Time)
	}
	if l := m.loc("iFrame"); l >= 0 {
		gl.Uniform1i(l, int32(p.index))
	}
	if l := m.loc("iMouse"); l >= 0 {
		gl.Uniform4f(l, s.Mouse[0], s.Mouse[1], s.Mouse[2], s.Mouse[3])
	}
	if l := m.loc("iJitter"); l >= 0 {
		gl.Uniform2f(l, jitter[0], jitter[1])
	}
	for i, name := range s.Channels {
		l := m.loc(fmt.Sprintf("iChannel%d", i))
		if name == "" || l < 0 {
			continue
		}
		tex, ok := p.channelTexture(name)
		if !ok {
			continue
		}
		gl.ActiveTexture(gl.TEXTURE0 + uint32(i))
		gl.BindTexture(gl.TEXTURE_2D, tex.ID)
		gl.Uniform1i(l, int32(i))
	}
	for name, v := range s.Uniforms {
		l, ok := m.uniforms[name]
		if !ok || l < 0 {
			continue
		}
		setUniform(l, v)
	}

	gl.BindVertexArray(p.dev.QuadVAO())
	gl.DrawArrays(gl.TRIANGLE_STRIP, 0, 4)
	gl.BindVertexArray(0)
	gl.Disable(gl.BLEND)
	gl.BindFramebuffer(gl.FRAMEBUFFER, 0)

	p.index++
	return p.outputs(), nil
}

func setUniform(loc int32, v []float32) {
	switch len(v) {
	case 1:
		gl.Uniform1f(loc, v[0])
	case 2:
		gl.Uniform2f(loc, v[0], v[1])
	case 3:
		gl.Uniform3f(loc, v[0], v[1], v[2])
	case 4:
		gl.Uniform4f(loc, v[0], v[1], v[2], v[3])
	case 16:
		gl.UniformMatrix4fv(loc, 1, false, &v[0])
	}
}

func (p *Pipeline) outputs() map[string]gpu.Texture {
	return map[string]gpu.Texture{
		pipeline.OutputColor: p.color,
		pipeline.OutputDepth: p.depth,
	}
}

func (p *Pipeline) NeedsMoreSamples() bool { return p.index < p.total }

func (p *Pipeline) Samples() [][2]float32 { return pipeline.R2Samples(max(p.total, 1)) }

func (p *Pipeline) Release() {
	p.releaseTargets()
}
