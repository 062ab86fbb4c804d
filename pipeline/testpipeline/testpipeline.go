// Package testpipeline is a deterministic progressive pipeline. Sample k of
// n renders the final image scaled by (k+1)/n, so the converged output is
// known in advance and can be compared byte for byte.
package testpipeline

import (
	"bytes"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"strings"

	"github.com/richinsley/gorenderbridge/gpu"
	"github.com/richinsley/gorenderbridge/pipeline"
	"github.com/richinsley/gorenderbridge/protocol"
)

// Name is the registry name.
const Name = "test"

// DefaultSamples is the sample count of registered instances.
const DefaultSamples = 4

// FailPrefix makes Render fail for scenes starting with it.
var FailPrefix = []byte("!fail")

// RejectPrefix makes LoadScene and UpdateScene fail for payloads starting
// with it.
var RejectPrefix = []byte("!reject")

func init() {
	pipeline.Register(Name, func(env pipeline.Env) (pipeline.Pipeline, error) {
		return New(env, DefaultSamples), nil
	})
}

type scene struct {
	payload []byte
	seed    uint32
}

type material struct{ path string }

func (*material) Release() {}

// Pipeline is the deterministic pipeline.
type Pipeline struct {
	env      pipeline.Env
	samples  int
	index    int
	outputs  map[string]gpu.Texture
	renders  int
	released bool
}

// New returns a pipeline converging after samples renders.
func New(env pipeline.Env, samples int) *Pipeline {
	return &Pipeline{env: env, samples: max(samples, 1)}
}

// Renders returns how many samples have been drawn.
func (p *Pipeline) Renders() int { return p.renders }

func (p *Pipeline) Parameters() []protocol.Parameter {
	return []protocol.Parameter{
		{Group: "world", Name: "background", Type: "vec4", Size: 4, Default: []float32{0, 0, 0, 1}},
		{Group: "material", Name: "tint", Type: "vec3", Size: 3, Default: []float32{1, 1, 1}},
		{Group: "light", Name: "intensity", Type: "float", Size: 1, Default: []float32{1}},
	}
}

// CompileMaterial accepts any readable file that contains no "#error" line.
func (p *Pipeline) CompileMaterial(path string, searchPaths []string) (pipeline.Material, protocol.Material) {
	res := protocol.Material{Path: path}
	src, err := os.ReadFile(path)
	if err != nil {
		res.Error = err.Error()
		return nil, res
	}
	for i, line := range strings.Split(string(src), "\n") {
		if msg, ok := strings.CutPrefix(strings.TrimSpace(line), "#error"); ok {
			res.Error = fmt.Sprintf("%s:%d: %s", path, i+1, strings.TrimSpace(msg))
			res.Passes = []protocol.ShaderPass{{Name: "MAIN", Error: res.Error}}
			return nil, res
		}
	}
	_, functions, _ := pipeline.ScanLibrary(string(src))
	pass := protocol.ShaderPass{Name: "MAIN"}
	for _, f := range functions {
		pass.Uniforms = append(pass.Uniforms, protocol.Parameter{Group: "material", Name: f, Type: "function"})
	}
	res.Passes = []protocol.ShaderPass{pass}
	return &material{path: path}, res
}

func (p *Pipeline) ReflectLibraries(paths []string) protocol.Reflection {
	return pipeline.ReflectFiles(paths)
}

func (p *Pipeline) LoadScene(payload []byte) (pipeline.Scene, error) {
	if bytes.HasPrefix(payload, RejectPrefix) {
		return nil, errors.New("scene: payload rejected")
	}
	return newScene(payload), nil
}

func (p *Pipeline) UpdateScene(_ pipeline.Scene, payload []byte) (pipeline.Scene, error) {
	return p.LoadScene(payload)
}

func newScene(payload []byte) *scene {
	return &scene{payload: bytes.Clone(payload), seed: seed(payload)}
}

func seed(payload []byte) uint32 {
	h := fnv.New32a()
	h.Write(payload)
	return h.Sum32()
}

func (p *Pipeline) Render(res gpu.Resolution, sc pipeline.Scene, isFinalRender, isNewFrame bool) (map[string]gpu.Texture, error) {
	s, ok := sc.(*scene)
	if !ok {
		return nil, fmt.Errorf("render: scene is %T", sc)
	}
	if bytes.HasPrefix(s.payload, FailPrefix) {
		return nil, errors.New("render: scene requested failure")
	}
	if !res.Valid() {
		return nil, fmt.Errorf("render: invalid resolution %v", res)
	}
	if isNewFrame {
		p.index = 0
	}
	if p.index >= p.samples {
		p.index = p.samples - 1
	}

	weight := float32(p.index+1) / float32(p.samples)
	color := Image(s.payload, res)
	for i := range color {
		if i%4 != 3 {
			color[i] *= weight
		}
	}
	colorTex, err := p.env.Device.LoadTexture(gpu.TextureDesc{Resolution: res, Channels: 4}, color)
	if err != nil {
		return nil, err
	}
	depthTex, err := p.env.Device.LoadTexture(gpu.TextureDesc{Resolution: res, Channels: 1}, Depth(res))
	if err != nil {
		colorTex.Release()
		return nil, err
	}

	p.releaseOutputs()
	p.outputs = map[string]gpu.Texture{
		pipeline.OutputColor: colorTex,
		pipeline.OutputDepth: depthTex,
	}
	p.index++
	p.renders++
	return p.outputs, nil
}

func (p *Pipeline) NeedsMoreSamples() bool { return p.index < p.samples }

func (p *Pipeline) Samples() [][2]float32 { return pipeline.R2Samples(p.samples) }

func (p *Pipeline) releaseOutputs() {
	for _, t := range p.outputs {
		t.Release()
	}
	p.outputs = nil
}

func (p *Pipeline) Release() {
	p.releaseOutputs()
	p.released = true
}

// Image returns the converged RGBA float image for a scene payload.
func Image(payload []byte, res gpu.Resolution) []float32 {
	sd := seed(payload)
	pix := make([]float32, res.Pixels()*4)
	for y := range res.Height {
		for x := range res.Width {
			i := (y*res.Width + x) * 4
			for c := range 3 {
				v := (sd>>(8*c) + uint32(x*3+y*7+c*11)) % 256
				pix[i+c] = float32(v) / 255
			}
			pix[i+3] = 1
		}
	}
	return pix
}

// Depth returns the depth output, which is the same for every sample.
func Depth(res gpu.Resolution) []float32 {
	d := make([]float32, res.Pixels())
	for i := range d {
		d[i] = float32(i) / float32(max(len(d), 1))
	}
	return d
}

// Expected returns the converged colour output encoded as format.
func Expected(payload []byte, res gpu.Resolution, format gpu.Format) []byte {
	out := make([]byte, format.FrameSize(res))
	if err := gpu.EncodePixels(out, Image(payload, res), format); err != nil {
		panic(err)
	}
	return out
}

// ExpectedDepth returns the depth output encoded as R32F.
func ExpectedDepth(res gpu.Resolution) []byte {
	d := Depth(res)
	rgba := make([]float32, len(d)*4)
	for i, v := range d {
		rgba[i*4] = v
	}
	out := make([]byte, gpu.FormatR32F.FrameSize(res))
	if err := gpu.EncodePixels(out, rgba, gpu.FormatR32F); err != nil {
		panic(err)
	}
	return out
}
