// Package pipeline defines what the worker expects of a renderer and keeps a
// registry of renderer factories by name.
package pipeline

import (
	"fmt"
	"sort"
	"sync"

	"github.com/richinsley/gorenderbridge/gpu"
	"github.com/richinsley/gorenderbridge/protocol"
)

// Output names every pipeline understands.
const (
	OutputColor = "COLOR"
	OutputDepth = "DEPTH"
)

// Scene is a pipeline's decoded scene. Its shape is private to the pipeline
// that produced it.
type Scene any

// Material is a compiled material kept by the worker between renders.
type Material interface {
	Release()
}

// Resources looks up what the host has uploaded. Lookups happen at render
// time so a scene may name resources that arrive later.
type Resources interface {
	Mesh(name string) ([]gpu.Mesh, bool)
	Texture(name string) (gpu.Texture, bool)
	Gradient(name string) (gpu.Texture, bool)
	Material(path string) (Material, bool)
}

// Env is what a factory receives.
type Env struct {
	Device    gpu.Device
	Resources Resources
}

// Pipeline renders a scene progressively, one sample per Render call.
type Pipeline interface {
	// Parameters lists the inputs the pipeline exposes to the host.
	Parameters() []protocol.Parameter
	// CompileMaterial compiles the material at path. Failures are reported
	// in the result; the Material is nil then.
	CompileMaterial(path string, searchPaths []string) (Material, protocol.Material)
	// ReflectLibraries lists the declarations of shader libraries.
	ReflectLibraries(paths []string) protocol.Reflection
	// LoadScene decodes a full scene.
	LoadScene(payload []byte) (Scene, error)
	// UpdateScene applies a lightweight update (camera, time) to scene.
	UpdateScene(scene Scene, payload []byte) (Scene, error)
	// Render draws one sample. isNewFrame restarts accumulation.
	Render(res gpu.Resolution, scene Scene, isFinalRender, isNewFrame bool) (map[string]gpu.Texture, error)
	// NeedsMoreSamples reports whether accumulation has not converged.
	NeedsMoreSamples() bool
	// Samples returns the sub-pixel offsets of the sampling pattern.
	Samples() [][2]float32
	Release()
}

// Factory creates a pipeline instance.
type Factory func(Env) (Pipeline, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes a factory available by name. It panics on duplicates.
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	if _, dup := factories[name]; dup {
		panic(fmt.Sprintf("pipeline: %q registered twice", name))
	}
	factories[name] = f
}

// Lookup returns the factory registered under name.
func Lookup(name string) (Factory, bool) {
	mu.RLock()
	defer mu.RUnlock()
	f, ok := factories[name]
	return f, ok
}

// Names lists the registered pipelines.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// New creates a pipeline by name.
func New(name string, env Env) (Pipeline, error) {
	f, ok := Lookup(name)
	if !ok {
		return nil, fmt.Errorf("unknown pipeline %q (have %v)", name, Names())
	}
	return f(env)
}
