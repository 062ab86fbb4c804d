package server

import (
	"github.com/richinsley/gorenderbridge/gpu"
	"github.com/richinsley/gorenderbridge/pipeline"
)

// resources holds what the host uploaded, by name. Replacing an entry
// releases the old one. Only the worker loop touches it.
type resources struct {
	meshes    map[string][]gpu.Mesh
	textures  map[string]gpu.Texture
	gradients map[string]gpu.Texture
	materials map[string]pipeline.Material
}

func newResources() *resources {
	return &resources{
		meshes:    make(map[string][]gpu.Mesh),
		textures:  make(map[string]gpu.Texture),
		gradients: make(map[string]gpu.Texture),
		materials: make(map[string]pipeline.Material),
	}
}

func (r *resources) Mesh(name string) ([]gpu.Mesh, bool) {
	m, ok := r.meshes[name]
	return m, ok
}

func (r *resources) Texture(name string) (gpu.Texture, bool) {
	t, ok := r.textures[name]
	return t, ok
}

func (r *resources) Gradient(name string) (gpu.Texture, bool) {
	t, ok := r.gradients[name]
	return t, ok
}

func (r *resources) Material(path string) (pipeline.Material, bool) {
	m, ok := r.materials[path]
	return m, ok
}

// setMesh stores meshes under name and reports whether it replaced one.
func (r *resources) setMesh(name string, meshes []gpu.Mesh) bool {
	old, ok := r.meshes[name]
	for _, m := range old {
		m.Release()
	}
	r.meshes[name] = meshes
	return ok
}

func (r *resources) setTexture(name string, t gpu.Texture) bool {
	old, ok := r.textures[name]
	if ok {
		old.Release()
	}
	r.textures[name] = t
	return ok
}

func (r *resources) setGradient(name string, t gpu.Texture) bool {
	old, ok := r.gradients[name]
	if ok {
		old.Release()
	}
	r.gradients[name] = t
	return ok
}

func (r *resources) setMaterial(path string, m pipeline.Material) bool {
	old, ok := r.materials[path]
	if ok {
		old.Release()
	}
	r.materials[path] = m
	return ok
}

func (r *resources) release() {
	for name, ms := range r.meshes {
		for _, m := range ms {
			m.Release()
		}
		delete(r.meshes, name)
	}
	for name, t := range r.textures {
		t.Release()
		delete(r.textures, name)
	}
	for name, t := range r.gradients {
		t.Release()
		delete(r.gradients, name)
	}
	for path, m := range r.materials {
		m.Release()
		delete(r.materials, path)
	}
}

var _ pipeline.Resources = (*resources)(nil)
