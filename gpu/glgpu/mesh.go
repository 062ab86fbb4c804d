package glgpu

import (
	"fmt"

	gl "github.com/go-gl/gl/v4.1-core/gl"
	"github.com/richinsley/gorenderbridge/gpu"
)

// Attribute locations used by mesh vertex arrays.
const (
	AttribPosition = 0
	AttribNormal   = 1
	AttribTangent  = 2
	AttribUV0      = 3 // UV n is at AttribUV0+n, up to 4 sets
	AttribColor0   = 7 // colour n is at AttribColor0+n, up to 4 sets
	maxUVs         = 4
	maxColors      = 4
)

// vertexBuffers is shared by every submesh of one mesh.
type vertexBuffers struct {
	vbos []uint32
	refs int
}

func (v *vertexBuffers) release() {
	v.refs--
	if v.refs == 0 && len(v.vbos) > 0 {
		gl.DeleteBuffers(int32(len(v.vbos)), &v.vbos[0])
		v.vbos = nil
	}
}

// Mesh is one submesh: a VAO over the shared vertex buffers plus its own
// element buffer.
type Mesh struct {
	vao, ebo uint32
	count    int
	shared   *vertexBuffers
}

func (m *Mesh) IndexCount() int { return m.count }

func (m *Mesh) Draw() {
	gl.BindVertexArray(m.vao)
	gl.DrawElementsWithOffset(gl.TRIANGLES, int32(m.count), gl.UNSIGNED_INT, 0)
	gl.BindVertexArray(0)
}

func (m *Mesh) Release() {
	if m.vao == 0 {
		return
	}
	gl.DeleteBuffers(1, &m.ebo)
	gl.DeleteVertexArrays(1, &m.vao)
	m.vao, m.ebo = 0, 0
	m.shared.release()
}

func uploadFloats(data []float32) uint32 {
	var vbo uint32
	gl.GenBuffers(1, &vbo)
	gl.BindBuffer(gl.ARRAY_BUFFER, vbo)
	gl.BufferData(gl.ARRAY_BUFFER, len(data)*4, gl.Ptr(data), gl.STATIC_DRAW)
	return vbo
}

func uploadBytes(data []uint8) uint32 {
	var vbo uint32
	gl.GenBuffers(1, &vbo)
	gl.BindBuffer(gl.ARRAY_BUFFER, vbo)
	gl.BufferData(gl.ARRAY_BUFFER, len(data), gl.Ptr(data), gl.STATIC_DRAW)
	return vbo
}

func (d *Device) LoadMesh(data *gpu.MeshData) ([]gpu.Mesh, error) {
	if err := data.Validate(); err != nil {
		return nil, fmt.Errorf("load mesh: %w", err)
	}
	if len(data.UVs) > maxUVs || len(data.Colors) > maxColors {
		return nil, fmt.Errorf("load mesh: %d uv and %d colour sets, at most %d and %d supported",
			len(data.UVs), len(data.Colors), maxUVs, maxColors)
	}

	type attrib struct {
		vbo        uint32
		loc        uint32
		size       int32
		xtype      uint32
		normalized bool
	}
	var attribs []attrib
	attribs = append(attribs, attrib{uploadFloats(data.Positions), AttribPosition, 3, gl.FLOAT, false})
	if data.Normals != nil {
		attribs = append(attribs, attrib{uploadFloats(data.Normals), AttribNormal, 3, gl.FLOAT, false})
	}
	if data.Tangents != nil {
		attribs = append(attribs, attrib{uploadFloats(data.Tangents), AttribTangent, 4, gl.FLOAT, false})
	}
	for i, uv := range data.UVs {
		attribs = append(attribs, attrib{uploadFloats(uv), AttribUV0 + uint32(i), 2, gl.FLOAT, false})
	}
	for i, c := range data.Colors {
		attribs = append(attribs, attrib{uploadBytes(c), AttribColor0 + uint32(i), 4, gl.UNSIGNED_BYTE, true})
	}
	gl.BindBuffer(gl.ARRAY_BUFFER, 0)

	shared := &vertexBuffers{}
	for _, a := range attribs {
		shared.vbos = append(shared.vbos, a.vbo)
	}

	meshes := make([]gpu.Mesh, 0, len(data.Indices))
	for _, indices := range data.Indices {
		m := &Mesh{count: len(indices), shared: shared}
		gl.GenVertexArrays(1, &m.vao)
		gl.BindVertexArray(m.vao)
		for _, a := range attribs {
			gl.BindBuffer(gl.ARRAY_BUFFER, a.vbo)
			gl.EnableVertexAttribArray(a.loc)
			gl.VertexAttribPointerWithOffset(a.loc, a.size, a.xtype, a.normalized, 0, 0)
		}
		gl.GenBuffers(1, &m.ebo)
		gl.BindBuffer(gl.ELEMENT_ARRAY_BUFFER, m.ebo)
		if len(indices) > 0 {
			gl.BufferData(gl.ELEMENT_ARRAY_BUFFER, len(indices)*4, gl.Ptr(indices), gl.STATIC_DRAW)
		}
		gl.BindVertexArray(0)
		gl.BindBuffer(gl.ARRAY_BUFFER, 0)
		shared.refs++
		meshes = append(meshes, m)
	}
	if shared.refs == 0 {
		shared.refs = 1
		shared.release()
	}
	return meshes, nil
}
