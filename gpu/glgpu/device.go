// Package glgpu implements gpu.Device on OpenGL 4.1 core. Every call must run
// on the thread that owns the current GL context.
package glgpu

import (
	"fmt"
	"sync"

	gl "github.com/go-gl/gl/v4.1-core/gl"
	"github.com/richinsley/gorenderbridge/gpu"
)

var (
	glInitOnce sync.Once
	glInitErr  error
)

// Device is the GL-backed gpu.Device.
type Device struct {
	quadVAO uint32
	quadVBO uint32
}

// New loads the GL entry points for the current context.
func New() (*Device, error) {
	glInitOnce.Do(func() {
		glInitErr = gl.Init()
	})
	if glInitErr != nil {
		return nil, fmt.Errorf("failed to initialize OpenGL: %w", glInitErr)
	}
	return &Device{}, nil
}

// Version returns the GL_VERSION string of the current context.
func (d *Device) Version() string {
	return gl.GoStr(gl.GetString(gl.VERSION))
}

var quadVertices = []float32{
	-1.0, -1.0,
	1.0, -1.0,
	-1.0, 1.0,
	1.0, 1.0,
}

// QuadVAO returns a lazily created full-screen triangle strip with the
// position at attribute 0.
func (d *Device) QuadVAO() uint32 {
	if d.quadVAO != 0 {
		return d.quadVAO
	}
	gl.GenVertexArrays(1, &d.quadVAO)
	gl.BindVertexArray(d.quadVAO)
	gl.GenBuffers(1, &d.quadVBO)
	gl.BindBuffer(gl.ARRAY_BUFFER, d.quadVBO)
	gl.BufferData(gl.ARRAY_BUFFER, len(quadVertices)*4, gl.Ptr(quadVertices), gl.STATIC_DRAW)
	gl.EnableVertexAttribArray(0)
	gl.VertexAttribPointerWithOffset(0, 2, gl.FLOAT, false, 2*4, 0)
	gl.BindBuffer(gl.ARRAY_BUFFER, 0)
	gl.BindVertexArray(0)
	return d.quadVAO
}

// Release deletes device-owned objects.
func (d *Device) Release() {
	if d.quadVBO != 0 {
		gl.DeleteBuffers(1, &d.quadVBO)
		d.quadVBO = 0
	}
	if d.quadVAO != 0 {
		gl.DeleteVertexArrays(1, &d.quadVAO)
		d.quadVAO = 0
	}
}

func (d *Device) NewPixelBuffer() gpu.PixelBuffer {
	return &pixelBuffer{}
}

var _ gpu.Device = (*Device)(nil)
