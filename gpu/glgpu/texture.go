package glgpu

import (
	"fmt"

	gl "github.com/go-gl/gl/v4.1-core/gl"
	"github.com/richinsley/gorenderbridge/gpu"
)

// Texture is a GL 2D texture. A framebuffer is attached on first use as a
// render target or readback source.
type Texture struct {
	ID     uint32
	fbo    uint32
	res    gpu.Resolution
	format gpu.Format
}

func (t *Texture) Resolution() gpu.Resolution { return t.res }
func (t *Texture) Format() gpu.Format         { return t.format }

func (t *Texture) Release() {
	if t.fbo != 0 {
		gl.DeleteFramebuffers(1, &t.fbo)
		t.fbo = 0
	}
	if t.ID != 0 {
		gl.DeleteTextures(1, &t.ID)
		t.ID = 0
	}
}

// Framebuffer returns the FBO with the texture at COLOR_ATTACHMENT0.
func (t *Texture) Framebuffer() (uint32, error) {
	if t.fbo != 0 {
		return t.fbo, nil
	}
	gl.GenFramebuffers(1, &t.fbo)
	gl.BindFramebuffer(gl.FRAMEBUFFER, t.fbo)
	gl.FramebufferTexture2D(gl.FRAMEBUFFER, gl.COLOR_ATTACHMENT0, gl.TEXTURE_2D, t.ID, 0)
	status := gl.CheckFramebufferStatus(gl.FRAMEBUFFER)
	gl.BindFramebuffer(gl.FRAMEBUFFER, 0)
	if status != gl.FRAMEBUFFER_COMPLETE {
		gl.DeleteFramebuffers(1, &t.fbo)
		t.fbo = 0
		return 0, fmt.Errorf("framebuffer for %v texture is not complete: %#x", t.format, status)
	}
	return t.fbo, nil
}

// glFormat returns internal format, pixel format and pixel type.
func glFormat(f gpu.Format) (int32, uint32, uint32, error) {
	switch f {
	case gpu.FormatRGBA8:
		return gl.RGBA8, gl.RGBA, gl.UNSIGNED_BYTE, nil
	case gpu.FormatRGBA16F:
		return gl.RGBA16F, gl.RGBA, gl.HALF_FLOAT, nil
	case gpu.FormatRGBA32F:
		return gl.RGBA32F, gl.RGBA, gl.FLOAT, nil
	case gpu.FormatR32F:
		return gl.R32F, gl.RED, gl.FLOAT, nil
	}
	return 0, 0, 0, fmt.Errorf("unsupported format %v", f)
}

func (d *Device) NewTarget(res gpu.Resolution, format gpu.Format) (gpu.Texture, error) {
	if !res.Valid() {
		return nil, fmt.Errorf("new target: invalid resolution %v", res)
	}
	internal, pf, pt, err := glFormat(format)
	if err != nil {
		return nil, fmt.Errorf("new target: %w", err)
	}
	t := &Texture{res: res, format: format}
	gl.GenTextures(1, &t.ID)
	gl.BindTexture(gl.TEXTURE_2D, t.ID)
	gl.TexImage2D(gl.TEXTURE_2D, 0, internal, int32(res.Width), int32(res.Height), 0, pf, pt, nil)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MIN_FILTER, gl.LINEAR)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MAG_FILTER, gl.LINEAR)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_WRAP_S, gl.CLAMP_TO_EDGE)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_WRAP_T, gl.CLAMP_TO_EDGE)
	gl.BindTexture(gl.TEXTURE_2D, 0)

	if _, err := t.Framebuffer(); err != nil {
		t.Release()
		return nil, fmt.Errorf("new target: %w", err)
	}
	return t, nil
}

// LoadTexture uploads float texels as a mipmapped, repeating texture. sRGB
// data is stored in an sRGB internal format so sampling linearizes it.
func (d *Device) LoadTexture(desc gpu.TextureDesc, texels []float32) (gpu.Texture, error) {
	res := desc.Resolution
	if !res.Valid() {
		return nil, fmt.Errorf("load texture: invalid resolution %v", res)
	}
	if len(texels) != res.Pixels()*desc.Channels {
		return nil, fmt.Errorf("load texture: %d texels for %v with %d channels", len(texels), res, desc.Channels)
	}

	var internal int32
	var pf uint32
	switch desc.Channels {
	case 1:
		internal, pf = gl.R32F, gl.RED
	case 2:
		internal, pf = gl.RG32F, gl.RG
	case 3:
		internal, pf = gl.RGB32F, gl.RGB
		if desc.SRGB {
			internal = gl.SRGB8
		}
	case 4:
		internal, pf = gl.RGBA32F, gl.RGBA
		if desc.SRGB {
			internal = gl.SRGB8_ALPHA8
		}
	default:
		return nil, fmt.Errorf("load texture: unsupported channel count %d", desc.Channels)
	}
	format := gpu.FormatRGBA32F
	if desc.Channels == 1 {
		format = gpu.FormatR32F
	}

	t := &Texture{res: res, format: format}
	gl.GenTextures(1, &t.ID)
	gl.BindTexture(gl.TEXTURE_2D, t.ID)
	gl.PixelStorei(gl.UNPACK_ALIGNMENT, 1)
	gl.TexImage2D(gl.TEXTURE_2D, 0, internal, int32(res.Width), int32(res.Height), 0, pf, gl.FLOAT, gl.Ptr(texels))
	gl.PixelStorei(gl.UNPACK_ALIGNMENT, 4)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_WRAP_S, gl.REPEAT)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_WRAP_T, gl.REPEAT)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MIN_FILTER, gl.LINEAR_MIPMAP_LINEAR)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MAG_FILTER, gl.LINEAR)
	gl.GenerateMipmap(gl.TEXTURE_2D)
	gl.BindTexture(gl.TEXTURE_2D, 0)
	return t, nil
}

// LoadGradient uploads an RGBA ramp as a width x 1 texture.
func (d *Device) LoadGradient(pixels []float32, nearest bool) (gpu.Texture, error) {
	if len(pixels) == 0 || len(pixels)%4 != 0 {
		return nil, fmt.Errorf("load gradient: %d floats is not a list of RGBA pixels", len(pixels))
	}
	filter := int32(gl.LINEAR)
	if nearest {
		filter = gl.NEAREST
	}
	t := &Texture{res: gpu.Resolution{Width: len(pixels) / 4, Height: 1}, format: gpu.FormatRGBA32F}
	gl.GenTextures(1, &t.ID)
	gl.BindTexture(gl.TEXTURE_2D, t.ID)
	gl.TexImage2D(gl.TEXTURE_2D, 0, gl.RGBA32F, int32(t.res.Width), 1, 0, gl.RGBA, gl.FLOAT, gl.Ptr(pixels))
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_WRAP_S, gl.CLAMP_TO_EDGE)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_WRAP_T, gl.CLAMP_TO_EDGE)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MIN_FILTER, filter)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MAG_FILTER, filter)
	gl.BindTexture(gl.TEXTURE_2D, 0)
	return t, nil
}
