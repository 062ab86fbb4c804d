package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unsafe"

	"github.com/richinsley/gorenderbridge/gpu"
	"github.com/richinsley/gorenderbridge/protocol"
	"github.com/richinsley/gorenderbridge/sharedmemory"
)

// bufferName keeps segment names portable.
func bufferName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		}
		return '_'
	}, s)
}

func upload[T sharedmemory.Element](b *Bridge, name string, data []T) (protocol.BufferRef, error) {
	if data == nil {
		return protocol.BufferRef{}, nil
	}
	v, err := sharedmemory.Acquire[T](b.reg, name, len(data))
	if err != nil {
		return protocol.BufferRef{}, err
	}
	copy(v.Data, data)
	var zero T
	return protocol.BufferRef{Segment: v.FullName(), Size: uint64(len(data)) * uint64(unsafe.Sizeof(zero))}, nil
}

// LoadMesh copies the mesh into shared memory and hands it to the worker.
// Loading a mesh under an existing name replaces it; the caller must not
// reload a name while an earlier load of it may still be in flight.
func (b *Bridge) LoadMesh(name string, data *gpu.MeshData) error {
	if err := b.check(); err != nil {
		return err
	}
	if err := data.Validate(); err != nil {
		return fmt.Errorf("mesh %s: %w", name, err)
	}
	prefix := "MESH_" + bufferName(name) + "_"
	seg := func(attr string) string { return prefix + attr + "_" + b.id }

	m := &protocol.LoadMesh{Name: name, VertexCount: uint32(data.VertexCount())}
	var err error
	if m.Positions, err = upload(b, seg("POSITIONS"), data.Positions); err != nil {
		return err
	}
	if m.Normals, err = upload(b, seg("NORMALS"), data.Normals); err != nil {
		return err
	}
	if m.Tangents, err = upload(b, seg("TANGENTS"), data.Tangents); err != nil {
		return err
	}
	for i, uv := range data.UVs {
		ref, err := upload(b, seg(fmt.Sprintf("UV%d", i)), uv)
		if err != nil {
			return err
		}
		m.UVs = append(m.UVs, ref)
	}
	for i, c := range data.Colors {
		ref, err := upload(b, seg(fmt.Sprintf("COLOR%d", i)), c)
		if err != nil {
			return err
		}
		m.Colors = append(m.Colors, ref)
	}
	for i, idx := range data.Indices {
		ref, err := upload(b, seg(fmt.Sprintf("INDICES%d", i)), idx)
		if err != nil {
			return err
		}
		m.Indices = append(m.Indices, ref)
		m.IndexCounts = append(m.IndexCounts, uint32(len(idx)))
	}
	return b.send(protocol.ChannelMesh, m)
}

func (b *Bridge) stagingName() string { return "TEXTURE_STAGING_" + b.id }

// waitAcks receives texture acks until every announced upload is
// acknowledged. textureMu must be held.
func (b *Bridge) waitAcks(ctx context.Context) error {
	for b.textureAck < b.textureSeq {
		m, err := b.recv(ctx, protocol.ChannelTexture)
		if err != nil {
			return err
		}
		ack, ok := m.(*protocol.TextureAck)
		if !ok {
			return fmt.Errorf("texture: unexpected %s message", m.Kind())
		}
		b.textureAck = ack.Seq
		if ack.Error != "" {
			b.log.Warn("texture upload failed", "texture", ack.Name, "err", ack.Error)
			b.textureErrs = append(b.textureErrs, fmt.Errorf("texture %s: %s", ack.Name, ack.Error))
		}
	}
	return nil
}

// TextureBuffer waits until the worker has consumed every announced upload
// and returns room for count float texels in the staging buffer. Fill it,
// then call LoadTexture.
func (b *Bridge) TextureBuffer(ctx context.Context, count int) ([]float32, error) {
	b.textureMu.Lock()
	defer b.textureMu.Unlock()
	if err := b.waitAcks(ctx); err != nil {
		return nil, err
	}
	v, err := sharedmemory.Acquire[uint8](b.reg, b.stagingName(), protocol.StagingHeaderSize+count*4)
	if err != nil {
		return nil, err
	}
	return sharedmemory.Slice[float32](v.Data[protocol.StagingHeaderSize:], count), nil
}

// LoadTexture announces the texels written into the staging buffer as the
// named texture. It does not wait for the worker.
func (b *Bridge) LoadTexture(name string, width, height, channels int, srgb bool) error {
	b.textureMu.Lock()
	defer b.textureMu.Unlock()
	if err := b.check(); err != nil {
		return err
	}
	staging, ok := b.reg.Lookup(b.stagingName())
	if !ok {
		return errors.New("texture: no staging buffer, call TextureBuffer first")
	}
	size := protocol.StagingHeaderSize + width*height*channels*4
	if size > staging.Size() {
		return fmt.Errorf("texture %s: %dx%dx%d texels do not fit the staging buffer", name, width, height, channels)
	}
	seq := b.textureSeq + 1
	protocol.StoreStagingSeq(staging.Bytes(), seq)
	err := b.send(protocol.ChannelTexture, &protocol.LoadTexture{
		Name:     name,
		Buffer:   protocol.BufferRef{Segment: staging.FullName(), Size: uint64(size)},
		Width:    uint32(width),
		Height:   uint32(height),
		Channels: uint32(channels),
		SRGB:     srgb,
		Seq:      seq,
	})
	if err != nil {
		return err
	}
	b.textureSeq = seq
	return nil
}

// WaitTextures waits for every announced upload and returns the failures
// reported since the last call.
func (b *Bridge) WaitTextures(ctx context.Context) error {
	b.textureMu.Lock()
	defer b.textureMu.Unlock()
	if err := b.waitAcks(ctx); err != nil {
		return err
	}
	errs := b.textureErrs
	b.textureErrs = nil
	return errors.Join(errs...)
}

// LoadGradient sends an RGBA float ramp inline.
func (b *Bridge) LoadGradient(name string, pixels []float32, nearest bool) error {
	if len(pixels)%4 != 0 {
		return fmt.Errorf("gradient %s: %d floats is not RGBA", name, len(pixels))
	}
	return b.send(protocol.ChannelGradient, &protocol.LoadGradient{Name: name, Pixels: pixels, Nearest: nearest})
}
