package server

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/richinsley/gorenderbridge/capture"
	"github.com/richinsley/gorenderbridge/gpu"
	"github.com/richinsley/gorenderbridge/gpu/softgpu"
	"github.com/richinsley/gorenderbridge/graphics"
	"github.com/richinsley/gorenderbridge/pipeline"
	"github.com/richinsley/gorenderbridge/pipeline/testpipeline"
	"github.com/richinsley/gorenderbridge/protocol"
	"github.com/richinsley/gorenderbridge/sharedmemory"
	"github.com/richinsley/gorenderbridge/status"
	"github.com/richinsley/gorenderbridge/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingCapturer struct {
	mu     sync.Mutex
	frames []capture.Frame
}

func (c *recordingCapturer) Capture(f capture.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	return nil
}

func (c *recordingCapturer) Close() error { return nil }

type harness struct {
	id       string
	host     transport.Set
	srv      *Server
	gfx      *graphics.Null
	dev      *softgpu.Device
	table    *status.Table
	reg      *sharedmemory.Registry
	logs     *bytes.Buffer
	captured *recordingCapturer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		id:       fmt.Sprintf("srv%d_%d", os.Getpid(), time.Now().UnixNano()),
		gfx:      &graphics.Null{},
		dev:      softgpu.New(),
		reg:      sharedmemory.NewRegistry(),
		logs:     &bytes.Buffer{},
		captured: &recordingCapturer{},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hub, err := transport.Listen(h.id, protocol.Channels, nil)
	require.NoError(t, err)
	var worker transport.Set
	done := make(chan error, 1)
	go func() {
		var err error
		worker, err = transport.DialAll(ctx, h.id, hub.Addresses(), nil)
		done <- err
	}()
	h.host, err = hub.Accept(ctx)
	require.NoError(t, err)
	require.NoError(t, <-done)

	h.table, err = status.Create("STATUS_"+h.id, 8)
	require.NoError(t, err)

	h.srv, err = New(Config{
		Pipeline:      testpipeline.Name,
		Device:        h.dev,
		Context:       h.gfx,
		Status:        h.table,
		Conns:         worker,
		Capturer:      h.captured,
		Logger:        slog.New(slog.NewTextHandler(h.logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
		StatsInterval: time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		h.srv.Close()
		h.host.Close()
		h.table.Close()
		h.reg.Close()
	})
	return h
}

func (h *harness) tickUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		_, err := h.srv.Tick()
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}
}

// recv ticks until the host receives a message on ch.
func (h *harness) recv(t *testing.T, ch protocol.Channel) protocol.Message {
	t.Helper()
	var m protocol.Message
	h.tickUntil(t, "reply on "+string(ch), func() bool {
		var ok bool
		var err error
		m, ok, err = h.host[ch].TryRecv()
		require.NoError(t, err)
		return ok
	})
	return m
}

func (h *harness) colorBuffer(t *testing.T, id int, res gpu.Resolution, format gpu.Format) (protocol.BufferRef, []byte) {
	t.Helper()
	size := format.FrameSize(res)
	v, err := sharedmemory.Acquire[uint8](h.reg, fmt.Sprintf("RENDER_BUFFER_%d_COLOR_%s", id, h.id), size)
	require.NoError(t, err)
	return protocol.BufferRef{Segment: v.FullName(), Size: uint64(size)}, v.Data
}

func (h *harness) render(t *testing.T, id int, res gpu.Resolution, scene string, seq uint64, ref protocol.BufferRef) {
	t.Helper()
	require.NoError(t, h.table.ClearFinished(id))
	require.NoError(t, h.host[protocol.ChannelRender].Send(&protocol.Render{
		ViewportID:  uint32(id),
		Width:       uint32(res.Width),
		Height:      uint32(res.Height),
		Scene:       []byte(scene),
		SceneUpdate: true,
		BitDepth:    8,
		Seq:         seq,
		Buffers:     []protocol.AOVBuffer{{Name: pipeline.OutputColor, Buffer: ref}},
	}))
}

func (h *harness) finished(t *testing.T, id int, seq uint64) func() bool {
	return func() bool {
		e, err := h.table.Read(id)
		require.NoError(t, err)
		return e.Finished && e.RequestSeq == seq
	}
}

func TestNewAnnouncesParameters(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m, err := h.host[protocol.ChannelParams].Recv(ctx)
	require.NoError(t, err)
	params, ok := m.(*protocol.Parameters)
	require.True(t, ok)
	assert.Equal(t, testpipeline.Name, params.Pipeline)
	assert.NotEmpty(t, params.Group("material"))
}

func TestNewRequiresEveryChannel(t *testing.T) {
	_, err := New(Config{Pipeline: testpipeline.Name, Conns: transport.Set{}})
	assert.ErrorContains(t, err, "not connected")
}

func TestRenderConverges(t *testing.T) {
	h := newHarness(t)
	res := gpu.Resolution{Width: 8, Height: 8}
	ref, buf := h.colorBuffer(t, 1, res, gpu.FormatRGBA8)
	h.render(t, 1, res, "scene A", 1, ref)

	h.tickUntil(t, "viewport 1 to finish", h.finished(t, 1, 1))
	e, err := h.table.Read(1)
	require.NoError(t, err)
	assert.Equal(t, 8, e.Width)
	assert.Equal(t, 8, e.Height)
	assert.Equal(t, testpipeline.Expected([]byte("scene A"), res, gpu.FormatRGBA8), buf[:gpu.FormatRGBA8.FrameSize(res)])

	busy, err := h.srv.Tick()
	require.NoError(t, err)
	assert.False(t, busy)
	assert.Equal(t, 1, h.gfx.Interval(), "vsync while idle")
	assert.Contains(t, h.table.Stats(), "viewport 1: 8x8, 4 samples")
}

func TestRendersAreCoalescedPerViewport(t *testing.T) {
	h := newHarness(t)
	res := gpu.Resolution{Width: 4, Height: 4}
	ref, buf := h.colorBuffer(t, 2, res, gpu.FormatRGBA8)
	for seq := uint64(1); seq <= 3; seq++ {
		h.render(t, 2, res, fmt.Sprintf("scene %d", seq), seq, ref)
	}
	h.tickUntil(t, "latest request to finish", h.finished(t, 2, 3))
	assert.Equal(t, testpipeline.Expected([]byte("scene 3"), res, gpu.FormatRGBA8), buf[:gpu.FormatRGBA8.FrameSize(res)])
}

func TestBusyTicksDisableVsync(t *testing.T) {
	h := newHarness(t)
	res := gpu.Resolution{Width: 4, Height: 4}
	ref, _ := h.colorBuffer(t, 1, res, gpu.FormatRGBA8)
	h.render(t, 1, res, "scene A", 1, ref)

	sawBusy := false
	h.tickUntil(t, "a busy tick", func() bool {
		if h.gfx.Interval() == 0 {
			sawBusy = true
		}
		return sawBusy
	})
	assert.Positive(t, h.gfx.Swaps())
	assert.Positive(t, h.gfx.Polls())
}

func TestStaleBufferGenerationIsSkipped(t *testing.T) {
	h := newHarness(t)
	small := gpu.Resolution{Width: 4, Height: 4}
	oldRef, _ := h.colorBuffer(t, 1, small, gpu.FormatRGBA8)
	h.render(t, 1, small, "scene A", 1, oldRef)
	h.tickUntil(t, "first request", h.finished(t, 1, 1))

	big := gpu.Resolution{Width: 16, Height: 16}
	newRef, _ := h.colorBuffer(t, 1, big, gpu.FormatRGBA8)
	require.Equal(t, oldRef.Segment.Generation+1, newRef.Segment.Generation)
	h.render(t, 1, big, "scene A", 2, newRef)
	h.tickUntil(t, "second request", h.finished(t, 1, 2))

	h.render(t, 1, small, "scene A", 3, oldRef)
	for range 20 {
		_, err := h.srv.Tick()
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}
	e, err := h.table.Read(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), e.RequestSeq)
	assert.Equal(t, 16, e.Width)
	assert.Contains(t, h.logs.String(), "stale buffer")
}

func TestRejectedSceneKeepsOldOutputsMapped(t *testing.T) {
	h := newHarness(t)
	small := gpu.Resolution{Width: 4, Height: 4}
	oldRef, _ := h.colorBuffer(t, 1, small, gpu.FormatRGBA8)
	h.render(t, 1, small, "scene A", 1, oldRef)
	h.tickUntil(t, "two samples", func() bool {
		sess, ok := h.srv.Session(1)
		return ok && sess.Samples() >= 2
	})

	big := gpu.Resolution{Width: 16, Height: 16}
	newRef, buf := h.colorBuffer(t, 1, big, gpu.FormatRGBA8)
	h.render(t, 1, big, "!reject this scene", 2, newRef)
	for range 20 {
		_, err := h.srv.Tick()
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}
	assert.Contains(t, h.logs.String(), "payload rejected")
	assert.Equal(t, 1, h.srv.refs.Retired(newRef.Segment.Name))
	sess, ok := h.srv.Session(1)
	require.True(t, ok)
	assert.Equal(t, small, sess.Resolution())

	h.render(t, 1, big, "scene B", 3, newRef)
	h.tickUntil(t, "request after the rejected one", h.finished(t, 1, 3))
	assert.Zero(t, h.srv.refs.Retired(newRef.Segment.Name))
	assert.Equal(t, testpipeline.Expected([]byte("scene B"), big, gpu.FormatRGBA8), buf[:gpu.FormatRGBA8.FrameSize(big)])
}

func TestSlotRangeIsReported(t *testing.T) {
	h := newHarness(t)
	res := gpu.Resolution{Width: 2, Height: 2}
	ref, _ := h.colorBuffer(t, 1, res, gpu.FormatRGBA8)
	require.NoError(t, h.host[protocol.ChannelRender].Send(&protocol.Render{
		ViewportID: 99, Width: 2, Height: 2, BitDepth: 8, Seq: 1,
		Buffers: []protocol.AOVBuffer{{Name: pipeline.OutputColor, Buffer: ref}},
	}))
	h.tickUntil(t, "slot error", func() bool {
		return strings.Contains(h.logs.String(), "out of status table range")
	})
	_, ok := h.srv.Session(99)
	assert.False(t, ok)
}

func TestRenderErrorsAreDeduplicated(t *testing.T) {
	h := newHarness(t)
	res := gpu.Resolution{Width: 2, Height: 2}
	ref, _ := h.colorBuffer(t, 1, res, gpu.FormatRGBA8)
	h.render(t, 1, res, "!fail always", 1, ref)

	h.tickUntil(t, "ten failures", func() bool {
		return strings.Contains(h.logs.String(), "repeated=10")
	})
	assert.Equal(t, 2, strings.Count(h.logs.String(), "scene requested failure"))
}

func TestCompileMaterialReplies(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()
	good := filepath.Join(dir, "good.glsl")
	bad := filepath.Join(dir, "bad.glsl")
	require.NoError(t, os.WriteFile(good, []byte("vec3 shade(vec3 n) {\n  return n;\n}\n"), 0o644))
	require.NoError(t, os.WriteFile(bad, []byte("#error broken on purpose\n"), 0o644))

	conn := h.host[protocol.ChannelMaterial]
	require.NoError(t, conn.Send(&protocol.CompileMaterial{Path: good}))
	require.NoError(t, conn.Send(&protocol.CompileMaterial{Path: bad}))

	m := h.recv(t, protocol.ChannelMaterial).(*protocol.Material)
	assert.Equal(t, good, m.Path)
	assert.Empty(t, m.Error)
	_, ok := h.srv.resources.Material(good)
	assert.True(t, ok)

	m = h.recv(t, protocol.ChannelMaterial).(*protocol.Material)
	assert.Equal(t, bad, m.Path)
	assert.Contains(t, m.Error, "broken on purpose")
	_, ok = h.srv.resources.Material(bad)
	assert.False(t, ok)
}

func TestReflectLibraries(t *testing.T) {
	h := newHarness(t)
	lib := filepath.Join(t.TempDir(), "lib.glsl")
	require.NoError(t, os.WriteFile(lib, []byte("struct Light { vec3 color; };\nfloat lum(vec3 c) { return c.g; }\n"), 0o644))

	require.NoError(t, h.host[protocol.ChannelReflection].Send(&protocol.Reflect{Paths: []string{lib}}))
	r := h.recv(t, protocol.ChannelReflection).(*protocol.Reflection)
	require.Empty(t, r.Error)
	require.Len(t, r.Libraries, 1)
	assert.Equal(t, []string{"Light"}, r.Libraries[0].Structs)
	assert.Equal(t, []string{"lum"}, r.Libraries[0].Functions)
}

func TestTextureHandshake(t *testing.T) {
	h := newHarness(t)
	res := gpu.Resolution{Width: 2, Height: 2}
	texels := []float32{1, 0, 0, 1, 0, 1, 0, 1, 0, 0, 1, 1, 1, 1, 1, 1}
	v, err := sharedmemory.Acquire[uint8](h.reg, "TEXTURE_STAGING_"+h.id, protocol.StagingHeaderSize+len(texels)*4)
	require.NoError(t, err)
	copy(sharedmemory.Slice[float32](v.Data[protocol.StagingHeaderSize:], len(texels)), texels)
	protocol.StoreStagingSeq(v.Data, 1)

	ref := protocol.BufferRef{Segment: v.FullName(), Size: uint64(len(v.Data))}
	conn := h.host[protocol.ChannelTexture]
	require.NoError(t, conn.Send(&protocol.LoadTexture{Name: "checker", Buffer: ref, Width: 2, Height: 2, Channels: 4, Seq: 1}))
	ack := h.recv(t, protocol.ChannelTexture).(*protocol.TextureAck)
	assert.Equal(t, uint64(1), ack.Seq)
	assert.Empty(t, ack.Error)
	tex, ok := h.srv.resources.Texture("checker")
	require.True(t, ok)
	assert.Equal(t, res, tex.Resolution())
	assert.Equal(t, texels, tex.(*softgpu.Texture).Pixels())

	// An announcement the staging header does not carry is refused.
	require.NoError(t, conn.Send(&protocol.LoadTexture{Name: "checker", Buffer: ref, Width: 2, Height: 2, Channels: 4, Seq: 2}))
	ack = h.recv(t, protocol.ChannelTexture).(*protocol.TextureAck)
	assert.Equal(t, uint64(2), ack.Seq)
	assert.Contains(t, ack.Error, "holds upload 1")
}

func TestMeshUpload(t *testing.T) {
	h := newHarness(t)
	pos, err := sharedmemory.Acquire[float32](h.reg, "MESH_tri_POSITIONS_"+h.id, 9)
	require.NoError(t, err)
	copy(pos.Data, []float32{0, 0, 0, 1, 0, 0, 0, 1, 0})
	idx, err := sharedmemory.Acquire[uint32](h.reg, "MESH_tri_INDICES_0_"+h.id, 3)
	require.NoError(t, err)
	copy(idx.Data, []uint32{0, 1, 2})

	require.NoError(t, h.host[protocol.ChannelMesh].Send(&protocol.LoadMesh{
		Name:        "tri",
		Positions:   protocol.BufferRef{Segment: pos.FullName(), Size: 36},
		Indices:     []protocol.BufferRef{{Segment: idx.FullName(), Size: 12}},
		IndexCounts: []uint32{3},
		VertexCount: 3,
	}))
	var meshes []gpu.Mesh
	h.tickUntil(t, "mesh", func() bool {
		var ok bool
		meshes, ok = h.srv.resources.Mesh("tri")
		return ok
	})
	require.Len(t, meshes, 1)
	assert.Equal(t, 3, meshes[0].IndexCount())
}

func TestReplacedResourceRestartsViewports(t *testing.T) {
	h := newHarness(t)
	res := gpu.Resolution{Width: 4, Height: 4}
	ref, _ := h.colorBuffer(t, 1, res, gpu.FormatRGBA8)
	grad := h.host[protocol.ChannelGradient]
	require.NoError(t, grad.Send(&protocol.LoadGradient{Name: "heat", Pixels: []float32{0, 0, 0, 1, 1, 1, 1, 1}}))
	h.render(t, 1, res, "scene A", 1, ref)
	h.tickUntil(t, "first frame", h.finished(t, 1, 1))

	require.NoError(t, grad.Send(&protocol.LoadGradient{Name: "heat", Pixels: []float32{1, 0, 0, 1}}))
	sess, ok := h.srv.Session(1)
	require.True(t, ok)
	h.tickUntil(t, "restart", func() bool { return !sess.Finished() })
	g, ok := h.srv.resources.Gradient("heat")
	require.True(t, ok)
	assert.Equal(t, 1, g.Resolution().Width)

	h.tickUntil(t, "frame after restart", h.finished(t, 1, 1))
}

func TestCaptureOnFinalFrame(t *testing.T) {
	h := newHarness(t)
	res := gpu.Resolution{Width: 4, Height: 2}
	ref, _ := h.colorBuffer(t, 1, res, gpu.FormatRGBA8)
	require.NoError(t, h.host[protocol.ChannelRender].Send(&protocol.Render{
		ViewportID: 1, Width: 4, Height: 2, Scene: []byte("scene A"), SceneUpdate: true,
		Capture: true, BitDepth: 8, Seq: 5,
		Buffers: []protocol.AOVBuffer{{Name: pipeline.OutputColor, Buffer: ref}},
	}))
	h.tickUntil(t, "captured frame", h.finished(t, 1, 5))

	h.captured.mu.Lock()
	defer h.captured.mu.Unlock()
	require.Len(t, h.captured.frames, 1)
	f := h.captured.frames[0]
	assert.Equal(t, uint64(5), f.Seq)
	assert.Equal(t, res, f.Resolution)
	assert.Equal(t, testpipeline.Expected([]byte("scene A"), res, gpu.FormatRGBA8), f.Pixels)
}

func TestRunEndsWhenHostDisconnects(t *testing.T) {
	h := newHarness(t)
	done := make(chan error, 1)
	go func() { done <- h.srv.Run(context.Background()) }()
	require.NoError(t, h.host.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestRunEndsWhenWindowCloses(t *testing.T) {
	h := newHarness(t)
	h.gfx.Close()
	assert.NoError(t, h.srv.Run(context.Background()))
}

func TestErrorLog(t *testing.T) {
	var buf bytes.Buffer
	e := errorLog{log: slog.New(slog.NewTextHandler(&buf, nil))}
	for range 100 {
		e.report("tick", fmt.Errorf("boom"))
	}
	e.report("tick", fmt.Errorf("other"))
	out := buf.String()
	assert.Equal(t, 1, strings.Count(out, "repeated=10\n"))
	assert.Equal(t, 1, strings.Count(out, "repeated=100\n"))
	assert.Equal(t, 3, strings.Count(out, "tick: boom"))
	assert.Contains(t, out, "tick: other")
}

func TestGuardRecoversPanics(t *testing.T) {
	err := guard(func() error { panic("bad buffer") })
	assert.ErrorContains(t, err, "bad buffer")
}
