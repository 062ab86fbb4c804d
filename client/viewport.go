package client

import (
	"fmt"

	"github.com/richinsley/gorenderbridge/gpu"
	"github.com/richinsley/gorenderbridge/pipeline"
	"github.com/richinsley/gorenderbridge/protocol"
	"github.com/richinsley/gorenderbridge/sharedmemory"
	"github.com/richinsley/gorenderbridge/status"
	"github.com/richinsley/gorenderbridge/viewport"
)

// FinalRenderID is the viewport reserved for final renders. It always reads
// back 32-bit float colour plus depth.
const FinalRenderID = viewport.FinalRenderID

// target is the set of buffers requests from seq on are rendered into.
type target struct {
	seq     uint64
	format  gpu.Format
	buffers map[string]*sharedmemory.Buffer
}

func (t *target) same(format gpu.Format, buffers map[string]*sharedmemory.Buffer) bool {
	if t.format != format || len(t.buffers) != len(buffers) {
		return false
	}
	for name, b := range buffers {
		if t.buffers[name] != b {
			return false
		}
	}
	return true
}

type viewportState struct {
	seq        uint64
	resolution gpu.Resolution
	// targets lists, oldest first, the buffer sets the worker may still
	// publish into. A grown buffer keeps the previous generation readable
	// until the worker publishes a request that uses the new one.
	targets []*target
}

// targetFor returns the buffers the frame of request seq was written into and
// forgets the older ones.
func (st *viewportState) targetFor(seq uint64) *target {
	i := len(st.targets) - 1
	for i >= 0 && st.targets[i].seq > seq {
		i--
	}
	if i < 0 {
		return nil
	}
	st.targets = st.targets[i:]
	return st.targets[0]
}

// Result is what a viewport's buffers currently hold.
type Result struct {
	// Buffers maps output names to the pixels of the last published frame.
	Buffers map[string][]byte
	Format  gpu.Format
	// Resolution of the published frame, which lags the request while the
	// worker catches up.
	Resolution gpu.Resolution
	// Finished is set once the buffers hold the converged frame of the
	// latest request.
	Finished bool
}

type renderOptions struct {
	capture bool
}

// RenderOption modifies a render request.
type RenderOption func(*renderOptions)

// WithCapture asks the worker to also write the final frame to disk.
func WithCapture() RenderOption {
	return func(o *renderOptions) { o.capture = true }
}

// LeaseViewport returns the smallest unused interactive viewport id. Ids are
// bounded by the status table's slot count.
func (b *Bridge) LeaseViewport() (int, error) {
	for id := 1; id < b.table.Slots(); id++ {
		if !b.leased[id] {
			b.leased[id] = true
			return id, nil
		}
	}
	return 0, ErrNoViewports
}

// ReleaseViewport returns id to the pool. Its buffers and request sequence
// are kept for the next lease of the same id.
func (b *Bridge) ReleaseViewport(id int) error {
	if !b.leased[id] {
		return fmt.Errorf("release viewport %d: %w", id, ErrUnknownViewport)
	}
	delete(b.leased, id)
	return nil
}

func (b *Bridge) known(id int) bool {
	return id == FinalRenderID || b.leased[id]
}

func (b *Bridge) viewportFormat(id int) (gpu.Format, error) {
	if id == FinalRenderID {
		return gpu.FormatRGBA32F, nil
	}
	return gpu.FormatForBitDepth(b.opts.BitDepth)
}

// Render asks the worker to render scene into viewport id at res. A request
// identical to the previous one keeps the accumulated samples; sceneUpdate
// marks the payload as an update of the loaded scene.
func (b *Bridge) Render(id int, res gpu.Resolution, scene []byte, sceneUpdate bool, opts ...RenderOption) error {
	if err := b.check(); err != nil {
		return err
	}
	if !b.known(id) {
		return fmt.Errorf("render viewport %d: %w", id, ErrUnknownViewport)
	}
	if !res.Valid() {
		return fmt.Errorf("render viewport %d: invalid resolution %v", id, res)
	}
	if id < 0 || id >= b.table.Slots() {
		return fmt.Errorf("render viewport %d: %w", id, status.ErrSlotRange)
	}
	var ro renderOptions
	for _, o := range opts {
		o(&ro)
	}
	format, err := b.viewportFormat(id)
	if err != nil {
		return err
	}

	outputs := map[string]gpu.Format{pipeline.OutputColor: format}
	if id == FinalRenderID {
		outputs[pipeline.OutputDepth] = gpu.FormatR32F
	}
	msg := &protocol.Render{
		ViewportID:  uint32(id),
		Width:       uint32(res.Width),
		Height:      uint32(res.Height),
		Scene:       scene,
		SceneUpdate: sceneUpdate,
		Capture:     ro.capture,
		BitDepth:    uint8(b.opts.BitDepth),
	}
	buffers := make(map[string]*sharedmemory.Buffer, len(outputs))
	for _, name := range []string{pipeline.OutputColor, pipeline.OutputDepth} {
		f, ok := outputs[name]
		if !ok {
			continue
		}
		size := f.FrameSize(res)
		v, err := sharedmemory.Acquire[uint8](b.reg, fmt.Sprintf("RENDER_BUFFER_%d_%s_%s", id, name, b.id), size)
		if err != nil {
			return err
		}
		buffers[name] = v.Buffer
		msg.Buffers = append(msg.Buffers, protocol.AOVBuffer{
			Name:   name,
			Buffer: protocol.BufferRef{Segment: v.FullName(), Size: uint64(size)},
		})
	}

	st, ok := b.viewports[id]
	if !ok {
		st = &viewportState{}
		b.viewports[id] = st
	}
	seq := st.seq + 1
	if n := len(st.targets); n == 0 || !st.targets[n-1].same(format, buffers) {
		st.targets = append(st.targets, &target{seq: seq, format: format, buffers: buffers})
	}
	st.seq = seq
	st.resolution = res
	msg.Seq = seq
	if err := b.table.ClearFinished(id); err != nil {
		return err
	}
	return b.send(protocol.ChannelRender, msg)
}

// RenderResult returns the latest published frame of viewport id without
// waiting.
func (b *Bridge) RenderResult(id int) (Result, error) {
	st, ok := b.viewports[id]
	if !ok || !b.known(id) {
		return Result{}, fmt.Errorf("viewport %d: %w", id, ErrUnknownViewport)
	}
	e, err := b.table.Read(id)
	if err != nil {
		return Result{}, err
	}
	res := Result{
		Resolution: gpu.Resolution{Width: e.Width, Height: e.Height},
		Finished: e.Valid && e.Finished && e.RequestSeq == st.seq &&
			e.Width == st.resolution.Width && e.Height == st.resolution.Height,
	}
	if !e.Valid {
		return res, nil
	}
	t := st.targetFor(e.RequestSeq)
	if t == nil {
		// Published before this bridge's first request for the slot.
		res.Finished = false
		return res, nil
	}
	res.Format = t.format
	res.Buffers = make(map[string][]byte, len(t.buffers))
	for name, buf := range t.buffers {
		f := t.format
		if name == pipeline.OutputDepth {
			f = gpu.FormatR32F
		}
		size := f.FrameSize(res.Resolution)
		if size > buf.Size() {
			continue
		}
		res.Buffers[name] = buf.Bytes()[:size]
	}
	return res, nil
}
