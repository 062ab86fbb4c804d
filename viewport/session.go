// Package viewport drives progressive rendering for one viewport: it asks the
// pipeline for one sample per tick, queues asynchronous readbacks of the
// outputs, and hands completed frames to the caller.
package viewport

import (
	"bytes"
	"errors"
	"fmt"
	"time"
	"unsafe"

	"github.com/richinsley/gorenderbridge/gpu"
	"github.com/richinsley/gorenderbridge/pipeline"
)

// FinalRenderID is the viewport reserved for final renders. It always reads
// back 32-bit float and only once sampling has converged.
const FinalRenderID = 0

// Request is a decoded render request for one viewport.
type Request struct {
	Resolution  gpu.Resolution
	Format      gpu.Format
	Scene       []byte
	SceneUpdate bool
	Capture     bool
	Seq         uint64
	// Outputs maps output names to the memory they are read back into.
	Outputs map[string][]byte
}

// Delivery reports that Outputs now hold a frame of Resolution rendered for
// request Seq.
type Delivery struct {
	ViewportID int
	Resolution gpu.Resolution
	Format     gpu.Format
	Seq        uint64
	// Final is set when the frame is the converged result of the current
	// scene.
	Final   bool
	Capture bool
	Outputs map[string][]byte
}

// Stats summarizes a session.
type Stats struct {
	Samples  int
	InFlight int
	// MaxLatency is the largest number of ticks between queuing a readback
	// and delivering it.
	MaxLatency uint64
	// SampleTime is a smoothed per-sample render time.
	SampleTime time.Duration
}

// Session is the progressive rendering state of one viewport.
type Session struct {
	id       int
	pipeline pipeline.Pipeline
	pool     pboPool

	resolution gpu.Resolution
	format     gpu.Format
	outputs    map[string][]byte
	scene      pipeline.Scene
	payload    []byte
	seq        uint64
	capture    bool

	epoch            uint64
	samples          int
	isNewFrame       bool
	needsMoreSamples bool
	finished         bool
	last             map[string]gpu.Texture

	active  []*pboSet
	spare   []*pboSet
	tick    uint64
	stats   Stats
	started bool
}

// NewSession creates the session for viewport id rendering with p.
func NewSession(id int, p pipeline.Pipeline, dev gpu.Device) *Session {
	return &Session{id: id, pipeline: p, pool: pboPool{dev: dev}}
}

// ID returns the viewport id.
func (s *Session) ID() int { return s.id }

// FinalRender reports whether this is the final-render viewport.
func (s *Session) FinalRender() bool { return s.id == FinalRenderID }

// Resolution returns the current render resolution.
func (s *Session) Resolution() gpu.Resolution { return s.resolution }

// Samples returns the samples rendered since the last reset.
func (s *Session) Samples() int { return s.samples }

// Finished reports whether the converged frame has been delivered.
func (s *Session) Finished() bool { return s.finished }

// Stats returns a snapshot of the session statistics.
func (s *Session) Stats() Stats {
	st := s.stats
	st.Samples = s.samples
	st.InFlight = len(s.active)
	return st
}

// outputFormat returns the readback format of an output; depth is always a
// single float channel.
func outputFormat(name string, color gpu.Format) gpu.Format {
	if name == pipeline.OutputDepth {
		return gpu.FormatR32F
	}
	return color
}

func sameOutputs(a, b map[string][]byte) bool {
	if len(a) != len(b) {
		return false
	}
	for name, x := range a {
		y, ok := b[name]
		if !ok || len(x) != len(y) || unsafe.SliceData(x) != unsafe.SliceData(y) {
			return false
		}
	}
	return true
}

// Setup applies a render request. A new resolution, format or output binding
// drops every in-flight readback; a new scene restarts sampling. When the
// request changes nothing and the converged frame is already delivered, the
// returned Delivery republishes it under the new request.
func (s *Session) Setup(req Request) (*Delivery, error) {
	if !req.Resolution.Valid() {
		return nil, fmt.Errorf("viewport %d: invalid resolution %v", s.id, req.Resolution)
	}
	if len(req.Outputs) == 0 {
		return nil, fmt.Errorf("viewport %d: no outputs", s.id)
	}
	if s.FinalRender() {
		req.Format = gpu.FormatRGBA32F
	}
	for name, dst := range req.Outputs {
		if need := outputFormat(name, req.Format).FrameSize(req.Resolution); len(dst) < need {
			return nil, fmt.Errorf("viewport %d: output %s holds %d bytes, %v needs %d", s.id, name, len(dst), req.Resolution, need)
		}
	}

	payloadChanged := s.scene == nil || !bytes.Equal(req.Scene, s.payload)
	scene := s.scene
	var err error
	switch {
	case req.SceneUpdate || s.scene == nil:
		scene, err = s.pipeline.LoadScene(req.Scene)
	case payloadChanged:
		scene, err = s.pipeline.UpdateScene(s.scene, req.Scene)
	}
	if err != nil {
		return nil, fmt.Errorf("viewport %d: %w", s.id, err)
	}

	targetChanged := !s.started || req.Resolution != s.resolution || req.Format != s.format || !sameOutputs(req.Outputs, s.outputs)
	if targetChanged {
		s.retireAll()
	}
	s.started = true
	s.resolution = req.Resolution
	s.format = req.Format
	s.outputs = req.Outputs
	s.scene = scene
	s.payload = bytes.Clone(req.Scene)
	s.seq = req.Seq
	s.capture = s.capture || req.Capture

	if targetChanged || req.SceneUpdate || payloadChanged {
		s.restart()
		return nil, nil
	}
	if s.finished {
		return s.delivery(true), nil
	}
	return nil, nil
}

func (s *Session) restart() {
	s.epoch++
	s.samples = 0
	s.isNewFrame = true
	s.needsMoreSamples = true
	s.finished = false
	s.last = nil
}

// Restart discards the accumulated samples so the scene is rendered again
// from the first sample, e.g. after a resource it uses was replaced.
// Readbacks already in flight still deliver, but never as the final frame.
func (s *Session) Restart() {
	if s.started {
		s.restart()
	}
}

func (s *Session) delivery(final bool) *Delivery {
	d := &Delivery{
		ViewportID: s.id,
		Resolution: s.resolution,
		Format:     s.format,
		Seq:        s.seq,
		Final:      final,
		Outputs:    s.outputs,
	}
	if final {
		d.Capture = s.capture
		s.capture = false
	}
	return d
}

// Render advances the session by one tick: at most one pipeline sample, at
// most one queued readback and at most one delivered frame. busy reports
// whether the session still has work for later ticks.
func (s *Session) Render() (busy bool, d *Delivery, err error) {
	s.tick++
	if !s.started {
		return false, nil, nil
	}

	if s.needsMoreSamples {
		start := time.Now()
		out, err := s.pipeline.Render(s.resolution, s.scene, s.FinalRender(), s.isNewFrame)
		if err != nil {
			return true, nil, fmt.Errorf("viewport %d: %w", s.id, err)
		}
		s.isNewFrame = false
		s.samples++
		s.needsMoreSamples = s.pipeline.NeedsMoreSamples()
		s.addSampleTime(time.Since(start))
		s.last = out
		if !s.FinalRender() || !s.needsMoreSamples {
			if err := s.issue(out, !s.needsMoreSamples); err != nil {
				return true, nil, err
			}
		}
	} else if !s.finished && len(s.active) == 0 && s.last != nil {
		// The converged readback was dropped in favour of an older one;
		// read the last result again.
		if err := s.issue(s.last, true); err != nil {
			return true, nil, err
		}
	}

	d, err = s.collect()
	busy = s.needsMoreSamples || len(s.active) > 0 || (!s.finished && s.last != nil)
	return busy, d, err
}

func (s *Session) addSampleTime(d time.Duration) {
	if s.stats.SampleTime == 0 {
		s.stats.SampleTime = d
		return
	}
	s.stats.SampleTime += (d - s.stats.SampleTime) / 10
}

func (s *Session) newSet() *pboSet {
	if n := len(s.spare); n > 0 {
		set := s.spare[n-1]
		s.spare = s.spare[:n-1]
		return set
	}
	return &pboSet{}
}

func (s *Session) recycle(set *pboSet) {
	for _, slot := range set.slots {
		s.pool.put(slot)
	}
	set.slots = set.slots[:0]
	s.spare = append(s.spare, set)
}

func (s *Session) retireAll() {
	for _, set := range s.active {
		s.recycle(set)
	}
	s.active = s.active[:0]
}

func (s *Session) issue(out map[string]gpu.Texture, final bool) error {
	set := s.newSet()
	for name, dst := range s.outputs {
		tex, ok := out[name]
		if !ok {
			continue
		}
		slot := s.pool.get()
		if err := s.pool.at(slot).Setup(tex, outputFormat(name, s.format), dst); err != nil {
			s.pool.put(slot)
			s.recycle(set)
			return fmt.Errorf("viewport %d: output %s: %w", s.id, name, err)
		}
		set.slots = append(set.slots, slot)
	}
	if len(set.slots) == 0 {
		s.recycle(set)
		return fmt.Errorf("viewport %d: pipeline produced none of the requested outputs", s.id)
	}
	set.res = s.resolution
	set.final = final
	set.epoch = s.epoch
	set.issued = s.tick
	s.active = append(s.active, set)
	return nil
}

func (s *Session) signaled(set *pboSet) bool {
	for _, slot := range set.slots {
		if !s.pool.at(slot).Poll() {
			return false
		}
	}
	return true
}

// collect delivers the oldest completed set. Older sets are stale and newer
// sets that completed in the same tick are dropped unread.
func (s *Session) collect() (*Delivery, error) {
	for i, set := range s.active {
		if !s.signaled(set) {
			continue
		}
		var loadErr error
		for _, slot := range set.slots {
			if err := s.pool.at(slot).Load(); err != nil {
				loadErr = errors.Join(loadErr, err)
			}
		}
		if latency := s.tick - set.issued; latency > s.stats.MaxLatency {
			s.stats.MaxLatency = latency
		}

		final := set.final && set.epoch == s.epoch
		keep := s.active[:0]
		for j, other := range s.active {
			if j <= i || s.signaled(other) {
				s.recycle(other)
				continue
			}
			keep = append(keep, other)
		}
		clear(s.active[len(keep):])
		s.active = keep

		if loadErr != nil {
			return nil, fmt.Errorf("viewport %d: %w", s.id, loadErr)
		}
		if final {
			s.finished = true
		}
		return s.delivery(final), nil
	}
	return nil, nil
}

// Release frees every GPU resource of the session and its pipeline.
func (s *Session) Release() {
	s.retireAll()
	s.pool.release()
	s.spare = nil
	s.pipeline.Release()
}
