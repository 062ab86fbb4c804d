// Package server is the worker side of the bridge. A Server owns the graphics
// context, drains every channel once per tick, drives one viewport session
// per viewport id and publishes finished frames through the status table.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/richinsley/gorenderbridge/capture"
	"github.com/richinsley/gorenderbridge/gpu"
	"github.com/richinsley/gorenderbridge/graphics"
	"github.com/richinsley/gorenderbridge/pipeline"
	"github.com/richinsley/gorenderbridge/protocol"
	"github.com/richinsley/gorenderbridge/sharedmemory"
	"github.com/richinsley/gorenderbridge/status"
	"github.com/richinsley/gorenderbridge/transport"
	"github.com/richinsley/gorenderbridge/viewport"
)

const (
	defaultStatsInterval = time.Second
	defaultIdleWait      = 2 * time.Millisecond
)

// Config wires a Server to its collaborators.
type Config struct {
	// Pipeline is the registered pipeline every viewport renders with.
	Pipeline string
	Device   gpu.Device
	Context  graphics.Context
	Status   *status.Table
	Conns    transport.Set
	// Capturer receives final frames of requests with the capture flag.
	// Nil disables capture.
	Capturer capture.Capturer
	Logger   *slog.Logger

	// StatsInterval is how often statistics are published.
	StatsInterval time.Duration
	// IdleWait is slept between ticks while no viewport has work.
	IdleWait time.Duration
}

// Server is the worker main loop.
type Server struct {
	cfg Config
	log *slog.Logger

	// params compiles materials and answers reflection requests.
	params    pipeline.Pipeline
	resources *resources
	refs      *sharedmemory.RefCache
	sessions  map[int]*viewport.Session
	errs      errorLog

	swapInterval int
	lastStats    time.Time
	// closers are closed last, after the channels.
	closers []io.Closer
}

// New creates the server and announces the pipeline parameters to the host.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = defaultStatsInterval
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = defaultIdleWait
	}
	for _, ch := range protocol.Channels {
		if cfg.Conns[ch] == nil {
			return nil, fmt.Errorf("server: channel %s is not connected", ch)
		}
	}

	s := &Server{
		cfg:          cfg,
		log:          cfg.Logger,
		resources:    newResources(),
		refs:         sharedmemory.NewRefCache(),
		sessions:     make(map[int]*viewport.Session),
		swapInterval: -1,
	}
	s.errs.log = cfg.Logger

	params, err := s.newPipeline()
	if err != nil {
		return nil, err
	}
	s.params = params
	msg := &protocol.Parameters{Pipeline: cfg.Pipeline, Params: params.Parameters()}
	if err := cfg.Conns[protocol.ChannelParams].Send(msg); err != nil {
		params.Release()
		return nil, err
	}
	s.log.Info("worker ready", "pipeline", cfg.Pipeline, "parameters", len(msg.Params))
	return s, nil
}

func (s *Server) newPipeline() (pipeline.Pipeline, error) {
	return pipeline.New(s.cfg.Pipeline, pipeline.Env{Device: s.cfg.Device, Resources: s.resources})
}

// Session returns the session of a viewport.
func (s *Server) Session(id int) (*viewport.Session, bool) {
	sess, ok := s.sessions[id]
	return sess, ok
}

// Run ticks until ctx ends, the context window closes or the host goes away.
// Losing the host is a clean shutdown.
func (s *Server) Run(ctx context.Context) error {
	for !s.cfg.Context.ShouldClose() {
		busy, err := s.Tick()
		if errors.Is(err, transport.ErrConnectionLost) {
			s.log.Info("host disconnected, shutting down")
			return nil
		}
		if err != nil {
			return err
		}
		wait := time.Duration(0)
		if !busy {
			wait = s.cfg.IdleWait
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
	return nil
}

// Tick runs one iteration of the main loop: drain the channels, render every
// viewport once, present. It only fails when a channel is lost; other errors
// are logged and the loop carries on.
func (s *Server) Tick() (busy bool, err error) {
	s.cfg.Context.PollEvents()

	renders, err := s.drain()
	if err != nil {
		return false, err
	}
	for _, r := range renders {
		if err := guard(func() error { return s.setup(r) }); err != nil {
			s.errs.report(fmt.Sprintf("viewport %d setup", r.ViewportID), err)
		}
	}

	ids := make([]int, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		sess := s.sessions[id]
		err := guard(func() error {
			b, d, err := sess.Render()
			busy = busy || b
			if d != nil {
				s.publish(d)
			}
			return err
		})
		if err != nil {
			s.errs.report(fmt.Sprintf("viewport %d render", id), err)
		}
	}

	interval := 1
	if busy {
		interval = 0
	}
	if interval != s.swapInterval {
		s.cfg.Context.SetSwapInterval(interval)
		s.swapInterval = interval
	}
	s.cfg.Context.SwapBuffers()

	if now := time.Now(); now.Sub(s.lastStats) >= s.cfg.StatsInterval {
		s.lastStats = now
		s.cfg.Status.SetStats(s.Stats())
	}
	return busy, nil
}

// drain handles every queued message and returns the render requests,
// coalesced to the latest per viewport.
func (s *Server) drain() ([]*protocol.Render, error) {
	var renders []*protocol.Render
	latest := make(map[uint32]int)
	for _, ch := range protocol.Channels {
		conn := s.cfg.Conns[ch]
		for {
			m, ok, err := conn.TryRecv()
			if err != nil {
				return nil, err
			}
			if !ok {
				break
			}
			if r, isRender := m.(*protocol.Render); isRender {
				if i, seen := latest[r.ViewportID]; seen {
					prev := renders[i]
					r.SceneUpdate = r.SceneUpdate || prev.SceneUpdate
					r.Capture = r.Capture || prev.Capture
					renders[i] = r
				} else {
					latest[r.ViewportID] = len(renders)
					renders = append(renders, r)
				}
				continue
			}
			var sendErr error
			if err := guard(func() error {
				var err error
				sendErr, err = s.handle(conn, m)
				return err
			}); err != nil {
				s.errs.report(m.Kind().String(), err)
			}
			if sendErr != nil {
				return nil, sendErr
			}
		}
	}
	return renders, nil
}

// handle processes one non-render message. Reply failures are returned
// separately from handling errors since they end the loop.
func (s *Server) handle(conn *transport.Conn, m protocol.Message) (sendErr, err error) {
	switch m := m.(type) {
	case *protocol.CompileMaterial:
		return conn.Send(s.compileMaterial(m)), nil
	case *protocol.Reflect:
		reply := s.params.ReflectLibraries(m.Paths)
		return conn.Send(&reply), nil
	case *protocol.LoadMesh:
		return nil, s.loadMesh(m)
	case *protocol.LoadTexture:
		ack := &protocol.TextureAck{Name: m.Name, Seq: m.Seq}
		if err := s.loadTexture(m); err != nil {
			ack.Error = err.Error()
			return conn.Send(ack), err
		}
		return conn.Send(ack), nil
	case *protocol.LoadGradient:
		return nil, s.loadGradient(m)
	}
	return nil, fmt.Errorf("unexpected %s message on %s", m.Kind(), conn.Channel())
}

func (s *Server) compileMaterial(m *protocol.CompileMaterial) *protocol.Material {
	start := time.Now()
	mat, reply := s.params.CompileMaterial(m.Path, m.SearchPaths)
	if mat == nil {
		s.log.Warn("material failed to compile", "path", m.Path, "err", reply.Error)
		return &reply
	}
	s.log.Info("compiled material", "path", m.Path, "took", time.Since(start))
	if s.resources.setMaterial(m.Path, mat) {
		s.restartAll()
	}
	return &reply
}

func (s *Server) open(ref protocol.BufferRef) ([]byte, error) {
	if ref.IsZero() {
		return nil, nil
	}
	shm, err := s.refs.Open(ref.Segment, int(ref.Size))
	if err != nil {
		return nil, err
	}
	return shm.Bytes()[:ref.Size], nil
}

// retire unmaps the generations older than refs once the data they held has
// been consumed or replaced.
func (s *Server) retire(refs ...protocol.BufferRef) {
	for _, ref := range refs {
		if ref.IsZero() {
			continue
		}
		if err := s.refs.Retire(ref.Segment.Name); err != nil {
			s.errs.report("shared memory", err)
		}
	}
}

func openSlice[T sharedmemory.Element](s *Server, ref protocol.BufferRef, count int) ([]T, error) {
	b, err := s.open(ref)
	if b == nil || err != nil {
		return nil, err
	}
	return sharedmemory.Slice[T](b, count), nil
}

func (s *Server) loadMesh(m *protocol.LoadMesh) error {
	defer s.retire(append(append(append([]protocol.BufferRef{m.Positions, m.Normals, m.Tangents}, m.UVs...), m.Colors...), m.Indices...)...)
	n := int(m.VertexCount)
	data := &gpu.MeshData{}
	var err error
	if data.Positions, err = openSlice[float32](s, m.Positions, n*3); err != nil {
		return fmt.Errorf("mesh %s positions: %w", m.Name, err)
	}
	if data.Normals, err = openSlice[float32](s, m.Normals, n*3); err != nil {
		return fmt.Errorf("mesh %s normals: %w", m.Name, err)
	}
	if data.Tangents, err = openSlice[float32](s, m.Tangents, n*4); err != nil {
		return fmt.Errorf("mesh %s tangents: %w", m.Name, err)
	}
	for i, ref := range m.UVs {
		uv, err := openSlice[float32](s, ref, n*2)
		if err != nil {
			return fmt.Errorf("mesh %s uv %d: %w", m.Name, i, err)
		}
		data.UVs = append(data.UVs, uv)
	}
	for i, ref := range m.Colors {
		c, err := openSlice[uint8](s, ref, n*4)
		if err != nil {
			return fmt.Errorf("mesh %s colors %d: %w", m.Name, i, err)
		}
		data.Colors = append(data.Colors, c)
	}
	if len(m.IndexCounts) != len(m.Indices) {
		return fmt.Errorf("mesh %s: %d index buffers, %d counts", m.Name, len(m.Indices), len(m.IndexCounts))
	}
	for i, ref := range m.Indices {
		idx, err := openSlice[uint32](s, ref, int(m.IndexCounts[i]))
		if err != nil {
			return fmt.Errorf("mesh %s indices %d: %w", m.Name, i, err)
		}
		data.Indices = append(data.Indices, idx)
	}

	meshes, err := s.cfg.Device.LoadMesh(data)
	if err != nil {
		return fmt.Errorf("mesh %s: %w", m.Name, err)
	}
	if s.resources.setMesh(m.Name, meshes) {
		s.restartAll()
	}
	s.log.Debug("loaded mesh", "name", m.Name, "vertices", n, "submeshes", len(meshes))
	return nil
}

// loadTexture reads the staging buffer. The texels are only trusted when the
// staging header carries the announced sequence number.
func (s *Server) loadTexture(m *protocol.LoadTexture) error {
	defer s.retire(m.Buffer)
	b, err := s.open(m.Buffer)
	if err != nil {
		return fmt.Errorf("texture %s: %w", m.Name, err)
	}
	if len(b) < protocol.StagingHeaderSize {
		return fmt.Errorf("texture %s: no staging buffer", m.Name)
	}
	if seq := protocol.LoadStagingSeq(b); seq != m.Seq {
		return fmt.Errorf("texture %s: staging buffer holds upload %d, announced %d", m.Name, seq, m.Seq)
	}
	res := gpu.Resolution{Width: int(m.Width), Height: int(m.Height)}
	count := res.Pixels() * int(m.Channels)
	if need := protocol.StagingHeaderSize + count*4; need > len(b) {
		return fmt.Errorf("texture %s: %v with %d channels needs %d bytes, staging holds %d", m.Name, res, m.Channels, need, len(b))
	}
	texels := sharedmemory.Slice[float32](b[protocol.StagingHeaderSize:], count)
	tex, err := s.cfg.Device.LoadTexture(gpu.TextureDesc{Resolution: res, Channels: int(m.Channels), SRGB: m.SRGB}, texels)
	if err != nil {
		return fmt.Errorf("texture %s: %w", m.Name, err)
	}
	if s.resources.setTexture(m.Name, tex) {
		s.restartAll()
	}
	s.log.Debug("loaded texture", "name", m.Name, "resolution", res.String(), "seq", m.Seq)
	return nil
}

func (s *Server) loadGradient(m *protocol.LoadGradient) error {
	tex, err := s.cfg.Device.LoadGradient(m.Pixels, m.Nearest)
	if err != nil {
		return fmt.Errorf("gradient %s: %w", m.Name, err)
	}
	if s.resources.setGradient(m.Name, tex) {
		s.restartAll()
	}
	return nil
}

// restartAll makes every viewport render again after a resource changed.
func (s *Server) restartAll() {
	for id, sess := range s.sessions {
		sess.Restart()
		if err := s.cfg.Status.ClearFinished(id); err != nil {
			s.errs.report("status", err)
		}
	}
}

func (s *Server) setup(r *protocol.Render) error {
	id := int(r.ViewportID)
	if id >= s.cfg.Status.Slots() {
		return fmt.Errorf("viewport %d: %w", id, status.ErrSlotRange)
	}
	format := gpu.FormatRGBA32F
	if id != viewport.FinalRenderID {
		f, err := gpu.FormatForBitDepth(int(r.BitDepth))
		if err != nil {
			return err
		}
		format = f
	}

	outputs := make(map[string][]byte, len(r.Buffers))
	for _, b := range r.Buffers {
		buf, err := s.open(b.Buffer)
		if errors.Is(err, sharedmemory.ErrSegmentNotFound) {
			// The host has grown the buffer since; a newer request follows.
			s.log.Debug("skipping request for stale buffer", "viewport", id, "buffer", b.Buffer.Segment.String())
			return nil
		}
		if err != nil {
			return fmt.Errorf("output %s: %w", b.Name, err)
		}
		outputs[b.Name] = buf
	}

	sess, ok := s.sessions[id]
	if !ok {
		p, err := s.newPipeline()
		if err != nil {
			return err
		}
		sess = viewport.NewSession(id, p, s.cfg.Device)
		s.sessions[id] = sess
		s.log.Debug("new viewport", "viewport", id)
	}
	d, err := sess.Setup(viewport.Request{
		Resolution:  gpu.Resolution{Width: int(r.Width), Height: int(r.Height)},
		Format:      format,
		Scene:       r.Scene,
		SceneUpdate: r.SceneUpdate,
		Capture:     r.Capture,
		Seq:         r.Seq,
		Outputs:     outputs,
	})
	if err != nil {
		// The session still points into the outputs it had, so their
		// older generations stay mapped.
		return err
	}
	for _, b := range r.Buffers {
		s.retire(b.Buffer)
	}
	if d != nil {
		s.publish(d)
		return nil
	}
	return s.cfg.Status.ClearFinished(id)
}

func (s *Server) publish(d *viewport.Delivery) {
	err := s.cfg.Status.Publish(d.ViewportID, status.Entry{
		Width:      d.Resolution.Width,
		Height:     d.Resolution.Height,
		RequestSeq: d.Seq,
		Finished:   d.Final,
	})
	if err != nil {
		s.errs.report("status", err)
		return
	}
	if d.Capture && s.cfg.Capturer != nil {
		color, ok := d.Outputs[pipeline.OutputColor]
		if !ok {
			return
		}
		frame := capture.Frame{
			ViewportID: d.ViewportID,
			Seq:        d.Seq,
			Resolution: d.Resolution,
			Format:     d.Format,
			Pixels:     append([]byte(nil), color[:d.Format.FrameSize(d.Resolution)]...),
		}
		if err := s.cfg.Capturer.Capture(frame); err != nil {
			s.errs.report("capture", err)
		}
	}
}

// Stats returns one line of statistics per viewport.
func (s *Server) Stats() string {
	ids := make([]int, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	var b strings.Builder
	for _, id := range ids {
		sess := s.sessions[id]
		st := sess.Stats()
		fmt.Fprintf(&b, "viewport %d: %v, %d samples, %d in flight, max latency %d ticks, %s/sample",
			id, sess.Resolution(), st.Samples, st.InFlight, st.MaxLatency, st.SampleTime.Round(time.Microsecond))
		if sess.Finished() {
			b.WriteString(", finished")
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// Close releases every session, resource and mapping and closes the
// channels.
func (s *Server) Close() error {
	for id, sess := range s.sessions {
		sess.Release()
		delete(s.sessions, id)
	}
	s.resources.release()
	s.params.Release()
	errs := []error{s.refs.Close(), s.cfg.Conns.Close()}
	if s.cfg.Capturer != nil {
		errs = append(errs, s.cfg.Capturer.Close())
	}
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
