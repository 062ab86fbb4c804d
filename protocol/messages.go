package protocol

import "github.com/richinsley/gorenderbridge/sharedmemory"

// Message is one of the concrete message types in this package.
type Message interface {
	Kind() Kind
	encode(w *writer)
	decode(r *reader)
}

// BufferRef points at a shared-memory generation holding Size valid bytes.
type BufferRef struct {
	Segment sharedmemory.FullName
	Size    uint64
}

// IsZero reports whether the reference is unset.
func (b BufferRef) IsZero() bool { return b.Segment.IsZero() }

// Parameter describes one input a pipeline exposes.
type Parameter struct {
	Group   string
	Name    string
	Type    string
	Size    int32
	Default []float32
}

func (p *Parameter) encode(w *writer) {
	w.str(p.Group)
	w.str(p.Name)
	w.str(p.Type)
	w.i32(p.Size)
	w.f32s(p.Default)
}

func (p *Parameter) decode(r *reader) {
	p.Group = r.str()
	p.Name = r.str()
	p.Type = r.str()
	p.Size = r.i32()
	p.Default = r.f32s()
}

func encodeParams(w *writer, ps []Parameter) {
	w.u32(uint32(len(ps)))
	for i := range ps {
		ps[i].encode(w)
	}
}

func decodeParams(r *reader) []Parameter {
	n := r.length()
	if n == 0 || r.err != nil {
		return nil
	}
	ps := make([]Parameter, 0, min(n, 1024))
	for i := 0; i < n && r.err == nil; i++ {
		var p Parameter
		p.decode(r)
		ps = append(ps, p)
	}
	return ps
}

// Parameters is sent once by the worker right after the handshake.
type Parameters struct {
	Pipeline string
	Params   []Parameter
}

func (*Parameters) Kind() Kind { return KindParameters }

func (m *Parameters) encode(w *writer) {
	w.str(m.Pipeline)
	encodeParams(w, m.Params)
}

func (m *Parameters) decode(r *reader) {
	m.Pipeline = r.str()
	m.Params = decodeParams(r)
}

// Group returns the parameters of one group.
func (m *Parameters) Group(name string) []Parameter {
	var ps []Parameter
	for _, p := range m.Params {
		if p.Group == name {
			ps = append(ps, p)
		}
	}
	return ps
}

// LoadMesh hands the worker the attribute buffers of a mesh. Each entry in
// Indices is one submesh with IndexCounts[i] valid indices.
type LoadMesh struct {
	Name        string
	Positions   BufferRef
	Normals     BufferRef
	Tangents    BufferRef
	UVs         []BufferRef
	Colors      []BufferRef
	Indices     []BufferRef
	IndexCounts []uint32
	VertexCount uint32
}

func (*LoadMesh) Kind() Kind { return KindLoadMesh }

func (m *LoadMesh) encode(w *writer) {
	w.str(m.Name)
	w.ref(m.Positions)
	w.ref(m.Normals)
	w.ref(m.Tangents)
	w.refs(m.UVs)
	w.refs(m.Colors)
	w.refs(m.Indices)
	w.u32(uint32(len(m.IndexCounts)))
	for _, c := range m.IndexCounts {
		w.u32(c)
	}
	w.u32(m.VertexCount)
}

func (m *LoadMesh) decode(r *reader) {
	m.Name = r.str()
	m.Positions = r.ref()
	m.Normals = r.ref()
	m.Tangents = r.ref()
	m.UVs = r.refs()
	m.Colors = r.refs()
	m.Indices = r.refs()
	if n := r.length(); n > 0 && r.err == nil {
		if n*4 > len(r.buf) {
			r.fail(errShortMessage)
			return
		}
		m.IndexCounts = make([]uint32, n)
		for i := range m.IndexCounts {
			m.IndexCounts[i] = r.u32()
		}
	}
	m.VertexCount = r.u32()
}

// CompileMaterial asks the worker to compile the material source at Path.
type CompileMaterial struct {
	Path        string
	SearchPaths []string
}

func (*CompileMaterial) Kind() Kind { return KindCompileMaterial }

func (m *CompileMaterial) encode(w *writer) {
	w.str(m.Path)
	w.strs(m.SearchPaths)
}

func (m *CompileMaterial) decode(r *reader) {
	m.Path = r.str()
	m.SearchPaths = r.strs()
}

// ShaderPass is the compile outcome of one pass of a material.
type ShaderPass struct {
	Name     string
	Error    string
	Uniforms []Parameter
}

// Material is the reply to CompileMaterial. A failed compile is reported in
// Error, not as a transport failure.
type Material struct {
	Path   string
	Error  string
	Passes []ShaderPass
}

func (*Material) Kind() Kind { return KindMaterial }

func (m *Material) encode(w *writer) {
	w.str(m.Path)
	w.str(m.Error)
	w.u32(uint32(len(m.Passes)))
	for _, p := range m.Passes {
		w.str(p.Name)
		w.str(p.Error)
		encodeParams(w, p.Uniforms)
	}
}

func (m *Material) decode(r *reader) {
	m.Path = r.str()
	m.Error = r.str()
	n := r.length()
	for i := 0; i < n && r.err == nil; i++ {
		var p ShaderPass
		p.Name = r.str()
		p.Error = r.str()
		p.Uniforms = decodeParams(r)
		m.Passes = append(m.Passes, p)
	}
}

// Reflect asks for the declarations of shader libraries.
type Reflect struct {
	Paths []string
}

func (*Reflect) Kind() Kind { return KindReflect }

func (m *Reflect) encode(w *writer) { w.strs(m.Paths) }
func (m *Reflect) decode(r *reader) { m.Paths = r.strs() }

// Library lists what a shader library declares and includes.
type Library struct {
	Path      string
	Structs   []string
	Functions []string
	Paths     []string
}

// Reflection is the reply to Reflect.
type Reflection struct {
	Libraries []Library
	Error     string
}

func (*Reflection) Kind() Kind { return KindReflection }

func (m *Reflection) encode(w *writer) {
	w.u32(uint32(len(m.Libraries)))
	for _, l := range m.Libraries {
		w.str(l.Path)
		w.strs(l.Structs)
		w.strs(l.Functions)
		w.strs(l.Paths)
	}
	w.str(m.Error)
}

func (m *Reflection) decode(r *reader) {
	n := r.length()
	for i := 0; i < n && r.err == nil; i++ {
		var l Library
		l.Path = r.str()
		l.Structs = r.strs()
		l.Functions = r.strs()
		l.Paths = r.strs()
		m.Libraries = append(m.Libraries, l)
	}
	m.Error = r.str()
}

// Library returns the reflected library for path.
func (m *Reflection) Library(path string) (Library, bool) {
	for _, l := range m.Libraries {
		if l.Path == path {
			return l, true
		}
	}
	return Library{}, false
}

// LoadTexture announces that the staging buffer holds float texels for the
// named texture. Seq must match the sequence number stored in the staging
// header.
type LoadTexture struct {
	Name     string
	Buffer   BufferRef
	Width    uint32
	Height   uint32
	Channels uint32
	SRGB     bool
	Seq      uint64
}

func (*LoadTexture) Kind() Kind { return KindLoadTexture }

func (m *LoadTexture) encode(w *writer) {
	w.str(m.Name)
	w.ref(m.Buffer)
	w.u32(m.Width)
	w.u32(m.Height)
	w.u32(m.Channels)
	w.boolean(m.SRGB)
	w.u64(m.Seq)
}

func (m *LoadTexture) decode(r *reader) {
	m.Name = r.str()
	m.Buffer = r.ref()
	m.Width = r.u32()
	m.Height = r.u32()
	m.Channels = r.u32()
	m.SRGB = r.boolean()
	m.Seq = r.u64()
}

// TextureAck releases the staging buffer up to Seq.
type TextureAck struct {
	Name  string
	Seq   uint64
	Error string
}

func (*TextureAck) Kind() Kind { return KindTextureAck }

func (m *TextureAck) encode(w *writer) {
	w.str(m.Name)
	w.u64(m.Seq)
	w.str(m.Error)
}

func (m *TextureAck) decode(r *reader) {
	m.Name = r.str()
	m.Seq = r.u64()
	m.Error = r.str()
}

// LoadGradient carries RGBA float pixels of a 1D ramp inline.
type LoadGradient struct {
	Name    string
	Pixels  []float32
	Nearest bool
}

func (*LoadGradient) Kind() Kind { return KindLoadGradient }

func (m *LoadGradient) encode(w *writer) {
	w.str(m.Name)
	w.f32s(m.Pixels)
	w.boolean(m.Nearest)
}

func (m *LoadGradient) decode(r *reader) {
	m.Name = r.str()
	m.Pixels = r.f32s()
	m.Nearest = r.boolean()
}

// AOVBuffer binds a named render output to the shared buffer it is read
// back into.
type AOVBuffer struct {
	Name   string
	Buffer BufferRef
}

// Render requests that a viewport render the scene at a resolution and read
// back into Buffers.
type Render struct {
	ViewportID  uint32
	Width       uint32
	Height      uint32
	Scene       []byte
	SceneUpdate bool
	Capture     bool
	BitDepth    uint8
	Seq         uint64
	Buffers     []AOVBuffer
}

func (*Render) Kind() Kind { return KindRender }

func (m *Render) encode(w *writer) {
	w.u32(m.ViewportID)
	w.u32(m.Width)
	w.u32(m.Height)
	w.bytes(m.Scene)
	w.boolean(m.SceneUpdate)
	w.boolean(m.Capture)
	w.u8(m.BitDepth)
	w.u64(m.Seq)
	w.u32(uint32(len(m.Buffers)))
	for _, b := range m.Buffers {
		w.str(b.Name)
		w.ref(b.Buffer)
	}
}

func (m *Render) decode(r *reader) {
	m.ViewportID = r.u32()
	m.Width = r.u32()
	m.Height = r.u32()
	m.Scene = r.bytes()
	m.SceneUpdate = r.boolean()
	m.Capture = r.boolean()
	m.BitDepth = r.u8()
	m.Seq = r.u64()
	n := r.length()
	for i := 0; i < n && r.err == nil; i++ {
		var b AOVBuffer
		b.Name = r.str()
		b.Buffer = r.ref()
		m.Buffers = append(m.Buffers, b)
	}
}

// Buffer returns the buffer bound to an output name.
func (m *Render) Buffer(name string) (BufferRef, bool) {
	for _, b := range m.Buffers {
		if b.Name == name {
			return b.Buffer, true
		}
	}
	return BufferRef{}, false
}
