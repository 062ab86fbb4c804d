package protocol

import "fmt"

func newMessage(k Kind) (Message, error) {
	switch k {
	case KindParameters:
		return &Parameters{}, nil
	case KindLoadMesh:
		return &LoadMesh{}, nil
	case KindCompileMaterial:
		return &CompileMaterial{}, nil
	case KindMaterial:
		return &Material{}, nil
	case KindReflect:
		return &Reflect{}, nil
	case KindReflection:
		return &Reflection{}, nil
	case KindLoadTexture:
		return &LoadTexture{}, nil
	case KindTextureAck:
		return &TextureAck{}, nil
	case KindLoadGradient:
		return &LoadGradient{}, nil
	case KindRender:
		return &Render{}, nil
	}
	return nil, fmt.Errorf("unknown message kind %d", uint8(k))
}

// Encode serializes m as its kind byte followed by its body.
func Encode(m Message) []byte {
	w := &writer{buf: make([]byte, 0, 64)}
	w.u8(uint8(m.Kind()))
	m.encode(w)
	return w.buf
}

// Decode parses a message produced by Encode. Trailing bytes are an error.
func Decode(b []byte) (Message, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("decode: %w", errShortMessage)
	}
	m, err := newMessage(Kind(b[0]))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	r := &reader{buf: b[1:]}
	m.decode(r)
	if r.err != nil {
		return nil, fmt.Errorf("decode %v: %w", m.Kind(), r.err)
	}
	if len(r.buf) != 0 {
		return nil, fmt.Errorf("decode %v: %d trailing bytes", m.Kind(), len(r.buf))
	}
	return m, nil
}
