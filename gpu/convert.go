package gpu

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EncodePixels converts RGBA float pixels into dst laid out as format.
// R32F keeps the first component only.
func EncodePixels(dst []byte, rgba []float32, format Format) error {
	n := len(rgba) / 4
	if need := n * format.BytesPerPixel(); len(dst) < need {
		return fmt.Errorf("encode %v: %d bytes, need %d", format, len(dst), need)
	}
	switch format {
	case FormatRGBA8:
		for i, v := range rgba[:n*4] {
			dst[i] = Unorm8(v)
		}
	case FormatRGBA16F:
		for i, v := range rgba[:n*4] {
			binary.LittleEndian.PutUint16(dst[i*2:], Float16Bits(v))
		}
	case FormatRGBA32F:
		for i, v := range rgba[:n*4] {
			binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v))
		}
	case FormatR32F:
		for i := range n {
			binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(rgba[i*4]))
		}
	default:
		return fmt.Errorf("encode: unknown format %v", format)
	}
	return nil
}

// Unorm8 converts a float in [0,1] to an 8-bit normalized value.
func Unorm8(v float32) uint8 {
	switch {
	case v != v || v <= 0:
		return 0
	case v >= 1:
		return 255
	}
	return uint8(v*255 + 0.5)
}

// Float16Bits returns the IEEE 754 half-precision encoding of f.
func Float16Bits(f float32) uint16 {
	b := math.Float32bits(f)
	sign := uint16(b>>16) & 0x8000
	e := int((b >> 23) & 0xff)
	mant := b & 0x7fffff

	if e == 0xff {
		if mant != 0 {
			return sign | 0x7e00
		}
		return sign | 0x7c00
	}
	exp := e - 127 + 15
	switch {
	case exp >= 0x1f:
		return sign | 0x7c00
	case exp <= 0:
		if exp < -10 {
			return sign
		}
		mant |= 0x800000
		shift := uint(14 - exp)
		h := uint16(mant >> shift)
		if (mant>>(shift-1))&1 != 0 {
			h++
		}
		return sign | h
	}
	h := sign | uint16(exp)<<10 | uint16(mant>>13)
	if mant&0x1000 != 0 {
		// a carry out of the mantissa bumps the exponent, which is correct
		h++
	}
	return h
}

// ExpandChannels widens texels with channels components per pixel to RGBA.
// Missing colour components are 0 and missing alpha is 1.
func ExpandChannels(texels []float32, channels int) ([]float32, error) {
	if channels < 1 || channels > 4 {
		return nil, fmt.Errorf("unsupported channel count %d", channels)
	}
	if len(texels)%channels != 0 {
		return nil, fmt.Errorf("%d texels is not a multiple of %d channels", len(texels), channels)
	}
	if channels == 4 {
		return texels, nil
	}
	n := len(texels) / channels
	out := make([]float32, n*4)
	for i := range n {
		copy(out[i*4:i*4+channels], texels[i*channels:(i+1)*channels])
		out[i*4+3] = 1
	}
	return out, nil
}
