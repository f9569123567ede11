// Package pcmfmt defines the sample formats this mixer understands and the
// byte/accumulator math tied to each one, per §3.1 of the subsystem spec.
package pcmfmt

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Format identifies one of the four PCM sample encodings a transport PCM may
// carry. All clients of a given PCM share format, rate and channel count.
type Format uint8

const (
	U8 Format = iota
	S16LE
	S24_32LE
	S32LE
)

// ErrInvalidFormat reports an unsupported format, invalid channel count, or
// non-positive frame geometry passed to mixbuf.Init. It
// corresponds to §7's InvalidFormat, which is fatal to Multi.init.
var ErrInvalidFormat = errors.New("pcmfmt: invalid format")

// String implements fmt.Stringer for logging.
func (f Format) String() string {
	switch f {
	case U8:
		return "U8"
	case S16LE:
		return "S16LE"
	case S24_32LE:
		return "S24_32LE"
	case S32LE:
		return "S32LE"
	default:
		return "unknown"
	}
}

// BytesPerSample returns the on-the-wire width of a single channel value.
func (f Format) BytesPerSample() int {
	switch f {
	case U8:
		return 1
	case S16LE:
		return 2
	case S24_32LE:
		return 4
	case S32LE:
		return 4
	default:
		return 0
	}
}

// Valid reports whether f is one of the four recognized formats.
func (f Format) Valid() bool {
	switch f {
	case U8, S16LE, S24_32LE, S32LE:
		return true
	default:
		return false
	}
}

// SignedRange returns the inclusive [min, max] range a decoded/scaled sample
// must saturate to before being packed back onto the wire. U8 is unsigned on
// the wire but biased around 128, so its "signed range" here is the centered
// range used by the accumulator (see Decode/Encode).
func (f Format) SignedRange() (min, max int64) {
	switch f {
	case U8:
		return -128, 127
	case S16LE:
		return -32768, 32767
	case S24_32LE:
		return -(1 << 23), (1 << 23) - 1
	case S32LE:
		return -(1 << 31), (1 << 31) - 1
	default:
		return 0, 0
	}
}

// ValidateGeometry checks the channel count and frame sizes that
// mixbuf.Init/client geometry computations depend on.
func ValidateGeometry(f Format, channels int) error {
	if !f.Valid() {
		return fmt.Errorf("%w: format %d", ErrInvalidFormat, f)
	}
	if channels < 1 || channels > 8 {
		return fmt.Errorf("%w: channels %d out of [1,8]", ErrInvalidFormat, channels)
	}
	return nil
}

// FrameSize returns the number of bytes in one frame (channels samples).
func FrameSize(f Format, channels int) int {
	return f.BytesPerSample() * channels
}

// Decode reads one sample in format f from the head of b (little-endian,
// sign-extended for S24_32LE's packed 24 bits) and returns it as a signed
// 64-bit accumulator value centered at zero (U8's 128 bias removed).
func Decode(f Format, b []byte) int64 {
	switch f {
	case U8:
		return int64(b[0]) - 128
	case S16LE:
		return int64(int16(binary.LittleEndian.Uint16(b)))
	case S24_32LE:
		v := int32(binary.LittleEndian.Uint32(b))
		// sign-extend bits [0,24) into the full int32.
		v = (v << 8) >> 8
		return int64(v)
	case S32LE:
		return int64(int32(binary.LittleEndian.Uint32(b)))
	default:
		return 0
	}
}

// Encode writes v, already saturated to f.SignedRange(), into the head of b
// in little-endian wire format (U8's 128 bias re-applied).
func Encode(f Format, b []byte, v int64) {
	switch f {
	case U8:
		b[0] = byte(v + 128)
	case S16LE:
		binary.LittleEndian.PutUint16(b, uint16(int16(v)))
	case S24_32LE:
		binary.LittleEndian.PutUint32(b, uint32(int32(v))&0x00FFFFFF)
	case S32LE:
		binary.LittleEndian.PutUint32(b, uint32(int32(v)))
	}
}

// Saturate clamps v to f's signed range.
func Saturate(f Format, v int64) int64 {
	min, max := f.SignedRange()
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
