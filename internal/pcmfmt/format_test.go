package pcmfmt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEncodeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		f    Format
		raw  []byte
		want int64
	}{
		{"u8 mid", U8, []byte{128}, 0},
		{"u8 min", U8, []byte{0}, -128},
		{"u8 max", U8, []byte{255}, 127},
		{"s16 positive", S16LE, []byte{0x39, 0x30}, 0x3039},
		{"s16 negative", S16LE, []byte{0xc7, 0xcf}, -0x3039},
		{"s32 negative", S32LE, []byte{0x00, 0x00, 0x00, 0x80}, -(1 << 31)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decode(tt.f, tt.raw)
			assert.Equal(t, tt.want, got)

			out := make([]byte, tt.f.BytesPerSample())
			Encode(tt.f, out, got)
			assert.Equal(t, tt.raw, out)
		})
	}
}

func TestS24_32LESignExtension(t *testing.T) {
	// -1 packed into the low 24 bits, high byte zero (unused per the wire
	// format), must sign-extend to a full -1.
	raw := []byte{0xff, 0xff, 0xff, 0x00}
	got := Decode(S24_32LE, raw)
	assert.Equal(t, int64(-1), got)
}

func TestSaturate(t *testing.T) {
	min, max := S16LE.SignedRange()
	assert.Equal(t, min, Saturate(S16LE, min-1000))
	assert.Equal(t, max, Saturate(S16LE, max+1000))
	assert.Equal(t, int64(0), Saturate(S16LE, 0))
}

func TestValidateGeometry(t *testing.T) {
	require.NoError(t, ValidateGeometry(S16LE, 2))
	require.ErrorIs(t, ValidateGeometry(Format(99), 2), ErrInvalidFormat)
	require.ErrorIs(t, ValidateGeometry(S16LE, 0), ErrInvalidFormat)
	require.ErrorIs(t, ValidateGeometry(S16LE, 9), ErrInvalidFormat)
}

func TestFrameSize(t *testing.T) {
	assert.Equal(t, 4, FrameSize(S16LE, 2))
	assert.Equal(t, 8, FrameSize(S32LE, 2))
}
