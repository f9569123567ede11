// Package mixbuf implements the Ring Mix Buffer described in §3.2/§4.1 of
// the subsystem spec: a fixed-point ring with per-client write cursors,
// saturating additive mixing, and per-channel output scaling. It backs the
// playback (sink) direction only; capture writes the transport's data
// straight to each client (see internal/multi's Write).
package mixbuf

import (
	"errors"
	"fmt"

	"github.com/agalue/bamix/internal/pcmfmt"
)

// ErrOutOfMemory mirrors §7's OutOfMemory: fatal to the allocating
// operation, not to the rest of Multi.
var ErrOutOfMemory = errors.New("mixbuf: out of memory")

// Design note (see DESIGN.md): the spec calls for one accumulator size
// class per sample format (U8→16-bit, S16→32-bit, S24→32-bit, S32→64-bit).
// Go has no ergonomic per-element variable-width array, so every format
// accumulates into a uniform int64 cell; int64 safely holds MAX_CLIENTS×any
// format's full-scale sum with wide margin, and Saturate still clamps to
// the exact per-format signed range before packing, so the observable
// behavior (§8: "saturating add followed by read never produces samples
// outside f's signed range") is unchanged.
type accumulator = int64

// Buffer is the Ring Mix Buffer. All cursor arithmetic is modulo Size and
// must be done through the wrap helpers below; Go has no implicit unsigned
// wrap the spec's source language relies on.
type Buffer struct {
	format   pcmfmt.Format
	channels int
	frameSz  int // bytes per frame on the wire
	size     int // capacity in samples: (bufferFrames+1)*channels
	period   int // samples per period

	mixOffset int // next-read cursor, [0,size)
	end       int // one past the furthest written sample, [0,size)

	cells []accumulator // len == size
}

// MixThreshold and ClientThreshold are expressed in periods; callers supply
// concrete period counts via Init's buffer/period geometry. Multi owns the
// configured MIX_THRESHOLD (2..4) and passes it to AtThreshold and to Add's
// back-pressure limit as an argument, since the threshold is a Multi-level
// configuration value (§6.3), not intrinsic to the buffer itself.

// Init allocates a Buffer with the given capacity (in frames; one slack
// frame is added on top of it) and period size (in frames).
func Init(format pcmfmt.Format, channels, bufferFrames, periodFrames int) (*Buffer, error) {
	if err := pcmfmt.ValidateGeometry(format, channels); err != nil {
		return nil, err
	}
	if bufferFrames <= 0 || periodFrames <= 0 {
		return nil, fmt.Errorf("%w: bufferFrames=%d periodFrames=%d", pcmfmt.ErrInvalidFormat, bufferFrames, periodFrames)
	}
	size := (bufferFrames + 1) * channels
	cells := make([]accumulator, size)
	if cells == nil {
		return nil, ErrOutOfMemory
	}
	return &Buffer{
		format:   format,
		channels: channels,
		frameSz:  pcmfmt.FrameSize(format, channels),
		size:     size,
		period:   periodFrames * channels,
		cells:    cells,
	}, nil
}

// Format, Channels, PeriodSamples, Size expose read-only geometry for Multi and
// Client to compute period_bytes, CLIENT_BUFFER_PERIODS sizing, etc.
func (b *Buffer) Format() pcmfmt.Format { return b.format }
func (b *Buffer) Channels() int         { return b.channels }
func (b *Buffer) PeriodSamples() int    { return b.period }
func (b *Buffer) Size() int             { return b.size }

// wrap folds x into [0,size).
func (b *Buffer) wrap(x int) int {
	x %= b.size
	if x < 0 {
		x += b.size
	}
	return x
}

// avail returns (to - from) mod size, the number of samples readable
// between two unwrapped-comparable cursors expressed in [0,size).
func (b *Buffer) avail(from, to int) int {
	d := to - from
	if d < 0 {
		d += b.size
	}
	return d
}

// Avail returns the samples currently readable between mix_offset and end.
func (b *Buffer) Avail() int {
	return b.avail(b.mixOffset, b.end)
}

// Empty reports mix_offset == end (§4.1 empty()).
func (b *Buffer) Empty() bool {
	return b.mixOffset == b.end
}

// AtThreshold reports whether Avail (in frames) has reached mixThresholdPeriods
// periods, per §4.1's at_threshold().
func (b *Buffer) AtThreshold(mixThresholdPeriods int) bool {
	periodFrames := b.period / b.channels
	availFrames := b.Avail() / b.channels
	return availFrames >= mixThresholdPeriods*periodFrames
}

// LeadOf returns how far a client write cursor sits ahead of mix_offset,
// in samples: for a negative cursor (pre-roll convention) that's simply
// its magnitude; for a non-negative cursor (an absolute ring position)
// it's the wrap-aware forward distance from mix_offset. Used by Pause
// (§4.2.1 "snap out_offset to −delay(out_offset)").
func (b *Buffer) LeadOf(cursor int) int {
	if cursor < 0 {
		return -cursor
	}
	d := cursor - b.mixOffset
	if d < 0 {
		d += b.size
	}
	return d
}

// Clear resets both cursors and zeroes the entire accumulator storage
// (§4.1 clear(), §3.2 "storage is zeroed on release-and-clear").
func (b *Buffer) Clear() {
	b.mixOffset = 0
	b.end = 0
	for i := range b.cells {
		b.cells[i] = 0
	}
}

// Add mixes frame-aligned bytes from one client into the buffer, starting
// at cursor (negative meaning "ahead of mix_offset by |cursor|" per §3.3's
// out_offset convention). limitPeriods is MIX_THRESHOLD, supplied by the
// caller (Multi) since it is a configured value, not Buffer state.
//
// It returns the new cursor value and the number of source bytes consumed
// (always a whole number of frames); back-pressure yields cursor==cursor
// (unchanged) and 0 bytes consumed.
func (b *Buffer) Add(cursor int, data []byte, limitPeriods int) (newCursor int, consumed int) {
	mix := b.mixOffset
	limit := mix + (limitPeriods+1)*b.period // unwrapped

	var start int
	if cursor < 0 {
		start = mix + (-cursor)
	} else {
		start = cursor
	}
	// Use unwrapped arithmetic: if start trails mix in wrapped terms, push
	// it forward by one full lap so start/limit compare correctly.
	if start < mix {
		start += b.size
	}

	if start >= limit {
		return cursor, 0
	}

	frames := len(data) / b.frameSz
	samples := frames * b.channels
	maxSamples := limit - start
	if samples > maxSamples {
		samples = maxSamples - (maxSamples % b.channels)
	}
	if samples <= 0 {
		return cursor, 0
	}

	bps := b.format.BytesPerSample()
	for n := 0; n < samples; n++ {
		off := n * bps
		v := pcmfmt.Decode(b.format, data[off:off+bps])
		idx := b.wrap(start + n)
		b.cells[idx] += accumulator(v)
	}

	newStart := start + samples
	// new cursor, wrapped
	newCursor = b.wrap(newStart)

	// Extend end if this client's new write head passes it, in
	// wrap-aware (unwrapped-relative-to-mix) terms.
	endUnwrapped := b.end
	if endUnwrapped < mix {
		endUnwrapped += b.size
	}
	if newStart > endUnwrapped {
		b.end = b.wrap(newStart)
	}

	consumedFrames := samples / b.channels
	return newCursor, consumedFrames * b.frameSz
}

// Read delivers up to one period of mixed, scaled, saturated PCM into out,
// per §4.1 read(). scale[ch]==0 writes silence without touching the
// accumulator's sign; any other scale multiplies before saturating.
// Delivered accumulator cells are zeroed after being read.
func (b *Buffer) Read(out []byte, samples int, scale []float64) int {
	if samples > len(out)/b.format.BytesPerSample() {
		samples = len(out) / b.format.BytesPerSample()
	}
	samples -= samples % b.channels
	if samples > b.period {
		samples = b.period - (b.period % b.channels)
	}
	if avail := b.Avail(); samples > avail {
		samples = avail - (avail % b.channels)
	}
	if samples <= 0 {
		return 0
	}

	bps := b.format.BytesPerSample()
	for n := 0; n < samples; n++ {
		ch := n % b.channels
		idx := b.wrap(b.mixOffset + n)
		var v int64
		if ch < len(scale) && scale[ch] != 0 {
			v = int64(float64(b.cells[idx]) * scale[ch])
			v = pcmfmt.Saturate(b.format, v)
		}
		pcmfmt.Encode(b.format, out[n*bps:(n+1)*bps], v)
		b.cells[idx] = 0
	}

	b.mixOffset = b.wrap(b.mixOffset + samples)
	return samples
}
