package mixbuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/agalue/bamix/internal/pcmfmt"
)

func mustInit(t *testing.T, periodFrames, bufferPeriods int) *Buffer {
	t.Helper()
	b, err := Init(pcmfmt.S16LE, 2, bufferPeriods*periodFrames, periodFrames)
	require.NoError(t, err)
	return b
}

func silentScale(channels int) []float64 {
	s := make([]float64, channels)
	for i := range s {
		s[i] = 1.0
	}
	return s
}

func encodeFrames(vals ...int16) []byte {
	out := make([]byte, len(vals)*2)
	for i, v := range vals {
		pcmfmt.Encode(pcmfmt.S16LE, out[i*2:i*2+2], int64(v))
	}
	return out
}

func TestAddThenReadSingleClient(t *testing.T) {
	b := mustInit(t, 4, 4)
	data := encodeFrames(100, -100, 200, -200, 300, -300, 400, -400) // 4 frames, 2ch
	newCursor, consumed := b.Add(0, data, 2)
	assert.Equal(t, len(data), consumed)
	assert.Equal(t, 8, newCursor)

	out := make([]byte, len(data))
	n := b.Read(out, 8, silentScale(2))
	assert.Equal(t, 8, n)
	assert.Equal(t, data, out)
}

func TestAddMixesTwoClientsAdditively(t *testing.T) {
	b := mustInit(t, 4, 4)
	a := encodeFrames(100, 100)
	c := encodeFrames(50, -50)
	b.Add(0, a, 2)
	b.Add(0, c, 2)

	out := make([]byte, 4)
	n := b.Read(out, 2, silentScale(2))
	assert.Equal(t, 2, n)
	assert.Equal(t, int64(150), pcmfmt.Decode(pcmfmt.S16LE, out[0:2]))
	assert.Equal(t, int64(50), pcmfmt.Decode(pcmfmt.S16LE, out[2:4]))
}

func TestAddSaturatesOnOverflow(t *testing.T) {
	b := mustInit(t, 4, 4)
	max := int16(32767)
	a := encodeFrames(max, max)
	c := encodeFrames(max, max)
	b.Add(0, a, 2)
	b.Add(0, c, 2)

	out := make([]byte, 4)
	b.Read(out, 2, silentScale(2))
	assert.Equal(t, int64(32767), pcmfmt.Decode(pcmfmt.S16LE, out[0:2]))
	assert.Equal(t, int64(32767), pcmfmt.Decode(pcmfmt.S16LE, out[2:4]))
}

func TestAddBackPressureAtMixThreshold(t *testing.T) {
	b := mustInit(t, 4, 8)
	// Limit is (mixThreshold+1) periods ahead of mix_offset; feeding far
	// more than that from cursor 0 must be capped, not silently accepted.
	huge := make([]byte, 100*4*2) // 200 frames, 2ch, 2 bytes/sample
	_, consumed := b.Add(0, huge, 2)
	maxSamples := (2 + 1) * b.PeriodSamples()
	assert.LessOrEqual(t, consumed, maxSamples*2) // bytes = samples * 2
}

func TestNegativeCursorPreRoll(t *testing.T) {
	b := mustInit(t, 4, 4)
	// A pre-rolled client starts writing |cursor| samples ahead of
	// mix_offset without having read anything yet.
	data := encodeFrames(10, 20)
	newCursor, consumed := b.Add(-4, data, 2)
	assert.Equal(t, 2, consumed/2)
	assert.Equal(t, 6, newCursor) // mix_offset(0) + 4 (preroll) + 2 samples written
}

func TestReadNeverExceedsSignedRangeRapid(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		b := mustInit(t, 4, 4)
		nClients := rapid.IntRange(1, 4).Draw(rt, "clients")
		for i := 0; i < nClients; i++ {
			v := int16(rapid.IntRange(-32768, 32767).Draw(rt, "sample"))
			data := encodeFrames(v, v)
			b.Add(0, data, 2)
		}
		out := make([]byte, 4)
		n := b.Read(out, 2, silentScale(2))
		if n == 0 {
			return
		}
		for ch := 0; ch < 2; ch++ {
			got := pcmfmt.Decode(pcmfmt.S16LE, out[ch*2:ch*2+2])
			min, max := pcmfmt.S16LE.SignedRange()
			if got < min || got > max {
				rt.Fatalf("sample %d out of range [%d,%d]", got, min, max)
			}
		}
	})
}

func TestAtThresholdAndEmpty(t *testing.T) {
	b := mustInit(t, 4, 8)
	assert.True(t, b.Empty())
	assert.False(t, b.AtThreshold(2))

	data := make([]byte, 2*4*2*2) // 2 periods worth: 2 * (4 frames * 2ch * 2 bytes)
	b.Add(0, data, 4)
	assert.True(t, b.AtThreshold(2))
	assert.False(t, b.Empty())
}

func TestLeadOf(t *testing.T) {
	b := mustInit(t, 4, 4)
	assert.Equal(t, 5, b.LeadOf(-5))

	data := make([]byte, 6*4) // 6 frames
	b.Add(0, data, 4)
	// mix_offset is still 0 (nothing Read yet); a cursor sitting at sample
	// 6 is 6 samples ahead of mix_offset.
	assert.Equal(t, 6, b.LeadOf(6))
}

func TestClearZeroesStorage(t *testing.T) {
	b := mustInit(t, 4, 4)
	data := encodeFrames(999, 999)
	b.Add(0, data, 2)
	b.Clear()
	assert.True(t, b.Empty())

	out := make([]byte, 4)
	n := b.Read(out, 2, silentScale(2))
	assert.Equal(t, 0, n)
}
