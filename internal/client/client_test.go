package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/agalue/bamix/internal/ctlproto"
)

// fakeHost is a minimal Host used to drive Client through its state machine
// without a real Multi/mixbuf behind it.
type fakeHost struct {
	dir             Direction
	periodBytes     int
	periodSamples   int
	bytesPerSample  int
	mixThreshold    int
	clientThreshold int
	drainSettleNs   int64

	mixAvail int
	added    [][]byte
	watch    map[int]bool
}

func newFakeHost(dir Direction) *fakeHost {
	return &fakeHost{
		dir:             dir,
		periodBytes:     16, // 4 frames * 2ch * 2 bytes
		periodSamples:   8,
		bytesPerSample:  2,
		mixThreshold:    2,
		clientThreshold: 2,
		drainSettleNs:   1_000_000,
		watch:           make(map[int]bool),
	}
}

func (h *fakeHost) Direction() Direction         { return h.dir }
func (h *fakeHost) PeriodBytes() int             { return h.periodBytes }
func (h *fakeHost) PeriodSamples() int           { return h.periodSamples }
func (h *fakeHost) BytesPerSample() int          { return h.bytesPerSample }
func (h *fakeHost) MixThresholdPeriods() int     { return h.mixThreshold }
func (h *fakeHost) ClientThresholdPeriods() int  { return h.clientThreshold }
func (h *fakeHost) DrainSettleNanos() int64      { return h.drainSettleNs }

func (h *fakeHost) MixAdd(cursor int, data []byte) (int, int) {
	h.added = append(h.added, append([]byte(nil), data...))
	return cursor + len(data)/h.bytesPerSample, len(data)
}

func (h *fakeHost) MixAvail() int            { return h.mixAvail }
func (h *fakeHost) MixLead(cursor int) int   { return cursor }
func (h *fakeHost) SetWatch(fd int, on bool) error {
	h.watch[fd] = on
	return nil
}
func (h *fakeHost) ArmDrainTimer(fd int, nanos int64) error { return nil }
func (h *fakeHost) DisarmDrainTimer(fd int) error           { return nil }
func (h *fakeHost) Logf(format string, args ...any)         {}

func socketpair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func newPlaybackClient(t *testing.T, h *fakeHost) (*Client, int, int) {
	t.Helper()
	pcmSrv, pcmPeer := socketpair(t)
	ctlSrv, ctlPeer := socketpair(t)
	c, err := New(h, Playback, pcmSrv, ctlSrv)
	require.NoError(t, err)
	require.NoError(t, c.Init())
	return c, pcmPeer, ctlPeer
}

func TestInitMovesPlaybackClientToIdleWithWatchEnabled(t *testing.T) {
	h := newFakeHost(Playback)
	c, _, _ := newPlaybackClient(t, h)
	assert.Equal(t, Idle, c.State())
	assert.True(t, h.watch[c.PcmFD()])
}

func TestPipeReadablePromotesToRunningAtThreshold(t *testing.T) {
	h := newFakeHost(Playback)
	c, peer, _ := newPlaybackClient(t, h)

	// clientThreshold=2 periods * periodBytes(16) = 32 bytes to cross.
	_, err := unix.Write(peer, make([]byte, 40))
	require.NoError(t, err)
	c.OnPipeReadable()
	assert.Equal(t, Running, c.State())
}

func TestPipeReadableStaysIdleBelowThreshold(t *testing.T) {
	h := newFakeHost(Playback)
	c, peer, _ := newPlaybackClient(t, h)

	_, err := unix.Write(peer, make([]byte, 8))
	require.NoError(t, err)
	c.OnPipeReadable()
	assert.Equal(t, Idle, c.State())
}

func TestPipeHangupFinishesClient(t *testing.T) {
	h := newFakeHost(Playback)
	c, peer, _ := newPlaybackClient(t, h)
	unix.Close(peer)

	c.OnPipeReadable()
	assert.Equal(t, Finished, c.State())
}

func TestDrainRunsTimerThenRepliesOK(t *testing.T) {
	h := newFakeHost(Playback)
	c, peer, ctlPeer := newPlaybackClient(t, h)

	_, err := unix.Write(peer, make([]byte, 40))
	require.NoError(t, err)
	c.OnPipeReadable()
	require.Equal(t, Running, c.State())

	_, err = unix.Write(ctlPeer, ctlproto.Encode(ctlproto.CmdDrain))
	require.NoError(t, err)
	c.OnControl()
	assert.Equal(t, Draining1, c.State())

	h.mixAvail = 0
	c.Deliver()
	assert.Equal(t, Draining2, c.State())

	c.OnDrainTimerFired()
	assert.Equal(t, Idle, c.State())

	reply := make([]byte, 16)
	n, err := unix.Read(ctlPeer, reply)
	require.NoError(t, err)
	assert.Equal(t, ctlproto.ReplyOK, reply[:n])
}

func TestDropClearsBufferAndSetsFlag(t *testing.T) {
	h := newFakeHost(Playback)
	c, peer, ctlPeer := newPlaybackClient(t, h)

	_, err := unix.Write(peer, make([]byte, 40))
	require.NoError(t, err)
	c.OnPipeReadable()

	_, err = unix.Write(ctlPeer, ctlproto.Encode(ctlproto.CmdDrop))
	require.NoError(t, err)
	c.OnControl()

	assert.Equal(t, Idle, c.State())
	assert.True(t, c.Dropped())

	reply := make([]byte, 16)
	n, err := unix.Read(ctlPeer, reply)
	require.NoError(t, err)
	assert.Equal(t, ctlproto.ReplyOK, reply[:n])
}

func TestPauseSnapsCursorToNegativeLead(t *testing.T) {
	h := newFakeHost(Playback)
	c, peer, ctlPeer := newPlaybackClient(t, h)

	_, err := unix.Write(peer, make([]byte, 40))
	require.NoError(t, err)
	c.OnPipeReadable()
	c.Deliver() // push buffered bytes through MixAdd, advancing outOffset

	_, err = unix.Write(ctlPeer, ctlproto.Encode(ctlproto.CmdPause))
	require.NoError(t, err)
	c.OnControl()

	assert.Equal(t, Paused, c.State())
	assert.False(t, h.watch[c.PcmFD()])
	// enterRunning put the cursor at -(2*8-20)=4, Deliver advanced it by
	// 20 samples to 24, and fakeHost.MixLead reports that as the lead.
	assert.Equal(t, -24, c.outOffset)
}

func TestResumeFromPauseReenablesWatch(t *testing.T) {
	h := newFakeHost(Playback)
	c, peer, ctlPeer := newPlaybackClient(t, h)
	_, err := unix.Write(peer, make([]byte, 40))
	require.NoError(t, err)
	c.OnPipeReadable()

	_, err = unix.Write(ctlPeer, ctlproto.Encode(ctlproto.CmdPause))
	require.NoError(t, err)
	c.OnControl()
	reply := make([]byte, 16)
	unix.Read(ctlPeer, reply)

	_, err = unix.Write(ctlPeer, ctlproto.Encode(ctlproto.CmdResume))
	require.NoError(t, err)
	c.OnControl()

	assert.Equal(t, Running, c.State())
	assert.True(t, h.watch[c.PcmFD()])
}

func TestUnknownControlCommandRepliesInvalidWithoutStateChange(t *testing.T) {
	h := newFakeHost(Playback)
	c, _, ctlPeer := newPlaybackClient(t, h)

	_, err := unix.Write(ctlPeer, []byte("Bogus\n"))
	require.NoError(t, err)
	c.OnControl()

	assert.Equal(t, Idle, c.State())
	reply := make([]byte, 16)
	n, err := unix.Read(ctlPeer, reply)
	require.NoError(t, err)
	assert.Equal(t, ctlproto.ReplyInvalid, reply[:n])
}

func TestCaptureClientWriteDropsOnOverrun(t *testing.T) {
	h := newFakeHost(Capture)
	pcmSrv, pcmPeer := socketpair(t)
	ctlSrv, _ := socketpair(t)
	c, err := New(h, Capture, pcmSrv, ctlSrv)
	require.NoError(t, err)
	require.NoError(t, c.Init())
	assert.Equal(t, Running, c.State())

	// Fill the peer's receive buffer so the next write returns EAGAIN.
	big := make([]byte, 8<<20)
	for {
		n, werr := unix.Write(pcmSrv, big)
		if werr == unix.EAGAIN {
			break
		}
		require.NoError(t, werr)
		if n == 0 {
			break
		}
	}

	err = c.Write(make([]byte, 64))
	assert.ErrorIs(t, err, ErrOverrun)
	assert.Equal(t, Running, c.State())
	_ = pcmPeer
}

func TestCaptureHangupFinishesClient(t *testing.T) {
	h := newFakeHost(Capture)
	pcmSrv, pcmPeer := socketpair(t)
	ctlSrv, _ := socketpair(t)
	c, err := New(h, Capture, pcmSrv, ctlSrv)
	require.NoError(t, err)
	require.NoError(t, c.Init())

	unix.Close(pcmPeer)
	c.OnHangup()
	assert.Equal(t, Finished, c.State())
}
