// Package client implements the per-client state machine of §3.3/§4.2: one
// Client per joined audio peer, driven by readiness events on its data
// pipe, control socket, and (playback only) drain timer.
package client

import (
	"errors"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/agalue/bamix/internal/ctlproto"
)

// Sentinel errors, per §7's taxonomy.
var (
	ErrPeerClosed  = errors.New("client: peer closed")
	ErrOverrun     = errors.New("client: overrun, frames dropped")
	ErrOutOfMemory = errors.New("client: out of memory")
)

// Client is one joined peer: its pipe/control descriptors, its lifecycle
// state, and (playback) its local byte buffer and mix cursor.
type Client struct {
	host      Host
	id        uuid.UUID
	direction Direction

	pcmFD     int
	controlFD int
	timerFD   int // -1 unless direction == Playback

	state State
	watch bool // pipe watch currently enabled in the event set
	drop  bool

	buf       []byte // playback pre-period byte buffer
	inOffset  int    // bytes buffered in buf (playback only)
	outOffset int     // signed sample cursor into the mix buffer (playback only)

	drainAvail int // mix avail() snapshot taken when Draining1 began
}

// New registers pcmFD/controlFD as this client's event sources. For
// playback it additionally creates a one-shot monotonic drain timer. The
// returned Client starts in Init with its pipe watch disabled; the caller
// (Multi.AddClient) is responsible for the actual epoll_ctl registration
// using PcmFD/ControlFD/TimerFD, and must call Init once Multi itself is
// initialized (§4.2 new()/init()).
func New(host Host, direction Direction, pcmFD, controlFD int) (*Client, error) {
	c := &Client{
		host:      host,
		id:        uuid.New(),
		direction: direction,
		pcmFD:     pcmFD,
		controlFD: controlFD,
		timerFD:   -1,
		state:     Init,
	}
	if direction == Playback {
		fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
		if err != nil {
			return nil, err
		}
		c.timerFD = fd
	}
	if err := unix.SetNonblock(pcmFD, true); err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(controlFD, true); err != nil {
		return nil, err
	}
	return c, nil
}

// ID, State, Direction, Dropped, PcmFD, ControlFD, TimerFD, Watching are the
// read-only accessors Multi's dispatcher needs to route events and
// maintain its registry and active_count.
func (c *Client) ID() uuid.UUID      { return c.id }
func (c *Client) State() State       { return c.state }
func (c *Client) Direction() Direction { return c.direction }
func (c *Client) Dropped() bool      { return c.drop }
func (c *Client) ClearDrop()         { c.drop = false }
func (c *Client) PcmFD() int         { return c.pcmFD }
func (c *Client) ControlFD() int     { return c.controlFD }
func (c *Client) TimerFD() int       { return c.timerFD } // -1 if none
func (c *Client) Watching() bool     { return c.watch }

// IsActive reports whether this client counts toward Multi.active_count,
// per §3.3: {Running, Draining1} for playback, {Running} for capture.
func (c *Client) IsActive() bool {
	if c.direction == Capture {
		return c.state.activeForCapture()
	}
	return c.state.activeForPlayback()
}

// Init allocates the playback byte buffer (sized CLIENT_BUFFER_PERIODS =
// CLIENT_THRESHOLD+1 periods) and moves to Idle with the pipe watch
// enabled, or for capture moves straight to Running (§4.2 init()).
func (c *Client) Init() error {
	if c.direction == Playback {
		periods := c.host.ClientThresholdPeriods() + 1
		c.buf = make([]byte, periods*c.host.PeriodBytes())
		if c.buf == nil {
			return ErrOutOfMemory
		}
		c.state = Idle
		return c.enableWatch()
	}
	c.state = Running
	return nil
}

// Close releases all descriptors this client owns. Multi is responsible
// for epoll_ctl(DEL) on each fd before calling Close (§5 "Resource
// policy": one owner per descriptor, released on that owner's destruction).
func (c *Client) Close() {
	unix.Close(c.pcmFD)
	unix.Close(c.controlFD)
	if c.timerFD >= 0 {
		unix.Close(c.timerFD)
	}
	c.state = Finished
}

func (c *Client) enableWatch() error {
	c.watch = true
	return c.host.SetWatch(c.pcmFD, true)
}

func (c *Client) disableWatch() error {
	c.watch = false
	return c.host.SetWatch(c.pcmFD, false)
}

func (c *Client) finish(reason error) {
	c.state = Finished
	c.host.Logf("client %s: finished: %v", c.id, reason)
}

// ----------------------------------------------------------------------
// Playback event handling (§4.2.1)
// ----------------------------------------------------------------------

// OnPipeReadable handles a readiness edge on the data pipe. It reads into
// the tail of the local byte buffer; EOF finishes the client, EAGAIN with
// a full buffer disables the pipe watch (back-pressure), and holding more
// than CLIENT_THRESHOLD periods of bytes while Idle promotes the client to
// Running.
func (c *Client) OnPipeReadable() {
	if c.direction != Playback || c.state == Finished {
		return
	}
	n, full, err := c.readPipe()
	if err != nil {
		c.finish(err)
		return
	}
	_ = n
	if full {
		c.disableWatch()
	}
	if c.state == Idle && c.inOffset > c.host.ClientThresholdPeriods()*c.host.PeriodBytes() {
		c.enterRunning()
	}
}

// readPipe performs one non-blocking read into the tail of buf. It
// returns the number of bytes read, whether the buffer is now full, and a
// non-nil error only on peer hang-up or a fatal I/O error (ErrPeerClosed).
func (c *Client) readPipe() (n int, full bool, err error) {
	if c.inOffset >= len(c.buf) {
		return 0, true, nil
	}
	got, rerr := unix.Read(c.pcmFD, c.buf[c.inOffset:])
	if rerr == unix.EAGAIN {
		return 0, c.inOffset >= len(c.buf), nil
	}
	if rerr != nil {
		return 0, false, ErrPeerClosed
	}
	if got == 0 {
		return 0, false, ErrPeerClosed
	}
	c.inOffset += got
	return got, c.inOffset >= len(c.buf), nil
}

func (c *Client) enterRunning() {
	periodSamples := c.host.PeriodSamples()
	bufferedSamples := (c.inOffset / c.host.BytesPerSample())
	c.outOffset = -(c.host.MixThresholdPeriods()*periodSamples - bufferedSamples)
	c.state = Running
}

// Deliver is invoked by the mix thread once per transport wake, for every
// client, so the worker can pull buffered bytes into the Ring Mix Buffer
// (§4.3.1). It implements §4.2.1's "Deliver" bullet.
func (c *Client) Deliver() {
	if c.direction != Playback {
		return
	}
	switch c.state {
	case Draining1:
		c.deliverDraining()
	case Running:
		c.deliverRunning()
	}
}

func (c *Client) deliverDraining() {
	_, _, _ = c.readPipe() // opportunistic, non-fatal here; OnPipeReadable handles hang-up
	drained := c.mixDrained()
	if c.inOffset > 0 {
		c.mixAdd()
	}
	if drained {
		c.state = Draining2
		c.host.ArmDrainTimer(c.timerFD, c.host.DrainSettleNanos())
	}
}

// mixDrained implements the Open-Question-preserved, wrap-aware drain
// criterion: the mix has caught up with (or wrapped past) the avail()
// snapshot taken when Draining1 began.
func (c *Client) mixDrained() bool {
	avail := c.host.MixAvail()
	return avail == 0 || avail > c.drainAvail
}

func (c *Client) deliverRunning() {
	if c.inOffset > 0 {
		c.mixAdd()
	}
}

// mixAdd feeds buffered bytes to the mix buffer, compacts what remains,
// and (per §4.2.1) re-enables the pipe watch if any bytes were consumed.
func (c *Client) mixAdd() {
	newCursor, consumed := c.host.MixAdd(c.outOffset, c.buf[:c.inOffset])
	if consumed <= 0 {
		return
	}
	c.outOffset = newCursor
	remaining := c.inOffset - consumed
	copy(c.buf, c.buf[consumed:c.inOffset])
	c.inOffset = remaining
	if !c.watch {
		c.enableWatch()
	}
}

// OnDrainTimerFired handles the drain-settle timer expiring. It is a
// no-op unless the client is currently Draining2 (§4.2.1).
func (c *Client) OnDrainTimerFired() {
	var buf [8]byte
	unix.Read(c.timerFD, buf[:]) // drain the timerfd counter
	if c.state != Draining2 {
		return
	}
	c.state = Idle
	c.enableWatch()
	c.inOffset = 0
	c.writeControl(ctlproto.ReplyOK)
}

// forceDrainComplete collapses an in-progress drain to Idle synchronously,
// per §4.2.1: "If a control command arrives during Draining1/2, run the
// drain-timer handler first to reach a clean Idle before dispatching."
func (c *Client) forceDrainComplete() {
	if c.state != Draining1 && c.state != Draining2 {
		return
	}
	c.host.DisarmDrainTimer(c.timerFD)
	c.state = Idle
	c.enableWatch()
	c.inOffset = 0
}

// OnControl reads and dispatches one control-socket command (§4.2.1 for
// playback, §4.2.2 for capture). Peer hang-up finishes the client.
func (c *Client) OnControl() {
	if c.state == Finished {
		return
	}
	var buf [64]byte
	n, err := unix.Read(c.controlFD, buf[:])
	if err == unix.EAGAIN {
		return
	}
	if err != nil || n == 0 {
		c.finish(ErrPeerClosed)
		return
	}
	cmd := ctlproto.Parse(buf[:n])

	c.forceDrainComplete()

	if c.direction == Capture {
		c.dispatchCapture(cmd)
		return
	}
	c.dispatchPlayback(cmd)
}

func (c *Client) dispatchPlayback(cmd ctlproto.Command) {
	switch cmd {
	case ctlproto.CmdDrain:
		if c.state == Running {
			c.disableWatch()
			c.state = Draining1
			c.drainAvail = c.host.MixAvail()
			return // reply deferred until the drain timer fires
		}
		c.writeControl(ctlproto.ReplyOK)
	case ctlproto.CmdDrop:
		c.host.DisarmDrainTimer(c.timerFD)
		c.discardPipe()
		c.inOffset = 0
		c.state = Idle
		c.enableWatch()
		c.drop = true
		c.writeControl(ctlproto.ReplyOK)
	case ctlproto.CmdPause:
		c.state = Paused
		c.disableWatch()
		lead := c.host.MixLead(c.outOffset)
		c.outOffset = -lead
		c.writeControl(ctlproto.ReplyOK)
	case ctlproto.CmdResume:
		switch c.state {
		case Idle:
			c.enableWatch()
			c.drop = false
		case Paused:
			c.state = Running
			c.enableWatch()
		}
		c.writeControl(ctlproto.ReplyOK)
	default:
		c.writeControl(ctlproto.ReplyInvalid)
	}
}

func (c *Client) dispatchCapture(cmd ctlproto.Command) {
	switch cmd {
	case ctlproto.CmdPause:
		c.state = Paused
		c.writeControl(ctlproto.ReplyOK)
	case ctlproto.CmdResume:
		c.state = Running
		c.writeControl(ctlproto.ReplyOK)
	case ctlproto.CmdDrain, ctlproto.CmdDrop:
		c.writeControl(ctlproto.ReplyOK)
	default:
		c.writeControl(ctlproto.ReplyInvalid)
	}
}

func (c *Client) writeControl(reply []byte) {
	unix.Write(c.controlFD, reply)
}

// discardPipe drains the pipe into a throwaway sink (§4.2.1 Drop).
func (c *Client) discardPipe() {
	var sink [4096]byte
	for {
		n, err := unix.Read(c.pcmFD, sink[:])
		if err != nil || n == 0 {
			return
		}
	}
}

// ----------------------------------------------------------------------
// Capture event handling (§4.2.2)
// ----------------------------------------------------------------------

// OnHangup handles pipe hang-up/error on a client's pipe. Multi calls it
// for capture clients and for playback clients whose pipe reports
// hang-up/error without readable data.
func (c *Client) OnHangup() {
	c.finish(ErrPeerClosed)
}

// Write performs a best-effort non-blocking write of one period of fan-out
// data to this capture client's pipe. EAGAIN drops the frames in-flight
// (ErrOverrun, non-fatal); any other error finishes the client.
func (c *Client) Write(data []byte) error {
	if c.direction != Capture || c.state != Running {
		return nil
	}
	_, err := unix.Write(c.pcmFD, data)
	if err == unix.EAGAIN {
		return ErrOverrun
	}
	if err != nil {
		c.finish(err)
		return ErrPeerClosed
	}
	return nil
}
