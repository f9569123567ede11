// Package multi implements the dispatcher of §3.4/§4.3: one Multi per
// transport-facing PCM, owning the client registry, the Ring Mix Buffer
// (playback) or fan-out path (capture), and the single worker thread that
// coordinates both with the transport I/O thread.
package multi

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/agalue/bamix/internal/bamixlog"
	"github.com/agalue/bamix/internal/client"
	"github.com/agalue/bamix/internal/config"
	"github.com/agalue/bamix/internal/mixbuf"
	"github.com/agalue/bamix/internal/pcmfmt"
	"github.com/agalue/bamix/internal/transport"
)

// Sentinel errors surfaced by Read/Write, per §4.3's Multi.read state
// table.
var (
	ErrTryAgain      = errors.New("multi: try again")
	ErrIO            = errors.New("multi: i/o error")
	ErrTooManyClients = errors.New("multi: too many clients")
)

// Multi is one transport PCM's dispatcher (§3.4).
type Multi struct {
	cfg       config.Config
	direction client.Direction
	format    pcmfmt.Format
	channels  int

	periodFrames int
	periodBytes  int

	transportPCM transport.PCM

	mix *mixbuf.Buffer // playback only

	scale []float64 // soft-volume per channel, or 0.0 for hw-muted

	poll *poller
	wake *transport.EventCounter // worker's own wake-up source
	pcmEvent *transport.EventCounter // transport-facing notifier (lazily created)

	clientMu sync.Mutex
	clients  map[uuid.UUID]*client.Client
	fdIndex  map[int]uuid.UUID // pcmFD/controlFD/timerFD -> client id
	activeCount int

	bufferMu    sync.Mutex
	bufferReady bool
	cond        *sync.Cond

	state atomic.Int32 // multi.State

	dropPending bool // §3.4 "drop" flag; never set: afterBatchPlayback reads each client's own drop flag instead

	workerMu      sync.Mutex
	workerRunning bool
	workerDone    chan struct{}

	log *bamixlog.Logger
}

// Create allocates a Multi bound to one transport PCM, per §4.3 create().
func Create(transportPCM transport.PCM, direction client.Direction, format pcmfmt.Format, channels int, cfg config.Config) (*Multi, error) {
	if err := pcmfmt.ValidateGeometry(format, channels); err != nil {
		return nil, err
	}
	poll, err := newPoller()
	if err != nil {
		return nil, err
	}
	wake, err := transport.NewEventCounter()
	if err != nil {
		poll.close()
		return nil, err
	}
	if err := poll.add(wake.Fd(), unix.EPOLLIN); err != nil {
		poll.close()
		wake.Close()
		return nil, err
	}
	scale := make([]float64, channels)
	for i := range scale {
		scale[i] = 1.0
	}
	m := &Multi{
		cfg:          cfg,
		direction:    direction,
		format:       format,
		channels:     channels,
		transportPCM: transportPCM,
		scale:        scale,
		poll:         poll,
		wake:         wake,
		clients:      make(map[uuid.UUID]*client.Client),
		fdIndex:      make(map[int]uuid.UUID),
		log:          bamixlog.New(direction.String()),
	}
	m.cond = sync.NewCond(&m.bufferMu)
	m.state.Store(int32(StateInit))
	return m, nil
}

// Init computes period geometry from transferSamples (the transport's
// transfer granularity) and, for playback, allocates the Ring Mix Buffer
// (§4.3 init()).
func (m *Multi) Init(transferSamples int) error {
	m.periodFrames = transferSamples / m.channels
	m.periodBytes = m.periodFrames * m.channels * m.format.BytesPerSample()

	if m.direction == client.Playback {
		mix, err := mixbuf.Init(m.format, m.channels, m.cfg.BufferPeriods*m.periodFrames, m.periodFrames)
		if err != nil {
			return err
		}
		m.mix = mix
		m.bufferMu.Lock()
		m.bufferReady = false
		m.bufferMu.Unlock()
	}

	m.clientMu.Lock()
	defer m.clientMu.Unlock()
	for id, c := range m.clients {
		if err := c.Init(); err != nil {
			m.removeClientLocked(c)
			m.log.Warnf("client %s failed init: %v", id, err)
		}
	}
	return nil
}

// State returns Multi's current global state.
func (m *Multi) State() State { return State(m.state.Load()) }

func (m *Multi) setState(s State) { m.state.Store(int32(s)) }

// ActiveCount returns the number of clients currently counted active
// (§3.3 active_count).
func (m *Multi) ActiveCount() int {
	m.clientMu.Lock()
	defer m.clientMu.Unlock()
	return m.activeCount
}

// ClientCount returns the number of registered clients.
func (m *Multi) ClientCount() int {
	m.clientMu.Lock()
	defer m.clientMu.Unlock()
	return len(m.clients)
}

// AddClient registers a new client bound to pcmFD/controlFD, per §4.3
// add_client(). Bounded by MAX_CLIENTS.
func (m *Multi) AddClient(pcmFD, controlFD int) (*client.Client, error) {
	m.clientMu.Lock()
	if len(m.clients) >= m.cfg.MaxClients {
		m.clientMu.Unlock()
		return nil, ErrTooManyClients
	}
	if m.direction == client.Capture && m.State() == StateFinished {
		m.resetLocked()
	}
	m.clientMu.Unlock()

	if m.pcmEvent == nil {
		ev, err := transport.NewEventCounter()
		if err != nil {
			return nil, err
		}
		m.pcmEvent = ev
	}

	c, err := client.New(m, m.direction, pcmFD, controlFD)
	if err != nil {
		return nil, err
	}

	m.clientMu.Lock()
	m.clients[c.ID()] = c
	m.fdIndex[c.PcmFD()] = c.ID()
	m.fdIndex[c.ControlFD()] = c.ID()
	if c.TimerFD() >= 0 {
		m.fdIndex[c.TimerFD()] = c.ID()
	}
	m.clientMu.Unlock()

	if err := m.poll.add(c.PcmFD(), pipeWatchOffMask); err != nil {
		return nil, err
	}
	if err := m.poll.add(c.ControlFD(), readInterest); err != nil {
		return nil, err
	}
	if c.TimerFD() >= 0 {
		if err := m.poll.add(c.TimerFD(), readInterest); err != nil {
			return nil, err
		}
	}

	// A client's own Init (buffer allocation, pipe-watch enable, or the
	// immediate Running promotion for capture) depends only on period
	// geometry, not on Multi's current state, so it always runs here.
	if err := c.Init(); err != nil {
		m.clientMu.Lock()
		m.removeClientLocked(c)
		m.clientMu.Unlock()
		return nil, err
	}

	switch m.direction {
	case client.Playback:
		if m.State() == StateFinished {
			m.setState(StateInit)
		}
	case client.Capture:
		m.setState(StateRunning)
	}
	m.clientMu.Lock()
	m.recomputeActiveCountLocked()
	m.clientMu.Unlock()

	m.startWorker()
	return c, nil
}

// resetLocked clears a finished capture cycle so a new one can begin, per
// §4.3 add_client()'s "if the previous cycle ended, reset first". Caller
// holds clientMu.
func (m *Multi) resetLocked() {
	for _, c := range m.clients {
		m.removeClientLocked(c)
	}
	m.setState(StateInit)
}

func (m *Multi) startWorker() {
	m.workerMu.Lock()
	defer m.workerMu.Unlock()
	if m.workerRunning {
		return
	}
	m.workerRunning = true
	m.workerDone = make(chan struct{})
	go func() {
		defer close(m.workerDone)
		defer func() {
			m.workerMu.Lock()
			m.workerRunning = false
			m.workerMu.Unlock()
		}()
		if m.direction == client.Playback {
			m.runMixLoop()
		} else {
			m.runSnoopLoop()
		}
	}()
}

// Shutdown posts the reserved shutdown value to the wake-up source and
// waits for the worker to exit.
func (m *Multi) Shutdown() {
	m.wake.Post(transport.ShutdownValue)
	m.workerMu.Lock()
	done := m.workerDone
	m.workerMu.Unlock()
	if done != nil {
		<-done
	}
}

// Close releases Multi-owned resources. Call after Shutdown.
func (m *Multi) Close() {
	m.poll.close()
	m.wake.Close()
	if m.pcmEvent != nil {
		m.pcmEvent.Close()
	}
}

// ----------------------------------------------------------------------
// Transport-facing entry points (component D, §4.3/§4.4)
// ----------------------------------------------------------------------

// Read is the playback-path entry point the transport encoder calls for
// more PCM (§4.3 read()).
func (m *Multi) Read(out []byte) (int, error) {
	if m.pcmEvent != nil {
		m.pcmEvent.Read()
	}
	m.wake.Post(transport.WakeValue)

	m.bufferMu.Lock()
	for {
		st := m.State()
		if st != StateRunning || m.bufferReady {
			break
		}
		m.cond.Wait()
	}
	st := m.State()
	switch st {
	case StateInit:
		m.bufferMu.Unlock()
		return 0, ErrTryAgain
	case StateFinished:
		m.bufferMu.Unlock()
		if m.pcmEvent != nil {
			m.pcmEvent.Close()
			m.pcmEvent = nil
		}
		return 0, nil
	case StateRunning:
		bps := m.format.BytesPerSample()
		samples := len(out) / bps
		n := m.mix.Read(out, samples, m.scale)
		m.bufferReady = false
		m.bufferMu.Unlock()
		return n * bps, nil
	default:
		m.bufferMu.Unlock()
		return 0, ErrIO
	}
}

// Write is the capture-path entry point the transport decoder calls with
// one period of decoded PCM (§4.3 write()).
func (m *Multi) Write(data []byte) (int, error) {
	m.clientMu.Lock()
	defer m.clientMu.Unlock()

	if m.State() == StateFinished {
		if m.pcmEvent != nil {
			m.pcmEvent.Close()
			m.pcmEvent = nil
		}
		return 0, nil
	}

	for _, c := range m.clients {
		if c.State() != client.Running {
			continue
		}
		if err := c.Write(data); err != nil {
			m.log.Warnf("client %s write: %v", c.ID(), err)
		}
		if c.State() == client.Finished {
			m.removeClientLocked(c)
		}
	}
	m.recomputeActiveCountLocked()
	return len(data), nil
}

// ----------------------------------------------------------------------
// Soft-volume / mute (§4.3 read(), §6.3)
// ----------------------------------------------------------------------

// SetScale sets the per-channel soft-volume scale (0.0..1.0, or 0.0 to
// mute) used by subsequent Read calls.
func (m *Multi) SetScale(scale []float64) {
	m.bufferMu.Lock()
	defer m.bufferMu.Unlock()
	copy(m.scale, scale)
}

func (m *Multi) fmtErr(context string, err error) error {
	return fmt.Errorf("multi: %s: %w", context, err)
}
