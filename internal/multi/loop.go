package multi

import (
	"golang.org/x/sys/unix"

	"github.com/agalue/bamix/internal/client"
	"github.com/agalue/bamix/internal/transport"
)

const maxEpollEvents = 64

// runMixLoop is the single-threaded mix-thread event loop of §4.3.1
// (playback).
func (m *Multi) runMixLoop() {
	events := make([]unix.EpollEvent, maxEpollEvents)
	for {
		n, err := m.poll.wait(events, -1)
		if err != nil {
			m.log.Errorf("epoll_wait: %v", err)
			m.finishMulti()
			return
		}

		for i := 0; i < n; i++ {
			ev := events[i]
			fd := int(ev.Fd)

			if fd == m.wake.Fd() {
				val, ok, _ := m.wake.Read()
				if !ok {
					continue
				}
				if val >= transport.ShutdownValue {
					m.setState(StateFinished)
					m.bufferMu.Lock()
					m.cond.Broadcast()
					m.bufferMu.Unlock()
					m.transportPCM.Signal(transport.SignalClose)
					return
				}
				m.deliverAll()
				continue
			}

			m.clientMu.Lock()
			c, ok := m.lookupLocked(fd)
			if !ok {
				m.clientMu.Unlock()
				continue
			}
			m.dispatchPlaybackEvent(c, ev)
			removed := c.State() == client.Finished
			if removed {
				m.removeClientLocked(c) // recomputes active_count itself
			} else {
				m.recomputeActiveCountLocked()
			}
			m.clientMu.Unlock()
			if removed {
				break // event array invalidated by removal; restart demultiplexing
			}
		}

		if m.afterBatchPlayback() {
			return
		}
	}
}

// deliverAll runs Client.Deliver for every client under both locks, sets
// buffer_ready, and wakes Multi.Read (§4.3.1's wake-up branch).
func (m *Multi) deliverAll() {
	m.bufferMu.Lock()
	m.clientMu.Lock()
	for _, c := range m.clients {
		c.Deliver()
	}
	m.recomputeActiveCountLocked()
	m.bufferReady = true
	m.clientMu.Unlock()
	m.cond.Broadcast()
	m.bufferMu.Unlock()
}

func (m *Multi) dispatchPlaybackEvent(c *client.Client, ev unix.EpollEvent) {
	m.log.Debugf("client %s: fd=%d events=%#x state=%s", c.ID(), ev.Fd, ev.Events, c.State())
	switch int(ev.Fd) {
	case c.ControlFD():
		c.OnControl()
	case c.TimerFD():
		c.OnDrainTimerFired()
	case c.PcmFD():
		if ev.Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 && ev.Events&unix.EPOLLIN == 0 {
			c.OnHangup()
			return
		}
		c.OnPipeReadable()
	}
}

// afterBatchPlayback implements §4.3.1's "After each event batch" rules.
// Caller holds no locks. Returns true if the loop should terminate.
func (m *Multi) afterBatchPlayback() bool {
	m.clientMu.Lock()
	count := len(m.clients)
	active := m.activeCount
	var lonelyDropper *client.Client
	if count == 1 {
		for _, c := range m.clients {
			if c.Dropped() {
				lonelyDropper = c
			}
		}
	}
	m.clientMu.Unlock()

	if count == 0 {
		m.setState(StateFinished)
		m.bufferMu.Lock()
		m.mix.Clear()
		m.cond.Broadcast()
		m.bufferMu.Unlock()
		m.transportPCM.Signal(transport.SignalClose)
		m.transportPCM.StopIfNoClients()
		return false
	}

	if lonelyDropper != nil {
		m.bufferMu.Lock()
		m.mix.Clear()
		m.bufferMu.Unlock()
		m.transportPCM.Signal(transport.SignalDrop)
		lonelyDropper.ClearDrop()
	}

	switch m.State() {
	case StateInit:
		if active > 0 {
			m.clientMu.Lock()
			for _, c := range m.clients {
				c.Deliver()
			}
			m.recomputeActiveCountLocked()
			m.clientMu.Unlock()
			m.bufferMu.Lock()
			atThreshold := m.mix.AtThreshold(m.cfg.MixThresholdPeriods)
			m.bufferMu.Unlock()
			if atThreshold {
				m.setState(StateRunning)
				m.transportPCM.Signal(transport.SignalResume)
			}
		}
	case StateRunning:
		m.bufferMu.Lock()
		empty := m.mix.Empty()
		m.bufferMu.Unlock()
		if empty {
			m.setState(StateInit)
		} else {
			m.transportPCM.Signal(transport.SignalSync)
		}
	}
	return false
}

func (m *Multi) finishMulti() {
	m.setState(StateFinished)
	m.bufferMu.Lock()
	m.cond.Broadcast()
	m.bufferMu.Unlock()
	m.transportPCM.Signal(transport.SignalClose)
}

// runSnoopLoop is the single-threaded snoop-thread event loop of §4.3.2
// (capture).
func (m *Multi) runSnoopLoop() {
	events := make([]unix.EpollEvent, maxEpollEvents)
	for {
		n, err := m.poll.wait(events, -1)
		if err != nil {
			m.log.Errorf("epoll_wait: %v", err)
			m.finishMulti()
			return
		}

		for i := 0; i < n; i++ {
			ev := events[i]
			fd := int(ev.Fd)

			if fd == m.wake.Fd() {
				val, ok, _ := m.wake.Read()
				if ok && val >= transport.ShutdownValue {
					m.setState(StateFinished)
					m.transportPCM.Signal(transport.SignalClose)
					return
				}
				continue
			}

			m.clientMu.Lock()
			c, ok := m.lookupLocked(fd)
			if !ok {
				m.clientMu.Unlock()
				continue
			}
			removed := m.dispatchSnoopEvent(c, ev)
			m.clientMu.Unlock()
			if removed {
				break
			}
		}

		m.clientMu.Lock()
		count := len(m.clients)
		m.clientMu.Unlock()
		if count == 0 {
			m.setState(StateFinished)
			m.transportPCM.Signal(transport.SignalClose)
			m.transportPCM.StopIfNoClients()
			return
		}
	}
}

// dispatchSnoopEvent handles one event for a capture client and returns
// true if the client was removed (and the event batch should restart).
func (m *Multi) dispatchSnoopEvent(c *client.Client, ev unix.EpollEvent) bool {
	m.log.Debugf("client %s: fd=%d events=%#x state=%s", c.ID(), ev.Fd, ev.Events, c.State())
	if int(ev.Fd) == c.PcmFD() && ev.Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		c.OnHangup()
		m.removeClientLocked(c)
		return true
	}
	if int(ev.Fd) == c.ControlFD() {
		wasPaused := c.State() == client.Paused
		c.OnControl()
		m.recomputeActiveCountLocked()
		if wasPaused && c.State() == client.Running && m.State() == StatePaused && m.activeCount > 0 {
			m.setState(StateRunning)
			m.transportPCM.Resume()
		}
	}
	if c.State() == client.Finished {
		m.removeClientLocked(c)
		return true
	}
	return false
}
