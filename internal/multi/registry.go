package multi

import (
	"github.com/agalue/bamix/internal/client"
)

// removeClientLocked deregisters a client's descriptors from epoll, closes
// them, and drops it from the registry. Caller holds clientMu. Per §5: "A
// client that is in Finished is removed before any subsequent state
// observation."
func (m *Multi) removeClientLocked(c *client.Client) {
	m.poll.remove(c.PcmFD())
	m.poll.remove(c.ControlFD())
	delete(m.fdIndex, c.PcmFD())
	delete(m.fdIndex, c.ControlFD())
	if c.TimerFD() >= 0 {
		m.poll.remove(c.TimerFD())
		delete(m.fdIndex, c.TimerFD())
	}
	c.Close()
	delete(m.clients, c.ID())
	m.recomputeActiveCountLocked()
}

// recomputeActiveCountLocked derives active_count in the one place §9
// calls for. Caller holds clientMu.
func (m *Multi) recomputeActiveCountLocked() {
	n := 0
	for _, c := range m.clients {
		if c.IsActive() {
			n++
		}
	}
	m.activeCount = n
}

// lookupLocked resolves an epoll fd back to its owning client. Caller
// holds clientMu.
func (m *Multi) lookupLocked(fd int) (*client.Client, bool) {
	id, ok := m.fdIndex[fd]
	if !ok {
		return nil, false
	}
	c, ok := m.clients[id]
	return c, ok
}
