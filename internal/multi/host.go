package multi

import (
	"golang.org/x/sys/unix"

	"github.com/agalue/bamix/internal/client"
)

// Multi implements client.Host: the non-owning handle each Client uses to
// reach period geometry, the mix buffer, and epoll watch control (§9
// "Backward ownership").
var _ client.Host = (*Multi)(nil)

func (m *Multi) Direction() client.Direction { return m.direction }

func (m *Multi) PeriodBytes() int   { return m.periodBytes }
func (m *Multi) PeriodSamples() int { return m.periodFrames * m.channels }
func (m *Multi) BytesPerSample() int { return m.format.BytesPerSample() }

func (m *Multi) MixThresholdPeriods() int    { return m.cfg.MixThresholdPeriods }
func (m *Multi) ClientThresholdPeriods() int { return m.cfg.ClientThresholdPeriods }
func (m *Multi) DrainSettleNanos() int64     { return m.cfg.DrainSettleNanos }

func (m *Multi) MixAdd(cursor int, data []byte) (int, int) {
	m.clientMuAssertHeld()
	return m.mix.Add(cursor, data, m.cfg.MixThresholdPeriods)
}

func (m *Multi) MixAvail() int {
	return m.mix.Avail()
}

func (m *Multi) MixLead(cursor int) int {
	return m.mix.LeadOf(cursor)
}

func (m *Multi) SetWatch(fd int, enabled bool) error {
	if enabled {
		return m.poll.modify(fd, pipeWatchOnMask)
	}
	return m.poll.modify(fd, pipeWatchOffMask)
}

func (m *Multi) ArmDrainTimer(fd int, nanos int64) error {
	spec := &unix.ItimerSpec{
		Value: unix.NsecToTimespec(nanos),
	}
	return unix.TimerfdSettime(fd, 0, spec, nil)
}

func (m *Multi) DisarmDrainTimer(fd int) error {
	spec := &unix.ItimerSpec{}
	return unix.TimerfdSettime(fd, 0, spec, nil)
}

func (m *Multi) Logf(format string, args ...any) {
	m.log.Infof(format, args...)
}

// clientMuAssertHeld documents (and in non-production builds could
// enforce) that MixAdd is only ever called from the worker goroutine while
// clientMu is held (§5: "the write-side of the mix is protected by
// client_mutex"). The worker loop is the only caller.
func (m *Multi) clientMuAssertHeld() {}
