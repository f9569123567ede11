package client

// Host is the non-owning handle back to the parent Multi a Client needs,
// per §9's "Backward ownership" note: just enough to consult period
// geometry, the mix buffer, and the event-loop's watch state, without a
// reference cycle between the client and multi packages.
type Host interface {
	// Direction reports whether this Host's Multi is playback or capture.
	Direction() Direction

	// PeriodBytes and PeriodSamples mirror Multi's period_bytes/
	// period_frames*channels (§3.4).
	PeriodBytes() int
	PeriodSamples() int
	BytesPerSample() int

	// MixThresholdPeriods and ClientThresholdPeriods are the configured
	// MIX_THRESHOLD/CLIENT_THRESHOLD values (§6.3), in periods.
	MixThresholdPeriods() int
	ClientThresholdPeriods() int

	// DrainSettleNanos is the configured DRAIN_SETTLE_NS (§6.3).
	DrainSettleNanos() int64

	// MixAdd mixes data into the Ring Mix Buffer at cursor and returns the
	// new cursor and bytes consumed, per §4.1 add(). Only whole frames are
	// consumed; a trailing partial frame is left to the caller. Playback only.
	MixAdd(cursor int, data []byte) (newCursor, consumed int)

	// MixAvail returns the mix buffer's current avail(mix_offset, end) in
	// samples. Playback only.
	MixAvail() int

	// MixLead returns the wrap-aware distance a cursor value sits ahead
	// of mix_offset (§4.2.1 "delay(out_offset)"). Playback only.
	MixLead(cursor int) int

	// SetWatch enables/disables epoll interest in fd without
	// deregistering it (§9 "Event dispatch").
	SetWatch(fd int, enabled bool) error

	// ArmDrainTimer arms this client's one-shot drain-settle timer for
	// nanos nanoseconds from now. Playback only.
	ArmDrainTimer(fd int, nanos int64) error

	// DisarmDrainTimer cancels a pending drain timer without closing it.
	DisarmDrainTimer(fd int) error

	// Logf logs a line tagged with this client's identity.
	Logf(format string, args ...any)
}
