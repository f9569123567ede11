// Package transport holds the contracts Multi needs from the external
// Bluetooth transport layer (§4.4) and the eventfd-based signaling
// primitive used to talk to it. Everything else about the transport —
// codec selection, HCI/USB MTU discovery, the service control plane — is
// out of scope per §1 and lives outside this module entirely.
package transport

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// SignalKind enumerates the point-to-point signals Multi can send the
// transport I/O thread via Signal, per §4.4.
type SignalKind uint8

const (
	SignalOpen SignalKind = iota
	SignalClose
	SignalResume
	SignalSync
	SignalDrop
)

func (k SignalKind) String() string {
	switch k {
	case SignalOpen:
		return "Open"
	case SignalClose:
		return "Close"
	case SignalResume:
		return "Resume"
	case SignalSync:
		return "Sync"
	case SignalDrop:
		return "Drop"
	default:
		return "Unknown"
	}
}

// PCM is what Multi holds a reference to: the transport-side handle for
// one PCM. Implementations live outside this module (a real BlueALSA I/O
// thread); tests in this module use a fake.
type PCM interface {
	// Release drops the transport side of the PCM hand-off (§4.4 release).
	Release()
	// Signal delivers a point-to-point signal to the transport I/O thread
	// (§4.4 signal).
	Signal(kind SignalKind)
	// Resume re-arms the encoder/decoder after being paused (§4.4 resume).
	Resume()
	// StopIfNoClients tears down the transport when its last PCM has no
	// more clients (§4.4 stop_if_no_clients).
	StopIfNoClients()
}

// ShutdownValue is the reserved eventfd value (§4.4, §4.3.1/§4.3.2): any
// value at or above this marks "shutdown"; anything below is an ordinary
// attention pulse. Preserved verbatim from the spec as a protocol marker,
// not a memory sentinel (§9 "Shared mutable state").
const ShutdownValue uint64 = 0xDEAD0000

// WakeValue is the ordinary "data/attention" pulse posted to nudge the
// worker into a mix refill (§4.3 Multi.read).
const WakeValue uint64 = 1

// EventCounter wraps a Linux eventfd(2) used both as Multi's wake-up
// source (worker side) and as the per-PCM "data ready" counter the
// transport thread reads/resets (§4.4 "event counter set/reset with
// 64-bit values").
type EventCounter struct {
	fd int
}

// NewEventCounter creates a non-blocking, semaphore-less eventfd (plain
// counter semantics: a Read drains and zeroes the full accumulated value).
func NewEventCounter() (*EventCounter, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("transport: eventfd: %w", err)
	}
	return &EventCounter{fd: fd}, nil
}

// Fd returns the underlying file descriptor for registration with an
// epoll instance.
func (e *EventCounter) Fd() int { return e.fd }

// Post adds value to the counter, waking anyone blocked in epoll on it.
func (e *EventCounter) Post(value uint64) error {
	_, err := unix.Write(e.fd, hostLE(value))
	return err
}

// Read drains and returns the current accumulated value, or (0, false) if
// nothing has been posted yet (EAGAIN on the non-blocking fd).
func (e *EventCounter) Read() (uint64, bool, error) {
	buf := make([]byte, 8)
	n, err := unix.Read(e.fd, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("transport: eventfd read: %w", err)
	}
	if n != 8 {
		return 0, false, fmt.Errorf("transport: eventfd short read: %d bytes", n)
	}
	return leUint64(buf), true, nil
}

// Close releases the eventfd.
func (e *EventCounter) Close() error {
	return unix.Close(e.fd)
}

func hostLE(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
