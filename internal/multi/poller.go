package multi

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// poller is a thin epoll(7) wrapper. §9's "Event dispatch" calls for
// level-triggered semantics with the ability to disable a source
// (watch=false) without deregistering it; epoll supports that natively via
// EPOLL_CTL_MOD with a mask that drops EPOLLIN (pipeWatchOffMask).
type poller struct {
	epfd int
}

func newPoller() (*poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("multi: epoll_create1: %w", err)
	}
	return &poller{epfd: fd}, nil
}

func (p *poller) add(fd int, events uint32) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)})
}

func (p *poller) modify(fd int, events uint32) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)})
}

func (p *poller) remove(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// wait blocks (timeoutMs<0 meaning forever) until at least one registered
// fd is ready, EINTR is retried internally (§7 Interrupted).
func (p *poller) wait(events []unix.EpollEvent, timeoutMs int) (int, error) {
	for {
		n, err := unix.EpollWait(p.epfd, events, timeoutMs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		return n, nil
	}
}

func (p *poller) close() error {
	return unix.Close(p.epfd)
}

// readInterest and pipeWatchOnMask/pipeWatchOffMask are the epoll masks
// used throughout: a control socket or timer is level-triggered readable
// (epoll reports hang-up/error on it regardless); a watched pipe is
// level-triggered readable plus hang-up/error; a
// disabled pipe watch still wants hang-up/error so back-pressured clients
// are still reaped on disconnect.
const (
	readInterest    = unix.EPOLLIN
	hangupOnly      = unix.EPOLLHUP | unix.EPOLLERR
	pipeWatchOnMask = uint32(readInterest | hangupOnly)
	pipeWatchOffMask = uint32(hangupOnly)
)
