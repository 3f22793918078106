//go:build linux

package iomux

import (
	"encoding/binary"
	"errors"

	"golang.org/x/sys/unix"
)

// epollBackend implements [backend] against Linux's O(1) epoll facility,
// grounded on the teacher's EpollPoller (poller_epoll.go). Unlike the
// teacher, registrations are level-triggered (no EPOLLET) per spec.md §1's
// non-goal on edge-triggered semantics, and the wakeup channel is an
// eventfd rather than a pipe.
type epollBackend struct {
	epfd     int
	wakeupFd int

	events []unix.EpollEvent
}

// maxEpollEvents bounds how many ready descriptors a single epoll_wait
// call will report, per spec.md §4.4's recommended batch size.
const maxEpollEvents = 1024

func newBackend() (backend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, &CreateError{Op: "epoll_create1", Err: err}
	}

	wakeupFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, &CreateError{Op: "eventfd", Err: err}
	}

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeupFd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakeupFd),
	}); err != nil {
		_ = unix.Close(wakeupFd)
		_ = unix.Close(epfd)
		return nil, &CreateError{Op: "epoll_ctl(wakeup)", Err: err}
	}

	return &epollBackend{
		epfd:     epfd,
		wakeupFd: wakeupFd,
		events:   make([]unix.EpollEvent, maxEpollEvents),
	}, nil
}

func epollMask(kinds []EventKind) uint32 {
	var mask uint32
	for _, k := range kinds {
		switch k {
		case EventRead:
			mask |= unix.EPOLLIN
		case EventWrite:
			mask |= unix.EPOLLOUT
		}
	}
	return mask
}

func (e *epollBackend) add(fd int, kind EventKind, existingKinds []EventKind) error {
	mask := epollMask(existingKinds) | epollMask([]EventKind{kind})
	op := unix.EPOLL_CTL_ADD
	if len(existingKinds) > 0 {
		op = unix.EPOLL_CTL_MOD
	}

	event := unix.EpollEvent{Events: mask, Fd: int32(fd)}
	if err := unix.EpollCtl(e.epfd, op, fd, &event); err != nil {
		return errors.Join(errKernelRegister, err)
	}
	return nil
}

func (e *epollBackend) remove(fd int, _ EventKind, remainingKinds []EventKind) error {
	if len(remainingKinds) == 0 {
		if err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
			return errors.Join(errKernelRegister, err)
		}
		return nil
	}

	event := unix.EpollEvent{Events: epollMask(remainingKinds), Fd: int32(fd)}
	if err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_MOD, fd, &event); err != nil {
		return errors.Join(errKernelRegister, err)
	}
	return nil
}

func (e *epollBackend) wait() (map[int][]EventKind, error) {
	for {
		n, err := unix.EpollWait(e.epfd, e.events, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return nil, err
		}

		ready := make(map[int][]EventKind, n)
		for i := 0; i < n; i++ {
			fd := int(e.events[i].Fd)
			if fd == e.wakeupFd {
				e.drainWakeup()
				continue
			}

			mask := e.events[i].Events
			if mask&unix.EPOLLIN != 0 {
				ready[fd] = append(ready[fd], EventRead)
			}
			if mask&unix.EPOLLOUT != 0 {
				ready[fd] = append(ready[fd], EventWrite)
			}
		}
		return ready, nil
	}
}

func (e *epollBackend) drainWakeup() {
	var buf [8]byte
	for {
		_, err := unix.Read(e.wakeupFd, buf[:])
		if err != nil {
			return
		}
	}
}

func (e *epollBackend) wakeupThreadsafe() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)

	_, err := unix.Write(e.wakeupFd, buf[:])
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return nil
		}
		return errors.Join(errWakeup, err)
	}
	return nil
}

func (e *epollBackend) close() error {
	err1 := unix.Close(e.wakeupFd)
	err2 := unix.Close(e.epfd)
	if err1 != nil {
		return err1
	}
	return err2
}
