//go:build !linux

package iomux

import (
	"errors"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// fdSetSize mirrors the platform FD_SETSIZE (1024 on every POSIX system
// this backend targets); descriptors numbered at or beyond it cannot be
// represented in a select(2) bitset.
const fdSetSize = 1024

// selectBackend implements [backend] against the POSIX O(n) select(2)
// facility, grounded on original_source/src/event_loop_select.cpp and the
// golang.org/x/sys/unix.FdSet usage pattern from the example pack
// (bugst-go-serial, kovidgoyal-kitty selectors).
//
// selectBackend keeps its own mutex rather than relying solely on the
// Multiplexer's: wait must copy its bitsets before blocking in select(2),
// and that copy has to be atomic with respect to concurrent add/remove
// calls even though Start calls wait without holding the Multiplexer's
// lock (spec.md §4.5 step 1).
type selectBackend struct {
	mu sync.Mutex

	readSet, writeSet unix.FdSet
	kindsByFd         map[int]map[EventKind]struct{}
	maxFd             int

	wakeupR, wakeupW int
}

func newBackend() (backend, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, &CreateError{Op: "pipe", Err: err}
	}

	wakeupR, wakeupW := int(r.Fd()), int(w.Fd())
	if err := unix.SetNonblock(wakeupR, true); err != nil {
		_ = r.Close()
		_ = w.Close()
		return nil, &CreateError{Op: "fcntl(O_NONBLOCK)", Err: err}
	}
	if err := unix.SetNonblock(wakeupW, true); err != nil {
		_ = r.Close()
		_ = w.Close()
		return nil, &CreateError{Op: "fcntl(O_NONBLOCK)", Err: err}
	}

	b := &selectBackend{
		kindsByFd: make(map[int]map[EventKind]struct{}),
		wakeupR:   wakeupR,
		wakeupW:   wakeupW,
		maxFd:     wakeupR,
	}
	b.readSet.Set(wakeupR)
	return b, nil
}

func (s *selectBackend) add(fd int, kind EventKind, _ []EventKind) error {
	if fd >= fdSetSize {
		return ErrCapacityExceeded
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch kind {
	case EventRead:
		s.readSet.Set(fd)
	case EventWrite:
		s.writeSet.Set(fd)
	}

	if s.kindsByFd[fd] == nil {
		s.kindsByFd[fd] = make(map[EventKind]struct{}, 2)
	}
	s.kindsByFd[fd][kind] = struct{}{}

	if fd > s.maxFd {
		s.maxFd = fd
	}
	return nil
}

// remove rebuilds both bitsets from kindsByFd. unix.FdSet exposes no
// single-bit clear, and the backend is O(n) by nature anyway, so a full
// rebuild on every removal is in keeping with its cost model.
func (s *selectBackend) remove(fd int, kind EventKind, _ []EventKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if kinds := s.kindsByFd[fd]; kinds != nil {
		delete(kinds, kind)
		if len(kinds) == 0 {
			delete(s.kindsByFd, fd)
		}
	}

	s.readSet.Zero()
	s.writeSet.Zero()
	s.readSet.Set(s.wakeupR)
	for otherFd, kinds := range s.kindsByFd {
		if _, ok := kinds[EventRead]; ok {
			s.readSet.Set(otherFd)
		}
		if _, ok := kinds[EventWrite]; ok {
			s.writeSet.Set(otherFd)
		}
	}

	if fd < s.maxFd {
		return nil
	}
	s.maxFd = s.wakeupR
	for otherFd := range s.kindsByFd {
		if otherFd > s.maxFd {
			s.maxFd = otherFd
		}
	}
	return nil
}

func (s *selectBackend) wait() (map[int][]EventKind, error) {
	for {
		s.mu.Lock()
		readSet, writeSet, maxFd := s.readSet, s.writeSet, s.maxFd
		s.mu.Unlock()

		n, err := unix.Select(maxFd+1, &readSet, &writeSet, nil, nil)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return nil, err
		}
		if n == 0 {
			return nil, nil
		}

		if readSet.IsSet(s.wakeupR) {
			s.drainWakeup()
		}

		ready := make(map[int][]EventKind, n)
		s.mu.Lock()
		for fd, kinds := range s.kindsByFd {
			if _, ok := kinds[EventRead]; ok && readSet.IsSet(fd) {
				ready[fd] = append(ready[fd], EventRead)
			}
			if _, ok := kinds[EventWrite]; ok && writeSet.IsSet(fd) {
				ready[fd] = append(ready[fd], EventWrite)
			}
		}
		s.mu.Unlock()
		return ready, nil
	}
}

func (s *selectBackend) drainWakeup() {
	var buf [64]byte
	for {
		_, err := unix.Read(s.wakeupR, buf[:])
		if err != nil {
			return
		}
	}
}

func (s *selectBackend) wakeupThreadsafe() error {
	_, err := unix.Write(s.wakeupW, []byte{'x'})
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return nil
		}
		return errors.Join(errWakeup, err)
	}
	return nil
}

func (s *selectBackend) close() error {
	err1 := unix.Close(s.wakeupR)
	err2 := unix.Close(s.wakeupW)
	if err1 != nil {
		return err1
	}
	return err2
}
