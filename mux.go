// Package iomux implements a thread-safe, portable I/O readiness
// multiplexer. A Multiplexer lets multiple file descriptors be watched for
// readability and writability, invoking a user-supplied [Callback] on the
// dispatch thread whenever the kernel reports one ready.
//
// A Multiplexer picks the best available backend for the host at build
// time: the epoll backend on Linux, the POSIX select backend everywhere else.
// Exactly one goroutine may call [Multiplexer.Start]; any goroutine may
// call the other methods, including from inside a callback.
package iomux

import (
	"sync"
	"sync/atomic"
)

// Multiplexer is the public façade described in spec.md §4.1. The zero
// value is not usable; construct one with [Create].
type Multiplexer struct {
	mu      sync.Mutex
	table   *registrationTable
	backend backend
	running atomic.Bool
}

// Create constructs a Multiplexer, preferring the O(1) backend if the host
// supports it, falling back to the POSIX bitset backend otherwise. It
// fails with a [*CreateError] if the kernel refuses to create the
// readiness object or the wakeup channel.
func Create() (*Multiplexer, error) {
	b, err := newBackend()
	if err != nil {
		return nil, err
	}
	return &Multiplexer{
		table:   newRegistrationTable(),
		backend: b,
	}, nil
}

// IsRunning reports whether the dispatch loop is currently running. It
// never blocks and is safe to call from any goroutine.
func (m *Multiplexer) IsRunning() bool {
	return m.running.Load()
}

// AddFd registers callback to run on the dispatch thread whenever fd
// becomes ready for kind. Calling AddFd for a pair already registered is a
// no-op that returns success; the existing callback is left in place.
//
// The kernel-level registration is attempted first; the in-memory table is
// only updated, and a wakeup issued, once that succeeds.
func (m *Multiplexer) AddFd(fd int, kind EventKind, callback Callback) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.table.has(fd, kind) {
		return true, nil
	}

	existing := m.table.kindsFor(fd)
	if err := m.backend.add(fd, kind, existing); err != nil {
		return false, err
	}
	m.table.set(fd, kind, callback)

	if err := m.backend.wakeupThreadsafe(); err != nil {
		return false, err
	}
	return true, nil
}

// RemoveFd deregisters (fd, kind). Calling RemoveFd for a pair that is not
// registered is a no-op that returns success.
//
// The in-memory table is updated first, then the kernel-level registration
// is downgraded or removed. The dispatch loop re-checks the table under
// the lock before delivering any callback, which makes this ordering safe:
// see spec.md §4.4 and §9.
func (m *Multiplexer) RemoveFd(fd int, kind EventKind) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.table.has(fd, kind) {
		return true, nil
	}

	m.table.delete(fd, kind)
	remaining := m.table.kindsFor(fd)
	if err := m.backend.remove(fd, kind, remaining); err != nil {
		return false, err
	}

	if err := m.backend.wakeupThreadsafe(); err != nil {
		return false, err
	}
	return true, nil
}

// Start blocks the calling goroutine, running the dispatch loop until
// another goroutine calls [Multiplexer.Stop]. At most one goroutine may
// call Start over the lifetime of a Multiplexer; concurrent calls are
// undefined, per spec.md §4.6.
func (m *Multiplexer) Start() error {
	m.running.Store(true)

	for m.running.Load() {
		ready, err := m.backend.wait()
		if err != nil {
			m.running.Store(false)
			return err
		}
		if len(ready) == 0 {
			continue
		}

		m.mu.Lock()
		batch := m.table.snapshot(ready)
		m.mu.Unlock()

		for _, reg := range batch {
			reg.callback(reg.fd, reg.kind)
		}
	}
	return nil
}

// Stop requests the dispatch loop to exit. If the loop is not currently
// running this is a no-op returning success. Stop is idempotent and safe
// to call from any goroutine, including from within a callback running on
// the dispatch thread itself.
//
// Stop is asynchronous: after it returns, the dispatch thread may still
// run zero or more callbacks already snapshotted for the in-flight batch
// before Start unwinds.
func (m *Multiplexer) Stop() (bool, error) {
	if !m.running.CompareAndSwap(true, false) {
		return true, nil
	}
	if err := m.backend.wakeupThreadsafe(); err != nil {
		return false, err
	}
	return true, nil
}

// Close releases the backend's kernel handle and wakeup channel. Call this
// once Start has returned; it must not be called while the dispatch loop
// is running.
func (m *Multiplexer) Close() error {
	return m.backend.close()
}
