package iomux

// backend is the capability every readiness realization must provide. It
// is intentionally narrow: a build selects exactly one implementation (see
// epoll_linux.go and select_unix.go), so this stays a plain Go interface
// rather than an open-world plugin registry (spec.md §9's "sealed tagged
// variant" guidance).
type backend interface {
	// add installs or updates the kernel-level watch for fd so that kind
	// becomes watched in addition to existingKinds (the kinds already
	// registered for fd before this call). The registration table is not
	// yet updated when this is called; on success the caller updates it.
	add(fd int, kind EventKind, existingKinds []EventKind) error

	// remove downgrades or clears the kernel-level watch for fd given
	// remainingKinds, the kinds that stay registered after this removal
	// (empty if fd should be dropped entirely). Unlike add, the
	// registration table has already been updated by the time this is
	// called (spec.md §4.4's observed remove ordering).
	remove(fd int, kind EventKind, remainingKinds []EventKind) error

	// wait blocks until the kernel reports readiness or the wakeup
	// channel is written to, restarting internally on EINTR. It returns
	// the ready (fd -> kinds) map with the wakeup channel's own
	// descriptor excluded and already drained.
	wait() (map[int][]EventKind, error)

	// wakeupThreadsafe interrupts a concurrently blocked wait call. A
	// write that fails only because the wakeup channel is saturated is
	// not an error (spec.md §4.3).
	wakeupThreadsafe() error

	// close releases the kernel readiness handle and the wakeup channel.
	close() error
}
