package iomux

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacityExceeded is returned by AddFd when the select-based
	// backend is asked to watch a descriptor numbered at or beyond its
	// compile-time set size.
	ErrCapacityExceeded = errors.New("iomux: descriptor exceeds backend capacity")

	// errKernelRegister is wrapped by AddFd/RemoveFd when the kernel
	// rejects an add/modify/delete of a descriptor's readiness state.
	// AddFd leaves the in-memory registration table unchanged when this
	// occurs; RemoveFd has already removed the pair from the table by then.
	errKernelRegister = errors.New("iomux: kernel rejected readiness registration")

	// errWakeup is wrapped when writing to the wakeup channel fails for a
	// reason other than the channel being saturated (which is tolerated).
	errWakeup = errors.New("iomux: failed to wake dispatch loop")
)

// CreateError is returned by [Create] when the kernel refuses to hand out
// either the readiness object or the wakeup channel. It is the only
// operation in this package that surfaces a structured error, because
// failure here means there is no usable instance to report failure from
// on subsequent calls.
type CreateError struct {
	// Op names the syscall that failed, e.g. "epoll_create1" or "pipe".
	Op  string
	Err error
}

func (e *CreateError) Error() string {
	return fmt.Sprintf("iomux: create: %s: %v", e.Op, e.Err)
}

func (e *CreateError) Unwrap() error {
	return e.Err
}
