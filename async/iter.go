package async

import (
	"context"
	"iter"
)

// Iterator is the plain, non-erroring [iter.Seq] shape [AsyncIterable.UntilErr]
// hands back once a caller has opted to stop ranging the moment a read fails.
type Iterator[V any] iter.Seq[V]

// AsyncIterable is a sequence of (value, error) pairs produced by an
// [AsyncIter]-wrapped coroutine. [AsyncStream.Lines], [AsyncStream.Chunks]
// and [AsyncStream.Stream] all return one of these, letting a caller range
// over I/O results the same way it would range over an in-memory sequence.
type AsyncIterable[T any] iter.Seq2[T, error]

// ForEach calls f for every value produced, stopping at the first error
// from either the sequence or f itself.
func (ai AsyncIterable[T]) ForEach(f func(T) error) error {
	for v, err := range ai {
		if err != nil {
			return err
		}
		if err := f(v); err != nil {
			return err
		}
	}
	return nil
}

// UntilErr adapts the AsyncIterable to a plain [Iterator], stopping and
// recording the failure in *err the moment one is produced.
func (ai AsyncIterable[T]) UntilErr(err *error) Iterator[T] {
	return func(yield func(T) bool) {
		for v, thisErr := range ai {
			if thisErr != nil {
				*err = thisErr
				return
			}
			if !yield(v) {
				return
			}
		}
	}
}

// AsyncIter turns a yield-style producer function into an [AsyncIterable].
// f's own return value is surfaced as the sequence's final error, unless
// the consumer already stopped iteration early: in that case f's error is
// just the [context.Canceled] bookkeeping from the yield closure below and
// is swallowed rather than surfaced a second time.
func AsyncIter[T any](f func(yield func(T) error) error) AsyncIterable[T] {
	return func(yield func(T, error) bool) {
		var stoppedEarly bool
		err := f(func(val T) error {
			if !yield(val, nil) {
				stoppedEarly = true
				return context.Canceled
			}
			return nil
		})
		if err != nil && !stoppedEarly {
			var zero T
			yield(zero, err)
		}
	}
}
