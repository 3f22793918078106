package iomux

import (
	"sort"

	"golang.org/x/exp/maps"
)

// registration is one (fd, kind, callback) entry in the table.
type registration struct {
	fd       int
	kind     EventKind
	callback Callback
}

// registrationTable is the fd -> (kind -> callback) mapping described in
// spec.md §4.2. It is the single source of truth consulted by the dispatch
// loop once the kernel has reported a batch of ready descriptors: the
// dispatch loop re-checks the table under the lock before invoking any
// callback, which is what makes a registration racing with a concurrent
// RemoveFd safe to ignore rather than crash on.
//
// All access happens under the Multiplexer's mutex; the table itself does
// no locking of its own.
type registrationTable struct {
	fds map[int]map[EventKind]Callback
}

func newRegistrationTable() *registrationTable {
	return &registrationTable{fds: make(map[int]map[EventKind]Callback)}
}

// has reports whether (fd, kind) is currently registered.
func (t *registrationTable) has(fd int, kind EventKind) bool {
	kinds, ok := t.fds[fd]
	if !ok {
		return false
	}
	_, ok = kinds[kind]
	return ok
}

// kindsFor returns the set of kinds currently registered for fd.
func (t *registrationTable) kindsFor(fd int) []EventKind {
	kinds := t.fds[fd]
	if len(kinds) == 0 {
		return nil
	}
	out := make([]EventKind, 0, len(kinds))
	for k := range kinds {
		out = append(out, k)
	}
	return out
}

// set inserts or replaces the callback for (fd, kind).
func (t *registrationTable) set(fd int, kind EventKind, cb Callback) {
	kinds, ok := t.fds[fd]
	if !ok {
		kinds = make(map[EventKind]Callback, 2)
		t.fds[fd] = kinds
	}
	kinds[kind] = cb
}

// delete removes (fd, kind), pruning the inner map (and the fd entry
// itself) once it is empty, per the table invariant in spec.md §3.
// Returns true if fd has no remaining registered kinds.
func (t *registrationTable) delete(fd int, kind EventKind) (emptied bool) {
	kinds, ok := t.fds[fd]
	if !ok {
		return true
	}
	delete(kinds, kind)
	if len(kinds) == 0 {
		delete(t.fds, fd)
		return true
	}
	return false
}

// callback returns the callback registered for (fd, kind), if any.
func (t *registrationTable) callback(fd int, kind EventKind) (Callback, bool) {
	kinds, ok := t.fds[fd]
	if !ok {
		return nil, false
	}
	cb, ok := kinds[kind]
	return cb, ok
}

// snapshot returns the (fd, kind, callback) triples for every kind in
// ready that is still registered for fd, in a deterministic order so that
// a single dispatch batch invokes callbacks in a stable, reproducible
// sequence (spec.md §4.6: "invoked in the order the loop snapshotted
// them"). Ordering deterministically by fd, then by kind, is done with
// golang.org/x/exp/maps rather than relying on Go's randomized map
// iteration order.
func (t *registrationTable) snapshot(ready map[int][]EventKind) []registration {
	fds := maps.Keys(ready)
	sort.Ints(fds)

	var out []registration
	for _, fd := range fds {
		kinds := ready[fd]
		sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
		for _, kind := range kinds {
			if cb, ok := t.callback(fd, kind); ok {
				out = append(out, registration{fd: fd, kind: kind, callback: cb})
			}
		}
	}
	return out
}
