package iomux

import "testing"

func dummyCallback(int, EventKind) {}

func TestRegistrationTableSetHasDelete(t *testing.T) {
	tbl := newRegistrationTable()

	if tbl.has(3, EventRead) {
		t.Fatal("fresh table reports a registration it was never given")
	}

	tbl.set(3, EventRead, dummyCallback)
	if !tbl.has(3, EventRead) {
		t.Fatal("set then has: expected true")
	}
	if tbl.has(3, EventWrite) {
		t.Fatal("registering read must not register write")
	}

	kinds := tbl.kindsFor(3)
	if len(kinds) != 1 || kinds[0] != EventRead {
		t.Fatalf("kindsFor(3) = %v, want [EventRead]", kinds)
	}

	emptied := tbl.delete(3, EventRead)
	if !emptied {
		t.Fatal("deleting the only kind for an fd must report emptied")
	}
	if tbl.has(3, EventRead) {
		t.Fatal("delete did not remove the registration")
	}
	if kinds := tbl.kindsFor(3); kinds != nil {
		t.Fatalf("kindsFor on a pruned fd = %v, want nil", kinds)
	}
}

func TestRegistrationTableDeleteKeepsOtherKind(t *testing.T) {
	tbl := newRegistrationTable()
	tbl.set(5, EventRead, dummyCallback)
	tbl.set(5, EventWrite, dummyCallback)

	if emptied := tbl.delete(5, EventRead); emptied {
		t.Fatal("fd still has EventWrite registered; delete must not report emptied")
	}
	if !tbl.has(5, EventWrite) {
		t.Fatal("deleting EventRead must not remove EventWrite")
	}
}

func TestRegistrationTableDeleteAbsentIsNoop(t *testing.T) {
	tbl := newRegistrationTable()
	if emptied := tbl.delete(9, EventRead); !emptied {
		t.Fatal("deleting an absent pair should report the fd as having no kinds left")
	}
}

func TestRegistrationTableSnapshotOrderingAndFiltering(t *testing.T) {
	tbl := newRegistrationTable()

	var order []int
	record := func(fd int, _ EventKind) { order = append(order, fd) }

	tbl.set(5, EventRead, record)
	tbl.set(5, EventWrite, record)
	tbl.set(2, EventRead, record)
	// 7 is reported ready by the kernel below but never registered; the
	// snapshot must silently skip it rather than panic or invent a
	// callback for it (spec.md §4.2).

	ready := map[int][]EventKind{
		5: {EventWrite, EventRead},
		2: {EventRead},
		7: {EventRead},
	}

	batch := tbl.snapshot(ready)
	if len(batch) != 3 {
		t.Fatalf("snapshot returned %d entries, want 3", len(batch))
	}

	var gotFds []int
	for _, reg := range batch {
		gotFds = append(gotFds, reg.fd)
	}
	want := []int{2, 5, 5}
	for i, fd := range want {
		if gotFds[i] != fd {
			t.Fatalf("snapshot fd order = %v, want %v", gotFds, want)
		}
	}
	if batch[1].kind != EventRead || batch[2].kind != EventWrite {
		t.Fatalf("kind order within fd 5 = %v,%v, want EventRead,EventWrite", batch[1].kind, batch[2].kind)
	}
}

func TestRegistrationTableSnapshotIgnoresRemovedPair(t *testing.T) {
	tbl := newRegistrationTable()
	tbl.set(4, EventRead, dummyCallback)
	tbl.delete(4, EventRead)

	batch := tbl.snapshot(map[int][]EventKind{4: {EventRead}})
	if len(batch) != 0 {
		t.Fatalf("snapshot returned %d entries for a removed pair, want 0", len(batch))
	}
}
