package rules

import (
	"testing"

	"github.com/romanho/mediad/internal/cond"
)

type fakeEntry struct {
	attrs map[cond.What]string
}

func (f fakeEntry) Attr(w cond.What) (string, bool) {
	v, ok := f.attrs[w]
	return v, ok
}

func (f fakeEntry) PartitionNumber() int { return 0 }

func condEq(what cond.What, val string) *cond.Condition {
	return &cond.Condition{Atoms: []cond.Atom{{What: what, Op: cond.EQ, Value: val}}}
}

func TestFindAllUnionEmptyTable(t *testing.T) {
	tbl := New[int]()
	got := tbl.FindAllUnion(fakeEntry{}, func(acc, cur int) int { return acc | cur })
	if got != 0 {
		t.Fatalf("FindAllUnion on empty table = %d, want 0", got)
	}
}

func TestFindAllUnionSingleRule(t *testing.T) {
	tbl := New[int]()
	tbl.Insert(condEq(cond.Vendor, "Acme"), 7)

	e := fakeEntry{attrs: map[cond.What]string{cond.Vendor: "Acme"}}
	got := tbl.FindAllUnion(e, func(acc, cur int) int { return acc | cur })
	if got != 7 {
		t.Fatalf("FindAllUnion matching rule = %d, want 7", got)
	}

	e = fakeEntry{attrs: map[cond.What]string{cond.Vendor: "Other"}}
	got = tbl.FindAllUnion(e, func(acc, cur int) int { return acc | cur })
	if got != 0 {
		t.Fatalf("FindAllUnion non-matching rule = %d, want 0", got)
	}
}

func TestTablePriorityOrderIsMonotonic(t *testing.T) {
	tbl := New[string]()
	tbl.Insert(condEq(cond.Fstype, "ext4"), "fstype")
	tbl.Insert(condEq(cond.UUID, "x"), "uuid")
	tbl.Insert(condEq(cond.Device, "x"), "device")

	e := fakeEntry{attrs: map[cond.What]string{
		cond.Fstype: "ext4",
		cond.UUID:   "x",
		cond.Device: "x",
	}}

	var order []string
	tbl.EachMatching(e, func(payload string, fsspec bool) bool {
		order = append(order, payload)
		return true
	})

	want := []string{"uuid", "device", "fstype"}
	if len(order) != len(want) {
		t.Fatalf("EachMatching order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("EachMatching order = %v, want %v", order, want)
		}
	}
}

func TestFindFirstReturnsHighestPriorityMatch(t *testing.T) {
	tbl := New[string]()
	tbl.Insert(condEq(cond.Device, "/dev/sda1"), "by-device")
	tbl.Insert(condEq(cond.UUID, "1234"), "by-uuid")

	e := fakeEntry{attrs: map[cond.What]string{
		cond.Device: "/dev/sda1",
		cond.UUID:   "1234",
	}}

	got, ok := tbl.FindFirst(e)
	if !ok || got != "by-uuid" {
		t.Fatalf("FindFirst = (%q, %v), want (\"by-uuid\", true) since uuid outranks device", got, ok)
	}
}

func TestEachMatchingReportsFsspec(t *testing.T) {
	tbl := New[string]()
	tbl.Insert(condEq(cond.Label, "STICK"), "label-alias")

	e := fakeEntry{attrs: map[cond.What]string{cond.Label: "STICK"}}
	var sawFsspec bool
	tbl.EachMatching(e, func(payload string, fsspec bool) bool {
		sawFsspec = fsspec
		return true
	})
	if !sawFsspec {
		t.Fatal("expected label-keyed rule to report fsspec=true")
	}
}
