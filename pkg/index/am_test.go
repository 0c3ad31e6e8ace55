package index

import (
	"testing"

	"indexstore/pkg/primitives"
)

func minimalRoutine(name string) *Routine {
	insert := func(rel *Rel, values [][]byte, tid primitives.ItemPointer, check UniqueCheck, live LiveCallback) (bool, error) {
		return false, nil
	}
	bulkDelete := func(info *VacuumInfo, stats *BulkDeleteStats, dead DeadCallback) (*BulkDeleteStats, error) {
		return stats, nil
	}
	beginScan := func(rel *Rel, nkeys, norderbys int) (*ScanDesc, error) {
		return &ScanDesc{Rel: rel}, nil
	}
	return &Routine{
		Name:       name,
		Insert:     insert,
		BulkDelete: bulkDelete,
		BeginScan:  beginScan,
		Rescan:     func(scan *ScanDesc, keys []ScanKey) error { return nil },
		EndScan:    func(scan *ScanDesc) {},
	}
}

func TestRegisterAndLookup(t *testing.T) {
	r := minimalRoutine("test_am")
	if err := Register(r); err != nil {
		t.Fatalf("register: %v", err)
	}
	got, err := Lookup("test_am")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got != r {
		t.Error("lookup returned a different routine")
	}
	if err := Register(minimalRoutine("test_am")); err == nil {
		t.Error("duplicate registration accepted")
	}
	if _, err := Lookup("no_such_am"); err == nil {
		t.Error("lookup of unregistered AM succeeded")
	}
}

func TestRegisterRejectsMisconfiguration(t *testing.T) {
	tests := []struct {
		name   string
		mangle func(*Routine)
	}{
		{"missing insert", func(r *Routine) { r.Insert = nil }},
		{"missing bulk_delete", func(r *Routine) { r.BulkDelete = nil }},
		{"can_order without get_tuple", func(r *Routine) { r.CanOrder = true }},
		{"can_backward without can_order", func(r *Routine) { r.CanBackward = true }},
		{"can_parallel without callbacks", func(r *Routine) { r.CanParallel = true }},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := minimalRoutine("bad_am_" + string(rune('a'+i)))
			tt.mangle(r)
			if err := Register(r); err == nil {
				t.Error("misconfigured routine accepted; the flag is authoritative")
			}
		})
	}
}

func TestInt64OpclassCompare(t *testing.T) {
	oc := Int64Opclass()
	enc := func(v int64) []byte {
		b := make([]byte, 8)
		for i := 0; i < 8; i++ {
			b[i] = byte(v >> (8 * i))
		}
		return b
	}
	tests := []struct {
		a, b int64
		want int
	}{
		{1, 2, -1},
		{2, 1, 1},
		{5, 5, 0},
		{-1, 1, -1},
		{-10, -20, 1},
	}
	for _, tt := range tests {
		got := oc.Compare(enc(tt.a), enc(tt.b))
		if (got < 0) != (tt.want < 0) || (got > 0) != (tt.want > 0) {
			t.Errorf("Compare(%d, %d) = %d, want sign of %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestInt64OpclassUnionAndConsistent(t *testing.T) {
	oc := Int64Opclass()
	enc := func(v int64) []byte {
		b := make([]byte, 8)
		for i := 0; i < 8; i++ {
			b[i] = byte(v >> (8 * i))
		}
		return b
	}

	u := oc.Union(enc(3), enc(9))
	if !oc.Consistent(u, Equal, enc(5), false) {
		t.Error("union [3,9] should admit 5")
	}
	if oc.Consistent(u, Equal, enc(11), false) {
		t.Error("union [3,9] should exclude 11")
	}
	if oc.Penalty(u, enc(5)) != 0 {
		t.Errorf("widening [3,9] by 5 should cost nothing, got %f", oc.Penalty(u, enc(5)))
	}
	if oc.Penalty(u, enc(100)) <= 0 {
		t.Error("widening [3,9] by 100 should cost something")
	}
}

func TestBitmap(t *testing.T) {
	b := NewBitmap()
	tid := primitives.NewItemPointer(3, 7)
	b.Add(tid)
	b.Add(tid) // duplicates collapse
	b.Add(primitives.NewItemPointer(4, 1))

	if b.Len() != 2 {
		t.Errorf("Len = %d, want 2", b.Len())
	}
	if !b.Contains(tid) {
		t.Error("bitmap lost a TID")
	}
	if b.Contains(primitives.NewItemPointer(9, 9)) {
		t.Error("bitmap contains a TID never added")
	}
}
