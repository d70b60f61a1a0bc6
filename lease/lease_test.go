package lease

import "testing"

type fakeShm struct{ formats []uint32 }

func newTestResident() *Resident {
	return NewResident(&fakeShm{formats: []uint32{0, 1}}, "wl_shm", 1, nil)
}

func TestLeaseThenReleaseAllowsRelease(t *testing.T) {
	r := newTestResident()
	l, err := r.Lease()
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if !r.IsLeased() {
		t.Fatal("expected resident to report leased")
	}
	l.Release()
	if r.IsLeased() {
		t.Fatal("expected resident to report unleased after Release")
	}
}

func TestDoubleLeaseFails(t *testing.T) {
	r := newTestResident()
	_, err := r.Lease()
	if err != nil {
		t.Fatalf("first Lease: %v", err)
	}
	_, err = r.Lease()
	if err != ErrAlreadyLeased {
		t.Fatalf("second Lease err = %v, want ErrAlreadyLeased", err)
	}
}

func TestTryLeaseReturnsFalseWhenBusy(t *testing.T) {
	r := newTestResident()
	l1, ok := r.TryLease()
	if !ok {
		t.Fatal("expected first TryLease to succeed")
	}
	_, ok = r.TryLease()
	if ok {
		t.Fatal("expected second TryLease to fail while first is outstanding")
	}
	l1.Release()
	_, ok = r.TryLease()
	if !ok {
		t.Fatal("expected TryLease to succeed again after Release")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	r := newTestResident()
	l, _ := r.Lease()
	l.Release()
	l.Release() // must not panic or double-unleash
	if r.IsLeased() {
		t.Fatal("expected resident unleased")
	}
}

func TestMarkFreePendingClearsValueOnRelease(t *testing.T) {
	r := newTestResident()
	l, err := r.Lease()
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	r.MarkFreePending()
	l.Release()
	if l.c.value != nil {
		t.Fatal("expected cell's value cleared after a deferred free")
	}
}

func TestDowncastSucceedsForMatchingType(t *testing.T) {
	r := newTestResident()
	l, err := r.Lease()
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	defer l.Release()
	shm, err := Downcast[*fakeShm](l)
	if err != nil {
		t.Fatalf("Downcast: %v", err)
	}
	if len(shm.formats) != 2 {
		t.Fatalf("formats = %v", shm.formats)
	}
}

func TestDowncastFailsForWrongType(t *testing.T) {
	r := newTestResident()
	l, err := r.Lease()
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	defer l.Release()
	_, err = Downcast[*int](l)
	if err != ErrWrongType {
		t.Fatalf("err = %v, want ErrWrongType", err)
	}
}
