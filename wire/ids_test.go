package wire

import "testing"

func TestFixedRoundTrip(t *testing.T) {
	cases := []float64{0, 1, -1, 3.5, -3.5, 1023.99609375}
	for _, f := range cases {
		got := FixedFromFloat(f).Float()
		diff := got - f
		if diff < 0 {
			diff = -diff
		}
		if diff > 1.0/256.0 {
			t.Errorf("FixedFromFloat(%v).Float() = %v, diff too large", f, got)
		}
	}
}

func TestFixedFromIntRoundTrip(t *testing.T) {
	for _, i := range []int32{0, 1, -1, 100, -100} {
		f := FixedFromInt(i)
		if f.Int() != i {
			t.Errorf("FixedFromInt(%d).Int() = %d", i, f.Int())
		}
	}
}

func TestObjectIdServerAllocated(t *testing.T) {
	if ObjectId(1).IsServerAllocated() {
		t.Error("client id 1 should not be server-allocated")
	}
	if !ServerIDStart.IsServerAllocated() {
		t.Error("ServerIDStart should be server-allocated")
	}
	if !ObjectId(0xFFFFFFFF).IsServerAllocated() {
		t.Error("max id should be server-allocated")
	}
}
