package bitfield

import "testing"

func TestBitOrderRoundTrip(t *testing.T) {
	const npieces = 19

	for i := 0; i < npieces; i++ {
		bf := New(npieces)
		bf.Set(i)

		// The wire predicate from BEP 3: bit 7-(i%8) of byte i/8.
		if bf[i/8]&(1<<(7-i%8)) == 0 {
			t.Fatalf("bit %d not observable via wire predicate", i)
		}
		if !bf.Has(i) {
			t.Fatalf("Has(%d) = false after Set", i)
		}

		for j := 0; j < npieces; j++ {
			if j != i && bf.Has(j) {
				t.Fatalf("Set(%d) leaked into bit %d", i, j)
			}
		}
		if got := bf.Count(); got != 1 {
			t.Fatalf("Count = %d, want 1", got)
		}
	}
}

func TestOutOfRange(t *testing.T) {
	bf := New(8)

	bf.Set(-1)
	bf.Set(8)
	if bf.Count() != 0 {
		t.Fatalf("out-of-range Set mutated bitfield: %v", bf)
	}
	if bf.Has(-1) || bf.Has(8) {
		t.Fatal("out-of-range Has returned true")
	}
}

func TestFromBytesCopies(t *testing.T) {
	src := []byte{0xA0, 0x01}
	bf := FromBytes(src)
	src[0] = 0

	if !bf.Has(0) || !bf.Has(2) || !bf.Has(15) {
		t.Fatalf("unexpected bits in %v", bf)
	}
	if bf.Len() != 16 {
		t.Fatalf("Len = %d, want 16", bf.Len())
	}
}
