package mathutil

import (
	"math"
	"testing"
)

func Test_Pow2_Helpers(t *testing.T) {
	if IsPow2(0) {
		t.Fatal("0 must not be a power of two")
	}
	for _, v := range []uint64{1, 2, 4, 1024, 1 << 40} {
		if !IsPow2(v) {
			t.Fatalf("expected %d to be pow2", v)
		}
	}
	for _, v := range []uint64{3, 5, 6, 1023, (1 << 40) + 1} {
		if IsPow2(v) {
			t.Fatalf("expected %d not to be pow2", v)
		}
	}

	cases := map[uint64]uint64{0: 0, 1: 1, 2: 2, 3: 4, 5: 8, 1000: 1024, 1024: 1024, 1025: 2048}
	for in, want := range cases {
		if got := NextPow2(in); got != want {
			t.Fatalf("NextPow2(%d) = %d, want %d", in, got, want)
		}
	}

	if Log2(1) != 0 || Log2(2) != 1 || Log2(1024) != 10 || Log2(1536) != 10 {
		t.Fatal("Log2 mismatch")
	}
}

func Test_SwapEndian(t *testing.T) {
	if SwapEndian16(0x1234) != 0x3412 {
		t.Fatal("SwapEndian16")
	}
	if SwapEndian32(0x12345678) != 0x78563412 {
		t.Fatal("SwapEndian32")
	}
	if SwapEndian64(0x0102030405060708) != 0x0807060504030201 {
		t.Fatal("SwapEndian64")
	}
}

func Test_CRC(t *testing.T) {
	// CRC16/ARC of "123456789" is a published check value.
	if got := CRC16([]byte("123456789")); got != 0xBB3D {
		t.Fatalf("CRC16 check value mismatch: %#x", got)
	}
	if CRC8(nil) != 0 {
		t.Fatal("CRC8 of empty input must be 0")
	}
	// Single-bit input difference must change the checksum.
	if CRC8([]byte{0x01}) == CRC8([]byte{0x02}) {
		t.Fatal("CRC8 collision on trivial inputs")
	}
}

func Test_Stats(t *testing.T) {
	values := []float64{2, 4, 4, 4, 5, 5, 7, 9}

	if got := Sum(values); got != 40 {
		t.Fatalf("Sum = %v", got)
	}
	if got := Mean(values); got != 5 {
		t.Fatalf("Mean = %v", got)
	}
	if got := StdDev(values); math.Abs(got-2) > 1e-12 {
		t.Fatalf("StdDev = %v", got)
	}
	if got := Median(values); got != 4.5 {
		t.Fatalf("Median = %v", got)
	}
	if got := Median([]int{3, 1, 2}); got != 2 {
		t.Fatalf("Median odd = %v", got)
	}
	if Mean([]int{}) != 0 || Median([]int{}) != 0 || StdDev([]int{}) != 0 {
		t.Fatal("empty-slice stats must be 0")
	}
}

func Test_Halton(t *testing.T) {
	// First few elements of the base-2 sequence.
	want := []float64{0.5, 0.25, 0.75, 0.125, 0.625}
	for i, w := range want {
		if got := Halton(uint32(i+1), 2); math.Abs(got-w) > 1e-12 {
			t.Fatalf("Halton(%d, 2) = %v, want %v", i+1, got, w)
		}
	}
	for i := uint32(1); i < 100; i++ {
		v := Halton(i, 3)
		if v < 0 || v >= 1 {
			t.Fatalf("Halton(%d, 3) = %v out of range", i, v)
		}
	}
}

func Test_Random(t *testing.T) {
	for i := 0; i < 1000; i++ {
		if v := RandomFloat64(-1, 1); v < -1 || v >= 1 {
			t.Fatalf("RandomFloat64 out of range: %v", v)
		}
		if v := RandomInt(5, 10); v < 5 || v > 10 {
			t.Fatalf("RandomInt out of range: %v", v)
		}
	}
	if RandomInt(3, 3) != 3 {
		t.Fatal("degenerate RandomInt range")
	}
}
