package relay

import "testing"

func TestBackoffBounds(t *testing.T) {
	b := NewBackoffTimer(0, nil)
	for n := 1; n <= 20; n++ {
		w := b.Next()
		hi := 1 << min(n, DefaultMaxBackoffExponent)
		if w < 1 || w > hi {
			t.Fatalf("attempt %d: wait %d outside [1, %d]", n, w, hi)
		}
		if b.Attempt() != min(n, DefaultMaxBackoffExponent) {
			t.Fatalf("attempt %d: counter %d", n, b.Attempt())
		}
	}
}

func TestBackoffExtremes(t *testing.T) {
	low := NewBackoffTimer(7, func(int64) int64 { return 0 })
	high := NewBackoffTimer(7, func(n int64) int64 { return n - 1 })
	for n := 1; n <= 10; n++ {
		if w := low.Next(); w != 1 {
			t.Fatalf("lowest wait %d", w)
		}
		if w, want := high.Next(), 1<<min(n, 7); w != want {
			t.Fatalf("attempt %d: highest wait %d want %d", n, w, want)
		}
	}
}

func TestBackoffReset(t *testing.T) {
	b := NewBackoffTimer(7, func(n int64) int64 { return n - 1 })
	for range 12 {
		b.Next()
	}
	b.Reset()
	if b.Attempt() != 0 {
		t.Fatalf("attempt after reset %d", b.Attempt())
	}
	if w := b.Next(); w != 2 {
		t.Fatalf("first wait after reset %d, want 2", w)
	}
}
