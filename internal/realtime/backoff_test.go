package realtime

import (
	"testing"
	"time"
)

func TestBackoffBounds(t *testing.T) {
	base := 100 * time.Millisecond
	max := 2 * time.Second

	for attempt := 1; attempt <= 8; attempt++ {
		ideal := base << (attempt - 1)
		if ideal > max {
			ideal = max
		}
		lo, hi := ideal/2, ideal+ideal/2

		// Jitter is random; sample enough to catch an out-of-range formula.
		for i := 0; i < 200; i++ {
			b := Backoff{Base: base, Max: max}
			var d time.Duration
			for n := 0; n < attempt; n++ {
				d = b.Next()
			}
			if d < lo || d > hi {
				t.Fatalf("attempt %d: delay %v outside [%v, %v]", attempt, d, lo, hi)
			}
		}
	}
}

func TestBackoffReset(t *testing.T) {
	b := Backoff{Base: time.Second, Max: time.Minute}
	for i := 0; i < 5; i++ {
		b.Next()
	}
	if b.Attempt() != 5 {
		t.Fatalf("attempt = %d, want 5", b.Attempt())
	}
	b.Reset()
	if b.Attempt() != 0 {
		t.Fatalf("attempt after reset = %d, want 0", b.Attempt())
	}
	// Back at the base delay range.
	if d := b.Next(); d < 500*time.Millisecond || d > 1500*time.Millisecond {
		t.Fatalf("first delay after reset = %v, want within base range", d)
	}
}
