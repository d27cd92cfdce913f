package utils

import (
	"testing"
	"time"
)

func TestLatencyTrackerPercentile(t *testing.T) {
	tracker := NewLatencyTracker(10)
	for i := 1; i <= 10; i++ {
		tracker.Observe(time.Duration(i) * time.Millisecond)
	}

	if got := tracker.Percentile(0); got != time.Millisecond {
		t.Fatalf("p0 = %v, want 1ms", got)
	}
	if got := tracker.Percentile(100); got != 10*time.Millisecond {
		t.Fatalf("p100 = %v, want 10ms", got)
	}
	if got := tracker.Percentile(50); got < 4*time.Millisecond || got > 6*time.Millisecond {
		t.Fatalf("p50 = %v, want around 5ms", got)
	}
}

func TestLatencyTrackerEviction(t *testing.T) {
	tracker := NewLatencyTracker(3)
	for i := 1; i <= 5; i++ {
		tracker.Observe(time.Duration(i) * time.Second)
	}
	if tracker.Count() != 3 {
		t.Fatalf("count = %d, want 3", tracker.Count())
	}
	if got := tracker.Percentile(0); got != 3*time.Second {
		t.Fatalf("oldest sample should be evicted, p0 = %v", got)
	}
}

func TestLatencyTrackerEmpty(t *testing.T) {
	tracker := NewLatencyTracker(4)
	if got := tracker.Percentile(95); got != 0 {
		t.Fatalf("expected zero without samples, got %v", got)
	}
}
