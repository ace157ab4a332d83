package poller

import (
	"testing"
	"time"
)

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{After: 3, Base: 30 * time.Second, Max: 5 * time.Minute}
	interval := 30 * time.Second

	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 30 * time.Second},
		{1, 30 * time.Second},
		{2, 30 * time.Second},
		{3, 30 * time.Second},
		{4, 60 * time.Second},
		{5, 120 * time.Second},
		{6, 240 * time.Second},
		{7, 5 * time.Minute},
		{50, 5 * time.Minute},
	}
	for _, tt := range tests {
		if got := b.Delay(interval, tt.failures); got != tt.want {
			t.Errorf("Delay(%v, %d) = %v, want %v", interval, tt.failures, got, tt.want)
		}
	}
}

func TestBackoff_NeverShorterThanInterval(t *testing.T) {
	b := Backoff{After: 1, Base: time.Second, Max: 2 * time.Second}

	if got := b.Delay(time.Minute, 10); got != time.Minute {
		t.Errorf("expected interval to win over a shorter backoff, got %v", got)
	}
}

func TestBackoff_Disabled(t *testing.T) {
	var b Backoff
	if got := b.Delay(10*time.Second, 100); got != 10*time.Second {
		t.Errorf("zero Backoff should keep the interval, got %v", got)
	}
}

func TestDefaultBackoff(t *testing.T) {
	b := DefaultBackoff()
	if b.After != 3 || b.Base != 30*time.Second || b.Max != 5*time.Minute {
		t.Errorf("unexpected default backoff %+v", b)
	}
}
