package backoff

import (
	"testing"
	"time"
)

func TestComputeWithRand_NoJitter(t *testing.T) {
	policy := Policy{Initial: 100 * time.Millisecond, Max: 10 * time.Second, Multiplier: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := ComputeWithRand(policy, tt.attempt, 0.5); got != tt.want {
			t.Errorf("attempt %d: got %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestComputeWithRand_ClampsAtMax(t *testing.T) {
	policy := Policy{Initial: 100 * time.Millisecond, Max: 300 * time.Millisecond, Multiplier: 2}

	if got := ComputeWithRand(policy, 10, 0); got != 300*time.Millisecond {
		t.Errorf("got %v, want clamp at 300ms", got)
	}
}

func TestComputeWithRand_ZeroInitialMeansNoSleep(t *testing.T) {
	policy := Policy{Initial: 0, Max: time.Second, Multiplier: 2, Jitter: true}

	if got := ComputeWithRand(policy, 3, 0.9); got != 0 {
		t.Errorf("got %v, want 0", got)
	}
}

func TestComputeWithRand_JitterRange(t *testing.T) {
	policy := Policy{Initial: 200 * time.Millisecond, Max: 10 * time.Second, Multiplier: 2, Jitter: true}

	// Attempt 1 base is 200ms; jitter maps random [0,1) onto [100ms, 300ms).
	if got := ComputeWithRand(policy, 1, 0); got != 100*time.Millisecond {
		t.Errorf("random=0: got %v, want 100ms", got)
	}
	if got := ComputeWithRand(policy, 1, 0.5); got != 200*time.Millisecond {
		t.Errorf("random=0.5: got %v, want 200ms", got)
	}
	got := ComputeWithRand(policy, 1, 0.999)
	if got < 299*time.Millisecond || got >= 300*time.Millisecond {
		t.Errorf("random=0.999: got %v, want just under 300ms", got)
	}
}

func TestCompute_JitterVaries(t *testing.T) {
	policy := Policy{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2, Jitter: true}

	seen := make(map[time.Duration]bool)
	for i := 0; i < 100; i++ {
		d := Compute(policy, 2)
		if d < 100*time.Millisecond || d > 300*time.Millisecond {
			t.Fatalf("delay %v outside [100ms, 300ms]", d)
		}
		seen[d] = true
	}
	if len(seen) < 5 {
		t.Errorf("expected varied delays, got %d unique values", len(seen))
	}
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	if p.Initial != time.Second || p.Max != 30*time.Second || p.Multiplier != 2 || !p.Jitter {
		t.Errorf("unexpected default policy: %+v", p)
	}
}
