package circuit

import (
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		ErrorRateThreshold: 0.5,
		LatencyMultiple:    3.0,
		Window:             time.Minute,
		Cooldown:           10 * time.Second,
		HalfOpenProbes:     2,
		BaselineLatency:    100 * time.Millisecond,
	}
}

func TestAllowClosedAlwaysAllows(t *testing.T) {
	b := New(testConfig())
	now := time.Unix(0, 0)
	allowed, probe := b.Allow(now)
	if !allowed || probe {
		t.Fatalf("Allow on Closed: want allowed=true probe=false, got allowed=%v probe=%v", allowed, probe)
	}
}

func TestReportTripsToOpenAboveErrorRateThreshold(t *testing.T) {
	b := New(testConfig())
	now := time.Unix(0, 0)
	for i := 0; i < 3; i++ {
		b.Report(now, true, 10*time.Millisecond)
	}
	status, _ := b.StatusSnapshot()
	if status != Open {
		t.Fatalf("status after majority failures: want Open, got %s", status)
	}
	if allowed, _ := b.Allow(now); allowed {
		t.Error("Allow while Open and before cooldown: want false")
	}
}

func TestBreakerStaysClosedBelowErrorRateThreshold(t *testing.T) {
	b := New(testConfig())
	now := time.Unix(0, 0)
	for i := 0; i < 5; i++ {
		b.Report(now, false, 10*time.Millisecond)
	}
	b.Report(now, true, 10*time.Millisecond)
	status, _ := b.StatusSnapshot()
	if status != Closed {
		t.Fatalf("status with low error rate: want Closed, got %s", status)
	}
}

func TestAllowTransitionsToHalfOpenAfterCooldown(t *testing.T) {
	b := New(testConfig())
	now := time.Unix(0, 0)
	b.Report(now, true, 10*time.Millisecond)
	b.Report(now, true, 10*time.Millisecond)

	status, _ := b.StatusSnapshot()
	if status != Open {
		t.Fatalf("status: want Open before cooldown elapses, got %s", status)
	}

	afterCooldown := now.Add(11 * time.Second)
	allowed, probe := b.Allow(afterCooldown)
	if !allowed || !probe {
		t.Fatalf("Allow after cooldown: want allowed=true probe=true, got allowed=%v probe=%v", allowed, probe)
	}
	status, _ = b.StatusSnapshot()
	if status != HalfOpen {
		t.Fatalf("status after cooldown probe: want HalfOpen, got %s", status)
	}
}

func TestHalfOpenFailureReopensImmediately(t *testing.T) {
	b := New(testConfig())
	now := time.Unix(0, 0)
	b.Report(now, true, 10*time.Millisecond)
	b.Report(now, true, 10*time.Millisecond)

	afterCooldown := now.Add(11 * time.Second)
	b.Allow(afterCooldown)
	b.Report(afterCooldown, true, 10*time.Millisecond)

	status, _ := b.StatusSnapshot()
	if status != Open {
		t.Fatalf("status after failed probe: want Open, got %s", status)
	}
}

func TestHalfOpenSuccessesCloseTheBreaker(t *testing.T) {
	b := New(testConfig())
	now := time.Unix(0, 0)
	b.Report(now, true, 10*time.Millisecond)
	b.Report(now, true, 10*time.Millisecond)

	afterCooldown := now.Add(11 * time.Second)
	for i := 0; i < 2; i++ {
		allowed, probe := b.Allow(afterCooldown)
		if !allowed || !probe {
			t.Fatalf("probe %d: want allowed=true probe=true, got allowed=%v probe=%v", i, allowed, probe)
		}
		b.Report(afterCooldown, false, 10*time.Millisecond)
	}
	status, _ := b.StatusSnapshot()
	if status != Closed {
		t.Fatalf("status after successful probes: want Closed, got %s", status)
	}
}

func TestHalfOpenLimitsConcurrentProbes(t *testing.T) {
	b := New(testConfig())
	now := time.Unix(0, 0)
	b.Report(now, true, 10*time.Millisecond)
	b.Report(now, true, 10*time.Millisecond)

	afterCooldown := now.Add(11 * time.Second)
	b.Allow(afterCooldown)
	b.Allow(afterCooldown)
	allowed, _ := b.Allow(afterCooldown)
	if allowed {
		t.Error("Allow beyond HalfOpenProbes: want false")
	}
}

func TestPercentileOfEmptySliceIsZero(t *testing.T) {
	if got := percentile(nil, 0.95); got != 0 {
		t.Errorf("percentile(nil): want 0, got %s", got)
	}
}

func TestPercentileNearestRank(t *testing.T) {
	latencies := []time.Duration{
		10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond,
		40 * time.Millisecond, 100 * time.Millisecond,
	}
	if got := percentile(latencies, 0.95); got != 100*time.Millisecond {
		t.Errorf("percentile(0.95): want 100ms, got %s", got)
	}
	if got := percentile(latencies, 0); got != 10*time.Millisecond {
		t.Errorf("percentile(0): want 10ms, got %s", got)
	}
}
