package session

import (
	"testing"
	"time"
)

func testBurstConfig() BurstConfig {
	return BurstConfig{
		TTL:              10 * time.Second,
		TopK:             5,
		MedianFloor:      0.62,
		FrameFloor:       0.58,
		MinFramesAtFloor: 3,
	}
}

func observationsAt(now time.Time, scores ...float64) []BurstFrameObservation {
	out := make([]BurstFrameObservation, len(scores))
	for i, s := range scores {
		out[i] = BurstFrameObservation{FrameID: string(rune('a' + i)), MatchScore: s, RecordedAt: now}
	}
	return out
}

func TestBurstEvaluateReachesConsensus(t *testing.T) {
	now := time.Unix(0, 0)
	b := newBurst("b1", testBurstConfig(), now)
	for _, obs := range observationsAt(now, 0.9, 0.85, 0.7, 0.65, 0.6) {
		b.Accept(obs)
	}
	result := b.Evaluate()
	if !result.OK {
		t.Fatalf("Evaluate: want OK, got reason=%s", result.Reason)
	}
	if result.Reason != "consensus_reached" {
		t.Errorf("Reason: want consensus_reached, got %s", result.Reason)
	}
}

func TestBurstEvaluateFailsWhenTopKFrameBelowFloor(t *testing.T) {
	now := time.Unix(0, 0)
	b := newBurst("b1", testBurstConfig(), now)
	for _, obs := range observationsAt(now, 0.9, 0.85, 0.7, 0.65, 0.1) {
		b.Accept(obs)
	}
	result := b.Evaluate()
	if result.OK {
		t.Fatal("Evaluate: want not-OK when a top-k frame is below the floor")
	}
	if result.Reason != "top_k_frame_below_floor" {
		t.Errorf("Reason: want top_k_frame_below_floor, got %s", result.Reason)
	}
}

func TestBurstEvaluateFailsOnLowMedian(t *testing.T) {
	now := time.Unix(0, 0)
	b := newBurst("b1", testBurstConfig(), now)
	for _, obs := range observationsAt(now, 0.60, 0.60, 0.60, 0.60, 0.60) {
		b.Accept(obs)
	}
	result := b.Evaluate()
	if result.OK {
		t.Fatal("Evaluate: want not-OK when the median is below the floor")
	}
	if result.Reason != "median_below_floor" {
		t.Errorf("Reason: want median_below_floor, got %s", result.Reason)
	}
}

func TestBurstEvaluateFailsOnInsufficientFramesAtFloor(t *testing.T) {
	// Fewer frames were submitted than min_frames_above requires, even
	// though every submitted frame clears both the median and frame floor.
	now := time.Unix(0, 0)
	cfg := testBurstConfig()
	b := newBurst("b1", cfg, now)
	for _, obs := range observationsAt(now, 0.9, 0.85) {
		b.Accept(obs)
	}
	result := b.Evaluate()
	if result.OK {
		t.Fatal("Evaluate: want not-OK with too few frames at the floor")
	}
	if result.Reason != "insufficient_frames_at_floor" {
		t.Errorf("Reason: want insufficient_frames_at_floor, got %s", result.Reason)
	}
}

func TestBurstEvaluateNoFramesReportsNoFrames(t *testing.T) {
	b := newBurst("b1", testBurstConfig(), time.Unix(0, 0))
	result := b.Evaluate()
	if result.OK || result.Reason != "no_frames" {
		t.Fatalf("Evaluate on empty burst: want no_frames, got ok=%v reason=%s", result.OK, result.Reason)
	}
}

func TestBurstAcceptIsIdempotentPerFrameID(t *testing.T) {
	now := time.Unix(0, 0)
	b := newBurst("b1", testBurstConfig(), now)
	b.Accept(BurstFrameObservation{FrameID: "f1", MatchScore: 0.5, RecordedAt: now})
	b.Accept(BurstFrameObservation{FrameID: "f1", MatchScore: 0.9, RecordedAt: now})
	if b.FrameCount() != 1 {
		t.Fatalf("FrameCount: want 1 after re-reporting the same frame, got %d", b.FrameCount())
	}
}

func TestBurstExpireStaleDropsOldObservations(t *testing.T) {
	now := time.Unix(0, 0)
	b := newBurst("b1", testBurstConfig(), now)
	b.Accept(BurstFrameObservation{FrameID: "f1", MatchScore: 0.9, RecordedAt: now})
	b.expireStale(now.Add(20 * time.Second))
	if b.FrameCount() != 0 {
		t.Errorf("FrameCount after expiry: want 0, got %d", b.FrameCount())
	}
}

func TestMedianOfHandlesEvenAndOddLengths(t *testing.T) {
	if got := medianOf([]float64{0.5}); got != 0.5 {
		t.Errorf("medianOf single: want 0.5, got %v", got)
	}
	if got := medianOf([]float64{0.8, 0.6}); got != 0.7 {
		t.Errorf("medianOf pair: want 0.7, got %v", got)
	}
	if got := medianOf([]float64{0.9, 0.7, 0.5}); got != 0.7 {
		t.Errorf("medianOf triple: want 0.7, got %v", got)
	}
}
