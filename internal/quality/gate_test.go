package quality

import (
	"testing"

	"github.com/ph-kyc/capture-engine/internal/model"
	"github.com/ph-kyc/capture-engine/internal/threshold"
)

func testRegistry(t *testing.T) *threshold.Registry {
	t.Helper()
	r, err := threshold.Load()
	if err != nil {
		t.Fatalf("threshold.Load: %v", err)
	}
	return r
}

func goodFrame() model.QualityVector {
	return model.QualityVector{
		Focus: 0.9, Motion: 0.05, Glare: 0.05, Corners: 0.95,
		FillRatio: 0.9, Brightness: 0.6, Contrast: 0.6, Sharpness: 0.8,
	}
}

func TestEvaluatePass(t *testing.T) {
	r := testRegistry(t)
	result := Evaluate(goodFrame(), r, nil)
	if result.Outcome != model.GatePass {
		t.Fatalf("Outcome: want pass, got %s (hints=%v)", result.Outcome, result.HintKeys)
	}
	if result.Level != model.LevelExcellent && result.Level != model.LevelGood {
		t.Errorf("Level: want Excellent or Good for a high-quality frame, got %s", result.Level)
	}
}

func TestEvaluateCancelsOnHighMotion(t *testing.T) {
	r := testRegistry(t)
	q := goodFrame()
	q.Motion = r.Get("motion_cancel") + 0.1
	result := Evaluate(q, r, nil)
	if result.Outcome != model.GateCancel {
		t.Fatalf("Outcome: want cancel, got %s", result.Outcome)
	}
	if result.CancelReason != model.CancelMotion {
		t.Errorf("CancelReason: want %s, got %s", model.CancelMotion, result.CancelReason)
	}
}

func TestEvaluateMotionCancelPriorityOverFocus(t *testing.T) {
	r := testRegistry(t)
	q := goodFrame()
	q.Motion = r.Get("motion_cancel") + 0.1
	q.Focus = r.Get("focus_cancel") - 0.1
	result := Evaluate(q, r, nil)
	if result.CancelReason != model.CancelMotion {
		t.Errorf("motion must take priority over focus: got %s", result.CancelReason)
	}
}

func TestEvaluateFailsBelowMinimumBar(t *testing.T) {
	r := testRegistry(t)
	q := goodFrame()
	q.FillRatio = 0.01
	result := Evaluate(q, r, nil)
	if result.Outcome != model.GateFail {
		t.Fatalf("Outcome: want fail, got %s", result.Outcome)
	}
	found := false
	for _, h := range result.HintKeys {
		if h == "fill_ratio_below_minimum" {
			found = true
		}
	}
	if !found {
		t.Errorf("HintKeys missing fill_ratio_below_minimum: %v", result.HintKeys)
	}
}

func TestEvaluateStabilityRejectsOscillation(t *testing.T) {
	r := testRegistry(t)
	stability := NewStability(4)

	var last model.QualityGateResult
	for i := 0; i < 4; i++ {
		q := goodFrame()
		if i%2 == 0 {
			// Low overall score, but above every cancel cutoff.
			q.Motion, q.Focus, q.Glare, q.Corners, q.FillRatio = 0.3, 0.3, 0.35, 0, 0
		}
		last = Evaluate(q, r, stability)
	}
	if last.Outcome != model.GateFail {
		t.Fatalf("oscillating quality should fail on stability, got %s (hints=%v)", last.Outcome, last.HintKeys)
	}
	if last.CancelReason != model.CancelStability {
		t.Errorf("CancelReason: want %s, got %s", model.CancelStability, last.CancelReason)
	}
}

func TestStabilityPushVarianceOfConstantIsZero(t *testing.T) {
	s := NewStability(3)
	s.Push(0.5)
	s.Push(0.5)
	if v := s.Push(0.5); v != 0 {
		t.Errorf("variance of constant series: want 0, got %v", v)
	}
}
