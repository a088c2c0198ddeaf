package biometric

import (
	"context"
	"errors"
	"testing"

	"github.com/ph-kyc/capture-engine/internal/clock"
	"github.com/ph-kyc/capture-engine/internal/eventbus"
	"github.com/ph-kyc/capture-engine/internal/threshold"
	"github.com/ph-kyc/capture-engine/internal/vendor"
)

type stubMatchAdapter struct {
	out MatchOutput
	err error
}

func (s *stubMatchAdapter) Name() string                  { return "stub-match" }
func (s *stubMatchAdapter) Capability() vendor.Capability { return vendor.CapBiometricMatch }
func (s *stubMatchAdapter) Invoke(ctx context.Context, input any) (any, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.out, nil
}

type stubPADAdapter struct {
	out PADOutput
	err error
}

func (s *stubPADAdapter) Name() string                  { return "stub-pad" }
func (s *stubPADAdapter) Capability() vendor.Capability { return vendor.CapBiometricPAD }
func (s *stubPADAdapter) Invoke(ctx context.Context, input any) (any, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.out, nil
}

func newTestCoordinator(t *testing.T, match *stubMatchAdapter, pad *stubPADAdapter) *Coordinator {
	t.Helper()
	thresholds, err := threshold.Load()
	if err != nil {
		t.Fatalf("threshold.Load: %v", err)
	}
	orch := vendor.New(thresholds, nil, nil)
	orch.Register(match)
	orch.Register(pad)
	bus := eventbus.New(thresholds, clock.System{}, nil, nil)
	t.Cleanup(bus.Stop)
	return New(orch, thresholds, bus)
}

func TestEvaluatePassesAboveBothThresholds(t *testing.T) {
	thresholds, _ := threshold.Load()
	c := newTestCoordinator(t,
		&stubMatchAdapter{out: MatchOutput{Score: thresholds.Get("match_threshold") + 0.1}},
		&stubPADAdapter{out: PADOutput{Score: thresholds.Get("pad_threshold") + 0.1}},
	)
	result, err := c.Evaluate(context.Background(), "sess-1", MatchInput{}, PADInput{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !result.Passed {
		t.Errorf("Passed: want true, got false (match=%v pad=%v)", result.MatchScore, result.PADScore)
	}
}

func TestEvaluateFailsOnLowMatchScore(t *testing.T) {
	thresholds, _ := threshold.Load()
	c := newTestCoordinator(t,
		&stubMatchAdapter{out: MatchOutput{Score: thresholds.Get("match_threshold") - 0.1}},
		&stubPADAdapter{out: PADOutput{Score: thresholds.Get("pad_threshold") + 0.1}},
	)
	result, err := c.Evaluate(context.Background(), "sess-1", MatchInput{}, PADInput{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if result.Passed {
		t.Error("Passed: want false with match score below threshold")
	}
}

func TestEvaluateFailsWhenAttackDetectedEvenIfScoresPass(t *testing.T) {
	thresholds, _ := threshold.Load()
	c := newTestCoordinator(t,
		&stubMatchAdapter{out: MatchOutput{Score: thresholds.Get("match_threshold") + 0.1}},
		&stubPADAdapter{out: PADOutput{Score: thresholds.Get("pad_threshold") + 0.1, AttackDetected: true, AttackType: "print_attack"}},
	)
	result, err := c.Evaluate(context.Background(), "sess-1", MatchInput{}, PADInput{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if result.Passed {
		t.Error("Passed: want false when an attack was detected")
	}
	if !result.AttackDetected || result.AttackType != "print_attack" {
		t.Errorf("AttackDetected/AttackType not propagated: %+v", result)
	}
}

func TestEvaluatePropagatesMatchAdapterError(t *testing.T) {
	c := newTestCoordinator(t,
		&stubMatchAdapter{err: errors.New("match failed")},
		&stubPADAdapter{out: PADOutput{Score: 0.9}},
	)
	_, err := c.Evaluate(context.Background(), "sess-1", MatchInput{}, PADInput{})
	if err == nil {
		t.Fatal("Evaluate: want an error when biometric.match fails")
	}
}

func TestEvaluatePropagatesPADAdapterError(t *testing.T) {
	c := newTestCoordinator(t,
		&stubMatchAdapter{out: MatchOutput{Score: 0.9}},
		&stubPADAdapter{err: errors.New("pad failed")},
	)
	_, err := c.Evaluate(context.Background(), "sess-1", MatchInput{}, PADInput{})
	if err == nil {
		t.Fatal("Evaluate: want an error when biometric.pad fails")
	}
}
