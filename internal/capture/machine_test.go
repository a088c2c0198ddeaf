package capture

import (
	"errors"
	"testing"
	"time"

	"github.com/ph-kyc/capture-engine/internal/clock"
	"github.com/ph-kyc/capture-engine/internal/model"
)

func newTestMachine() *Machine {
	return New(clock.NewFake(time.Unix(0, 0)))
}

func TestTransitionHappyPath(t *testing.T) {
	m := newTestMachine()

	steps := []model.State{
		model.LockedFront, model.CountdownFront, model.CapturedFront,
		model.ConfirmFront, model.FlipToBack, model.SearchingBack,
		model.LockedBack, model.CountdownBack, model.CapturedBack, model.Complete,
	}
	for _, to := range steps {
		if _, err := m.Transition(to, "test", ""); err != nil {
			t.Fatalf("Transition(%s): %v", to, err)
		}
	}
	if m.Current() != model.Complete {
		t.Fatalf("final state: want Complete, got %s", m.Current())
	}
	if len(m.History()) != len(steps) {
		t.Fatalf("history length: want %d, got %d", len(steps), len(m.History()))
	}
}

func TestTransitionIllegalRejected(t *testing.T) {
	m := newTestMachine()
	_, err := m.Transition(model.CapturedFront, "skip-ahead", "")
	var illegal *IllegalTransition
	if !errors.As(err, &illegal) {
		t.Fatalf("want *IllegalTransition, got %v", err)
	}
	if m.Current() != model.SearchingFront {
		t.Errorf("state must be unchanged after a rejected transition, got %s", m.Current())
	}
}

func TestTerminalStateRejectsEverything(t *testing.T) {
	m := newTestMachine()
	for _, to := range []model.State{
		model.LockedFront, model.CountdownFront, model.CapturedFront,
		model.ConfirmFront, model.FlipToBack, model.SearchingBack,
		model.LockedBack, model.CountdownBack, model.CapturedBack, model.Complete,
	} {
		if _, err := m.Transition(to, "test", ""); err != nil {
			t.Fatalf("Transition(%s): %v", to, err)
		}
	}
	if _, err := m.Transition(model.SearchingFront, "reset-attempt", ""); err == nil {
		t.Fatal("expected terminal state to reject any further transition")
	}
}

func TestRollbackFromCountdownRecordsCancelReason(t *testing.T) {
	m := newTestMachine()
	if _, err := m.Transition(model.LockedFront, "lock", ""); err != nil {
		t.Fatalf("Transition(LockedFront): %v", err)
	}
	if _, err := m.Transition(model.CountdownFront, "countdown", ""); err != nil {
		t.Fatalf("Transition(CountdownFront): %v", err)
	}
	rec, err := m.Rollback("motion_detected_rollback", model.CancelMotion)
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if rec.To != model.SearchingFront {
		t.Errorf("rollback target: want SearchingFront, got %s", rec.To)
	}
	if rec.CancelReason != string(model.CancelMotion) {
		t.Errorf("cancel reason: want %s, got %s", model.CancelMotion, rec.CancelReason)
	}
}

