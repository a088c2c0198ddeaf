// Package capture implements the Capture State Machine (spec.md C7,
// §4.3). Transitions are validated table-driven, generalizing the
// teacher's linear, single-direction Escalate/Decay machine in
// internal/escalation/state_machine.go (a five-state ladder with two
// legal moves per state: up or down by one) into a DAG with arbitrary
// legal-neighbor sets per state, since the capture lifecycle branches
// (lock, countdown-cancel, retake, flip) rather than escalating linearly.
// The "atomic under a per-entity mutex" discipline carries over exactly.
package capture

import (
	"fmt"
	"sync"

	"github.com/ph-kyc/capture-engine/internal/clock"
	"github.com/ph-kyc/capture-engine/internal/model"
)

// transitions is the exhaustive legal-transition table (spec.md §4.3).
// Any (from, to) pair not listed here is an IllegalTransition.
var transitions = map[model.State][]model.State{
	model.SearchingFront: {model.LockedFront},
	model.LockedFront:    {model.CountdownFront, model.SearchingFront},
	model.CountdownFront: {model.CapturedFront, model.SearchingFront},
	model.CapturedFront:  {model.ConfirmFront, model.SearchingFront},
	model.ConfirmFront:   {model.FlipToBack},
	model.FlipToBack:     {model.SearchingBack},
	model.SearchingBack:  {model.LockedBack},
	model.LockedBack:     {model.CountdownBack, model.SearchingBack},
	model.CountdownBack:  {model.CapturedBack, model.SearchingBack},
	model.CapturedBack:   {model.Complete},
	model.Complete:       nil,
}

// IllegalTransition is returned when a requested (from, to) pair is not a
// member of the legal-transition table.
type IllegalTransition struct {
	From model.State
	To   model.State
}

func (e *IllegalTransition) Error() string {
	return fmt.Sprintf("capture: illegal transition %s -> %s", e.From, e.To)
}

// searchingFor maps every state to the nearest Searching state for its
// side, used by the rollback contract on a cancel decision.
func searchingFor(s model.State) model.State {
	if s.Side() == model.SideFront {
		return model.SearchingFront
	}
	return model.SearchingBack
}

func isLegal(from, to model.State) bool {
	for _, candidate := range transitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// Machine owns one session's capture lifecycle state. All access is
// guarded by a per-instance mutex (spec.md §5's per-session state
// ownership).
type Machine struct {
	mu      sync.Mutex
	current model.State
	history []model.TransitionRecord
	clk     clock.Clock
}

// New creates a Machine starting in SearchingFront.
func New(clk clock.Clock) *Machine {
	return &Machine{current: model.SearchingFront, clk: clk}
}

// Current returns the machine's current state.
func (m *Machine) Current() model.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// History returns a copy of the transition history.
func (m *Machine) History() []model.TransitionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.TransitionRecord, len(m.history))
	copy(out, m.history)
	return out
}

// Transition attempts to move the machine from its current state to to.
// reason is a free-form tag recorded in the history; cancelReason, if
// non-empty, is recorded on the TransitionRecord regardless of which
// states from/to are — callers only ever pass a non-empty cancelReason
// for an actual cancel (a Quality Gate cancel verdict or an
// attack-detected rollback), so its presence alone is the cancel signal.
// On an illegal transition the machine state is unchanged and an
// *IllegalTransition is returned.
func (m *Machine) Transition(to model.State, reason string, cancelReason model.CancelReason) (model.TransitionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current.IsTerminal() {
		return model.TransitionRecord{}, &IllegalTransition{From: m.current, To: to}
	}
	if !isLegal(m.current, to) {
		return model.TransitionRecord{}, &IllegalTransition{From: m.current, To: to}
	}

	rec := model.TransitionRecord{
		From:        m.current,
		To:          to,
		MonotonicNs: m.clk.MonotonicNs(),
		Reason:      reason,
	}
	if cancelReason != "" {
		rec.CancelReason = string(cancelReason)
	}
	m.current = to
	m.history = append(m.history, rec)
	return rec, nil
}

// Rollback implements the cancel rollback contract (spec.md §4.3): the
// machine moves to the nearest Searching state for the current side.
// quality_history is the session's concern, not the machine's, and is
// untouched here; only timing milestones since the last Searching state
// are implicitly discarded by virtue of the caller's own timing map
// being keyed per-state-entry.
func (m *Machine) Rollback(reason string, cancelReason model.CancelReason) (model.TransitionRecord, error) {
	m.mu.Lock()
	target := searchingFor(m.current)
	m.mu.Unlock()
	// target is computed from the state observed above; Transition
	// re-validates against whatever the current state is by the time it
	// acquires the lock, so a racing caller can only ever turn this into
	// a reported IllegalTransition, never a silently wrong move.
	return m.Transition(target, reason, cancelReason)
}
