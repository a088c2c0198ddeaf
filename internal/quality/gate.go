// Package quality implements the Quality Gate Engine (spec.md C6, §4.4).
// Evaluate is a pure function: same QualityVector and Registry snapshot in,
// same QualityGateResult out, with no hidden state beyond the stability
// ring buffer — a deterministic, sub-millisecond contract grounded on the
// teacher's internal/anomaly/engine.go (pure Score(x, baseline) function,
// nil-baseline short-circuit). The weighted-sum scoring itself is grounded
// on internal/escalation/severity.go's S = Σ wᵢxᵢ composite formula,
// carried over to per-frame quality instead of per-process severity. The
// stability/variance check over a sliding window is grounded on
// internal/escalation/pressure.go's EWMA accumulator, generalized from a
// single smoothed value to a bounded-variance check over a ring of recent
// scores.
package quality

import (
	"github.com/ph-kyc/capture-engine/internal/model"
	"github.com/ph-kyc/capture-engine/internal/threshold"
)

// cancelCheck is one hard cutoff evaluated in priority order (spec.md
// §4.4: motion > focus > glare). The first one that fires wins.
type cancelCheck struct {
	reason      model.CancelReason
	metric      func(model.QualityVector) float64
	cutoffKey   string
	aboveCutoff bool // true: cancel when metric > cutoff; false: metric < cutoff
}

var cancelChecks = []cancelCheck{
	{model.CancelMotion, func(q model.QualityVector) float64 { return q.Motion }, "motion_cancel", true},
	{model.CancelFocus, func(q model.QualityVector) float64 { return q.Focus }, "focus_cancel", false},
	{model.CancelGlare, func(q model.QualityVector) float64 { return q.Glare }, "glare_cancel", true},
}

// passChecks are the minimum-bar conditions that must all hold for
// Outcome to be pass rather than fail.
var passChecks = []struct {
	name      string
	metric    func(model.QualityVector) float64
	minKey    string
	aboveMin  bool
}{
	{"focus", func(q model.QualityVector) float64 { return q.Focus }, "focus_pass", true},
	{"motion", func(q model.QualityVector) float64 { return q.Motion }, "motion_pass", false},
	{"glare", func(q model.QualityVector) float64 { return q.Glare }, "glare_pass", false},
	{"corners", func(q model.QualityVector) float64 { return q.Corners }, "corners_pass", true},
	{"fill_ratio", func(q model.QualityVector) float64 { return q.FillRatio }, "fill_pass", true},
}

// weightedMetrics defines the overall-score formula's terms: Σ wᵢ · scoreᵢ.
var weightedMetrics = []struct {
	name      string
	metric    func(model.QualityVector) float64
	weightKey string
	// normalize maps a raw metric into a 0..1 "higher is better" score;
	// motion and glare are cost metrics (lower raw value is better).
	normalize func(v float64) float64
}{
	{"motion", func(q model.QualityVector) float64 { return q.Motion }, "weight_motion", invert},
	{"focus", func(q model.QualityVector) float64 { return q.Focus }, "weight_focus", identity},
	{"corners", func(q model.QualityVector) float64 { return q.Corners }, "weight_corners", identity},
	{"glare", func(q model.QualityVector) float64 { return q.Glare }, "weight_glare", invert},
	{"fill_ratio", func(q model.QualityVector) float64 { return q.FillRatio }, "weight_fill_ratio", identity},
}

func identity(v float64) float64 { return clamp01(v) }
func invert(v float64) float64   { return clamp01(1.0 - v) }

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// Stability tracks a bounded ring buffer of recent overall scores for one
// capture session side, used to reject captures whose quality is swinging
// rather than converging (spec.md §4.4's stability requirement).
type Stability struct {
	ring []float64
	size int
	pos  int
	full bool
}

// NewStability creates a Stability ring of the given size.
func NewStability(size int) *Stability {
	if size < 1 {
		size = 1
	}
	return &Stability{ring: make([]float64, size), size: size}
}

// Push records one overall score and returns the population variance
// (divided by n) over whatever samples of the window are filled.
func (s *Stability) Push(score float64) float64 {
	s.ring[s.pos] = score
	s.pos = (s.pos + 1) % s.size
	if s.pos == 0 {
		s.full = true
	}
	n := s.size
	if !s.full {
		n = s.pos
	}
	if n == 0 {
		return 0
	}
	var mean float64
	for i := 0; i < n; i++ {
		mean += s.ring[i]
	}
	mean /= float64(n)
	var variance float64
	for i := 0; i < n; i++ {
		d := s.ring[i] - mean
		variance += d * d
	}
	return variance / float64(n)
}

// Evaluate scores one frame's QualityVector, applying hard cancel
// cutoffs in priority order, then pass/fail minimum bars, then the
// weighted overall score and level bucket. stability, if non-nil, folds
// the overall score into its window and rejects (fail, not cancel) on
// excess variance rather than a single bad frame.
func Evaluate(q model.QualityVector, r *threshold.Registry, stability *Stability) model.QualityGateResult {
	for _, c := range cancelChecks {
		v := c.metric(q)
		cutoff := r.Get(c.cutoffKey)
		if (c.aboveCutoff && v > cutoff) || (!c.aboveCutoff && v < cutoff) {
			return model.QualityGateResult{
				Outcome:      model.GateCancel,
				CancelReason: c.reason,
				MetricScores: metricScores(q, r),
				MessageKey:   cancelMessageKey(c.reason),
			}
		}
	}

	overall, scores := weightedScore(q, r)
	level := levelFor(overall, r)

	passed := true
	var hints []string
	for _, pc := range passChecks {
		v := pc.metric(q)
		min := r.Get(pc.minKey)
		ok := v >= min
		if !pc.aboveMin {
			ok = v <= min
		}
		if !ok {
			passed = false
			hints = append(hints, pc.name+"_below_minimum")
		}
	}

	outcome := model.GateFail
	if passed {
		outcome = model.GatePass
	}

	var cancelReason model.CancelReason
	var messageKey string
	if stability != nil {
		variance := stability.Push(overall)
		if variance > r.Get("stability_variance_max") {
			// Demoted to fail, not cancel (spec.md §4.4): a single unstable
			// frame doesn't abort the capture, it just can't lock on it.
			outcome = model.GateFail
			cancelReason = model.CancelStability
			messageKey = cancelMessageKey(model.CancelStability)
			hints = append(hints, "stability_variance_exceeded")
		}
	}

	return model.QualityGateResult{
		Outcome:      outcome,
		CancelReason: cancelReason,
		OverallScore: overall,
		Level:        level,
		MetricScores: scores,
		HintKeys:     hints,
		MessageKey:   messageKey,
	}
}

func weightedScore(q model.QualityVector, r *threshold.Registry) (float64, []model.MetricScore) {
	var sum, weightSum float64
	scores := make([]model.MetricScore, 0, len(weightedMetrics))
	for _, wm := range weightedMetrics {
		raw := wm.metric(q)
		w := r.Get(wm.weightKey)
		normalized := wm.normalize(raw)
		sum += w * normalized
		weightSum += w
		scores = append(scores, model.MetricScore{Name: wm.name, Value: raw, Score: normalized})
	}
	if weightSum == 0 {
		return 0, scores
	}
	return sum / weightSum, scores
}

func levelFor(overall float64, r *threshold.Registry) model.QualityLevel {
	switch {
	case overall >= r.Get("level_excellent_min"):
		return model.LevelExcellent
	case overall >= r.Get("level_good_min"):
		return model.LevelGood
	case overall >= r.Get("level_acceptable_min"):
		return model.LevelAcceptable
	default:
		return model.LevelPoor
	}
}

func metricScores(q model.QualityVector, r *threshold.Registry) []model.MetricScore {
	_, scores := weightedScore(q, r)
	return scores
}

func cancelMessageKey(reason model.CancelReason) string {
	switch reason {
	case model.CancelMotion:
		return "cancel_motion_detected"
	case model.CancelFocus:
		return "cancel_focus_lost"
	case model.CancelGlare:
		return "cancel_glare_high"
	case model.CancelStability:
		return "cancel_stability_lost"
	case model.CancelQualityDegrade:
		return "cancel_quality_degraded"
	case model.CancelPartialDoc:
		return "cancel_partial_document"
	case model.CancelAttackDetected:
		return "cancel_attack_detected"
	default:
		return ""
	}
}
