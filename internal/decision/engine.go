// Package decision implements the Decision Engine (spec.md C12, §3): a
// pure function from a session's accumulated signals (extraction,
// biometric, consensus, AML hits, document expiry, device anomaly, issuer
// verification) to a Verdict plus human-readable reasons.
// Computing a decision is kept separate from writing it, mirroring
// internal/governance/constitutional.go's split between
// ValidateDecision (pure: compute hash, check bounds) and the caller's
// own responsibility to persist the validated decision — here, C4's
// audit.Log.Append is that persistence step, invoked by the caller after
// Decide returns, never from inside this package.
package decision

import (
	"time"

	"github.com/ph-kyc/capture-engine/internal/model"
	"github.com/ph-kyc/capture-engine/internal/threshold"
)

// Signals is everything the Decision Engine considers for one session.
type Signals struct {
	SessionID            string
	FrontExtraction      *model.ExtractionResult
	BackExtraction       *model.ExtractionResult
	Biometric            *model.BiometricResult
	AMLHits              []model.AMLHit
	ConsensusOK          bool
	DocumentExpired      bool
	DeviceAnomalyScore   float64
	IssuerVerified       bool
	PolicyVersion        string
}

// PolicyVersion is the default policy identifier recorded on decisions
// that don't specify one.
const PolicyVersion = "kyc-policy-v1"

// Decide evaluates Signals and returns a Decision, applying the policy in
// order of strictness:
//
//   - deny: attack_detected, consensus failed, liveness (pad_score) below
//     pad_threshold, or a SANCTIONS hit.
//   - review: extraction confidence below extraction_review_confidence_min,
//     a PEP or ADVERSE_MEDIA hit, an expired document, or a device anomaly
//     score above device_anomaly_review_max.
//   - approve: otherwise, provided both sides were captured, consensus_ok,
//     extraction validation passed, and issuer verification passed.
//
// Every contributing signal is recorded in Reasons regardless of whether it
// changed the outcome, so a reviewer sees the full evidence trail.
func Decide(s Signals, thresholds *threshold.Registry, now time.Time) model.Decision {
	var reasons []string
	verdict := model.VerdictApprove

	downgrade := func(to model.Verdict, reason string) {
		reasons = append(reasons, reason)
		verdict = worse(verdict, to)
	}

	if s.Biometric == nil {
		downgrade(model.VerdictReview, "biometric_result_missing")
	} else {
		if s.Biometric.AttackDetected {
			downgrade(model.VerdictDeny, "biometric_attack_detected:"+s.Biometric.AttackType)
		}
		padThreshold := thresholds.Get("pad_threshold")
		if s.Biometric.PADScore < padThreshold {
			downgrade(model.VerdictDeny, "liveness_below_pad_threshold")
		}
		if !s.Biometric.Passed {
			downgrade(model.VerdictReview, "biometric_did_not_pass")
		}
	}

	if !s.ConsensusOK {
		downgrade(model.VerdictDeny, "consensus_failed")
	} else {
		reasons = append(reasons, "consensus_ok")
	}

	for _, hit := range s.AMLHits {
		switch hit.Class {
		case model.AMLSanctions:
			downgrade(model.VerdictDeny, "aml_sanctions_hit:"+hit.Name)
		case model.AMLPEP:
			downgrade(model.VerdictReview, "aml_pep_hit:"+hit.Name)
		case model.AMLAdverseMedia:
			downgrade(model.VerdictReview, "aml_adverse_media_hit:"+hit.Name)
		}
	}

	if s.DocumentExpired {
		downgrade(model.VerdictReview, "document_expired")
	}

	deviceAnomalyMax := thresholds.Get("device_anomaly_review_max")
	if s.DeviceAnomalyScore > deviceAnomalyMax {
		downgrade(model.VerdictReview, "device_anomaly_above_review_max")
	}

	for _, side := range []struct {
		name string
		res  *model.ExtractionResult
	}{{"front", s.FrontExtraction}, {"back", s.BackExtraction}} {
		if side.res == nil {
			downgrade(model.VerdictReview, side.name+"_extraction_missing")
			continue
		}
		if !side.res.Validation.OK {
			downgrade(model.VerdictReview, side.name+"_extraction_validation_failed")
		}
	}

	reviewConfidenceMin := thresholds.Get("extraction_review_confidence_min")
	for _, side := range []struct {
		name string
		res  *model.ExtractionResult
	}{{"front", s.FrontExtraction}, {"back", s.BackExtraction}} {
		if side.res != nil && side.res.OverallConfidence < reviewConfidenceMin {
			downgrade(model.VerdictReview, side.name+"_extraction_confidence_below_review_min")
		}
	}

	if !s.IssuerVerified {
		downgrade(model.VerdictReview, "issuer_verification_failed")
	}

	policyVersion := s.PolicyVersion
	if policyVersion == "" {
		policyVersion = PolicyVersion
	}

	return model.Decision{
		SessionID:          s.SessionID,
		Verdict:            verdict,
		Reasons:            reasons,
		PolicyVersion:      policyVersion,
		ThresholdsSnapshot: thresholds.Snapshot(),
		CreatedAt:          now,
	}
}

// rank orders verdicts from best to worst outcome for the subject.
var rank = map[model.Verdict]int{
	model.VerdictApprove: 0,
	model.VerdictReview:  1,
	model.VerdictDeny:    2,
}

// worse returns whichever of a, b ranks as the stricter outcome.
func worse(a, b model.Verdict) model.Verdict {
	if rank[b] > rank[a] {
		return b
	}
	return a
}
