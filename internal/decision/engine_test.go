package decision

import (
	"testing"
	"time"

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

func passingExtraction(side model.Side) *model.ExtractionResult {
	return &model.ExtractionResult{
		Side:              side,
		OverallConfidence: 0.95,
		ConfidenceLevel:   model.ConfidenceHigh,
		Validation:        model.ValidationResult{OK: true},
	}
}

func passingBiometric(r *threshold.Registry) *model.BiometricResult {
	return &model.BiometricResult{
		MatchScore: r.Get("match_threshold") + 0.1,
		PADScore:   r.Get("pad_threshold") + 0.1,
		Passed:     true,
	}
}

func baseSignals(r *threshold.Registry) Signals {
	return Signals{
		SessionID:       "sess-1",
		FrontExtraction: passingExtraction(model.SideFront),
		BackExtraction:  passingExtraction(model.SideBack),
		Biometric:       passingBiometric(r),
		ConsensusOK:     true,
		IssuerVerified:  true,
	}
}

func TestDecideApprovesCleanSession(t *testing.T) {
	r := testRegistry(t)
	dec := Decide(baseSignals(r), r, time.Unix(0, 0))
	if dec.Verdict != model.VerdictApprove {
		t.Fatalf("Verdict: want approve, got %s (reasons=%v)", dec.Verdict, dec.Reasons)
	}
}

func TestDecideDeniesOnAttackDetected(t *testing.T) {
	r := testRegistry(t)
	s := baseSignals(r)
	s.Biometric.AttackDetected = true
	s.Biometric.AttackType = "print_attack"
	dec := Decide(s, r, time.Unix(0, 0))
	if dec.Verdict != model.VerdictDeny {
		t.Fatalf("Verdict: want deny, got %s", dec.Verdict)
	}
}

func TestDecideDeniesOnConsensusFailure(t *testing.T) {
	r := testRegistry(t)
	s := baseSignals(r)
	s.ConsensusOK = false
	dec := Decide(s, r, time.Unix(0, 0))
	if dec.Verdict != model.VerdictDeny {
		t.Fatalf("Verdict: want deny, got %s", dec.Verdict)
	}
}

func TestDecideDeniesOnSanctionsHit(t *testing.T) {
	r := testRegistry(t)
	s := baseSignals(r)
	s.AMLHits = []model.AMLHit{{Class: model.AMLSanctions, Name: "OFAC"}}
	dec := Decide(s, r, time.Unix(0, 0))
	if dec.Verdict != model.VerdictDeny {
		t.Fatalf("Verdict: want deny, got %s", dec.Verdict)
	}
}

func TestDecideReviewsOnPEPHit(t *testing.T) {
	r := testRegistry(t)
	s := baseSignals(r)
	s.AMLHits = []model.AMLHit{{Class: model.AMLPEP, Name: "local-pep-list"}}
	dec := Decide(s, r, time.Unix(0, 0))
	if dec.Verdict != model.VerdictReview {
		t.Fatalf("Verdict: want review, got %s", dec.Verdict)
	}
}

func TestDecideReviewsOnExpiredDocument(t *testing.T) {
	r := testRegistry(t)
	s := baseSignals(r)
	s.DocumentExpired = true
	dec := Decide(s, r, time.Unix(0, 0))
	if dec.Verdict != model.VerdictReview {
		t.Fatalf("Verdict: want review, got %s", dec.Verdict)
	}
	found := false
	for _, reason := range dec.Reasons {
		if reason == "document_expired" {
			found = true
		}
	}
	if !found {
		t.Errorf("Reasons missing document_expired: %v", dec.Reasons)
	}
}

func TestDecideReviewsOnDeviceAnomalyAboveMax(t *testing.T) {
	r := testRegistry(t)
	s := baseSignals(r)
	s.DeviceAnomalyScore = r.Get("device_anomaly_review_max") + 0.01
	dec := Decide(s, r, time.Unix(0, 0))
	if dec.Verdict != model.VerdictReview {
		t.Fatalf("Verdict: want review, got %s", dec.Verdict)
	}
}

func TestDecideReviewsOnIssuerVerificationFailure(t *testing.T) {
	r := testRegistry(t)
	s := baseSignals(r)
	s.IssuerVerified = false
	dec := Decide(s, r, time.Unix(0, 0))
	if dec.Verdict != model.VerdictReview {
		t.Fatalf("Verdict: want review, got %s", dec.Verdict)
	}
}

func TestDecideDenyOutranksReview(t *testing.T) {
	r := testRegistry(t)
	s := baseSignals(r)
	s.IssuerVerified = false // would be review alone
	s.ConsensusOK = false    // escalates to deny
	dec := Decide(s, r, time.Unix(0, 0))
	if dec.Verdict != model.VerdictDeny {
		t.Fatalf("Verdict: deny must outrank review, got %s", dec.Verdict)
	}
}

func TestDecideDefaultsPolicyVersion(t *testing.T) {
	r := testRegistry(t)
	dec := Decide(baseSignals(r), r, time.Unix(0, 0))
	if dec.PolicyVersion != PolicyVersion {
		t.Errorf("PolicyVersion: want %s, got %s", PolicyVersion, dec.PolicyVersion)
	}
}
