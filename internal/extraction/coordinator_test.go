package extraction

import (
	"context"
	"testing"

	"github.com/ph-kyc/capture-engine/internal/clock"
	"github.com/ph-kyc/capture-engine/internal/eventbus"
	"github.com/ph-kyc/capture-engine/internal/model"
	"github.com/ph-kyc/capture-engine/internal/threshold"
	"github.com/ph-kyc/capture-engine/internal/vendor"
)

// stubOCRAdapter returns a fixed OCROutput, or an error if set.
type stubOCRAdapter struct {
	out OCROutput
	err error
}

func (s *stubOCRAdapter) Name() string                  { return "stub-ocr" }
func (s *stubOCRAdapter) Capability() vendor.Capability { return vendor.CapOCRExtract }
func (s *stubOCRAdapter) Invoke(ctx context.Context, input any) (any, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.out, nil
}

func newTestCoordinator(t *testing.T, adapter vendor.Adapter) (*Coordinator, *eventbus.Bus) {
	t.Helper()
	thresholds, err := threshold.Load()
	if err != nil {
		t.Fatalf("threshold.Load: %v", err)
	}
	orch := vendor.New(thresholds, nil, nil)
	orch.Register(adapter)
	bus := eventbus.New(thresholds, clock.System{}, nil, nil)
	t.Cleanup(bus.Stop)
	return New(orch, thresholds, bus), bus
}

func TestExtractAggregatesWeightedConfidence(t *testing.T) {
	adapter := &stubOCRAdapter{out: OCROutput{Fields: []OCRField{
		{Field: model.FieldDocumentNum, Value: "P1234567", Confidence: 0.95},
		{Field: model.FieldFirstName, Value: "Juan", Confidence: 0.90},
		{Field: model.FieldDateOfBirth, Value: "1990-01-01", Confidence: 0.85},
	}}}
	c, _ := newTestCoordinator(t, adapter)

	result, err := c.Extract(context.Background(), "sess-1", OCRInput{
		Side: model.SideFront, DocumentType: "Passport", ImageRef: "img-1",
	})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if result.OverallConfidence <= 0 {
		t.Errorf("OverallConfidence: want > 0, got %v", result.OverallConfidence)
	}
	if !result.Validation.OK {
		t.Errorf("Validation: want OK, got issues=%v", result.Validation.Issues)
	}
	if len(result.Fields) != 3 {
		t.Errorf("Fields: want 3, got %d", len(result.Fields))
	}
}

func TestExtractFlagsMissingDocumentNumber(t *testing.T) {
	adapter := &stubOCRAdapter{out: OCROutput{Fields: []OCRField{
		{Field: model.FieldFirstName, Value: "Juan", Confidence: 0.9},
		{Field: model.FieldDateOfBirth, Value: "1990-01-01", Confidence: 0.9},
	}}}
	c, _ := newTestCoordinator(t, adapter)

	result, err := c.Extract(context.Background(), "sess-1", OCRInput{
		Side: model.SideFront, DocumentType: "PhilID", ImageRef: "img-1",
	})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if result.Validation.OK {
		t.Fatal("Validation: want not-OK when document_number is missing")
	}
	found := false
	for _, issue := range result.Validation.Issues {
		if issue == "document_number_missing" {
			found = true
		}
	}
	if !found {
		t.Errorf("Issues missing document_number_missing: %v", result.Validation.Issues)
	}
}

func TestExtractFlagsShortDocumentNumberForPhilID(t *testing.T) {
	adapter := &stubOCRAdapter{out: OCROutput{Fields: []OCRField{
		{Field: model.FieldDocumentNum, Value: "123", Confidence: 0.9},
		{Field: model.FieldDateOfBirth, Value: "1990-01-01", Confidence: 0.9},
	}}}
	c, _ := newTestCoordinator(t, adapter)

	result, err := c.Extract(context.Background(), "sess-1", OCRInput{
		Side: model.SideFront, DocumentType: "PhilID", ImageRef: "img-1",
	})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if result.Validation.OK {
		t.Fatal("Validation: want not-OK for a too-short PhilID document number")
	}
}

func TestExtractPropagatesAdapterError(t *testing.T) {
	adapter := &stubOCRAdapter{err: context.DeadlineExceeded}
	c, _ := newTestCoordinator(t, adapter)

	_, err := c.Extract(context.Background(), "sess-1", OCRInput{Side: model.SideFront, DocumentType: "Passport"})
	if err == nil {
		t.Fatal("Extract: want an error when the adapter fails")
	}
}

func TestFieldWeightUsesDefaultForUnknownField(t *testing.T) {
	thresholds, err := threshold.Load()
	if err != nil {
		t.Fatalf("threshold.Load: %v", err)
	}
	got := fieldWeight(thresholds, model.FieldNationality)
	want := thresholds.Get("weight_default_field")
	if got != want {
		t.Errorf("fieldWeight(default): want %v, got %v", want, got)
	}
}
