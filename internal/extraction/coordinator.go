// Package extraction implements the Extraction Coordinator (spec.md C8,
// §4.5). On entry to a Captured* state it drives the ocr.extract
// capability through the Vendor Orchestrator and emits the ordered event
// sequence extraction_start -> (extraction_field -> extraction_progress)*
// -> extraction_complete | extraction_error. The strictly-ordered,
// sequence-numbered emission pipeline is grounded on
// internal/kernel/events.go's channel-dispatch shape (here the ordering
// guarantee comes from calling eventbus.Queue.Publish synchronously in
// the fixed order below, rather than from a channel itself).
package extraction

import (
	"context"
	"fmt"
	"time"

	"github.com/ph-kyc/capture-engine/internal/eventbus"
	"github.com/ph-kyc/capture-engine/internal/model"
	"github.com/ph-kyc/capture-engine/internal/threshold"
	"github.com/ph-kyc/capture-engine/internal/vendor"
)

// fieldWeight returns the confidence-aggregation weight for a field
// (spec.md §4.5's weighted mean: document_number 1.5, document_type 1.3,
// first_name 1.2, last_name 1.2, date_of_birth 1.0, address 0.6, all
// others 1.0).
func fieldWeight(r *threshold.Registry, f model.FieldID) float64 {
	switch f {
	case model.FieldDocumentNum:
		return r.Get("weight_document_number")
	case model.FieldDocumentType:
		return r.Get("weight_document_type")
	case model.FieldFirstName:
		return r.Get("weight_first_name")
	case model.FieldLastName:
		return r.Get("weight_last_name")
	case model.FieldDateOfBirth:
		return r.Get("weight_date_of_birth")
	case model.FieldAddress:
		return r.Get("weight_address")
	default:
		return r.Get("weight_default_field")
	}
}

// OCRInput is what the coordinator sends to the ocr.extract capability.
type OCRInput struct {
	Side        model.Side
	DocumentType string
	ImageRef    string
}

// OCRField is one raw field as returned by an ocr.extract adapter, before
// this coordinator's aggregation and validation.
type OCRField struct {
	Field        model.FieldID
	Value        string
	Confidence   float64
	Alternatives []string
	BBox         *model.BoundingBox
}

// OCROutput is the raw adapter response the coordinator aggregates.
type OCROutput struct {
	Fields []OCRField
}

// Coordinator drives extraction for one session's captured side.
type Coordinator struct {
	orchestrator *vendor.Orchestrator
	thresholds   *threshold.Registry
	bus          *eventbus.Bus
	now          func() time.Time
}

// New creates a Coordinator.
func New(orchestrator *vendor.Orchestrator, thresholds *threshold.Registry, bus *eventbus.Bus) *Coordinator {
	return &Coordinator{orchestrator: orchestrator, thresholds: thresholds, bus: bus, now: time.Now}
}

// Extract runs ocr.extract for one side of one session, emitting the
// ordered event sequence as it progresses, and returns the aggregated
// ExtractionResult.
func (c *Coordinator) Extract(ctx context.Context, sessionID string, input OCRInput) (model.ExtractionResult, error) {
	q := c.bus.QueueFor(sessionID)
	start := c.now()

	q.Publish(model.Event{Type: model.EventExtractionStart, Payload: map[string]any{"side": input.Side}})

	raw, err := c.orchestrator.Call(ctx, vendor.CapOCRExtract, input, true)
	if err != nil {
		q.Publish(model.Event{Type: model.EventExtractionError, Payload: map[string]any{"error": err.Error()}})
		return model.ExtractionResult{}, fmt.Errorf("extraction: ocr.extract: %w", err)
	}

	output, ok := raw.(OCROutput)
	if !ok {
		err := fmt.Errorf("extraction: ocr.extract returned unexpected type %T", raw)
		q.Publish(model.Event{Type: model.EventExtractionError, Payload: map[string]any{"error": err.Error()}})
		return model.ExtractionResult{}, err
	}

	fields := make(map[model.FieldID]model.FieldConfidence, len(output.Fields))
	var weightedSum, weightTotal float64
	for i, f := range output.Fields {
		level := model.LevelForConfidence(f.Confidence)
		fields[f.Field] = model.FieldConfidence{
			Value:        f.Value,
			Confidence:   f.Confidence,
			Level:        level,
			Alternatives: f.Alternatives,
			BBox:         f.BBox,
		}
		w := fieldWeight(c.thresholds, f.Field)
		weightedSum += w * f.Confidence
		weightTotal += w

		q.Publish(model.Event{
			Type: model.EventExtractionField,
			Payload: map[string]any{
				"field":      f.Field,
				"confidence": f.Confidence,
				"level":      level,
			},
		})

		fraction := float64(i+1) / float64(len(output.Fields))
		q.Publish(model.Event{Type: model.EventExtractionProgress, Payload: map[string]any{"fraction": fraction}})
	}

	overall := 0.0
	if weightTotal > 0 {
		overall = weightedSum / weightTotal
	}

	validation := validate(input.DocumentType, fields)

	result := model.ExtractionResult{
		Side:              input.Side,
		OverallConfidence: overall,
		ConfidenceLevel:   model.LevelForConfidence(overall),
		Fields:            fields,
		ProcessingMs:      float64(c.now().Sub(start).Milliseconds()),
		Validation:        validation,
	}

	q.Publish(model.Event{
		Type: model.EventExtractionComplete,
		Payload: map[string]any{
			"overall_confidence": overall,
			"validation_ok":      validation.OK,
		},
	})

	return result, nil
}

// validate runs format checks per issuer template (spec.md §4.5): a
// document_number and a date_of_birth must be present, and the
// document_number must reach the minimum length for PhilID/UMID (10) or
// Passport (8). No check-digit or checksum validation is performed, and
// other document types get no length check.
func validate(documentType string, fields map[model.FieldID]model.FieldConfidence) model.ValidationResult {
	var issues []string

	docNum, hasDocNum := fields[model.FieldDocumentNum]
	if !hasDocNum || docNum.Value == "" {
		issues = append(issues, "document_number_missing")
	}

	switch documentType {
	case "PhilID", "UMID":
		if hasDocNum && len(docNum.Value) < 10 {
			issues = append(issues, "document_number_format_invalid")
		}
	case "Passport":
		if hasDocNum && len(docNum.Value) < 8 {
			issues = append(issues, "document_number_format_invalid")
		}
	}

	if _, hasDOB := fields[model.FieldDateOfBirth]; !hasDOB {
		issues = append(issues, "date_of_birth_missing")
	}

	return model.ValidationResult{OK: len(issues) == 0, Issues: issues}
}
