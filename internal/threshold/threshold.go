// Package threshold implements the Threshold Registry (spec.md C1, §4.1).
// It holds a closed set of named, bounds-validated numeric thresholds for
// gates, timings, and SLOs, grounded on the teacher's
// internal/config/config.go: a yaml.v3-tagged struct, a Defaults()/
// Load()/Validate() triad that accumulates every violation before
// failing, and a read-only atomic-swap Reload operation.
package threshold

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// Category groups related threshold keys for audit snapshots.
type Category string

const (
	CategoryQualityGate Category = "quality_gate"
	CategoryBiometric   Category = "biometric"
	CategoryBurst       Category = "burst"
	CategoryConsensus   Category = "consensus"
	CategoryCircuit     Category = "circuit"
	CategoryVendor      Category = "vendor"
	CategorySession     Category = "session"
	CategoryEventBus    Category = "event_bus"
	CategorySLO         Category = "slo"
	CategoryWeight      Category = "weight"
)

// Entry is one named threshold: its current value and the bounds it was
// validated against at load time.
type Entry struct {
	Value     float64
	MinAllowed float64
	MaxAllowed float64
	Category  Category
}

// definition is the static, closed-set declaration of every key this
// registry knows about. Unknown keys are a programmer error by
// construction: Lookup only ever consults this table.
type definition struct {
	key      string
	def      float64
	min      float64
	max      float64
	category Category
	env      string // optional environment variable override name
}

var definitions = []definition{
	// Quality Gate Engine (C6) — cancel cutoffs (hard, priority order).
	{"motion_cancel", 0.35, 0.0, 1.0, CategoryQualityGate, ""},
	{"focus_cancel", 0.25, 0.0, 1.0, CategoryQualityGate, ""},
	{"glare_cancel", 0.40, 0.0, 1.0, CategoryQualityGate, ""},
	// Quality Gate Engine (C6) — pass conditions.
	{"focus_pass", 0.70, 0.0, 1.0, CategoryQualityGate, ""},
	{"motion_pass", 0.15, 0.0, 1.0, CategoryQualityGate, ""},
	{"glare_pass", 0.20, 0.0, 1.0, CategoryQualityGate, ""},
	{"corners_pass", 0.90, 0.0, 1.0, CategoryQualityGate, ""},
	{"fill_pass", 0.55, 0.0, 1.0, CategoryQualityGate, ""},
	// Quality Gate Engine (C6) — overall-score weights (must sum to ~1.0,
	// motion largest, focus second, corners third).
	{"weight_motion", 0.30, 0.0, 1.0, CategoryWeight, ""},
	{"weight_focus", 0.25, 0.0, 1.0, CategoryWeight, ""},
	{"weight_corners", 0.20, 0.0, 1.0, CategoryWeight, ""},
	{"weight_glare", 0.15, 0.0, 1.0, CategoryWeight, ""},
	{"weight_fill_ratio", 0.10, 0.0, 1.0, CategoryWeight, ""},
	// Quality Gate Engine (C6) — level thresholds.
	{"level_excellent_min", 0.90, 0.0, 1.0, CategoryQualityGate, ""},
	{"level_good_min", 0.75, 0.0, 1.0, CategoryQualityGate, ""},
	{"level_acceptable_min", 0.60, 0.0, 1.0, CategoryQualityGate, ""},
	// Quality Gate Engine (C6) — stability.
	{"stability_variance_max", 0.05, 0.0, 1.0, CategoryQualityGate, ""},
	{"quality_ring_size", 10, 1, 100, CategoryQualityGate, ""},
	// Biometric Coordinator (C9).
	{"match_threshold", 0.62, 0.0, 1.0, CategoryBiometric, "FACE_MATCH_THRESHOLD"},
	{"pad_threshold", 0.50, 0.0, 1.0, CategoryBiometric, "PAD_MIN"},
	// Burst capture (C11).
	{"burst_max_frames", 24, 1, 256, CategoryBurst, "BURST_MAX_FRAMES"},
	{"burst_max_duration_ms", 3500, 1, 60000, CategoryBurst, "BURST_MAX_DURATION_MS"},
	// Consensus (C11 evaluate_burst).
	{"consensus_top_k", 5, 1, 256, CategoryConsensus, ""},
	{"consensus_median_min", 0.62, 0.0, 1.0, CategoryConsensus, ""},
	{"consensus_frame_min", 0.58, 0.0, 1.0, CategoryConsensus, ""},
	{"consensus_min_frames_above", 3, 0, 256, CategoryConsensus, ""},
	{"consensus_observation_ttl_ms", 10000, 1, 120000, CategoryConsensus, ""},
	{"device_anomaly_review_max", 0.70, 0.0, 1.0, CategoryQualityGate, ""},
	// Vendor Orchestrator (C5) — circuit breaker.
	{"circuit_error_rate_threshold", 0.05, 0.0, 1.0, CategoryCircuit, ""},
	{"circuit_latency_multiple", 3.0, 1.0, 100.0, CategoryCircuit, ""},
	{"circuit_window_seconds", 120, 1, 3600, CategoryCircuit, ""},
	{"circuit_cooldown_seconds", 30, 1, 3600, CategoryCircuit, ""},
	{"circuit_halfopen_probes", 3, 1, 64, CategoryCircuit, ""},
	// Vendor Orchestrator (C5) — timeouts and budgets.
	{"timeout_ocr_extract_ms", 2000, 1, 120000, CategoryVendor, ""},
	{"timeout_biometric_pad_ms", 500, 1, 120000, CategoryVendor, ""},
	{"timeout_biometric_match_ms", 1000, 1, 120000, CategoryVendor, ""},
	{"timeout_aml_screen_ms", 5000, 1, 120000, CategoryVendor, ""},
	{"timeout_issuer_verify_ms", 3000, 1, 120000, CategoryVendor, ""},
	{"timeout_device_fingerprint_ms", 1000, 1, 120000, CategoryVendor, ""},
	{"retry_budget_idempotent", 1, 0, 10, CategoryVendor, ""},
	{"vendor_concurrency_multiplier", 4, 1, 64, CategoryVendor, ""},
	// Extraction Coordinator (C8) — field confidence weights.
	{"weight_document_number", 1.5, 0.0, 10.0, CategoryWeight, ""},
	{"weight_document_type", 1.3, 0.0, 10.0, CategoryWeight, ""},
	{"weight_first_name", 1.2, 0.0, 10.0, CategoryWeight, ""},
	{"weight_last_name", 1.2, 0.0, 10.0, CategoryWeight, ""},
	{"weight_date_of_birth", 1.0, 0.0, 10.0, CategoryWeight, ""},
	{"weight_address", 0.6, 0.0, 10.0, CategoryWeight, ""},
	{"weight_default_field", 1.0, 0.0, 10.0, CategoryWeight, ""},
	{"extraction_review_confidence_min", 0.75, 0.0, 1.0, CategoryQualityGate, ""},
	// Session Manager (C11).
	{"session_ttl_seconds", 1800, 1, 86400, CategorySession, ""},
	{"session_reap_interval_seconds", 30, 1, 3600, CategorySession, ""},
	{"checklock_rate_limit_per_second", 20, 1, 10000, CategorySession, ""},
	// Event Bus (C10).
	{"event_queue_capacity", 100, 1, 100000, CategoryEventBus, ""},
	{"event_heartbeat_seconds", 30, 1, 3600, CategoryEventBus, ""},
	{"event_stale_cleanup_seconds", 60, 1, 3600, CategoryEventBus, ""},
	{"event_max_subscribers", 1000, 1, 1000000, CategoryEventBus, ""},
	{"event_emit_budget_micros", 1000, 1, 1000000, CategoryEventBus, ""},
	// SLOs (§6 environment variables).
	{"lock_p50_ms", 20, 0, 60000, CategorySLO, "LOCK_P50_MS"},
	{"lock_p95_ms", 50, 0, 60000, CategorySLO, "LOCK_P95_MS"},
	{"decision_p50_ms", 200, 0, 120000, CategorySLO, "DECISION_P50_MS"},
	{"decision_p95_ms", 800, 0, 120000, CategorySLO, "DECISION_P95_MS"},
	{"availability_target", 0.999, 0.0, 1.0, CategorySLO, "AVAILABILITY_TARGET"},
}

// Registry is the validated, read-mostly threshold store. Readers never
// block: Lookup consults an atomically-swapped snapshot.
type Registry struct {
	snapshot atomic.Pointer[map[string]Entry]
}

// Load builds a Registry from defaults, then applies the environment
// variable overlay for every definition that names one, then validates
// bounds. Any bounds violation fails initialization (spec.md §4.1, §6).
func Load() (*Registry, error) {
	return load(os.LookupEnv)
}

// load is Load with an injectable environment lookup, for tests.
func load(lookupEnv func(string) (string, bool)) (*Registry, error) {
	entries := make(map[string]Entry, len(definitions))
	var errs []string

	for _, d := range definitions {
		value := d.def
		if d.env != "" {
			if raw, ok := lookupEnv(d.env); ok && raw != "" {
				parsed, err := strconv.ParseFloat(raw, 64)
				if err != nil {
					errs = append(errs, fmt.Sprintf("%s: invalid value %q for %s: %v", d.key, raw, d.env, err))
					continue
				}
				value = parsed
			}
		}
		if value < d.min || value > d.max {
			errs = append(errs, fmt.Sprintf("%s: value %v out of bounds [%v, %v]", d.key, value, d.min, d.max))
			continue
		}
		entries[d.key] = Entry{Value: value, MinAllowed: d.min, MaxAllowed: d.max, Category: d.category}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("threshold registry validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	r := &Registry{}
	r.snapshot.Store(&entries)
	return r, nil
}

// LoadYAML behaves like Load but overlays an additional YAML document of
// key -> float64 on top of defaults before the environment overlay and
// validation run, for deployments that prefer a config file to
// environment variables for non-secret threshold values.
func LoadYAML(data []byte) (*Registry, error) {
	var overrides map[string]float64
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &overrides); err != nil {
			return nil, fmt.Errorf("threshold registry: parse yaml overrides: %w", err)
		}
	}

	entries := make(map[string]Entry, len(definitions))
	var errs []string
	for _, d := range definitions {
		value := d.def
		if v, ok := overrides[d.key]; ok {
			value = v
		}
		if d.env != "" {
			if raw, ok := os.LookupEnv(d.env); ok && raw != "" {
				parsed, err := strconv.ParseFloat(raw, 64)
				if err != nil {
					errs = append(errs, fmt.Sprintf("%s: invalid value %q for %s: %v", d.key, raw, d.env, err))
					continue
				}
				value = parsed
			}
		}
		if value < d.min || value > d.max {
			errs = append(errs, fmt.Sprintf("%s: value %v out of bounds [%v, %v]", d.key, value, d.min, d.max))
			continue
		}
		entries[d.key] = Entry{Value: value, MinAllowed: d.min, MaxAllowed: d.max, Category: d.category}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("threshold registry validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	r := &Registry{}
	r.snapshot.Store(&entries)
	return r, nil
}

// Get returns the numeric value for key. Panics if key is not a member of
// the closed set of definitions: unknown keys are a programmer error,
// never a silent default (spec.md §4.1's "fail fast on first lookup
// attempt" contract).
func (r *Registry) Get(key string) float64 {
	m := *r.snapshot.Load()
	e, ok := m[key]
	if !ok {
		panic(fmt.Sprintf("threshold: unknown key %q", key))
	}
	return e.Value
}

// Duration returns Get(key) interpreted as milliseconds, as a
// time.Duration. Convenience for the many *_ms threshold keys.
func (r *Registry) Duration(key string) time.Duration {
	return time.Duration(r.Get(key)) * time.Millisecond
}

// Entry returns the full Entry (value and bounds) for key, for audit
// snapshots and introspection. Panics on an unknown key, same as Get.
func (r *Registry) Entry(key string) Entry {
	m := *r.snapshot.Load()
	e, ok := m[key]
	if !ok {
		panic(fmt.Sprintf("threshold: unknown key %q", key))
	}
	return e
}

// Snapshot produces a full-copy, category-organized view of every
// threshold for audit provenance (spec.md §4.1's "categorical snapshots
// for audit are produced by a full-copy operation").
func (r *Registry) Snapshot() map[string]float64 {
	m := *r.snapshot.Load()
	out := make(map[string]float64, len(m))
	for k, e := range m {
		out[k] = e.Value
	}
	return out
}

// Reload atomically replaces the registry contents with a freshly loaded
// and validated set. Readers observe either the old or the new snapshot
// in full, never a partial mix (single atomic.Pointer swap).
func (r *Registry) Reload() error {
	fresh, err := Load()
	if err != nil {
		return err
	}
	r.snapshot.Store(fresh.snapshot.Load())
	return nil
}
