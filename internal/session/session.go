// Package session implements the Session Manager (spec.md C11, §4.10)
// and owns the Session entity (spec.md §3). The concurrency-safe,
// id-keyed registry is adapted wholesale from
// internal/operator/server.go's MemRegistry: a mutex-guarded map with
// get/reset/list operations, here keyed by session id instead of PID and
// carrying a capture.Machine, quality history, and extraction/biometric
// results instead of an escalation state.
package session

import (
	"time"

	"github.com/ph-kyc/capture-engine/internal/capture"
	"github.com/ph-kyc/capture-engine/internal/clock"
	"github.com/ph-kyc/capture-engine/internal/model"
	"github.com/ph-kyc/capture-engine/internal/quality"
	"sync"
)

// Session is the central entity owned exclusively by the Session
// Manager (spec.md §3). All field access goes through its methods,
// which serialize mutation with a single mutex — the "per-session
// coordination primitive" spec.md §5 requires so that state transitions
// and event emission are totally ordered.
type Session struct {
	mu sync.Mutex

	id      string
	machine *capture.Machine

	qualityHistory  []model.QualityVector
	qualityRingSize int
	stability       *quality.Stability

	extractionBySide map[model.Side]*model.ExtractionResult
	biometric        *model.BiometricResult
	amlHits          []model.AMLHit

	language      string
	accessibility map[model.AccessibilityMode]bool

	lockAchievedAt time.Time
	createdAt      time.Time
	lastActivityAt time.Time
	timingEvents   map[string]int64

	bursts map[string]*Burst

	clk clock.Clock
}

func newSession(id string, qualityRingSize, stabilitySize int, clk clock.Clock) *Session {
	now := clk.Now()
	return &Session{
		id:               id,
		machine:          capture.New(clk),
		qualityRingSize:  qualityRingSize,
		stability:        quality.NewStability(stabilitySize),
		extractionBySide: make(map[model.Side]*model.ExtractionResult),
		language:         "tl",
		accessibility:    make(map[model.AccessibilityMode]bool),
		createdAt:        now,
		lastActivityAt:   now,
		timingEvents:     make(map[string]int64),
		bursts:           make(map[string]*Burst),
		clk:              clk,
	}
}

// ID returns the session's opaque identifier.
func (s *Session) ID() string { return s.id }

// State returns the session's current capture state.
func (s *Session) State() model.State {
	return s.machine.Current()
}

// touch records activity now, for TTL tracking.
func (s *Session) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivityAt = s.clk.Now()
}

// IdleSince returns how long the session has had no activity.
func (s *Session) IdleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivityAt)
}

// SetAccessibility replaces the session's active accessibility modes.
func (s *Session) SetAccessibility(modes []model.AccessibilityMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessibility = make(map[model.AccessibilityMode]bool, len(modes))
	for _, m := range modes {
		s.accessibility[m] = true
	}
}

// SetLanguage sets the session's primary language code.
func (s *Session) SetLanguage(lang string) {
	if lang == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.language = lang
}

// Language returns the session's current primary language code.
func (s *Session) Language() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.language
}

// recordQuality appends to the bounded quality history ring.
func (s *Session) recordQuality(q model.QualityVector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.qualityHistory = append(s.qualityHistory, q)
	if len(s.qualityHistory) > s.qualityRingSize {
		s.qualityHistory = s.qualityHistory[len(s.qualityHistory)-s.qualityRingSize:]
	}
}

// QualityHistory returns a copy of the bounded quality history.
func (s *Session) QualityHistory() []model.QualityVector {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.QualityVector, len(s.qualityHistory))
	copy(out, s.qualityHistory)
	return out
}

// markTiming records a monotonic timestamp for a named milestone, unless
// already recorded (first occurrence wins).
func (s *Session) markTiming(name string, monotonicNs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.timingEvents[name]; !ok {
		s.timingEvents[name] = monotonicNs
	}
}

// Timings returns a copy of the session's recorded milestone timestamps.
func (s *Session) Timings() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.timingEvents))
	for k, v := range s.timingEvents {
		out[k] = v
	}
	return out
}

func (s *Session) setExtraction(side model.Side, res model.ExtractionResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extractionBySide[side] = &res
}

// Extraction returns the stored ExtractionResult for a side, or nil.
func (s *Session) Extraction(side model.Side) *model.ExtractionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.extractionBySide[side]
}

func (s *Session) setBiometric(res model.BiometricResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.biometric = &res
}

// Biometric returns the stored BiometricResult, or nil.
func (s *Session) Biometric() *model.BiometricResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.biometric
}

func (s *Session) setAMLHits(hits []model.AMLHit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.amlHits = hits
}
