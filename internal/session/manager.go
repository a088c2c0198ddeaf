// Package session implements the Session Manager (spec.md C11, §4.10):
// the only component that owns a Session end to end. It creates and
// looks up sessions, drives the Capture State Machine's check_lock
// entry point, runs the burst/consensus pipeline, and assembles the
// signals every other component produced into one call to the Decision
// Engine. The session registry itself is the MemRegistry pattern from
// internal/operator/server.go, generalized from a mutex-guarded
// map[uint32]*processEntry to a mutex-guarded map[string]*Session, with
// the same get-or-create-on-first-touch shape and a background reaper
// replacing the operator's manual "reset" command.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ph-kyc/capture-engine/internal/audit"
	"github.com/ph-kyc/capture-engine/internal/biometric"
	"github.com/ph-kyc/capture-engine/internal/catalog"
	"github.com/ph-kyc/capture-engine/internal/clock"
	"github.com/ph-kyc/capture-engine/internal/decision"
	"github.com/ph-kyc/capture-engine/internal/eventbus"
	"github.com/ph-kyc/capture-engine/internal/extraction"
	"github.com/ph-kyc/capture-engine/internal/model"
	"github.com/ph-kyc/capture-engine/internal/observability"
	"github.com/ph-kyc/capture-engine/internal/quality"
	"github.com/ph-kyc/capture-engine/internal/ratelimit"
	"github.com/ph-kyc/capture-engine/internal/threshold"
	"github.com/ph-kyc/capture-engine/internal/vendor"
)

// Errors returned by Manager operations.
var (
	ErrSessionNotFound = errors.New("session: not found")
	ErrAlreadyLocked   = errors.New("session: already locked for this side")
	ErrBurstNotFound   = errors.New("session: burst not found")
	ErrBurstTooLong    = errors.New("session: burst exceeds max frames or duration")
	ErrRateLimited     = errors.New("session: check_lock rate limited")
)

// autoAdvanceTargets maps a capture state to the next state CheckLock may
// drive to automatically on a passing quality evaluation (spec.md §4.3,
// §8.1): states whose forward edge needs nothing beyond "this frame's
// quality passed," as opposed to an explicit user decision. CapturedFront
// (awaiting Confirm), ConfirmFront (awaiting Flip), FlipToBack
// (transient, entered only by Flip itself), and Complete are
// deliberately absent — a passing quality check there has no state
// action to take.
var autoAdvanceTargets = map[model.State]model.State{
	model.SearchingFront: model.LockedFront,
	model.LockedFront:    model.CountdownFront,
	model.CountdownFront: model.CapturedFront,
	model.SearchingBack:  model.LockedBack,
	model.LockedBack:     model.CountdownBack,
	model.CountdownBack:  model.CapturedBack,
	model.CapturedBack:   model.Complete,
}

// AMLInput is sent to the aml.screen capability.
type AMLInput struct {
	FirstName   string
	LastName    string
	DateOfBirth string
}

// AMLOutput is returned by an aml.screen adapter.
type AMLOutput struct {
	Hits []model.AMLHit
}

// IssuerInput is sent to the issuer.verify capability.
type IssuerInput struct {
	DocumentType   string
	DocumentNumber string
}

// IssuerOutput is returned by an issuer.verify adapter.
type IssuerOutput struct {
	Verified bool
	Expired  bool
}

// DeviceInput is sent to the device.fingerprint capability.
type DeviceInput struct {
	DeviceSignalsRef string
}

// DeviceOutput is returned by a device.fingerprint adapter.
type DeviceOutput struct {
	AnomalyScore float64
}

// Manager owns every active Session. One Manager per process.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	thresholds   *threshold.Registry
	orchestrator *vendor.Orchestrator
	bus          *eventbus.Bus
	auditLog     *audit.Log
	extractor    *extraction.Coordinator
	biometrics   *biometric.Coordinator
	catalog      *catalog.Catalog
	clk          clock.Clock
	log          *zap.Logger
	metrics      *observability.Metrics

	burstCfg BurstConfig

	// lockLimiters shed check_lock calls once a session exceeds its
	// per-second budget (spec.md §6's rate_limited error on
	// face.scan(action=lock)). One bucket per session, created lazily,
	// closed on session Close.
	lockLimiterMu sync.Mutex
	lockLimiters  map[string]*ratelimit.Bucket
	lockRateLimit int

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a Manager and starts its TTL reaper goroutine.
func New(
	thresholds *threshold.Registry,
	orchestrator *vendor.Orchestrator,
	bus *eventbus.Bus,
	auditLog *audit.Log,
	clk clock.Clock,
	log *zap.Logger,
	metrics *observability.Metrics,
) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		sessions:      make(map[string]*Session),
		thresholds:    thresholds,
		orchestrator:  orchestrator,
		bus:           bus,
		auditLog:      auditLog,
		extractor:     extraction.New(orchestrator, thresholds, bus),
		biometrics:    biometric.New(orchestrator, thresholds, bus),
		catalog:       catalog.Default(),
		clk:           clk,
		log:           log,
		metrics:       metrics,
		lockLimiters:  make(map[string]*ratelimit.Bucket),
		lockRateLimit: int(thresholds.Get("checklock_rate_limit_per_second")),
		stop:          make(chan struct{}),
	}
	m.burstCfg = BurstConfig{
		TTL:              time.Duration(thresholds.Get("consensus_observation_ttl_ms")) * time.Millisecond,
		TopK:             int(thresholds.Get("consensus_top_k")),
		MedianFloor:      thresholds.Get("consensus_median_min"),
		FrameFloor:       thresholds.Get("consensus_frame_min"),
		MinFramesAtFloor: int(thresholds.Get("consensus_min_frames_above")),
	}
	go m.reapLoop()
	return m
}

// EnsureSession returns the Session for id, creating it (in
// SearchingFront) if this is the first time id has been seen.
func (m *Manager) EnsureSession(id string) *Session {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		s.touch()
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.touch()
		return s
	}
	s = newSession(id, int(m.thresholds.Get("quality_ring_size")), int(m.thresholds.Get("quality_ring_size")), m.clk)
	m.sessions[id] = s
	m.bus.QueueFor(id).Publish(model.Event{Type: model.EventConnected})
	if m.metrics != nil {
		m.metrics.SessionsActive.Set(float64(len(m.sessions)))
	}
	return s
}

func (m *Manager) get(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// limiterFor returns (creating if absent) a session's check_lock token
// bucket.
func (m *Manager) limiterFor(id string) *ratelimit.Bucket {
	m.lockLimiterMu.Lock()
	defer m.lockLimiterMu.Unlock()
	b, ok := m.lockLimiters[id]
	if !ok {
		b = ratelimit.New(m.lockRateLimit, time.Second)
		m.lockLimiters[id] = b
	}
	return b
}

func (m *Manager) removeLimiter(id string) {
	m.lockLimiterMu.Lock()
	defer m.lockLimiterMu.Unlock()
	if b, ok := m.lockLimiters[id]; ok {
		b.Close()
		delete(m.lockLimiters, id)
	}
}

// resolveMessages fills a QualityGateResult's bilingual message pair
// from the Message Catalog (spec.md §4.2, §6's "messages: {primary_lang,
// english}" envelope field), keyed by MessageKey when the Quality Gate
// set one (cancel outcomes, the stability-lost demotion), or by a
// generic "lock_acquired" key on a pass.
func (m *Manager) resolveMessages(result model.QualityGateResult) model.QualityGateResult {
	if m.catalog == nil {
		return result
	}
	key := result.MessageKey
	if key == "" && result.Outcome == model.GatePass {
		key = "lock_acquired"
	}
	if key == "" {
		return result
	}
	result.MessagePrimary, result.MessageEnglish = m.catalog.Bilingual(key)
	return result
}

// MessageCatalog returns the full bilingual message table for the
// messages.catalog(lang?) operation (spec.md §6).
func (m *Manager) MessageCatalog(lang string) map[string]string {
	return m.catalog.Snapshot(lang)
}

// CheckLock runs one frame through the Quality Gate Engine, updates the
// session's quality history and stability tracker, and drives the
// Capture State Machine's automatic forward edges on a pass verdict:
// Searching*->Locked*->Countdown*->Captured* (and, on the back side,
// straight on to Complete), per spec.md §4.3, §8.1. From CapturedFront,
// ConfirmFront, or FlipToBack a passing check has no further state
// action — those legs require the explicit Confirm/Flip operations
// below. The QualityGateResult is always returned regardless of outcome
// so the caller (the face.scan(action=lock) operation) can relay it to
// the client unchanged.
func (m *Manager) CheckLock(id string, q model.QualityVector) (model.QualityGateResult, error) {
	s, err := m.get(id)
	if err != nil {
		return model.QualityGateResult{}, err
	}
	if !m.limiterFor(id).Consume(1) {
		return model.QualityGateResult{}, ErrRateLimited
	}
	s.touch()
	s.recordQuality(q)

	evalStart := m.clk.Now()
	result := quality.Evaluate(q, m.thresholds, s.stability)
	if m.metrics != nil {
		m.metrics.QualityGateEvalsTotal.WithLabelValues(string(result.Outcome)).Inc()
		m.metrics.QualityGateLatency.Observe(m.clk.Now().Sub(evalStart).Seconds())
	}
	queue := m.bus.QueueFor(id)

	switch result.Outcome {
	case model.GatePass:
		queue.Publish(model.Event{Type: model.EventQualityPass, Payload: result})
		from := s.State()
		target, advances := autoAdvanceTargets[from]
		if advances {
			rec, terr := s.machine.Transition(target, "quality_gate_pass", "")
			if terr != nil {
				if m.metrics != nil {
					m.metrics.IllegalTransitionsTotal.Inc()
				}
				queue.Publish(model.Event{Type: model.EventQualityFail, Payload: result})
				break
			}
			if m.metrics != nil {
				m.metrics.StateTransitionsTotal.WithLabelValues(string(from), string(target)).Inc()
			}
			if target == model.LockedFront || target == model.LockedBack {
				s.markTiming("lock_achieved_at", rec.MonotonicNs)
				queue.Publish(model.Event{Type: model.EventStateChange, Payload: rec})
				queue.Publish(model.Event{Type: model.EventLockAchieved, Payload: result})
			} else {
				queue.Publish(model.Event{Type: model.EventStateChange, Payload: rec})
			}
		}
	case model.GateFail:
		queue.Publish(model.Event{Type: model.EventQualityFail, Payload: result})
	case model.GateCancel:
		rec, rerr := s.machine.Rollback("quality_gate_cancel", result.CancelReason)
		if rerr == nil {
			queue.Publish(model.Event{Type: model.EventStateChange, Payload: rec})
		}
		queue.Publish(model.Event{Type: model.EventQualityCancel, Payload: result})
	}
	queue.Publish(model.Event{Type: model.EventQualityUpdate, Payload: result})

	return m.resolveMessages(result), nil
}

// Confirm advances a session from CapturedFront to ConfirmFront: the
// user's explicit "this capture looks good" decision, distinct from a
// quality-gate pass because frame metrics alone never trigger it
// (spec.md §4.3, §8.1).
func (m *Manager) Confirm(id string) (model.TransitionRecord, error) {
	s, err := m.get(id)
	if err != nil {
		return model.TransitionRecord{}, err
	}
	s.touch()
	from := s.State()
	rec, err := s.machine.Transition(model.ConfirmFront, "user_confirm", "")
	if err != nil {
		if m.metrics != nil {
			m.metrics.IllegalTransitionsTotal.Inc()
		}
		return model.TransitionRecord{}, err
	}
	if m.metrics != nil {
		m.metrics.StateTransitionsTotal.WithLabelValues(string(from), string(model.ConfirmFront)).Inc()
	}
	m.bus.QueueFor(id).Publish(model.Event{Type: model.EventStateChange, Payload: rec})
	return rec, nil
}

// Flip advances a confirmed front capture into the back-side search,
// covering both legs of ConfirmFront -> FlipToBack -> SearchingBack in
// one call: FlipToBack has no other exit and carries no quality
// semantics of its own, so there is nothing for a caller to do mid-flip
// (spec.md §4.3, §8.1).
func (m *Manager) Flip(id string) (model.TransitionRecord, error) {
	s, err := m.get(id)
	if err != nil {
		return model.TransitionRecord{}, err
	}
	s.touch()
	queue := m.bus.QueueFor(id)

	from := s.State()
	mid, err := s.machine.Transition(model.FlipToBack, "user_flip", "")
	if err != nil {
		if m.metrics != nil {
			m.metrics.IllegalTransitionsTotal.Inc()
		}
		return model.TransitionRecord{}, err
	}
	if m.metrics != nil {
		m.metrics.StateTransitionsTotal.WithLabelValues(string(from), string(model.FlipToBack)).Inc()
	}
	queue.Publish(model.Event{Type: model.EventStateChange, Payload: mid})

	final, err := s.machine.Transition(model.SearchingBack, "user_flip", "")
	if err != nil {
		if m.metrics != nil {
			m.metrics.IllegalTransitionsTotal.Inc()
		}
		return model.TransitionRecord{}, err
	}
	if m.metrics != nil {
		m.metrics.StateTransitionsTotal.WithLabelValues(string(model.FlipToBack), string(model.SearchingBack)).Inc()
	}
	queue.Publish(model.Event{Type: model.EventStateChange, Payload: final})
	return final, nil
}

// AcceptBurst validates a proposed burst against burst_max_frames/
// burst_max_duration_ms and registers a new Burst for consensus
// accumulation. frameCount and duration describe the burst the client
// is about to upload.
func (m *Manager) AcceptBurst(id, burstID string, frameCount int, duration time.Duration) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	s.touch()

	maxFrames := int(m.thresholds.Get("burst_max_frames"))
	maxDuration := time.Duration(m.thresholds.Get("burst_max_duration_ms")) * time.Millisecond
	if frameCount > maxFrames || duration > maxDuration {
		return ErrBurstTooLong
	}

	s.mu.Lock()
	s.bursts[burstID] = newBurst(burstID, m.burstCfg, m.clk.Now())
	s.mu.Unlock()

	m.bus.QueueFor(id).Publish(model.Event{
		Type:    model.EventBurstAccepted,
		Payload: map[string]any{"burst_id": burstID, "frame_count": frameCount},
	})
	return nil
}

// RecordBurstFrame records one frame's biometric match score against an
// accepted burst. Called as each frame's match result arrives, which may
// be out of order.
func (m *Manager) RecordBurstFrame(id, burstID, frameID string, matchScore float64) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	b, ok := s.bursts[burstID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrBurstNotFound, burstID)
	}
	b.expireStale(m.clk.Now())
	b.Accept(BurstFrameObservation{FrameID: frameID, MatchScore: matchScore, RecordedAt: m.clk.Now()})
	return nil
}

// EvaluateBurst reduces a burst's accumulated frame observations to a
// ConsensusResult (spec.md §4.10's top-k/median/floor rule) and emits
// consensus_result.
func (m *Manager) EvaluateBurst(id, burstID string) (ConsensusResult, error) {
	s, err := m.get(id)
	if err != nil {
		return ConsensusResult{}, err
	}
	s.mu.Lock()
	b, ok := s.bursts[burstID]
	s.mu.Unlock()
	if !ok {
		return ConsensusResult{}, fmt.Errorf("%w: %s", ErrBurstNotFound, burstID)
	}

	b.expireStale(m.clk.Now())
	result := b.Evaluate()

	m.bus.QueueFor(id).Publish(model.Event{
		Type: model.EventConsensusResult,
		Payload: map[string]any{
			"burst_id":        burstID,
			"ok":              result.OK,
			"median_score":    roundTo2(result.MedianScore),
			"frames_at_floor": result.FramesAtFloor,
			"reason":          result.Reason,
		},
	})
	return result, nil
}

// ExtractSide runs the Extraction Coordinator for one captured side and
// stores the result on the session.
func (m *Manager) ExtractSide(ctx context.Context, id string, input extraction.OCRInput) (model.ExtractionResult, error) {
	s, err := m.get(id)
	if err != nil {
		return model.ExtractionResult{}, err
	}
	res, err := m.extractor.Extract(ctx, id, input)
	if err != nil {
		return model.ExtractionResult{}, err
	}
	s.setExtraction(input.Side, res)
	return res, nil
}

// EvaluateBiometric runs the Biometric Coordinator and stores the result
// on the session. On attack detection the Quality Gate side of the
// session is notified via biometric_attack_detected and a cancel
// rollback to SearchingFront/Back is issued immediately (spec.md §4.6,
// §8.3) — the client must re-lock and recapture rather than proceed with
// a compromised capture.
func (m *Manager) EvaluateBiometric(ctx context.Context, id string, match biometric.MatchInput, pad biometric.PADInput) (model.BiometricResult, error) {
	s, err := m.get(id)
	if err != nil {
		return model.BiometricResult{}, err
	}
	res, err := m.biometrics.Evaluate(ctx, id, match, pad)
	if err != nil {
		return model.BiometricResult{}, err
	}
	s.setBiometric(res)

	queue := m.bus.QueueFor(id)
	if res.AttackDetected {
		from := s.State()
		rec, rerr := s.machine.Rollback("biometric_attack_detected", model.CancelAttackDetected)
		if rerr != nil {
			m.log.Warn("evaluate_biometric: rollback on attack detection failed",
				zap.String("session_id", id), zap.Error(rerr))
		} else {
			if m.metrics != nil {
				m.metrics.StateTransitionsTotal.WithLabelValues(string(from), string(rec.To)).Inc()
			}
			queue.Publish(model.Event{Type: model.EventStateChange, Payload: rec})
		}
		queue.Publish(model.Event{Type: model.EventBiometricAttackDetected, Payload: res})
	}
	return res, nil
}

// Decide assembles every signal the session has accumulated, screens AML/
// issuer/device capabilities directly (spec.md §4.10's C12 inputs that
// have no dedicated coordinator of their own), runs the Decision Engine,
// appends the result to the Audit Log, and emits decision_ready.
func (m *Manager) Decide(ctx context.Context, id string, burstID string, identity AMLInput, issuer IssuerInput, device DeviceInput) (model.Decision, error) {
	s, err := m.get(id)
	if err != nil {
		return model.Decision{}, err
	}

	consensusOK := false
	if burstID != "" {
		s.mu.Lock()
		b, ok := s.bursts[burstID]
		s.mu.Unlock()
		if ok {
			consensusOK = b.Evaluate().OK
		}
	}

	var amlHits []model.AMLHit
	if raw, err := m.orchestrator.Call(ctx, vendor.CapAMLScreen, identity, true); err == nil {
		if out, ok := raw.(AMLOutput); ok {
			amlHits = out.Hits
		}
	} else {
		m.log.Warn("decide: aml.screen failed", zap.String("session_id", id), zap.Error(err))
	}
	s.setAMLHits(amlHits)

	issuerVerified := false
	documentExpired := false
	if raw, err := m.orchestrator.Call(ctx, vendor.CapIssuerVerify, issuer, true); err == nil {
		if out, ok := raw.(IssuerOutput); ok {
			issuerVerified = out.Verified
			documentExpired = out.Expired
		}
	} else {
		m.log.Warn("decide: issuer.verify failed", zap.String("session_id", id), zap.Error(err))
	}

	deviceAnomaly := 0.0
	if raw, err := m.orchestrator.Call(ctx, vendor.CapDeviceFingerprint, device, true); err == nil {
		if out, ok := raw.(DeviceOutput); ok {
			deviceAnomaly = out.AnomalyScore
		}
	} else {
		m.log.Warn("decide: device.fingerprint failed", zap.String("session_id", id), zap.Error(err))
	}

	sig := decision.Signals{
		SessionID:          id,
		FrontExtraction:    s.Extraction(model.SideFront),
		BackExtraction:     s.Extraction(model.SideBack),
		Biometric:          s.Biometric(),
		AMLHits:            amlHits,
		ConsensusOK:        consensusOK,
		DocumentExpired:    documentExpired,
		DeviceAnomalyScore: deviceAnomaly,
		IssuerVerified:     issuerVerified,
	}
	dec := decision.Decide(sig, m.thresholds, m.clk.Now())

	if m.auditLog != nil {
		writeStart := m.clk.Now()
		if _, err := m.auditLog.Append(audit.PayloadDecision, dec, ""); err != nil {
			m.log.Error("decide: audit append failed", zap.String("session_id", id), zap.Error(err))
		} else if m.metrics != nil {
			m.metrics.AuditWriteLatency.Observe(m.clk.Now().Sub(writeStart).Seconds())
		}
	}
	if m.metrics != nil {
		m.metrics.DecisionsTotal.WithLabelValues(string(dec.Verdict)).Inc()
	}

	m.bus.QueueFor(id).Publish(model.Event{Type: model.EventDecisionReady, Payload: dec})
	return dec, nil
}

// Subscribe attaches a new event subscriber to a session's queue.
func (m *Manager) Subscribe(id, subscriberID string, lastReceivedSeq uint64) (*eventbus.Subscriber, error) {
	if _, err := m.get(id); err != nil {
		return nil, err
	}
	return m.bus.Subscribe(id, subscriberID, lastReceivedSeq)
}

// Close releases a session's resources: its event queue, subscribers,
// and registry entry. The session's history remains in the Audit Log
// regardless of this call.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	m.bus.QueueFor(id).Publish(model.Event{Type: model.EventSessionClosed})
	m.bus.RemoveQueue(id)
	m.removeLimiter(id)
	if m.metrics != nil {
		m.mu.RLock()
		m.metrics.SessionsActive.Set(float64(len(m.sessions)))
		m.mu.RUnlock()
	}
	return nil
}

// reapLoop periodically closes sessions idle for longer than
// session_ttl_seconds, the supplemented housekeeping feature spec.md's
// distillation leaves implicit in "sessions expire".
func (m *Manager) reapLoop() {
	interval := time.Duration(m.thresholds.Get("session_reap_interval_seconds")) * time.Second
	ttl := time.Duration(m.thresholds.Get("session_ttl_seconds")) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := m.clk.Now()
			m.mu.RLock()
			var expired []string
			for id, s := range m.sessions {
				if s.IdleSince(now) > ttl {
					expired = append(expired, id)
				}
			}
			m.mu.RUnlock()
			for _, id := range expired {
				m.log.Info("session reaped on ttl expiry", zap.String("session_id", id))
				_ = m.Close(id)
				if m.metrics != nil {
					m.metrics.SessionsReapedTotal.Inc()
				}
			}
		case <-m.stop:
			return
		}
	}
}

// Stop halts the reaper goroutine. Safe to call once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// Count returns the number of active sessions, for system.health.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
