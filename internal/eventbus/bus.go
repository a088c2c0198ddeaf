// Package eventbus implements the Event Bus (spec.md C10, §4.7): a
// per-session bounded, sequenced event queue with SSE-style fan-out and
// reconnect support. The bounded-channel, non-blocking-send,
// drop-on-overflow dispatch is grounded on internal/kernel/events.go's
// "dispatch to queue with backpressure" select/default pattern. The
// periodic stale-subscriber sweep is grounded on internal/gossip/quorum.go's
// pruneLoop/pruneExpired TTL cleanup, here sweeping idle subscriber
// channels instead of expired observations.
package eventbus

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ph-kyc/capture-engine/internal/clock"
	"github.com/ph-kyc/capture-engine/internal/model"
	"github.com/ph-kyc/capture-engine/internal/observability"
	"github.com/ph-kyc/capture-engine/internal/threshold"
)

// Subscriber is one active listener on a session's event stream.
type Subscriber struct {
	id           string
	ch           chan model.Event
	lastSentSeq  uint64
	lastActiveAt time.Time
	dropped      uint64
}

// Events returns the channel to range over for this subscriber's events.
// Closed when the subscriber is removed.
func (s *Subscriber) Events() <-chan model.Event { return s.ch }

// Dropped returns how many events this subscriber has missed due to its
// channel being full.
func (s *Subscriber) Dropped() uint64 { return s.dropped }

// Queue is one session's bounded, sequenced event queue plus its active
// subscriber set. One Queue per session.
type Queue struct {
	mu          sync.Mutex
	sessionID   string
	capacity    int
	clk         clock.Clock
	log         *zap.Logger
	nextSeq     uint64
	recent      []model.Event // bounded ring, most recent `capacity` events, for replay
	subscribers map[string]*Subscriber
	closed      bool
	metrics     *observability.Metrics
}

// NewQueue creates a Queue for sessionID with the given subscriber
// channel capacity (spec.md §4.7's default 100).
func NewQueue(sessionID string, capacity int, clk clock.Clock, log *zap.Logger, metrics *observability.Metrics) *Queue {
	if log == nil {
		log = zap.NewNop()
	}
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		sessionID:   sessionID,
		capacity:    capacity,
		clk:         clk,
		log:         log,
		subscribers: make(map[string]*Subscriber),
		metrics:     metrics,
	}
}

// Publish assigns the next sequence number to evt and fans it out to
// every active subscriber. A subscriber whose channel is full has the
// event dropped for it alone (spec.md §4.7) and its drop counter
// incremented; other subscribers are unaffected. Publish never blocks.
func (q *Queue) Publish(evt model.Event) model.Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextSeq++
	evt.SessionID = q.sessionID
	evt.Sequence = q.nextSeq
	evt.MonotonicNs = q.clk.MonotonicNs()
	evt.WallTS = q.clk.Now()

	q.recent = append(q.recent, evt)
	if len(q.recent) > q.capacity {
		q.recent = q.recent[len(q.recent)-q.capacity:]
	}

	for _, sub := range q.subscribers {
		select {
		case sub.ch <- evt:
			sub.lastSentSeq = evt.Sequence
		default:
			sub.dropped++
			if q.metrics != nil {
				q.metrics.EventsDroppedTotal.Inc()
			}
			q.log.Debug("event dropped for subscriber, queue full",
				zap.String("session_id", q.sessionID),
				zap.String("subscriber_id", sub.id),
				zap.Uint64("sequence", evt.Sequence),
			)
		}
	}
	if q.metrics != nil {
		q.metrics.EventsPublishedTotal.WithLabelValues(string(evt.Type)).Inc()
	}
	return evt
}

// Subscribe registers a new subscriber and returns it. lastReceivedSeq,
// if non-zero, triggers best-effort replay of buffered events with a
// higher sequence from the recent ring (spec.md §4.7's reconnect
// contract: "replay is not guaranteed beyond queue capacity").
func (q *Queue) Subscribe(subscriberID string, lastReceivedSeq uint64) *Subscriber {
	q.mu.Lock()
	defer q.mu.Unlock()

	sub := &Subscriber{
		id:           subscriberID,
		ch:           make(chan model.Event, q.capacity),
		lastActiveAt: q.clk.Now(),
	}
	for _, evt := range q.recent {
		if evt.Sequence > lastReceivedSeq {
			select {
			case sub.ch <- evt:
				sub.lastSentSeq = evt.Sequence
			default:
				sub.dropped++
			}
		}
	}
	q.subscribers[subscriberID] = sub
	return sub
}

// Unsubscribe removes and closes a subscriber's channel.
func (q *Queue) Unsubscribe(subscriberID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if sub, ok := q.subscribers[subscriberID]; ok {
		close(sub.ch)
		delete(q.subscribers, subscriberID)
	}
}

// Touch marks a subscriber as active now, for staleness tracking.
func (q *Queue) Touch(subscriberID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if sub, ok := q.subscribers[subscriberID]; ok {
		sub.lastActiveAt = q.clk.Now()
	}
}

// sweepStale disconnects subscribers idle for longer than maxIdle.
// Mirrors the teacher's pruneExpired: compute a cutoff, remove what is
// older than it.
func (q *Queue) sweepStale(maxIdle time.Duration) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.clk.Now().Add(-maxIdle)
	var removed []string
	for id, sub := range q.subscribers {
		if sub.lastActiveAt.Before(cutoff) {
			close(sub.ch)
			delete(q.subscribers, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// SubscriberCount returns the number of active subscribers.
func (q *Queue) SubscriberCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.subscribers)
}

// Close disconnects all subscribers and marks the queue closed.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, sub := range q.subscribers {
		close(sub.ch)
		delete(q.subscribers, id)
	}
	q.closed = true
}

// Bus owns every session's Queue plus the process-wide subscriber cap
// and the periodic heartbeat/stale-cleanup loops (spec.md §4.7).
type Bus struct {
	mu         sync.RWMutex
	queues     map[string]*Queue
	thresholds *threshold.Registry
	clk        clock.Clock
	log        *zap.Logger
	metrics    *observability.Metrics

	totalSubscribers int
	stop             chan struct{}
	stopOnce         sync.Once
}

// New creates a Bus and starts its heartbeat and stale-cleanup
// goroutines. metrics may be nil.
func New(thresholds *threshold.Registry, clk clock.Clock, log *zap.Logger, metrics *observability.Metrics) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	b := &Bus{
		queues:     make(map[string]*Queue),
		thresholds: thresholds,
		clk:        clk,
		log:        log,
		metrics:    metrics,
		stop:       make(chan struct{}),
	}
	go b.heartbeatLoop()
	go b.staleCleanupLoop()
	return b
}

// QueueFor returns (creating if absent) the Queue for sessionID.
func (b *Bus) QueueFor(sessionID string) *Queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[sessionID]
	if !ok {
		capacity := int(b.thresholds.Get("event_queue_capacity"))
		q = NewQueue(sessionID, capacity, b.clk, b.log, b.metrics)
		b.queues[sessionID] = q
	}
	return q
}

// ErrTooManySubscribers is returned when the process-wide subscriber cap
// (spec.md §4.7, default 1000) would be exceeded.
var ErrTooManySubscribers = errTooManySubscribers{}

type errTooManySubscribers struct{}

func (errTooManySubscribers) Error() string { return "eventbus: process-wide subscriber limit reached" }

// Subscribe enforces the process-wide subscriber cap before delegating to
// the session's Queue.
func (b *Bus) Subscribe(sessionID, subscriberID string, lastReceivedSeq uint64) (*Subscriber, error) {
	q := b.QueueFor(sessionID)

	b.mu.Lock()
	limit := int(b.thresholds.Get("event_max_subscribers"))
	if b.totalSubscribers >= limit {
		b.mu.Unlock()
		return nil, ErrTooManySubscribers
	}
	b.totalSubscribers++
	if b.metrics != nil {
		b.metrics.EventSubscribersActive.Set(float64(b.totalSubscribers))
	}
	b.mu.Unlock()

	return q.Subscribe(subscriberID, lastReceivedSeq), nil
}

// UnsubscribeFrom removes a subscriber from a session's queue and
// releases its slot in the process-wide cap.
func (b *Bus) UnsubscribeFrom(sessionID, subscriberID string) {
	b.mu.RLock()
	q, ok := b.queues[sessionID]
	b.mu.RUnlock()
	if !ok {
		return
	}
	q.Unsubscribe(subscriberID)

	b.mu.Lock()
	if b.totalSubscribers > 0 {
		b.totalSubscribers--
	}
	if b.metrics != nil {
		b.metrics.EventSubscribersActive.Set(float64(b.totalSubscribers))
	}
	b.mu.Unlock()
}

// RemoveQueue closes and discards a session's queue, e.g. on session
// close (spec.md C11's close operation). Its subscribers' slots in the
// process-wide cap are released along with it.
func (b *Bus) RemoveQueue(sessionID string) {
	b.mu.Lock()
	q, ok := b.queues[sessionID]
	delete(b.queues, sessionID)
	b.mu.Unlock()
	if !ok {
		return
	}
	freed := q.SubscriberCount()
	q.Close()
	b.releaseSubscriberSlots(freed)
}

// releaseSubscriberSlots returns n slots to the process-wide subscriber
// cap, e.g. after a stale sweep or a queue close disconnected
// subscribers without going through UnsubscribeFrom.
func (b *Bus) releaseSubscriberSlots(n int) {
	if n <= 0 {
		return
	}
	b.mu.Lock()
	b.totalSubscribers -= n
	if b.totalSubscribers < 0 {
		b.totalSubscribers = 0
	}
	if b.metrics != nil {
		b.metrics.EventSubscribersActive.Set(float64(b.totalSubscribers))
	}
	b.mu.Unlock()
}

func (b *Bus) heartbeatLoop() {
	interval := time.Duration(b.thresholds.Get("event_heartbeat_seconds")) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.mu.RLock()
			queues := make([]*Queue, 0, len(b.queues))
			for _, q := range b.queues {
				queues = append(queues, q)
			}
			b.mu.RUnlock()
			for _, q := range queues {
				q.Publish(model.Event{Type: model.EventHeartbeat})
			}
		case <-b.stop:
			return
		}
	}
}

func (b *Bus) staleCleanupLoop() {
	interval := time.Duration(b.thresholds.Get("event_stale_cleanup_seconds")) * time.Second
	maxIdle := 2 * interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.mu.RLock()
			queues := make([]*Queue, 0, len(b.queues))
			for _, q := range b.queues {
				queues = append(queues, q)
			}
			b.mu.RUnlock()
			for _, q := range queues {
				removed := q.sweepStale(maxIdle)
				for _, id := range removed {
					b.log.Debug("subscriber disconnected (stale)", zap.String("subscriber_id", id))
				}
				b.releaseSubscriberSlots(len(removed))
			}
		case <-b.stop:
			return
		}
	}
}

// Stop halts the heartbeat and cleanup loops. Safe to call once.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
}
