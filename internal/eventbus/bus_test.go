package eventbus

import (
	"testing"
	"time"

	"github.com/ph-kyc/capture-engine/internal/clock"
	"github.com/ph-kyc/capture-engine/internal/model"
	"github.com/ph-kyc/capture-engine/internal/threshold"
)

func busTestThresholds(t *testing.T) *threshold.Registry {
	t.Helper()
	r, err := threshold.LoadYAML([]byte("event_max_subscribers: 1\n"))
	if err != nil {
		t.Fatalf("threshold.LoadYAML: %v", err)
	}
	return r
}

func newTestQueue(t *testing.T, capacity int) *Queue {
	t.Helper()
	return NewQueue("session-1", capacity, clock.NewFake(time.Unix(0, 0)), nil, nil)
}

func TestPublishAssignsSequenceAndFansOut(t *testing.T) {
	q := newTestQueue(t, 10)
	sub := q.Subscribe("sub-1", 0)

	evt := q.Publish(model.Event{Type: model.EventConnected})
	if evt.Sequence != 1 {
		t.Fatalf("Sequence: want 1, got %d", evt.Sequence)
	}
	select {
	case received := <-sub.Events():
		if received.Sequence != 1 {
			t.Errorf("received sequence: want 1, got %d", received.Sequence)
		}
	default:
		t.Fatal("expected event to be delivered to subscriber")
	}
}

func TestPublishDropsOnFullSubscriberChannel(t *testing.T) {
	q := newTestQueue(t, 1)
	sub := q.Subscribe("sub-1", 0)

	q.Publish(model.Event{Type: model.EventHeartbeat})
	q.Publish(model.Event{Type: model.EventHeartbeat})

	if sub.Dropped() == 0 {
		t.Error("expected at least one dropped event when the subscriber channel is full")
	}
}

func TestSubscribeReplaysFromLastReceivedSeq(t *testing.T) {
	q := newTestQueue(t, 10)
	q.Publish(model.Event{Type: model.EventConnected})
	q.Publish(model.Event{Type: model.EventHeartbeat})
	q.Publish(model.Event{Type: model.EventHeartbeat})

	sub := q.Subscribe("late-joiner", 1)
	count := 0
	draining := true
	for draining {
		select {
		case evt := <-sub.Events():
			if evt.Sequence <= 1 {
				t.Errorf("replay should only include sequences > 1, got %d", evt.Sequence)
			}
			count++
		default:
			draining = false
		}
	}
	if count != 2 {
		t.Errorf("replayed events: want 2, got %d", count)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	q := newTestQueue(t, 10)
	sub := q.Subscribe("sub-1", 0)
	q.Unsubscribe("sub-1")
	_, ok := <-sub.Events()
	if ok {
		t.Error("expected subscriber channel to be closed after Unsubscribe")
	}
}

func TestSweepStaleDisconnectsIdleSubscribers(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	q := NewQueue("session-1", 10, clk, nil, nil)
	q.Subscribe("sub-1", 0)
	clk.Advance(10 * time.Minute)

	removed := q.sweepStale(5 * time.Minute)
	if len(removed) != 1 || removed[0] != "sub-1" {
		t.Errorf("sweepStale: want [sub-1], got %v", removed)
	}
	if q.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount after sweep: want 0, got %d", q.SubscriberCount())
	}
}

func TestBusSubscribeEnforcesProcessWideCap(t *testing.T) {
	thresholds := busTestThresholds(t)
	b := New(thresholds, clock.System{}, nil, nil)
	defer b.Stop()

	if _, err := b.Subscribe("session-a", "sub-1", 0); err != nil {
		t.Fatalf("first Subscribe: %v", err)
	}
	if _, err := b.Subscribe("session-b", "sub-2", 0); err != ErrTooManySubscribers {
		t.Fatalf("second Subscribe: want ErrTooManySubscribers, got %v", err)
	}
}
