package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestPublisherFansOut(t *testing.T) {
	p := NewPublisher(zap.NewNop().Sugar())
	first := p.Subscribe()
	second := p.Subscribe()

	p.Publish(Event{Type: EventExecutionStarted, ExecutionSerial: "JOB-2026-000001.0001", Status: "running"})

	for _, ch := range []chan Event{first, second} {
		select {
		case event := <-ch:
			assert.Equal(t, EventExecutionStarted, event.Type)
			assert.Equal(t, "JOB-2026-000001.0001", event.ExecutionSerial)
			assert.False(t, event.At.IsZero(), "publish stamps the event time")
		case <-time.After(time.Second):
			t.Fatal("subscriber never received the event")
		}
	}
}

func TestPublisherPreservesOrderPerSubscriber(t *testing.T) {
	p := NewPublisher(zap.NewNop().Sugar())
	ch := p.Subscribe()

	statuses := []string{"running", "completed"}
	for _, s := range statuses {
		p.Publish(Event{Type: EventBranchFinished, BranchSerial: "JOB-2026-000001.0001.0001", Status: s})
	}

	for _, want := range statuses {
		event := <-ch
		assert.Equal(t, want, event.Status)
	}
}

func TestStalledSubscriberDoesNotWedgePublisher(t *testing.T) {
	p := NewPublisher(zap.NewNop().Sugar())
	stalled := p.Subscribe()
	live := p.Subscribe()

	// Fill the stalled subscriber's buffer and one past it, then unsubscribe
	// it, all without anyone draining. None of this may block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer+1; i++ {
			p.Publish(Event{Type: EventBranchFinished, BranchSerial: "JOB-2026-000001.0001.0001", Status: "completed"})
		}
		p.Unsubscribe(stalled)
	}()

	for i := 0; i < subscriberBuffer+1; i++ {
		select {
		case <-live:
		case <-time.After(time.Second):
			t.Fatal("live subscriber starved behind a stalled one")
		}
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish or unsubscribe blocked on a subscriber that stopped draining")
	}

	// The stalled subscriber kept a full buffer; the overflow event was
	// dropped rather than queued.
	var kept int
	for range stalled {
		kept++
	}
	assert.Equal(t, subscriberBuffer, kept)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	p := NewPublisher(zap.NewNop().Sugar())
	ch := p.Subscribe()

	p.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)

	// Double unsubscribe is safe, and later publishes skip the channel.
	p.Unsubscribe(ch)
	p.Publish(Event{Type: EventExecutionFinished, ExecutionSerial: "JOB-2026-000001.0001", Status: "completed"})
}
