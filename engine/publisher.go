package engine

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opslattice/dirigent/errors"
)

// EventType names the status transitions emitted on the event stream.
type EventType string

const (
	EventExecutionStarted  EventType = "execution_started"
	EventExecutionFinished EventType = "execution_finished"
	EventExecutionReaped   EventType = "execution_reaped"
	EventBranchStarted     EventType = "branch_started"
	EventBranchFinished    EventType = "branch_finished"
)

// Event is one status change. Events carry serials, never UUIDs, so they are
// safe to surface to external consumers and to replay against history.
type Event struct {
	Type            EventType   `json:"type"`
	ExecutionSerial string      `json:"execution_serial"`
	BranchSerial    string      `json:"branch_serial,omitempty"`
	Status          string      `json:"status"`
	ErrorKind       errors.Kind `json:"error_kind,omitempty"`
	At              time.Time   `json:"at"`
}

// subscriberBuffer sizes each subscriber channel. A subscriber that stops
// draining loses events once its buffer fills; it never stalls the stream
// for anyone else.
const subscriberBuffer = 64

// Publisher fans status events out to subscribers.
type Publisher struct {
	logger *zap.SugaredLogger

	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

// NewPublisher creates an event publisher.
func NewPublisher(logger *zap.SugaredLogger) *Publisher {
	return &Publisher{
		logger: logger.Named("publisher"),
		subs:   make(map[chan Event]struct{}),
	}
}

// Subscribe registers a new subscriber and returns its channel. The caller
// must drain the channel and Unsubscribe when done.
func (p *Publisher) Subscribe() chan Event {
	ch := make(chan Event, subscriberBuffer)
	p.mu.Lock()
	p.subs[ch] = struct{}{}
	p.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel. Safe to call
// with a channel that was already unsubscribed.
func (p *Publisher) Unsubscribe(ch chan Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.subs[ch]; !ok {
		return
	}
	delete(p.subs, ch)
	close(ch)
}

// Publish delivers an event to every subscriber whose buffer has room and
// drops it for the rest. Publish never blocks, so a stalled subscriber
// cannot wedge the runners and reaper that feed the stream. Per-subscriber
// ordering holds because each runner publishes from a single goroutine.
func (p *Publisher) Publish(event Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	for ch := range p.subs {
		select {
		case ch <- event:
		default:
			p.logger.Warnw("subscriber buffer full, dropping event",
				"type", event.Type,
				"execution", event.ExecutionSerial)
		}
	}
	p.logger.Debugw("published event",
		"type", event.Type,
		"execution", event.ExecutionSerial,
		"branch", event.BranchSerial,
		"status", event.Status,
		"subscribers", len(p.subs))
}
