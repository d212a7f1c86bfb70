// Package bus is a small in-process pub/sub bus. The review pipeline
// publishes session, gap, and candidate events on it; the gateway streams
// them to WebSocket clients and the logger records them.
package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Session lifecycle topics.
const (
	TopicSessionStarted      = "session.started"
	TopicSessionStateChanged = "session.state_changed"
	TopicSessionCommitted    = "session.committed"
	TopicSessionFailed       = "session.failed"
	TopicSessionAborted      = "session.aborted"
)

// Detection and candidate pipeline topics.
const (
	TopicGapDetected         = "gap.detected"
	TopicGapGenerationFailed = "gap.generation_failed"
	TopicCandidateProposed   = "candidate.proposed"
	TopicCandidateDeduped    = "candidate.deduped"
	TopicCandidateDecided    = "candidate.decided"
)

// SessionStateChangedEvent is published on every session transition.
type SessionStateChangedEvent struct {
	SessionID string // Review session ID
	PlanID    string // Owning plan ID
	OldState  string // Previous state (e.g. analyzing)
	NewState  string // New state (e.g. awaiting_review)
}

// GapDetectedEvent is published per promoted gap.
type GapDetectedEvent struct {
	SessionID     string  // Review session ID
	GapID         string  // Gap identifier (predecessor->successor)
	PredecessorID string  // Predecessor task ID
	SuccessorID   string  // Successor task ID
	Confidence    float64 // Indicator count / 4
}

// CandidateEvent is published when a candidate is proposed, filtered as a
// duplicate, or decided by the user.
type CandidateEvent struct {
	SessionID   string  // Review session ID
	GapID       string  // Owning gap
	CandidateID string  // Candidate UUID
	Confidence  float64 // Composite confidence
	Similarity  float64 // Max similarity to existing tasks
	Decision    string  // accept/reject/edit for candidate.decided
}

// SessionCommittedEvent is published after an atomic commit succeeds.
type SessionCommittedEvent struct {
	SessionID       string   // Review session ID
	PlanID          string   // Owning plan ID
	InsertedTaskIDs []string // Ordinal IDs of the inserted tasks
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics.
// The returned channel has a buffer of 100 events; slow consumers will miss
// events (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers.
// Delivery is non-blocking: if a subscriber's buffer is full, the event is
// dropped.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			// Non-blocking send.
			select {
			case sub.ch <- event:
			default:
				// Buffer full, drop event for this subscriber.
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
