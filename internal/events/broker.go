package events

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultBufferSize       = 200
	defaultSubscriberBuffer = 50
)

const (
	TypeTransition    = "job.transition"
	TypeProgress      = "job.progress"
	TypeStalled       = "job.stalled"
	TypeWorkerStarted = "worker.started"
	TypeWorkerStopped = "worker.stopped"
)

type Event struct {
	// Seq is assigned by the Broker and increases by one per event.
	Seq       uint64            `json:"seq"`
	Timestamp time.Time         `json:"ts"`
	Level     string            `json:"level"`
	Type      string            `json:"type"`
	Message   string            `json:"msg,omitempty"`
	Queue     string            `json:"queue,omitempty"`
	JobID     string            `json:"job_id,omitempty"`
	From      string            `json:"from,omitempty"`
	To        string            `json:"to,omitempty"`
	Error     string            `json:"error,omitempty"`
	WorkerID  string            `json:"worker_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Transition builds the event emitted for every job state change.
func Transition(queue, jobID, from, to string) Event {
	level := "info"
	if to == "failed" {
		level = "error"
	}
	return Event{
		Timestamp: time.Now(),
		Level:     level,
		Type:      TypeTransition,
		Queue:     queue,
		JobID:     jobID,
		From:      from,
		To:        to,
	}
}

// Publisher must not block. Observers may miss events; nothing in the queue
// depends on delivery.
type Publisher interface {
	Publish(Event)
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(Event) {}

// Broker fans events out to live subscribers and keeps the most recent ones
// in a ring so a reconnecting client can resume from its last sequence.
type Broker struct {
	mu      sync.Mutex
	subs    map[uint64]chan Event
	nextSub uint64
	seq     uint64
	ring    []Event
	head    int
	dropped atomic.Uint64
}

func NewBroker(history int) *Broker {
	if history <= 0 {
		history = defaultBufferSize
	}
	return &Broker{
		subs: map[uint64]chan Event{},
		ring: make([]Event, 0, history),
	}
}

// Publish stamps the event with the next sequence number and hands it to
// every subscriber with room in its channel.
func (b *Broker) Publish(event Event) {
	if b == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	event.Seq = b.seq
	if len(b.ring) < cap(b.ring) {
		b.ring = append(b.ring, event)
	} else {
		b.ring[b.head] = event
		b.head = (b.head + 1) % len(b.ring)
	}

	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe returns a live channel, a cancel func and the retained events
// with a sequence number above after. Pass 0 for the whole history.
func (b *Broker) Subscribe(after uint64) (<-chan Event, func(), []Event) {
	if b == nil {
		return nil, func() {}, nil
	}
	ch := make(chan Event, defaultSubscriberBuffer)
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch
	history := b.historyLocked(after)
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
	return ch, cancel, history
}

func (b *Broker) historyLocked(after uint64) []Event {
	ordered := make([]Event, 0, len(b.ring))
	ordered = append(ordered, b.ring[b.head:]...)
	ordered = append(ordered, b.ring[:b.head]...)
	out := ordered[:0]
	for _, ev := range ordered {
		if ev.Seq > after {
			out = append(out, ev)
		}
	}
	return out
}

// Dropped counts events not delivered to a subscriber whose channel was full.
func (b *Broker) Dropped() uint64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}
