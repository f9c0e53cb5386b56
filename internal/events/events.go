// Package events provides the mission notification sink: in-memory
// pub/sub with a replay ring per mission, plus an optional mirrored
// Redis stream. Event delivery is best-effort everywhere; missions
// never block on notification.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/fathomlabs/fathom/internal/metrics"
)

// EventType classifies mission progress events.
type EventType string

const (
	EventStatusChanged  EventType = "status_changed"
	EventPhaseStarted   EventType = "phase_started"
	EventPhaseCompleted EventType = "phase_completed"
	EventRoundStarted   EventType = "round_started"
	EventNotesAdded     EventType = "notes_added"
	EventOutlineRevised EventType = "outline_revised"
	EventSectionDrafted EventType = "section_drafted"
	EventWarning        EventType = "warning"
	EventCompleted      EventType = "mission_completed"
	EventFailed         EventType = "mission_failed"
)

// Event is one mission progress notification.
type Event struct {
	MissionID string         `json:"mission_id"`
	Type      EventType      `json:"type"`
	Phase     string         `json:"phase,omitempty"`
	Message   string         `json:"message,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Seq       uint64         `json:"seq"`
}

// Marshal returns the event as JSON for the WebSocket feed and logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Sink mirrors published events somewhere external. Implementations
// must not block.
type Sink interface {
	Send(Event)
}

// Manager fans mission events out to subscribers and keeps a bounded
// replay history per mission.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int
	sinks       []Sink
}

// NewManager builds a manager whose per-mission replay rings hold
// capacity events.
func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = 256
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
	}
}

// AttachSink registers an external mirror for all published events.
func (m *Manager) AttachSink(s Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, s)
}

// Subscribe adds a subscriber channel for a mission; the caller must
// drain it and call Unsubscribe.
func (m *Manager) Subscribe(missionID string, buffer int) chan Event {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[missionID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[missionID] = subs
	}
	subs[ch] = struct{}{}
	metrics.EventSubscribers.Inc()
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(missionID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[missionID]; ok {
		if _, present := subs[ch]; !present {
			return
		}
		delete(subs, ch)
		close(ch)
		metrics.EventSubscribers.Dec()
		if len(subs) == 0 {
			delete(m.subscribers, missionID)
		}
	}
}

// Publish assigns a sequence number and delivers the event to all
// subscribers of the mission without blocking. Slow subscribers drop.
func (m *Manager) Publish(missionID string, evt Event) {
	evt.MissionID = missionID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	m.mu.Lock()
	rg := m.history[missionID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[missionID] = rg
	}
	// Sequence numbers start at 1 so ReplaySince(id, 0) replays
	// everything still in the ring.
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	rg.push(evt)
	subs := m.subscribers[missionID]
	sinks := m.sinks
	m.mu.Unlock()

	metrics.EventsPublished.Inc()
	for ch := range subs {
		select {
		case ch <- evt:
		default:
			metrics.EventsDropped.WithLabelValues("slow_subscriber").Inc()
		}
	}
	for _, s := range sinks {
		s.Send(evt)
	}
}

// ReplaySince returns events with Seq > since, best-effort within the
// ring capacity.
func (m *Manager) ReplaySince(missionID string, since uint64) []Event {
	m.mu.RLock()
	rg := m.history[missionID]
	m.mu.RUnlock()
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Forget drops the mission's replay history. Called when a mission is
// deleted.
func (m *Manager) Forget(missionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.history, missionID)
}

// ring is a fixed-capacity ring buffer of events.
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		idx := (r.start + i) % len(r.buf)
		ev := r.buf[idx]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
