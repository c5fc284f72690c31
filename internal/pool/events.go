package pool

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// EventType enumerates the progress events the scheduler emits.
type EventType int

const (
	EventTaskStarted EventType = iota
	EventTaskProgress
	EventTaskCompleted
	EventTaskFailed
	EventTaskRequeued
	EventPausedForAuth
	EventResumed
	EventSessionExpiring
	EventFinished
)

func (t EventType) String() string {
	switch t {
	case EventTaskStarted:
		return "task_started"
	case EventTaskProgress:
		return "task_progress"
	case EventTaskCompleted:
		return "task_completed"
	case EventTaskFailed:
		return "task_failed"
	case EventTaskRequeued:
		return "task_requeued"
	case EventPausedForAuth:
		return "paused_for_auth"
	case EventResumed:
		return "resumed"
	case EventSessionExpiring:
		return "session_expiring"
	case EventFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the event type by name so stream consumers don't have
// to know the enum ordering.
func (t EventType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// Event is one progress report from the pool. Task-scoped events carry the
// index and file; pool-scoped events leave them zero. Finished carries the
// run summary.
type Event struct {
	Type    EventType `json:"type"`
	Index   int       `json:"index,omitempty"`
	File    string    `json:"file,omitempty"`
	Bytes   int64     `json:"bytes,omitempty"`
	Total   int64     `json:"total,omitempty"`
	Rate    float64   `json:"rate,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	Summary *Summary  `json:"summary,omitempty"`
	At      time.Time `json:"at"`
}

// Hub fans the scheduler's event stream out to any number of subscribers
// (notifier, SSE clients). Slow subscribers drop events rather than stall
// the pool.
type Hub struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event)}
}

// Run pumps events from the scheduler until the stream closes or the context
// is cancelled, then closes every subscriber channel.
func (h *Hub) Run(ctx context.Context, events <-chan Event) {
	defer h.closeAll()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}

			h.publish(e)
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel function must be
// called when the subscriber goes away.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.subs == nil {
		// Hub already closed; hand back a closed channel.
		ch := make(chan Event)
		close(ch)

		return ch, func() {}
	}

	id := h.next
	h.next++

	ch := make(chan Event, buffer)
	h.subs[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}
}

func (h *Hub) publish(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sub := range h.subs {
		select {
		case sub <- e:
		default:
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub)
	}

	h.subs = nil
}
