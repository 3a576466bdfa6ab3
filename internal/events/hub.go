// Package events fans out service events (downloads, node runs, model
// lifecycle) to live subscribers such as the /ws stream.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

type Type string

const (
	DownloadProgress Type = "download_progress"
	NodeStarted      Type = "node_started"
	NodeFinished     Type = "node_finished"
	ModelLoaded      Type = "model_loaded"
	ModelUnloaded    Type = "model_unloaded"
)

type Event struct {
	Type    Type      `json:"type"`
	Payload any       `json:"payload,omitempty"`
	Time    time.Time `json:"time"`
}

const DefaultBuffer = 256

// Hub is safe for concurrent use. The zero value is not usable; call NewHub.
type Hub struct {
	buffer int

	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event

	dropped atomic.Int64
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{buffer: buffer, subs: make(map[int]chan Event)}
}

// Publish delivers ev to every subscriber without blocking. A subscriber
// whose buffer is full misses the event.
func (h *Hub) Publish(ev Event) {
	if h == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// Emit is shorthand for Publish(Event{Type: t, Payload: payload}).
func (h *Hub) Emit(t Type, payload any) {
	h.Publish(Event{Type: t, Payload: payload})
}

// Subscribe registers a subscriber. cancel unregisters it and closes the
// channel; calling it more than once is fine.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, h.buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped counts deliveries skipped because a subscriber was full.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}
