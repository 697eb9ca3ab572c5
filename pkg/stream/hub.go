package stream

import (
	"encoding/json"
	"sync"
	"time"
)

const defaultSubscriberBuffer = 32

// Event is one pipeline stage transition broadcast to stream subscribers.
// Data carries the same payload summary the audit trail records, so the
// stream never exposes more than the trail does.
type Event struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Stage     string          `json:"stage,omitempty"`
	At        string          `json:"at"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType string, data interface{}) Event {
	return Event{
		Type: eventType,
		At:   time.Now().UTC().Format(time.RFC3339Nano),
		Data: marshalEventData(data),
	}
}

// StageEvent is the pipeline-progress variant of NewEvent.
func StageEvent(requestID, stage string, data interface{}) Event {
	evt := NewEvent("stage", data)
	evt.RequestID = requestID
	evt.Stage = stage
	return evt
}

func marshalEventData(data interface{}) json.RawMessage {
	if data == nil {
		return nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	return raw
}

type Hub struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subscribers: make(map[chan Event]struct{})}
}

func (h *Hub) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes the channel. Closing happens after the
// subscriber is no longer visible to Publish.
func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, subscribed := h.subscribers[ch]
	delete(h.subscribers, ch)
	h.mu.Unlock()
	if subscribed {
		close(ch)
	}
}

// Publish delivers to every subscriber without blocking; slow subscribers
// lose events rather than stalling the pipeline.
func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}
