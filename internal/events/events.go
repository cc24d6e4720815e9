package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	EventBatchSent         = "sync_batch_sent"
	EventBatchAcknowledged = "sync_batch_acknowledged"
	EventBatchFailed       = "sync_batch_failed"
	EventSyncStatusChanged = "sync_status_changed"
	EventChangesCleared    = "sync_changes_cleared"
	EventItemChanged       = "item_changed"
)

// SyncEventPayload describes one reconciler transition for event consumers.
type SyncEventPayload struct {
	Key            string    `json:"key,omitempty"`
	BatchID        uint64    `json:"batch_id,omitempty"`
	Size           int       `json:"size,omitempty"`
	Attempt        int       `json:"attempt,omitempty"`
	Pending        int       `json:"pending"`
	Status         string    `json:"status,omitempty"`
	PreviousStatus string    `json:"previous_status,omitempty"`
	Error          string    `json:"error,omitempty"`
	Occurred       time.Time `json:"occurred,omitempty"`
}

// ItemEventPayload is published by the sync service for every accepted change.
type ItemEventPayload struct {
	UserID    string `json:"user_id"`
	ItemID    string `json:"item_id"`
	Type      string `json:"type"`
	Operation string `json:"operation"`
}

// Event is one published payload. Payload is JSON.
type Event struct {
	Type    string
	Payload json.RawMessage
}

// Decode unmarshals the event payload into v.
func (e *Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

type EventHandler func(event *Event) error

type subscription struct {
	id      uint64
	handler EventHandler
}

// EventBus fans events out to subscribers on the publisher's goroutine.
// Handlers must not block: the sync engine publishes from its loop.
type EventBus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string][]subscription
}

func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[string][]subscription)}
}

// Subscribe registers handler for eventType. The returned func removes it.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[eventType] = append(b.subs[eventType], subscription{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[eventType]
		for i, s := range subs {
			if s.id == id {
				b.subs[eventType] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// PublishJSON encodes payload and delivers it to every subscriber of
// eventType. Handler errors do not stop delivery; they are joined and
// returned. A nil bus is a no-op.
func (b *EventBus) PublishJSON(eventType string, payload any) error {
	if b == nil {
		return nil
	}

	b.mu.RLock()
	subs := append([]subscription(nil), b.subs[eventType]...)
	b.mu.RUnlock()
	if len(subs) == 0 {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", eventType, err)
	}

	var errs []error
	for _, s := range subs {
		if err := s.handler(&Event{Type: eventType, Payload: raw}); err != nil {
			errs = append(errs, fmt.Errorf("%s handler: %w", eventType, err))
		}
	}
	return errors.Join(errs...)
}
