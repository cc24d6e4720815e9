package events

import (
	"errors"
	"testing"
)

func TestEventBus(t *testing.T) {
	bus := NewEventBus()

	var received *Event
	var callCount int

	bus.Subscribe(EventBatchSent, func(event *Event) error {
		received = event
		callCount++
		return nil
	})

	err := bus.PublishJSON(EventBatchSent, SyncEventPayload{Key: "task-status", Size: 2, Pending: 2})
	if err != nil {
		t.Fatalf("PublishJSON failed: %v", err)
	}

	if callCount != 1 {
		t.Errorf("expected 1 call, got %d", callCount)
	}
	if received.Type != EventBatchSent {
		t.Errorf("expected type %s, got %s", EventBatchSent, received.Type)
	}

	var decoded SyncEventPayload
	if err := received.Decode(&decoded); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if decoded.Key != "task-status" || decoded.Size != 2 {
		t.Errorf("unexpected payload %+v", decoded)
	}
}

func TestEventBusHandlerErrorsDoNotStopDelivery(t *testing.T) {
	bus := NewEventBus()
	boom := errors.New("boom")
	var calls int

	bus.Subscribe(EventBatchFailed, func(_ *Event) error { calls++; return boom })
	bus.Subscribe(EventBatchFailed, func(_ *Event) error { calls++; return nil })

	err := bus.PublishJSON(EventBatchFailed, SyncEventPayload{Error: "timeout"})
	if !errors.Is(err, boom) {
		t.Errorf("expected handler error to be returned, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected both handlers to be called, got %d", calls)
	}
}

func TestEventBusUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	var first, second int

	stop := bus.Subscribe(EventItemChanged, func(_ *Event) error { first++; return nil })
	bus.Subscribe(EventItemChanged, func(_ *Event) error { second++; return nil })

	_ = bus.PublishJSON(EventItemChanged, ItemEventPayload{ItemID: "t1"})
	stop()
	stop()
	_ = bus.PublishJSON(EventItemChanged, ItemEventPayload{ItemID: "t2"})

	if first != 1 || second != 2 {
		t.Errorf("expected 1 and 2 calls, got %d and %d", first, second)
	}
}

func TestEventBusNoSubscribers(t *testing.T) {
	bus := NewEventBus()
	if err := bus.PublishJSON("unknown", make(chan int)); err != nil {
		t.Errorf("payload should not be encoded without subscribers, got %v", err)
	}
}

func TestEventBusEncodeError(t *testing.T) {
	bus := NewEventBus()
	bus.Subscribe("event", func(_ *Event) error { return nil })
	if err := bus.PublishJSON("event", make(chan int)); err == nil {
		t.Error("expected encode error")
	}
}

func TestNilBusPublishJSON(t *testing.T) {
	var bus *EventBus
	if err := bus.PublishJSON(EventSyncStatusChanged, SyncEventPayload{}); err != nil {
		t.Errorf("nil bus should be a no-op, got %v", err)
	}
}
