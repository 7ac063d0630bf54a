package events

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 10)

	bus.Publish(TopicTask, TaskStatusEvent{
		ID:        "task-1",
		Phase:     "generate-code",
		Status:    "executing",
		Attempt:   1,
		Timestamp: time.Now(),
	})

	select {
	case received := <-ch:
		if received.TaskID() != "task-1" {
			t.Errorf("task ID = %q, want task-1", received.TaskID())
		}
		if received.EventType() != EventTypeTaskStatus {
			t.Errorf("event type = %q, want %q", received.EventType(), EventTypeTaskStatus)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

func TestMultipleSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch1 := bus.Subscribe(TopicTask, 10)
	ch2 := bus.Subscribe(TopicTask, 10)

	bus.Publish(TopicTask, TaskStatusEvent{ID: "task-2", Status: "completed", Timestamp: time.Now()})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case received := <-ch:
			if received.TaskID() != "task-2" {
				t.Errorf("subscriber %d: task ID = %q, want task-2", i+1, received.TaskID())
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("subscriber %d: timeout waiting for event", i+1)
		}
	}
}

func TestNonBlockingPublish(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 1)

	done := make(chan bool)
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(TopicTask, TaskProgressEvent{ID: "task", Percent: i * 10, Timestamp: time.Now()})
		}
		done <- true
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("publisher blocked on a full subscriber")
	}

	select {
	case received := <-ch:
		if received == nil {
			t.Error("received nil event")
		}
	default:
		t.Error("expected at least one buffered event")
	}

	// Buffer of 1 with 10 publishes must drop 9.
	if got := bus.Dropped(); got != 9 {
		t.Errorf("Dropped() = %d, want 9", got)
	}
}

func TestCloseSignalsSubscribers(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(TopicRun, 10)

	bus.Close()

	received := 0
	for range ch {
		received++
	}
	if received != 0 {
		t.Errorf("received %d events after close, want 0", received)
	}
}

func TestPublishAfterClose(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(TopicRun, 10)
	bus.Close()
	bus.Close() // idempotent

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("publishing after close panicked: %v", r)
		}
	}()
	bus.Publish(TopicRun, RunStartedEvent{RunID: "r1", Timestamp: time.Now()})

	if _, ok := <-ch; ok {
		t.Error("received event after bus was closed")
	}
}

func TestTopicIsolation(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	taskCh := bus.Subscribe(TopicTask, 10)
	planCh := bus.Subscribe(TopicPlan, 10)

	bus.Publish(TopicTask, TaskStatusEvent{ID: "task-1", Status: "ready", Timestamp: time.Now()})
	bus.Publish(TopicPlan, ReplanEvent{ID: "task-1", Fingerprint: "abc", Timestamp: time.Now()})

	select {
	case received := <-taskCh:
		if received.EventType() != EventTypeTaskStatus {
			t.Errorf("task channel got %s", received.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("task channel: timeout")
	}

	select {
	case received := <-planCh:
		if received.EventType() != EventTypeReplan {
			t.Errorf("plan channel got %s", received.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("plan channel: timeout")
	}

	select {
	case e := <-taskCh:
		t.Errorf("task channel received cross-topic event %s", e.EventType())
	case <-time.After(10 * time.Millisecond):
	}
}

func TestSubscribeAll(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	allCh := bus.SubscribeAll(20)

	bus.Publish(TopicTask, TaskStatusEvent{ID: "task-1", Status: "executing", Timestamp: time.Now()})
	bus.Publish(TopicRun, RunProgressEvent{RunID: "r1", Total: 7, Completed: 3, Timestamp: time.Now()})

	receivedTypes := make(map[string]bool)
	for i := 0; i < 2; i++ {
		select {
		case received := <-allCh:
			receivedTypes[received.EventType()] = true
		case <-time.After(100 * time.Millisecond):
			t.Fatal("timeout waiting for event")
		}
	}

	if !receivedTypes[EventTypeTaskStatus] || !receivedTypes[EventTypeRunProgress] {
		t.Errorf("SubscribeAll missed a topic: %v", receivedTypes)
	}
}
