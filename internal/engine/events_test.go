package engine

import (
	"testing"
	"time"

	"github.com/tarebo/maestro/model"
)

func recvEvent(t *testing.T, ch <-chan model.RequestEvent) model.RequestEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("event channel closed early")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an event")
	}
	return model.RequestEvent{}
}

func recvClosed(t *testing.T, ch <-chan model.RequestEvent) {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if ok {
			t.Fatalf("expected the channel to be closed, got event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the channel to close")
	}
}

func TestWatchHub_publishDelivers(t *testing.T) {
	hub := newWatchHub()
	ch, cancel := hub.subscribe("req-1")
	defer cancel()

	hub.publish(model.RequestEvent{RequestID: "req-1", Status: model.RequestProcessing, Message: "step dispatched"})

	ev := recvEvent(t, ch)
	if ev.Message != "step dispatched" {
		t.Fatalf("event message = %q, want the published message", ev.Message)
	}
}

func TestWatchHub_isolatesRequests(t *testing.T) {
	hub := newWatchHub()
	ch, cancel := hub.subscribe("req-1")
	defer cancel()

	hub.publish(model.RequestEvent{RequestID: "req-2", Status: model.RequestProcessing})

	select {
	case ev := <-ch:
		t.Fatalf("got event %+v for another request", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestWatchHub_multipleWatchers(t *testing.T) {
	hub := newWatchHub()
	ch1, cancel1 := hub.subscribe("req-1")
	defer cancel1()
	ch2, cancel2 := hub.subscribe("req-1")
	defer cancel2()

	hub.publish(model.RequestEvent{RequestID: "req-1", Status: model.RequestProcessing, Message: "m"})

	if ev := recvEvent(t, ch1); ev.Message != "m" {
		t.Fatalf("watcher 1 got %+v", ev)
	}
	if ev := recvEvent(t, ch2); ev.Message != "m" {
		t.Fatalf("watcher 2 got %+v", ev)
	}
}

func TestWatchHub_terminalEventClosesWatchers(t *testing.T) {
	hub := newWatchHub()
	ch, cancel := hub.subscribe("req-1")
	defer cancel()

	hub.publish(model.RequestEvent{RequestID: "req-1", Status: model.RequestCompleted, Message: "request completed"})

	ev := recvEvent(t, ch)
	if ev.Status != model.RequestCompleted {
		t.Fatalf("event status = %s, want %s", ev.Status, model.RequestCompleted)
	}
	recvClosed(t, ch)
}

func TestWatchHub_cancelStopsDelivery(t *testing.T) {
	hub := newWatchHub()
	ch, cancel := hub.subscribe("req-1")

	cancel()
	recvClosed(t, ch)

	// Publishing after cancellation must not panic on the closed channel.
	hub.publish(model.RequestEvent{RequestID: "req-1", Status: model.RequestProcessing})
}

func TestWatchHub_cancelIsIdempotent(t *testing.T) {
	hub := newWatchHub()
	_, cancel := hub.subscribe("req-1")

	cancel()
	cancel()
}

func TestWatchHub_slowWatcherDoesNotBlockPublish(t *testing.T) {
	hub := newWatchHub()
	ch, cancel := hub.subscribe("req-1")
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < watchBuffer+8; i++ {
			hub.publish(model.RequestEvent{RequestID: "req-1", Status: model.RequestProcessing, StepNumber: i})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full watcher channel")
	}

	// The buffered events survive; the overflow is dropped.
	buffered := 0
	for {
		select {
		case <-ch:
			buffered++
			continue
		default:
		}
		break
	}
	if buffered != watchBuffer {
		t.Fatalf("buffered events = %d, want %d", buffered, watchBuffer)
	}
}

func TestWatchHub_closedHubYieldsClosedChannel(t *testing.T) {
	hub := newWatchHub()
	hub.close()

	ch, cancel := hub.subscribe("req-1")
	defer cancel()
	recvClosed(t, ch)

	hub.close()
}
