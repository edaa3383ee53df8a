package integration

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tarebo/maestro/internal/bus"
	"github.com/tarebo/maestro/model"
)

var simWorkerSeq atomic.Int64

// SimWorker emulates a worker process on the bus: it announces itself on the
// worker-status topic, consumes commands addressed to it, and publishes
// configured results. Responses are consumed in order; once the queue is
// empty each command gets a plain success reply.
type SimWorker struct {
	t   *testing.T
	h   *TestHarness
	sub bus.Subscription

	ID         string
	WorkerType string

	mu        sync.Mutex
	silent    bool
	responses []responderFunc
	received  []bus.CommandMessage
}

// responderFunc builds the result for one command. Returning nil leaves the
// command unanswered.
type responderFunc func(cmd bus.CommandMessage) *bus.ResultMessage

// NewSimWorker starts a simulated worker of the given type and announces it
// healthy, so the balancer can select it immediately.
func NewSimWorker(t *testing.T, h *TestHarness, workerType string) *SimWorker {
	t.Helper()

	w := &SimWorker{
		t:          t,
		h:          h,
		ID:         fmt.Sprintf("%s-sim-%d", workerType, simWorkerSeq.Add(1)),
		WorkerType: workerType,
	}

	sub, err := h.Bus.Subscribe(bus.TopicCommands, w.onCommand)
	if err != nil {
		t.Fatalf("subscribe sim worker %s: %v", w.ID, err)
	}
	w.sub = sub
	t.Cleanup(func() { sub.Unsubscribe() })

	w.Heartbeat(true)
	return w
}

// Heartbeat publishes a worker-status frame for this worker.
func (w *SimWorker) Heartbeat(healthy bool) {
	w.t.Helper()

	data, err := bus.EncodeStatus(bus.StatusMessage{
		WorkerID:   w.ID,
		WorkerType: w.WorkerType,
		Name:       w.ID,
		Healthy:    healthy,
	})
	if err != nil {
		w.t.Fatalf("encode heartbeat: %v", err)
	}
	if err := w.h.Bus.Publish(context.Background(), bus.TopicWorkerStatus, data); err != nil {
		w.t.Fatalf("publish heartbeat: %v", err)
	}
}

// RespondWith queues a success reply carrying the given data.
func (w *SimWorker) RespondWith(data map[string]any) *SimWorker {
	return w.RespondFunc(func(cmd bus.CommandMessage) *bus.ResultMessage {
		return &bus.ResultMessage{Status: model.ResponseSuccess, Data: data}
	})
}

// RespondWithError queues an error reply with the given message.
func (w *SimWorker) RespondWithError(errMsg string) *SimWorker {
	return w.RespondFunc(func(cmd bus.CommandMessage) *bus.ResultMessage {
		return &bus.ResultMessage{Status: model.ResponseError, Error: errMsg}
	})
}

// RespondFunc queues an arbitrary responder.
func (w *SimWorker) RespondFunc(fn responderFunc) *SimWorker {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.responses = append(w.responses, fn)
	return w
}

// Silence makes the worker swallow commands without replying, as a worker
// that accepted work and then hung would.
func (w *SimWorker) Silence() *SimWorker {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.silent = true
	return w
}

// Received returns a snapshot of the commands this worker accepted.
func (w *SimWorker) Received() []bus.CommandMessage {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]bus.CommandMessage, len(w.received))
	copy(out, w.received)
	return out
}

// LastCommand returns the most recently accepted command, waiting briefly
// for one to arrive.
func (w *SimWorker) LastCommand() bus.CommandMessage {
	w.t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		w.mu.Lock()
		if n := len(w.received); n > 0 {
			cmd := w.received[n-1]
			w.mu.Unlock()
			return cmd
		}
		w.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	w.t.Fatalf("sim worker %s received no command within 5s", w.ID)
	return bus.CommandMessage{}
}

// PublishResult sends a raw result frame for the given task, bypassing the
// responder queue. Late and duplicate delivery tests use this directly.
func (w *SimWorker) PublishResult(msg bus.ResultMessage) {
	w.t.Helper()

	data, err := bus.EncodeResult(msg)
	if err != nil {
		w.t.Fatalf("encode result: %v", err)
	}
	if err := w.h.Bus.Publish(context.Background(), bus.TopicResults, data); err != nil {
		w.t.Fatalf("publish result: %v", err)
	}
}

// onCommand handles one commands-topic frame. Commands for other worker
// types, or addressed to a different worker of the same type, are ignored.
func (w *SimWorker) onCommand(ctx context.Context, data []byte) {
	cmd, err := bus.DecodeCommand(data)
	if err != nil {
		w.t.Errorf("sim worker %s: bad command frame: %v", w.ID, err)
		return
	}
	if cmd.TaskType != w.WorkerType {
		return
	}
	if cmd.WorkerID != "" && cmd.WorkerID != w.ID {
		return
	}

	w.mu.Lock()
	w.received = append(w.received, cmd)
	var fn responderFunc
	if len(w.responses) > 0 {
		fn = w.responses[0]
		w.responses = w.responses[1:]
	}
	silent := w.silent
	w.mu.Unlock()

	if silent {
		return
	}

	var msg *bus.ResultMessage
	if fn != nil {
		msg = fn(cmd)
	} else {
		msg = &bus.ResultMessage{
			Status: model.ResponseSuccess,
			Data:   map[string]any{"worker": w.ID},
		}
	}
	if msg == nil {
		return
	}
	msg.TaskID = cmd.TaskID

	out, err := bus.EncodeResult(*msg)
	if err != nil {
		w.t.Errorf("sim worker %s: encode result: %v", w.ID, err)
		return
	}
	if err := w.h.Bus.Publish(ctx, bus.TopicResults, out); err != nil {
		w.t.Errorf("sim worker %s: publish result: %v", w.ID, err)
	}
}
