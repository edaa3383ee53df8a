// Package dispatch connects the orchestration engine to the message bus. The
// Dispatcher publishes work commands on the commands topic and consumes the
// results and worker-status topics, applying inbound results through a
// bounded worker pool and discarding bus redeliveries via a ProcessedStore.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/tarebo/maestro/internal/bus"
	"github.com/tarebo/maestro/model"
)

// applyTimeout bounds one result or heartbeat application.
const applyTimeout = 30 * time.Second

// Event describes one dispatcher action for telemetry.
type Event struct {
	Kind     string // "command", "result" or "status"
	TaskType string // worker type when known
	Outcome  string
}

// Outcomes reported through Observer.
const (
	OutcomePublished    = "published"
	OutcomePublishError = "publish_error"
	OutcomeHandled      = "handled"
	OutcomeHandlerError = "handler_error"
	OutcomeDecodeError  = "decode_error"
	OutcomeRedelivered  = "redelivered"
)

// Observer receives dispatcher events. Implementations may record metrics or
// other telemetry.
type Observer interface {
	OnDispatchEvent(ctx context.Context, event Event)
}

// Dispatcher publishes work commands and routes inbound bus traffic to the
// engine. It implements model.CommandDispatcher.
type Dispatcher struct {
	bus       bus.Bus
	results   model.ResultHandler
	statuses  model.WorkerStatusHandler
	processed ProcessedStore
	pool      *ants.Pool
	logger    *zap.Logger
	observers []Observer
	queue     string
	dedupTTL  time.Duration

	// baseCtx anchors pool tasks, which outlive the delivery callback that
	// submitted them. Set by Start.
	baseCtx context.Context
	subs    []bus.Subscription
}

// Option configures optional dependencies.
type Option func(*Dispatcher)

// WithProcessedStore sets the redelivery dedup store.
func WithProcessedStore(store ProcessedStore) Option {
	return func(d *Dispatcher) { d.processed = store }
}

// WithObserver adds a dispatch observer.
func WithObserver(obs Observer) Option {
	return func(d *Dispatcher) { d.observers = append(d.observers, obs) }
}

// WithQueueGroup sets the queue group name for the results subscription.
func WithQueueGroup(queue string) Option {
	return func(d *Dispatcher) { d.queue = queue }
}

// WithDedupTTL sets how long processed message ids are retained.
func WithDedupTTL(ttl time.Duration) Option {
	return func(d *Dispatcher) { d.dedupTTL = ttl }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// NewDispatcher creates a Dispatcher with a result pool of the given size.
func NewDispatcher(
	b bus.Bus,
	results model.ResultHandler,
	statuses model.WorkerStatusHandler,
	poolSize int,
	opts ...Option,
) (*Dispatcher, error) {
	if poolSize <= 0 {
		poolSize = 32
	}
	pool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, fmt.Errorf("dispatch: create result pool: %w", err)
	}

	d := &Dispatcher{
		bus:      b,
		results:  results,
		statuses: statuses,
		pool:     pool,
		logger:   zap.NewNop(),
		queue:    "maestro",
		dedupTTL: time.Hour,
		baseCtx:  context.Background(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Dispatch publishes a work command on the commands topic. Failures surface
// as DispatchError so the engine retries them with the worker-failure policy.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd model.WorkCommand) error {
	data, err := bus.EncodeCommand(cmd)
	if err != nil {
		return model.NewDispatchError(fmt.Sprintf("encode command %s: %v", cmd.TaskID, err))
	}

	if err := d.bus.Publish(ctx, bus.TopicCommands, data); err != nil {
		d.notify(ctx, Event{Kind: "command", TaskType: cmd.WorkerType, Outcome: OutcomePublishError})
		return model.NewDispatchError(fmt.Sprintf("publish command %s: %v", cmd.TaskID, err))
	}

	d.notify(ctx, Event{Kind: "command", TaskType: cmd.WorkerType, Outcome: OutcomePublished})
	return nil
}

// Start subscribes to the inbound topics. Results are queue-subscribed so
// engine replicas split the stream; worker-status frames are broadcast so
// every replica keeps a full worker view.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.baseCtx = ctx

	resultSub, err := d.bus.QueueSubscribe(bus.TopicResults, d.queue, d.onResult)
	if err != nil {
		return fmt.Errorf("dispatch: subscribe %s: %w", bus.TopicResults, err)
	}
	d.subs = append(d.subs, resultSub)

	statusSub, err := d.bus.Subscribe(bus.TopicWorkerStatus, d.onStatus)
	if err != nil {
		return fmt.Errorf("dispatch: subscribe %s: %w", bus.TopicWorkerStatus, err)
	}
	d.subs = append(d.subs, statusSub)

	return nil
}

// Close unsubscribes from the bus and drains the result pool.
func (d *Dispatcher) Close(ctx context.Context) error {
	for _, sub := range d.subs {
		if err := sub.Unsubscribe(); err != nil {
			d.logger.Warn("dispatch: unsubscribe failed", zap.Error(err))
		}
	}
	d.subs = nil

	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if err := d.pool.ReleaseTimeout(timeout); err != nil {
		return fmt.Errorf("dispatch: drain result pool: %w", err)
	}
	return nil
}

// onResult decodes a results-topic message and hands it to the pool. The
// delivery context is not reused: application outlives the callback.
func (d *Dispatcher) onResult(ctx context.Context, data []byte) {
	msg, err := bus.DecodeResult(data)
	if err != nil {
		d.logger.Warn("dispatch: dropping malformed result", zap.Error(err))
		d.notify(ctx, Event{Kind: "result", Outcome: OutcomeDecodeError})
		return
	}

	if err := d.pool.Submit(func() { d.applyResult(msg) }); err != nil {
		// Pool released during shutdown; the worker will republish on its
		// redelivery policy and the next instance picks it up.
		d.logger.Warn("dispatch: result pool rejected task",
			zap.String("taskId", msg.TaskID), zap.Error(err))
	}
}

// applyResult runs the dedup check and feeds one result to the engine.
func (d *Dispatcher) applyResult(msg bus.ResultMessage) {
	ctx, cancel := context.WithTimeout(d.baseCtx, applyTimeout)
	defer cancel()

	if d.processed != nil && msg.MessageID != "" {
		first, err := d.processed.MarkProcessed(ctx, FormatProcessedKey(msg.MessageID), d.dedupTTL)
		if err != nil {
			// A dedup store failure must not drop results: the engine
			// discards true duplicates by assignment state anyway.
			d.logger.Warn("dispatch: processed store check failed",
				zap.String("messageId", msg.MessageID), zap.Error(err))
		} else if !first {
			d.notify(ctx, Event{Kind: "result", Outcome: OutcomeRedelivered})
			return
		}
	}

	requestID, _, _, err := model.ParseTaskID(msg.TaskID)
	if err != nil {
		d.logger.Warn("dispatch: dropping result with malformed task id",
			zap.String("taskId", msg.TaskID), zap.Error(err))
		d.notify(ctx, Event{Kind: "result", Outcome: OutcomeDecodeError})
		return
	}

	resp := msg.Response(requestID)
	if err := d.results.HandleResult(ctx, msg.TaskID, resp); err != nil {
		d.logger.Error("dispatch: result application failed",
			zap.String("taskId", msg.TaskID),
			zap.String("requestId", requestID),
			zap.Error(err))
		d.notify(ctx, Event{Kind: "result", Outcome: OutcomeHandlerError})
		return
	}

	d.notify(ctx, Event{Kind: "result", Outcome: OutcomeHandled})
}

// onStatus applies one worker heartbeat inline; registry updates are cheap.
func (d *Dispatcher) onStatus(_ context.Context, data []byte) {
	msg, err := bus.DecodeStatus(data)
	if err != nil {
		d.logger.Warn("dispatch: dropping malformed worker status", zap.Error(err))
		d.notify(d.baseCtx, Event{Kind: "status", Outcome: OutcomeDecodeError})
		return
	}

	ctx, cancel := context.WithTimeout(d.baseCtx, applyTimeout)
	defer cancel()

	if err := d.statuses.HandleWorkerStatus(ctx, msg.Heartbeat()); err != nil {
		d.logger.Warn("dispatch: worker status application failed",
			zap.String("workerId", msg.WorkerID), zap.Error(err))
		d.notify(ctx, Event{Kind: "status", TaskType: msg.WorkerType, Outcome: OutcomeHandlerError})
		return
	}

	d.notify(ctx, Event{Kind: "status", TaskType: msg.WorkerType, Outcome: OutcomeHandled})
}

func (d *Dispatcher) notify(ctx context.Context, event Event) {
	for _, obs := range d.observers {
		obs.OnDispatchEvent(ctx, event)
	}
}
