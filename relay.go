package outbox

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/hiran-hiran/outbox"

var (
	// ErrRelayClosed is returned by PublishPending after Close.
	ErrRelayClosed = errors.New("relay closed")

	// ErrLockLost is returned when the relay lock expired or was taken over
	// while a batch was draining.
	ErrLockLost = errors.New("relay lock lost")
)

// State is the scheduling state of a Relay.
type State int32

const (
	// StateStopped means no cycle will be scheduled.
	StateStopped State = iota
	// StateScheduled means a future cycle is armed.
	StateScheduled
	// StateDraining means a batch is being relayed.
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateScheduled:
		return "scheduled"
	case StateDraining:
		return "draining"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Relay periodically reads pending events from the event store and publishes
// them, in order, to an external system.
//
// A batch stops at the first event that cannot be published or marked as
// published, so a later event is never published while an earlier one is still
// pending. The remaining events are retried on the next cycle.
type Relay struct {
	store      EventStore
	publisher  EventPublisher
	deadLetter EventPublisher
	locker     Locker

	logger  *zap.Logger
	metrics *Metrics
	tracer  trace.Tracer

	interval       time.Duration
	readTimeout    time.Duration
	publishTimeout time.Duration
	markTimeout    time.Duration
	lockTimeout    time.Duration
	maxAttempts    int32
	backoff        DelayFunc

	mu         sync.Mutex
	state      State
	cancel     context.CancelFunc
	done       chan struct{}
	closed     bool
	generation int

	// drainMu serializes cycles; fields below are only touched while holding it.
	drainMu     sync.Mutex
	attempts    map[uuid.UUID]int32
	failures    int
	chansClosed atomic.Bool

	errCh       chan error
	discardedCh chan Event
}

// RelayOption is a function that configures a Relay instance.
type RelayOption func(*Relay)

// WithInterval sets the cooldown between the end of a cycle and the start of the next one.
// Default is 5 seconds.
func WithInterval(interval time.Duration) RelayOption {
	return func(r *Relay) {
		if interval > 0 {
			r.interval = interval
		}
	}
}

// WithReadTimeout sets the timeout for reading pending events from the store.
// Default is 5 seconds.
func WithReadTimeout(timeout time.Duration) RelayOption {
	return func(r *Relay) {
		r.readTimeout = timeout
	}
}

// WithPublishTimeout sets the timeout for publishing a single event.
// Default is 5 seconds.
func WithPublishTimeout(timeout time.Duration) RelayOption {
	return func(r *Relay) {
		r.publishTimeout = timeout
	}
}

// WithMarkTimeout sets the timeout for marking a single event as published.
// Default is 5 seconds.
func WithMarkTimeout(timeout time.Duration) RelayOption {
	return func(r *Relay) {
		r.markTimeout = timeout
	}
}

// WithErrorChannelSize sets the size of the error channel.
// Default is 128. Size must be positive.
func WithErrorChannelSize(size int) RelayOption {
	return func(r *Relay) {
		if size > 0 {
			r.errCh = make(chan error, size)
		}
	}
}

// WithDiscardedEventsChannelSize sets the size of the discarded events channel.
// Default is 128. Size must be positive.
func WithDiscardedEventsChannelSize(size int) RelayOption {
	return func(r *Relay) {
		if size > 0 {
			r.discardedCh = make(chan Event, size)
		}
	}
}

// WithMaxAttempts sets the maximum number of failed publish attempts for a single event.
// Once reached, the event is handed to the dead letter publisher (if any),
// emitted on DiscardedEvents and marked as published so that the events behind
// it can proceed. Attempts are counted in memory and reset on restart.
// Default is math.MaxInt32, meaning an event is retried forever. Must be positive.
func WithMaxAttempts(maxAttempts int32) RelayOption {
	return func(r *Relay) {
		if maxAttempts > 0 {
			r.maxAttempts = maxAttempts
		}
	}
}

// WithDeadLetterPublisher sets the publisher that receives events discarded
// after reaching the maximum attempts. If it fails, the event stays pending and
// the batch halts.
func WithDeadLetterPublisher(publisher EventPublisher) RelayOption {
	return func(r *Relay) {
		r.deadLetter = publisher
	}
}

// WithFailureBackoff sets the cooldown applied after consecutive failed cycles.
// A successful cycle resets the cooldown to the interval.
// Default is the fixed interval.
func WithFailureBackoff(delayFunc DelayFunc) RelayOption {
	return func(r *Relay) {
		r.backoff = delayFunc
	}
}

// WithExponentialBackoff doubles the cooldown for every consecutive failed cycle,
// starting at initialDelay and capped at maxDelay.
func WithExponentialBackoff(initialDelay time.Duration, maxDelay time.Duration) RelayOption {
	return WithFailureBackoff(Exponential(initialDelay, maxDelay))
}

// WithLocker makes every cycle acquire the given lock first. Cycles that cannot
// acquire it are skipped, which keeps a single active relay across processes.
// The lock is extended before each event; a batch halts as soon as it is lost.
func WithLocker(locker Locker) RelayOption {
	return func(r *Relay) {
		r.locker = locker
	}
}

// WithLogger sets the logger. Default is a no-op logger.
func WithLogger(logger *zap.Logger) RelayOption {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics sets the collectors updated by the relay.
func WithMetrics(metrics *Metrics) RelayOption {
	return func(r *Relay) {
		r.metrics = metrics
	}
}

// WithTracerProvider sets the tracer provider. Default is the global provider.
func WithTracerProvider(tp trace.TracerProvider) RelayOption {
	return func(r *Relay) {
		if tp != nil {
			r.tracer = tp.Tracer(instrumentationName)
		}
	}
}

// NewRelay creates a new Relay reading from store and publishing to publisher.
func NewRelay(store EventStore, publisher EventPublisher, opts ...RelayOption) *Relay {
	r := &Relay{
		store:          store,
		publisher:      publisher,
		logger:         zap.NewNop(),
		tracer:         otel.GetTracerProvider().Tracer(instrumentationName),
		interval:       5 * time.Second,
		readTimeout:    5 * time.Second,
		publishTimeout: 5 * time.Second,
		markTimeout:    5 * time.Second,
		lockTimeout:    2 * time.Second,
		maxAttempts:    math.MaxInt32,
		attempts:       make(map[uuid.UUID]int32),
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.errCh == nil {
		r.errCh = make(chan error, 128)
	}

	if r.discardedCh == nil {
		r.discardedCh = make(chan Event, 128)
	}

	r.logger = r.logger.With(zap.String("component", "outbox_relay"))

	return r
}

// Start arms the first cycle one interval from now.
// Calling Start on a running relay, or after Close, has no effect.
func (r *Relay) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	r.cancel = cancel
	r.done = done
	r.state = StateScheduled
	r.generation++

	go r.run(ctx, done)

	r.logger.Info("relay_started", zap.Duration("interval", r.interval))
}

// Stop prevents further cycles from being scheduled. A cycle that is already
// draining is not interrupted: Stop waits for it to settle. The provided context
// controls how long to wait before giving up.
//
// If the context expires first, Stop returns the context's error; the relay is
// stopped anyway and the draining cycle finishes in the background.
// Calling Stop on a stopped relay is a no-op.
func (r *Relay) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	if cancel == nil {
		r.mu.Unlock()
		return nil
	}
	r.cancel = nil
	r.done = nil
	r.state = StateStopped
	cancel()
	r.mu.Unlock()

	select {
	case <-done:
		r.logger.Info("relay_stopped")
		return nil
	case <-ctx.Done():
		r.logger.Warn("relay_stop_timeout", zap.Error(ctx.Err()))
		return ctx.Err()
	}
}

// Close stops the relay permanently and closes the Errors and DiscardedEvents
// channels once no cycle is running.
func (r *Relay) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	if err := r.Stop(ctx); err != nil {
		return err
	}

	r.drainMu.Lock()
	defer r.drainMu.Unlock()
	if r.chansClosed.CompareAndSwap(false, true) {
		close(r.errCh)
		close(r.discardedCh)
	}
	return nil
}

// State returns the current scheduling state.
func (r *Relay) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Errors returns a channel that receives errors from the relay.
// The channel is buffered to prevent blocking the relay. If the buffer becomes
// full, subsequent errors will be dropped. The channel is closed by Close.
//
// The returned error will be one of the following types:
//   - *FetchError:   Failed to read pending events.
//   - *PublishError: Failed to publish an event. The batch halted at it.
//   - *MarkError:    Published an event but failed to mark it. It will be published again.
//   - *DiscardError: Failed to hand an exhausted event to the dead letter publisher.
//   - *LockError:    Failed to acquire, extend or release the relay lock, or lost it mid-batch.
func (r *Relay) Errors() <-chan error {
	return r.errCh
}

// DiscardedEvents returns a channel that receives events discarded because they
// reached the maximum number of attempts. The channel is closed by Close.
func (r *Relay) DiscardedEvents() <-chan Event {
	return r.discardedCh
}

// CycleResult describes the outcome of one relay cycle.
type CycleResult struct {
	// Fetched is the number of pending events read from the store.
	Fetched int
	// Published is the number of events published and marked as published.
	Published int
	// Discarded is the number of events moved to the dead letter.
	Discarded int
	// Halted is the event at which the batch stopped, nil if it did not stop early.
	Halted *Event
	// Skipped is true when the lock was held by another process.
	Skipped bool
	// Err is the error that ended the cycle early.
	Err error
}

// PublishPending runs a single cycle synchronously. It never overlaps with a
// cycle started by the background loop.
func (r *Relay) PublishPending(ctx context.Context) CycleResult {
	res, _ := r.drain(ctx)
	return res
}

func (r *Relay) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(r.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if !r.setState(ctx, StateDraining) {
			return
		}

		// Store and sink calls must not be aborted by Stop.
		_, delay := r.drain(context.WithoutCancel(ctx))

		if !r.setState(ctx, StateScheduled) {
			return
		}
		timer.Reset(delay)
	}
}

// setState changes the state on behalf of the loop owning ctx. It reports false
// once that loop has been stopped.
func (r *Relay) setState(ctx context.Context, s State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	r.state = s
	return true
}

// drain runs one cycle and returns it along with the cooldown before the next one.
func (r *Relay) drain(ctx context.Context) (CycleResult, time.Duration) {
	r.drainMu.Lock()
	defer r.drainMu.Unlock()

	if r.chansClosed.Load() {
		return CycleResult{Err: ErrRelayClosed}, r.interval
	}

	started := time.Now()
	ctx, span := r.tracer.Start(ctx, "outbox.cycle")
	defer span.End()

	res, outcome := r.cycle(ctx)

	span.SetAttributes(
		attribute.Int("outbox.fetched", res.Fetched),
		attribute.Int("outbox.published", res.Published),
		attribute.String("outbox.result", outcome),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	}
	r.metrics.observeCycle(outcome, started)

	switch {
	case res.Skipped:
	case res.Err != nil:
		r.failures++
	default:
		r.failures = 0
	}

	delay := r.interval
	if r.backoff != nil && r.failures > 0 {
		delay = r.backoff(r.failures)
	}
	return res, delay
}

func (r *Relay) cycle(ctx context.Context) (CycleResult, string) {
	var res CycleResult

	if r.locker != nil {
		acquired, err := r.acquireLock(ctx)
		if err != nil {
			r.metrics.incFailure("lock")
			r.logger.Error("relay_lock_failed", zap.Error(err))
			r.sendError(&LockError{Err: err})
			res.Err = err
			return res, cycleResultLockErr
		}
		if !acquired {
			r.logger.Debug("relay_cycle_skipped")
			res.Skipped = true
			return res, cycleResultSkipped
		}
		defer r.releaseLock(ctx)
	}

	events, err := r.fetch(ctx)
	if err != nil {
		r.metrics.incFailure("fetch")
		r.logger.Error("pending_events_fetch_failed", zap.Error(err))
		r.sendError(&FetchError{Err: err})
		res.Err = err
		return res, cycleResultFetchErr
	}

	res.Fetched = len(events)
	r.metrics.setBacklog(len(events))
	r.forgetAttempts(events)
	if len(events) == 0 {
		return res, cycleResultEmpty
	}

	for _, event := range events {
		if err := r.extendLock(ctx); err != nil {
			res.Halted = event
			res.Err = err
			return res, cycleResultLockErr
		}
		if err := r.relayEvent(ctx, event, &res); err != nil {
			// Halt: the rest of the batch is retried next cycle, in order.
			res.Halted = event
			res.Err = err
			return res, cycleResultHalted
		}
	}

	r.logger.Debug("pending_events_relayed",
		zap.Int("published", res.Published),
		zap.Int("discarded", res.Discarded),
	)
	return res, cycleResultOK
}

func (r *Relay) relayEvent(ctx context.Context, event *Event, res *CycleResult) error {
	if event == nil {
		err := DeliveryFailed(nil, errors.New("store returned a nil event"))
		r.metrics.incFailure("publish")
		r.logger.Error("event_publish_failed", zap.Error(err))
		r.sendError(&PublishError{Err: err})
		return err
	}

	if r.attempts[event.ID()] >= r.maxAttempts {
		if err := r.discard(ctx, event); err != nil {
			return err
		}
		res.Discarded++
		return nil
	}

	if err := r.publish(ctx, event); err != nil {
		r.attempts[event.ID()]++
		r.metrics.incFailure("publish")
		r.logger.Warn("event_publish_failed", append(eventFields(event),
			zap.Int32("attempt", r.attempts[event.ID()]),
			zap.Error(err),
		)...)
		r.sendError(&PublishError{Event: *event, Err: err})
		return err
	}
	delete(r.attempts, event.ID())

	if err := r.markAsPublished(ctx, event); err != nil {
		return err
	}

	r.metrics.incPublished()
	res.Published++
	return nil
}

func (r *Relay) discard(ctx context.Context, event *Event) error {
	if r.deadLetter != nil {
		if err := r.publishTo(ctx, r.deadLetter, event, "outbox.dead_letter"); err != nil {
			r.metrics.incFailure("dead_letter")
			r.logger.Error("event_dead_letter_failed", append(eventFields(event), zap.Error(err))...)
			r.sendError(&DiscardError{Event: *event, Err: err})
			return err
		}
	}

	if err := r.markAsPublished(ctx, event); err != nil {
		return err
	}

	delete(r.attempts, event.ID())
	r.metrics.incDiscarded()
	r.logger.Warn("event_discarded", append(eventFields(event), zap.Int32("max_attempts", r.maxAttempts))...)
	r.sendDiscardedEvent(event)
	return nil
}

func (r *Relay) markAsPublished(ctx context.Context, event *Event) error {
	// The in-memory flip happens even if persisting it fails.
	event.MarkPublished()

	if err := r.mark(ctx, event); err != nil {
		r.metrics.incFailure("mark")
		r.logger.Error("event_mark_failed", append(eventFields(event), zap.Error(err))...)
		r.sendError(&MarkError{Event: *event, Err: err})
		return err
	}
	return nil
}

func (r *Relay) fetch(ctx context.Context) ([]*Event, error) {
	ctx, cancel := context.WithTimeout(ctx, r.readTimeout)
	defer cancel()

	events, err := r.store.FindPendingEvents(ctx)
	if err != nil {
		return nil, StoreUnavailable("find pending events", err)
	}
	return events, nil
}

func (r *Relay) publish(ctx context.Context, event *Event) error {
	return r.publishTo(ctx, r.publisher, event, "outbox.publish")
}

func (r *Relay) publishTo(ctx context.Context, publisher EventPublisher, event *Event, spanName string) error {
	ctx, span := r.tracer.Start(ctx, spanName,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.message.id", event.ID().String()),
			attribute.String("outbox.event_type", event.EventType()),
			attribute.String("outbox.aggregate_type", event.AggregateType()),
			attribute.String("outbox.aggregate_id", event.AggregateID()),
		),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, r.publishTimeout)
	defer cancel()

	err := DeliveryFailed(event, publisher.Publish(ctx, event))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (r *Relay) mark(ctx context.Context, event *Event) error {
	ctx, cancel := context.WithTimeout(ctx, r.markTimeout)
	defer cancel()

	return StoreUnavailable("mark as published", r.store.MarkAsPublished(ctx, event))
}

func (r *Relay) acquireLock(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.lockTimeout)
	defer cancel()

	return r.locker.TryAcquire(ctx)
}

// extendLock renews the lock before each event so that a long batch cannot
// outlive it. Losing the lock halts the batch.
func (r *Relay) extendLock(ctx context.Context) error {
	if r.locker == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.lockTimeout)
	defer cancel()

	held, err := r.locker.Extend(ctx)
	if err == nil && !held {
		err = ErrLockLost
	}
	if err != nil {
		r.metrics.incFailure("lock")
		r.logger.Error("relay_lock_lost", zap.Error(err))
		r.sendError(&LockError{Err: err})
		return err
	}
	return nil
}

func (r *Relay) releaseLock(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, r.lockTimeout)
	defer cancel()

	if err := r.locker.Release(ctx); err != nil {
		r.logger.Warn("relay_lock_release_failed", zap.Error(err))
		r.sendError(&LockError{Err: err})
	}
}

// forgetAttempts drops attempt counts of events that are no longer pending,
// e.g. because another relay published them.
func (r *Relay) forgetAttempts(pending []*Event) {
	if len(r.attempts) == 0 {
		return
	}

	ids := make(map[uuid.UUID]struct{}, len(pending))
	for _, e := range pending {
		if e != nil {
			ids[e.ID()] = struct{}{}
		}
	}
	for id := range r.attempts {
		if _, ok := ids[id]; !ok {
			delete(r.attempts, id)
		}
	}
}

func (r *Relay) sendError(err error) {
	select {
	case r.errCh <- err:
	default:
		// Channel buffer full, drop the error to prevent blocking
	}
}

func (r *Relay) sendDiscardedEvent(event *Event) {
	select {
	case r.discardedCh <- *event:
	default:
		// Channel buffer full, drop the event to prevent blocking
	}
}

func eventFields(event *Event) []zap.Field {
	return []zap.Field{
		zap.Stringer("event_id", event.ID()),
		zap.String("event_type", event.EventType()),
		zap.String("aggregate_type", event.AggregateType()),
		zap.String("aggregate_id", event.AggregateID()),
	}
}
