// Package actor implements the generic stage runtime and the concrete
// actors of the support pipeline. The runtime owns the delivery loop
// (subscribe, validate, process, retry or escalate, advance); actors supply
// the processing step and, for routers, a custom route-advance strategy.
package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/meshline/supportmesh/internal/broker"
	"github.com/meshline/supportmesh/internal/mesh"
)

// Actor is one processing stage. Process computes at most one enrichment
// for the payload; returning a nil Enrichment means the stage had nothing
// to add.
type Actor interface {
	Stage() mesh.Stage
	Process(ctx context.Context, p *mesh.Payload) (mesh.Enrichment, error)
}

// SendFunc publishes a message to a stage's subject.
type SendFunc func(ctx context.Context, stage mesh.Stage, msg *mesh.Message) error

// Router is an Actor that overrides the default advance-and-publish with
// its own routing decision.
type Router interface {
	Actor
	RouteNext(ctx context.Context, msg *mesh.Message, send SendFunc) error
}

const (
	defaultMaxRetries     = 3
	defaultBaseDelay      = 1 * time.Second
	defaultProcessTimeout = 30 * time.Second
)

// Option configures a Runtime.
type Option func(*Runtime)

// WithMaxRetries bounds the redelivery attempts before escalation.
func WithMaxRetries(n int) Option {
	return func(r *Runtime) { r.maxRetries = n }
}

// WithBaseDelay sets the retry backoff unit; attempt k sleeps (k+1)*base.
func WithBaseDelay(d time.Duration) Option {
	return func(r *Runtime) { r.baseDelay = d }
}

// WithProcessTimeout bounds each Process call.
func WithProcessTimeout(d time.Duration) Option {
	return func(r *Runtime) { r.processTimeout = d }
}

// Runtime drives one stage: it consumes the stage's durable work queue,
// invokes the actor under a bounded timeout, and either advances the route
// or walks the retry/escalation path. Each delivery is an independent unit
// of work; Stop cancels in-flight units and waits for them before returning.
type Runtime struct {
	actor  Actor
	stage  mesh.Stage
	broker broker.Broker
	logger *slog.Logger

	maxRetries     int
	baseDelay      time.Duration
	processTimeout time.Duration

	sub    broker.Subscription
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// New builds a runtime for the given actor on the given broker.
func New(a Actor, b broker.Broker, logger *slog.Logger, opts ...Option) *Runtime {
	r := &Runtime{
		actor:          a,
		stage:          a.Stage(),
		broker:         b,
		logger:         logger.With("actor", a.Stage().String()),
		maxRetries:     defaultMaxRetries,
		baseDelay:      defaultBaseDelay,
		processTimeout: defaultProcessTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start subscribes the runtime to its stage's work queue.
func (r *Runtime) Start(ctx context.Context) error {
	if !r.stage.Valid() {
		return fmt.Errorf("actor: invalid stage %q", r.stage)
	}
	r.ctx, r.cancel = context.WithCancel(ctx)

	sub, err := r.broker.Subscribe(r.stage.Subject(), string(r.stage), r.handle)
	if err != nil {
		r.cancel()
		return fmt.Errorf("actor %s: subscribe: %w", r.stage, err)
	}
	r.sub = sub
	r.logger.Info("runtime started", "subject", r.stage.Subject())
	return nil
}

// Stop cancels in-flight work, waits for it to drain, and releases the
// subscription.
func (r *Runtime) Stop() error {
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Lock()
	r.closing = true
	r.mu.Unlock()

	var err error
	if r.sub != nil {
		err = r.sub.Unsubscribe()
		r.sub = nil
	}
	r.wg.Wait()
	r.logger.Info("runtime stopped")
	return err
}

// begin registers one in-flight delivery. Registration and the closing
// check share a lock, so every delivery is either counted before Stop's
// drain wait starts or refused.
func (r *Runtime) begin() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return false
	}
	r.wg.Add(1)
	return true
}

// Send publishes msg to stage's subject. Routers use it through SendFunc.
func (r *Runtime) Send(ctx context.Context, stage mesh.Stage, msg *mesh.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	return r.broker.Publish(ctx, stage.Subject(), data)
}

// handle is the per-delivery unit of work.
func (r *Runtime) handle(d broker.Delivery) {
	if !r.begin() {
		// Shutting down; give the delivery back to the queue.
		d.Nak()
		return
	}
	defer r.wg.Done()

	msg, err := mesh.Decode(d.Data())
	if err != nil {
		// No message object exists yet; requeue and let a later attempt
		// (or a healthy peer) deal with it.
		r.logger.Error("undecodable delivery", "error", err)
		d.Nak()
		return
	}

	log := r.logger.With("message_id", msg.MessageID, "session_id", msg.SessionID)

	// Misroute rejection: not a failure, no side effects.
	if cur := msg.Route.Current(); cur != r.stage {
		log.Warn("misrouted message", "expected", cur.String())
		d.Nak()
		return
	}

	procCtx, cancel := context.WithTimeout(r.ctx, r.processTimeout)
	defer cancel()

	enr, err := r.actor.Process(procCtx, &msg.Payload)
	if err != nil {
		kind := classify(err)
		log.Error("processing failed", "kind", string(kind), "error", err)
		r.fail(d, msg, kind, err.Error())
		return
	}
	if enr != nil {
		enr.Apply(&msg.Payload)
	}

	if err := r.routeNext(msg); err != nil {
		// Routing or publish failure after a successful process: hand the
		// message to the error handler rather than re-running the work.
		log.Error("routing failed", "error", err)
		r.escalate(d, msg, mesh.KindTransient, err.Error())
		return
	}

	d.Ack()
	log.Debug("processed")
}

// routeNext applies the actor's route-advance strategy: routers decide for
// themselves, everything else advances the cursor and publishes. This is
// the single Advance call site for processor stages.
func (r *Runtime) routeNext(msg *mesh.Message) error {
	if router, ok := r.actor.(Router); ok {
		return router.RouteNext(r.ctx, msg, r.Send)
	}
	if !msg.Route.Advance() {
		// Route complete; terminal stages deliver on their own.
		r.logger.Info("route complete", "message_id", msg.MessageID)
		return nil
	}
	return r.Send(r.ctx, msg.Route.Current(), msg)
}

// fail walks the bounded-retry-then-escalate path of the failure protocol.
func (r *Runtime) fail(d broker.Delivery, msg *mesh.Message, kind mesh.ErrorKind, errMsg string) {
	retries := msg.RetryCount()
	if retries < r.maxRetries {
		msg.IncrementRetry()
		msg.AddError(kind, errMsg, r.stage)

		// Linear backoff before the redelivery, cancellable at shutdown.
		select {
		case <-time.After(time.Duration(retries+1) * r.baseDelay):
		case <-r.ctx.Done():
		}

		// Requeue the mutated message so the bumped retry counter survives
		// the round trip, then retire the original delivery.
		if err := r.Send(r.ctx, r.stage, msg); err != nil {
			r.logger.Error("retry requeue failed", "message_id", msg.MessageID, "error", err)
			d.Nak()
			return
		}
		d.Ack()
		r.logger.Warn("retry scheduled",
			"message_id", msg.MessageID,
			"attempt", retries+1,
			"max_retries", r.maxRetries)
		return
	}

	msg.AddError(kind, errMsg, r.stage)
	r.escalate(d, msg, kind, errMsg)
}

// escalate hands the message to the route's error handler (or the default
// escalation stage) and acknowledges the delivery so redelivery stops: the
// message has been handed off, not dropped.
func (r *Runtime) escalate(d broker.Delivery, msg *mesh.Message, kind mesh.ErrorKind, errMsg string) {
	if msg.Payload.Error == nil {
		msg.AddError(kind, errMsg, r.stage)
	}
	handler := msg.Route.ErrorHandler
	if !handler.Valid() {
		handler = mesh.DefaultErrorHandler
	}
	// Splice the handler into the route at the cursor so the receiving
	// runtime sees itself as the current stage.
	if msg.Route.Current() != handler {
		msg.Route.InsertAfterCurrent(handler)
		msg.Route.Advance()
	}
	if err := r.Send(r.ctx, handler, msg); err != nil {
		r.logger.Error("escalation publish failed", "message_id", msg.MessageID, "error", err)
		d.Nak()
		return
	}
	d.Ack()
	r.logger.Warn("escalated", "message_id", msg.MessageID, "handler", handler.String())
}

// classify maps a process error to its kind. Deadline errors become
// timeouts regardless of how the processor wrapped them.
func classify(err error) mesh.ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return mesh.KindTimeout
	}
	return mesh.KindOf(err)
}
