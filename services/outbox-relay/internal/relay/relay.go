// Package relay moves committed outbox rows from the change stream to the bus
// and records how far it got.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	otelx "github.com/md-rashed-zaman/outboxrelay/libs/otel"
	"github.com/md-rashed-zaman/outboxrelay/libs/outbox"
	"github.com/md-rashed-zaman/outboxrelay/services/outbox-relay/internal/checkpoint"
	"github.com/md-rashed-zaman/outboxrelay/services/outbox-relay/internal/deadletter"
	"github.com/md-rashed-zaman/outboxrelay/services/outbox-relay/internal/mapper"
	"github.com/md-rashed-zaman/outboxrelay/services/outbox-relay/internal/replication"
	"github.com/md-rashed-zaman/outboxrelay/services/outbox-relay/internal/sink"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrFatal wraps failures that restarting the stream cannot fix.
	ErrFatal = errors.New("relay: fatal error")
	// ErrPoisonMessage stops the relay under the block policy.
	ErrPoisonMessage = errors.New("relay: poison message")

	// errUnavailable marks failures of the bus or of the relay's own tables
	// that a later attempt may get past.
	errUnavailable = errors.New("relay: dependency unavailable")
)

type Deps struct {
	Source      replication.Source
	Mapper      *mapper.Mapper
	Sink        sink.Sink
	Checkpoints checkpoint.Repository
	DeadLetters deadletter.Store
	Logger      *slog.Logger
	Tracer      trace.Tracer
}

type Relay struct {
	cfg         Config
	source      replication.Source
	mapper      *mapper.Mapper
	sink        sink.Sink
	checkpoints checkpoint.Repository
	deadLetters deadletter.Store
	logger      *slog.Logger
	tracer      trace.Tracer
	status      *Status

	cursor checkpoint.Checkpoint
}

func New(cfg Config, deps Deps) (*Relay, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Source == nil || deps.Mapper == nil || deps.Sink == nil || deps.Checkpoints == nil {
		return nil, errors.New("relay: source, mapper, sink and checkpoint repository are required")
	}
	if deps.DeadLetters == nil && cfg.PoisonPolicy == PoisonSkip {
		return nil, errors.New("relay: skip policy needs a dead-letter store")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("outbox-relay")
	}
	return &Relay{
		cfg:         cfg,
		source:      deps.Source,
		mapper:      deps.Mapper,
		sink:        deps.Sink,
		checkpoints: deps.Checkpoints,
		deadLetters: deps.DeadLetters,
		logger:      deps.Logger.With("subscription", cfg.Subscription),
		tracer:      deps.Tracer,
		status:      NewStatus(),
	}, nil
}

func (r *Relay) Status() *Status { return r.status }

// Run relays until ctx is cancelled, a poison message blocks it, or a fatal
// error occurs. Cancellation is a clean stop and returns nil.
func (r *Relay) Run(ctx context.Context) error {
	r.status.setState(StateStarting)
	defer r.status.setState(StateStopping)
	defer r.status.setConnected(false)
	stop := context.AfterFunc(ctx, func() { r.status.setState(StateStopping) })
	defer stop()

	cp, ok, err := r.checkpoints.Load(ctx, r.cfg.Subscription)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("%w: load checkpoint: %w", ErrFatal, err)
	}

	if ok {
		r.cursor = cp
		r.status.checkpointed(cp)
		r.logger.Info("resuming from checkpoint", "position", cp.Position.String())
	} else {
		cp, err = r.initialize(ctx)
		if err != nil {
			if ctx.Err() != nil && !errors.Is(err, ErrPoisonMessage) {
				return nil
			}
			return err
		}
		r.cursor = cp
	}
	return r.stream(ctx)
}

// initialize establishes the first checkpoint according to the initial
// mode, retrying transient failures with the reconnect backoff.
func (r *Relay) initialize(ctx context.Context) (checkpoint.Checkpoint, error) {
	bo := r.reconnectBackOff()
	for {
		cp, err := r.initializeOnce(ctx)
		if err == nil {
			return cp, nil
		}
		if ctx.Err() != nil || errors.Is(err, ErrPoisonMessage) || errors.Is(err, ErrFatal) {
			return checkpoint.Checkpoint{}, err
		}
		if !retryable(err) {
			err = fmt.Errorf("%w: initial load: %w", ErrFatal, err)
			r.status.failed(err)
			r.logger.Error("initial load failed", "err", err, "mode", string(r.cfg.InitialMode))
			return checkpoint.Checkpoint{}, err
		}
		r.status.failed(err)
		r.status.setConnected(false)
		r.status.setState(StateReconnecting)
		delay := bo.NextBackOff()
		r.logger.Warn("initial load failed, retrying", "err", err, "mode", string(r.cfg.InitialMode), "retry_in", delay.String())
		if !sleep(ctx, delay) {
			return checkpoint.Checkpoint{}, ctx.Err()
		}
	}
}

func (r *Relay) initializeOnce(ctx context.Context) (checkpoint.Checkpoint, error) {
	switch r.cfg.InitialMode {
	case InitialSnapshot:
		return r.runSnapshot(ctx)
	case InitialPosition:
		if _, err := r.source.Prepare(ctx); err != nil {
			return checkpoint.Checkpoint{}, err
		}
		return r.saveInitial(ctx, r.cfg.InitialPosition)
	default:
		pos, err := r.source.Prepare(ctx)
		if err != nil {
			return checkpoint.Checkpoint{}, err
		}
		return r.saveInitial(ctx, pos)
	}
}

func (r *Relay) saveInitial(ctx context.Context, pos replication.Position) (checkpoint.Checkpoint, error) {
	cp := checkpoint.Checkpoint{Subscription: r.cfg.Subscription, Position: pos}
	if err := r.save(ctx, cp); err != nil {
		return checkpoint.Checkpoint{}, err
	}
	r.logger.Info("starting without snapshot", "mode", string(r.cfg.InitialMode), "position", pos.String())
	return cp, nil
}

// runSnapshot publishes every row of the snapshot and saves the checkpoint
// once, at the snapshot's position, after the last row was acknowledged.
func (r *Relay) runSnapshot(ctx context.Context) (checkpoint.Checkpoint, error) {
	snap, err := r.source.Snapshot(ctx)
	if err != nil {
		return checkpoint.Checkpoint{}, err
	}
	defer snap.Close(ctx)

	r.status.setConnected(true)
	r.status.setState(StateSnapshotting)
	r.logger.Info("snapshot started", "position", snap.Position().String())

	var (
		batch []*item
		last  *item
		total int
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		done, err := r.deliver(ctx, batch)
		if done > 0 {
			last = batch[done-1]
		}
		total += done
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		batch = batch[:0]
		return nil
	}
	for {
		rec, err := snap.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return checkpoint.Checkpoint{}, err
		}
		batch = append(batch, &item{rec: rec})
		if len(batch) >= r.cfg.BatchSize {
			if err := flush(); err != nil {
				return checkpoint.Checkpoint{}, err
			}
		}
	}
	if err := flush(); err != nil {
		return checkpoint.Checkpoint{}, err
	}

	cp := checkpoint.Checkpoint{Subscription: r.cfg.Subscription, Position: snap.Position()}
	if last != nil && last.mapped {
		cp.MessageID, cp.EventID = last.msg.ID, last.msg.EventID
	}
	if err := r.save(ctx, cp); err != nil {
		return checkpoint.Checkpoint{}, err
	}
	r.logger.Info("snapshot finished", "records", total, "position", cp.Position.String())
	return cp, nil
}

func (r *Relay) stream(ctx context.Context) error {
	bo := r.reconnectBackOff()
	for {
		if ctx.Err() != nil {
			return nil
		}
		err := r.streamOnce(ctx, bo)
		if err == nil || (ctx.Err() != nil && !errors.Is(err, ErrPoisonMessage)) {
			return nil
		}
		if !retryable(err) {
			if !errors.Is(err, ErrPoisonMessage) && !errors.Is(err, ErrFatal) {
				err = fmt.Errorf("%w: %w", ErrFatal, err)
			}
			r.status.failed(err)
			r.logger.Error("relay stopped", "err", err, "position", r.cursor.Position.String())
			return err
		}

		r.status.failed(err)
		r.status.setConnected(false)
		r.status.setState(StateReconnecting)
		delay := bo.NextBackOff()
		r.logger.Warn("stream interrupted, reconnecting", "err", err, "position", r.cursor.Position.String(), "retry_in", delay.String())
		if !sleep(ctx, delay) {
			return nil
		}
	}
}

func (r *Relay) streamOnce(ctx context.Context, bo *backoff.ExponentialBackOff) error {
	st, err := r.source.Stream(ctx, r.cursor.Position)
	if err != nil {
		return err
	}
	defer st.Close(ctx)

	if ctx.Err() != nil {
		return nil
	}
	r.status.setConnected(true)
	r.status.setState(StateStreaming)

	for {
		batch, readErr := r.readBatch(ctx, st)
		if len(batch) > 0 {
			if err := r.handleBatch(ctx, st, batch); err != nil {
				return err
			}
			bo.Reset()
		}
		if readErr != nil {
			return readErr
		}
	}
}

// readBatch blocks for the first record, then collects up to BatchSize
// records or until FlushInterval has passed since the first one arrived.
func (r *Relay) readBatch(ctx context.Context, st replication.Stream) ([]*item, error) {
	var batch []*item
	readCtx := ctx
	for len(batch) < r.cfg.BatchSize {
		rec, err := st.Next(readCtx)
		if err != nil {
			if len(batch) > 0 && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return batch, nil
			}
			return batch, err
		}
		if len(batch) == 0 {
			var cancel context.CancelFunc
			readCtx, cancel = context.WithTimeout(ctx, r.cfg.FlushInterval)
			defer cancel()
		}
		batch = append(batch, &item{rec: rec})
	}
	return batch, nil
}

// handleBatch publishes batch, moves the cursor to the last transaction that
// is fully handled, saves it and confirms it to the server.
func (r *Relay) handleBatch(ctx context.Context, st replication.Stream, batch []*item) error {
	done, deliverErr := r.deliver(ctx, batch)

	var next *item
	for _, it := range batch[:done] {
		if it.rec.TxEnd {
			next = it
		}
	}
	if next != nil {
		cp := checkpoint.Checkpoint{Subscription: r.cfg.Subscription, Position: next.rec.Position}
		if next.mapped {
			cp.MessageID, cp.EventID = next.msg.ID, next.msg.EventID
		}
		if err := r.save(ctx, cp); err != nil {
			return err
		}
		if err := st.Confirm(context.WithoutCancel(ctx), cp.Position); err != nil {
			return err
		}
	}
	return deliverErr
}

func (r *Relay) save(ctx context.Context, cp checkpoint.Checkpoint) error {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.CheckpointTimeout)
	defer cancel()
	cp.UpdatedAt = time.Now().UTC()
	if err := r.checkpoints.Save(saveCtx, cp); err != nil {
		return fmt.Errorf("%w: save checkpoint: %w", errUnavailable, err)
	}
	r.cursor = cp
	r.status.checkpointed(cp)
	return nil
}

type item struct {
	rec    replication.Record
	msg    sink.Message
	mapped bool
	done   bool
}

// deliver decodes and publishes items and returns how many leading items
// are handled, either acknowledged by the sink or dead-lettered.
func (r *Relay) deliver(ctx context.Context, items []*item) (int, error) {
	limit := len(items)
	var stopErr error
	for i, it := range items {
		msg, err := r.mapper.Map(it.rec)
		if err == nil {
			it.msg, it.mapped = msg, true
			continue
		}
		if err := r.poison(ctx, it, err); err != nil {
			limit, stopErr = i, err
			break
		}
		it.done = true
	}

	groups := make(map[string][]*item)
	var keys []string
	for _, it := range items[:limit] {
		if it.done {
			continue
		}
		key := it.msg.AggregateID
		if _, ok := groups[key]; !ok {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], it)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.PublishConcurrency)
	for _, key := range keys {
		group := groups[key]
		g.Go(func() error {
			for _, it := range group {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := r.publish(gctx, it); err != nil {
					if sink.IsTransient(err) {
						return fmt.Errorf("%w: %w", errUnavailable, err)
					}
					if err := r.poison(gctx, it, err); err != nil {
						return err
					}
				}
				it.done = true
			}
			return nil
		})
	}
	publishErr := g.Wait()

	n := 0
	for n < limit && items[n].done {
		n++
	}
	if publishErr != nil {
		return n, publishErr
	}
	return n, stopErr
}

// publish sends one message, retrying transient failures. Each attempt runs
// to completion even when ctx is cancelled.
func (r *Relay) publish(ctx context.Context, it *item) error {
	msgCtx := otelx.ContextWithTraceContext(ctx, it.msg.Trace)
	msgCtx, span := r.tracer.Start(msgCtx, "outbox.relay.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.operation", "publish"),
			attribute.String("messaging.message.id", it.msg.EventID.String()),
			attribute.String("outbox.event_type", it.msg.Type),
			attribute.String("outbox.aggregate_id", it.msg.AggregateID),
			attribute.String("outbox.position", it.rec.Position.String()),
		),
	)
	defer span.End()

	attempt := func() (struct{}, error) {
		attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(msgCtx), r.cfg.PublishTimeout)
		defer cancel()
		err := r.sink.Publish(attemptCtx, it.msg)
		if err != nil && !sink.IsTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}
	_, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(r.retryBackOff()),
		backoff.WithMaxElapsedTime(r.cfg.PublishMaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Warn("publish failed, retrying", "err", err, "event_id", it.msg.EventID.String(), "retry_in", next.String())
		}),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	r.status.published(time.Now())
	return nil
}

// poison applies the poison policy to it. A nil return means the item was
// dead-lettered and the relay may move past it.
func (r *Relay) poison(ctx context.Context, it *item, cause error) error {
	entry := deadletter.Entry{
		Subscription: r.cfg.Subscription,
		Position:     it.rec.Position,
		MessageID:    string(it.rec.Columns[outbox.ColumnID]),
		EventType:    string(it.rec.Columns[outbox.ColumnType]),
		Reason:       poisonReason(cause),
		Error:        cause.Error(),
		Columns:      it.rec.Columns,
	}
	if r.cfg.PoisonPolicy == PoisonBlock {
		r.logger.Error("poison message blocks the relay", "err", cause, "message_id", entry.MessageID, "type", entry.EventType, "position", it.rec.Position.String())
		return fmt.Errorf("%w: message %s: %w", ErrPoisonMessage, entry.MessageID, cause)
	}

	dlCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.CheckpointTimeout)
	defer cancel()
	if err := r.deadLetters.Put(dlCtx, entry); err != nil {
		return fmt.Errorf("%w: dead-letter message %s: %w", errUnavailable, entry.MessageID, err)
	}
	r.status.failed(cause)
	r.logger.Error("poison message dead-lettered", "err", cause, "message_id", entry.MessageID, "type", entry.EventType, "reason", entry.Reason, "position", it.rec.Position.String())
	return nil
}

func poisonReason(err error) string {
	if reason, ok := mapper.PoisonReason(err); ok {
		return string(reason)
	}
	return "publish_rejected"
}

// retryable reports whether the relay should back off and try again after
// err. Anything else is a setup problem and stops the relay.
func retryable(err error) bool {
	return errors.Is(err, replication.ErrConnection) || errors.Is(err, errUnavailable)
}

func (r *Relay) retryBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.RetryInitial
	bo.MaxInterval = r.cfg.RetryMax
	return bo
}

func (r *Relay) reconnectBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.ReconnectInitial
	bo.MaxInterval = r.cfg.ReconnectMax
	return bo
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
