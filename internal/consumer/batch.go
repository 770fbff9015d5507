package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"basegraph.app/courier/common/logger"
	"basegraph.app/courier/internal/batch"
	"basegraph.app/courier/internal/broker"
	"basegraph.app/courier/internal/metrics"
)

// BatchConfig wires one batching consumer.
type BatchConfig[T any] struct {
	Name    string // "customers", "orders", "receipts"
	Queue   string
	Size    int
	Timeout time.Duration

	// Decode turns a body into an item. Errors wrapping model.ErrMalformed
	// dead-letter the message; any other error requeues it.
	Decode func(body []byte) (T, error)
	// Write applies one batch. A returned error requeues every message in it.
	Write func(ctx context.Context, items []T) error
	// Key, when set, names the item's business key in per-message logs.
	Key func(item T) string

	Metrics *metrics.Metrics
}

type pending[T any] struct {
	delivery *broker.Delivery
	item     T
}

// BatchConsumer decodes each delivery, buffers it, and writes full or timed
// out batches in one store call. Deliveries are acked only after the batch
// containing them is written.
type BatchConsumer[T any] struct {
	lifecycle
	cfg    BatchConfig[T]
	source Source
	acc    *batch.Accumulator[pending[T]]
}

func NewBatchConsumer[T any](source Source, cfg BatchConfig[T]) *BatchConsumer[T] {
	return &BatchConsumer[T]{cfg: cfg, source: source}
}

func (c *BatchConsumer[T]) Name() string {
	return c.cfg.Name
}

func (c *BatchConsumer[T]) Start(ctx context.Context) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Queue:     c.cfg.Queue,
		Component: "courier.consumer." + c.cfg.Name,
	})

	runCtx, err := c.begin(ctx, c.cfg.Name)
	if err != nil {
		return err
	}

	// Flushes and acks outlive the receive loop so a drain can finish them.
	workCtx := context.WithoutCancel(ctx)

	acc, err := batch.New(workCtx, batch.Config{
		Name:    c.cfg.Name,
		Size:    c.cfg.Size,
		Timeout: c.cfg.Timeout,
	}, c.flush)
	if err != nil {
		c.abort()
		return fmt.Errorf("consumer %s: %w", c.cfg.Name, err)
	}
	c.acc = acc

	deliveries, err := c.source.Consume(runCtx, c.cfg.Queue, broker.ConsumeOptions{Prefetch: c.cfg.Size})
	if err != nil {
		c.abort()
		return fmt.Errorf("consumer %s: %w", c.cfg.Name, err)
	}

	go c.run(workCtx, deliveries)

	slog.InfoContext(ctx, "consumer running",
		"batch_size", c.cfg.Size,
		"batch_timeout", c.cfg.Timeout)
	return nil
}

func (c *BatchConsumer[T]) Stop(ctx context.Context) error {
	if !c.drain() {
		return nil
	}
	defer c.finish()

	buffered := c.acc.Len()
	err := c.acc.Stop(context.WithoutCancel(ctx))
	slog.InfoContext(ctx, "consumer drained",
		"consumer", c.cfg.Name,
		"flushed_on_stop", buffered)
	if err != nil {
		return fmt.Errorf("consumer %s final flush: %w", c.cfg.Name, err)
	}
	return nil
}

func (c *BatchConsumer[T]) run(ctx context.Context, deliveries <-chan *broker.Delivery) {
	defer close(c.done)
	for d := range deliveries {
		c.handleSafe(ctx, d)
	}
}

func (c *BatchConsumer[T]) handleSafe(ctx context.Context, d *broker.Delivery) {
	msgCtx := logger.WithLogFields(ctx, logger.LogFields{MessageID: logger.Ptr(d.ID)})
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(msgCtx, "panic recovered in message handling", "panic", r)
			settle(msgCtx, d, false, fmt.Sprintf("panic: %v", r))
		}
	}()
	c.handle(ctx, msgCtx, d)
}

func (c *BatchConsumer[T]) handle(ctx, msgCtx context.Context, d *broker.Delivery) {
	item, err := c.cfg.Decode(d.Body)
	if err != nil {
		slog.WarnContext(msgCtx, "rejecting undecodable message",
			"error", err,
			"body", logger.Truncate(string(d.Body), 256))
		settle(msgCtx, d, !isMalformed(err), err.Error())
		return
	}
	if c.cfg.Key != nil {
		msgCtx = logger.WithLogFields(msgCtx, logger.LogFields{ExternalID: logger.Ptr(c.cfg.Key(item))})
	}
	slog.DebugContext(msgCtx, "message buffered", "attempt", d.Attempt)

	// A failed flush has already nacked the deliveries in it, including d.
	if err := c.acc.Add(ctx, pending[T]{delivery: d, item: item}); err != nil {
		if errors.Is(err, batch.ErrStopped) {
			settle(msgCtx, d, true, "consumer stopping")
		}
	}
}

func (c *BatchConsumer[T]) flush(ctx context.Context, entries []pending[T]) (err error) {
	items := make([]T, len(entries))
	for i, p := range entries {
		items[i] = p.item
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s batch write: %v", c.cfg.Name, r)
		}
		c.cfg.Metrics.ObserveFlush(c.cfg.Name, len(items), time.Since(start), err)

		if err != nil {
			for _, p := range entries {
				settle(ctx, p.delivery, true, err.Error())
			}
			return
		}
		for _, p := range entries {
			if ackErr := p.delivery.Ack(ctx); ackErr != nil {
				// The entry stays pending and is redelivered; upserts are idempotent.
				slog.WarnContext(ctx, "failed to ack written message",
					"error", ackErr,
					"message_id", p.delivery.ID)
			}
		}
		slog.InfoContext(ctx, "batch written",
			"consumer", c.cfg.Name,
			"size", len(items),
			"duration_ms", time.Since(start).Milliseconds())
	}()

	return c.cfg.Write(ctx, items)
}

// settle nacks d, dead-lettering it unless requeue is set.
func settle(ctx context.Context, d *broker.Delivery, requeue bool, reason string) {
	if err := d.Nack(ctx, requeue, reason); err != nil && !errors.Is(err, broker.ErrAlreadySettled) {
		slog.ErrorContext(ctx, "failed to nack message",
			"error", err,
			"message_id", d.ID,
			"requeue", requeue)
	}
}
