package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"

	"basegraph.app/courier/common/logger"
)

type ConsumeOptions struct {
	// Prefetch bounds how many deliveries may be outstanding (handed out and
	// not yet settled) at once.
	Prefetch int
}

// subscription is one consumer's receive loop on one queue. Every delivery it
// hands out holds one slot of window until settled.
type subscription struct {
	ch       *Channel
	queue    string
	prefetch int64
	window   *semaphore.Weighted
	out      chan *Delivery
}

// Consume starts delivering queue entries. The returned channel is closed
// once ctx is cancelled or the Channel is closed; deliveries received before
// that may still be settled afterwards.
func (ch *Channel) Consume(ctx context.Context, queue string, opts ConsumeOptions) (<-chan *Delivery, error) {
	if opts.Prefetch <= 0 {
		return nil, fmt.Errorf("consume %s: prefetch must be positive", queue)
	}
	if err := ch.DeclareQueue(ctx, queue); err != nil {
		return nil, err
	}

	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil, ErrChannelClosed
	}
	ch.wg.Add(1)
	ch.mu.Unlock()

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Queue:     queue,
		Component: "courier.broker.consumer",
	})
	subCtx, cancel := context.WithCancel(ctx)
	stopAfter := context.AfterFunc(ch.ctx, cancel)

	s := &subscription{
		ch:       ch,
		queue:    queue,
		prefetch: int64(opts.Prefetch),
		window:   semaphore.NewWeighted(int64(opts.Prefetch)),
		out:      make(chan *Delivery),
	}

	loops := make(chan struct{}, 2)
	running := 1
	go func() {
		s.receive(subCtx)
		loops <- struct{}{}
	}()
	if ch.cfg.ReclaimEvery > 0 {
		running++
		go func() {
			newReclaimer(s).run(subCtx)
			loops <- struct{}{}
		}()
	}

	go func() {
		defer ch.wg.Done()
		for range running {
			<-loops
		}
		stopAfter()
		cancel()
		close(s.out)
		slog.InfoContext(ctx, "consumer receive loop stopped")
	}()

	slog.InfoContext(ctx, "consumer started",
		"group", ch.cfg.Group,
		"consumer", ch.cfg.Consumer,
		"prefetch", opts.Prefetch)
	return s.out, nil
}

func (s *subscription) receive(ctx context.Context) {
	for {
		// Wait for one free slot, then take whatever else is free so a single
		// read can fill the window.
		if err := s.window.Acquire(ctx, 1); err != nil {
			return
		}
		n := int64(1)
		for n < s.prefetch && s.window.TryAcquire(1) {
			n++
		}

		msgs, err := s.read(ctx, n)
		if unused := n - int64(len(msgs)); unused > 0 {
			s.window.Release(unused)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.ErrorContext(ctx, "reading from stream failed", "error", err)
			if !sleepCtx(ctx, time.Second) {
				return
			}
			continue
		}

		for _, msg := range msgs {
			if !s.dispatch(ctx, msg, false, 1) {
				return
			}
		}
	}
}

func (s *subscription) read(ctx context.Context, count int64) ([]redis.XMessage, error) {
	streams, err := s.ch.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.ch.cfg.Group,
		Consumer: s.ch.cfg.Consumer,
		// ">" reads entries never delivered to anyone. Entries pending on a
		// consumer come back through the reclaimer.
		Streams: []string{s.queue, ">"},
		Count:   count,
		Block:   s.ch.cfg.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup %s: %w", s.queue, err)
	}

	var msgs []redis.XMessage
	for _, stream := range streams {
		msgs = append(msgs, stream.Messages...)
	}
	return msgs, nil
}

// dispatch hands msg to the consumer. The caller must already hold a window
// slot for it. It reports false when ctx ended first; the entry then stays
// pending for the reclaimer.
func (s *subscription) dispatch(ctx context.Context, msg redis.XMessage, redelivered bool, attempt int64) bool {
	d := NewDelivery(s, s.queue, msg.ID, messageBody(msg))
	d.Redelivered = redelivered
	d.Attempt = attempt

	select {
	case s.out <- d:
		s.ch.cfg.Metrics.Delivered(s.queue)
		return true
	case <-ctx.Done():
		s.window.Release(1)
		return false
	}
}

func (s *subscription) Ack(ctx context.Context, d *Delivery) error {
	defer s.window.Release(1)

	if err := s.ch.client.XAck(ctx, s.queue, s.ch.cfg.Group, d.ID).Err(); err != nil {
		return fmt.Errorf("xack %s %s: %w", s.queue, d.ID, err)
	}
	s.ch.cfg.Metrics.Acked(s.queue, 1)
	return nil
}

func (s *subscription) Nack(ctx context.Context, d *Delivery, requeue bool, reason string) error {
	defer s.window.Release(1)

	if requeue {
		s.ch.cfg.Metrics.Requeued(s.queue, 1)
		slog.DebugContext(ctx, "delivery left pending for redelivery",
			"message_id", d.ID,
			"attempt", d.Attempt,
			"reason", reason)
		return nil
	}
	return s.ch.deadLetter(ctx, s.queue, d.ID, d.Body, d.Attempt, "rejected", reason)
}

// deadLetter copies the entry to the queue's DLQ stream and acks the original
// in one transaction.
func (ch *Channel) deadLetter(ctx context.Context, queue, id string, body []byte, attempts int64, category, reason string) error {
	pipe := ch.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: DLQName(queue),
		Values: map[string]any{
			fieldBody:     body,
			fieldError:    reason,
			fieldSourceID: id,
			fieldQueue:    queue,
			fieldAttempts: attempts,
		},
	})
	pipe.XAck(ctx, queue, ch.cfg.Group, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dead-lettering %s %s: %w", queue, id, err)
	}

	ch.cfg.Metrics.DeadLettered(queue, category)
	slog.WarnContext(ctx, "message sent to DLQ",
		"message_id", id,
		"dlq_stream", DLQName(queue),
		"attempts", attempts,
		"reason", reason)
	return nil
}

func messageBody(msg redis.XMessage) []byte {
	switch v := msg.Values[fieldBody].(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	default:
		return nil
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
