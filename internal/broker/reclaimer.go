package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"basegraph.app/courier/common/logger"
)

// reclaimer periodically takes over entries that have sat pending too long,
// whether their consumer died after XREADGROUP or a consumer nacked them for
// requeue, and feeds them back through the subscription. Entries already
// delivered MaxDeliveries times are dead-lettered instead.
type reclaimer struct {
	sub *subscription
	cfg Config
}

func newReclaimer(sub *subscription) *reclaimer {
	return &reclaimer{sub: sub, cfg: sub.ch.cfg}
}

func (r *reclaimer) run(ctx context.Context) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "courier.broker.reclaimer",
	})

	ticker := time.NewTicker(r.cfg.ReclaimEvery)
	defer ticker.Stop()

	slog.DebugContext(ctx, "reclaimer started",
		"interval", r.cfg.ReclaimEvery,
		"min_idle", r.cfg.ReclaimIdle)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.reclaimOnce(ctx); err != nil && ctx.Err() == nil {
				slog.ErrorContext(ctx, "reclaim cycle error", "error", err)
			}
		}
	}
}

func (r *reclaimer) reclaimOnce(ctx context.Context) error {
	// Idle is filtered here rather than with XPENDING IDLE so older Redis
	// servers work too; XCLAIM re-checks it atomically.
	pending, err := r.sub.ch.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: r.sub.queue,
		Group:  r.cfg.Group,
		Start:  "-",
		End:    "+",
		Count:  r.sub.prefetch * 10,
	}).Result()
	if err != nil {
		return fmt.Errorf("xpending %s: %w", r.sub.queue, err)
	}

	for _, p := range pending {
		if p.Idle < r.cfg.ReclaimIdle {
			continue
		}
		if err := r.reclaim(ctx, p); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.ErrorContext(ctx, "failed to reclaim message",
				"error", err,
				"message_id", p.ID,
				"original_consumer", p.Consumer,
				"idle_time", p.Idle)
		}
	}
	return nil
}

func (r *reclaimer) reclaim(ctx context.Context, p redis.XPendingExt) error {
	msgs, err := r.sub.ch.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   r.sub.queue,
		Group:    r.cfg.Group,
		Consumer: r.cfg.Consumer,
		MinIdle:  r.cfg.ReclaimIdle,
		Messages: []string{p.ID},
	}).Result()
	if err != nil {
		return fmt.Errorf("xclaim: %w", err)
	}
	if len(msgs) == 0 {
		// Another worker claimed it first.
		return nil
	}
	msg := msgs[0]

	if p.RetryCount >= r.cfg.MaxDeliveries {
		return r.sub.ch.deadLetter(ctx, r.sub.queue, msg.ID, messageBody(msg), p.RetryCount,
			"max_deliveries", fmt.Sprintf("delivered %d times without being acked", p.RetryCount))
	}

	slog.InfoContext(ctx, "redelivering stale message",
		"message_id", msg.ID,
		"original_consumer", p.Consumer,
		"idle_time", p.Idle,
		"delivery_count", p.RetryCount)

	if err := r.sub.window.Acquire(ctx, 1); err != nil {
		return err
	}
	if !r.sub.dispatch(ctx, msg, true, p.RetryCount+1) {
		return ctx.Err()
	}
	return nil
}
