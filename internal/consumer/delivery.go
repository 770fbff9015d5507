package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"basegraph.app/courier/common/logger"
	"basegraph.app/courier/internal/broker"
	"basegraph.app/courier/internal/metrics"
	"basegraph.app/courier/internal/model"
)

// Sender hands one message to the delivery vendor and returns the vendor's id.
type Sender interface {
	Send(ctx context.Context, job model.CampaignSendJob) (string, error)
}

// DeliveryConsumer makes one vendor call per campaign send job, running up to
// Prefetch calls at once. The outcome of a send arrives later as a receipt, so
// every job is acked whether or not the vendor accepted it.
type DeliveryConsumer struct {
	lifecycle
	source   Source
	sender   Sender
	prefetch int
	metrics  *metrics.Metrics
}

func NewDeliveryConsumer(source Source, sender Sender, prefetch int, m *metrics.Metrics) *DeliveryConsumer {
	return &DeliveryConsumer{source: source, sender: sender, prefetch: prefetch, metrics: m}
}

func (c *DeliveryConsumer) Name() string {
	return "delivery"
}

func (c *DeliveryConsumer) Start(ctx context.Context) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Queue:     broker.QueueCampaignDelivery,
		Component: "courier.consumer.delivery",
	})

	if c.prefetch <= 0 {
		return fmt.Errorf("consumer delivery: prefetch must be positive")
	}

	runCtx, err := c.begin(ctx, c.Name())
	if err != nil {
		return err
	}

	deliveries, err := c.source.Consume(runCtx, broker.QueueCampaignDelivery, broker.ConsumeOptions{Prefetch: c.prefetch})
	if err != nil {
		c.abort()
		return fmt.Errorf("consumer delivery: %w", err)
	}

	go c.run(context.WithoutCancel(ctx), deliveries)

	slog.InfoContext(ctx, "consumer running", "prefetch", c.prefetch)
	return nil
}

// Stop waits for in-flight vendor calls; each is bounded by the client timeout.
func (c *DeliveryConsumer) Stop(ctx context.Context) error {
	if !c.drain() {
		return nil
	}
	c.finish()
	slog.InfoContext(ctx, "consumer drained", "consumer", c.Name())
	return nil
}

func (c *DeliveryConsumer) run(ctx context.Context, deliveries <-chan *broker.Delivery) {
	defer close(c.done)

	var g errgroup.Group
	g.SetLimit(c.prefetch)
	for d := range deliveries {
		g.Go(func() error {
			c.handleSafe(ctx, d)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *DeliveryConsumer) handleSafe(ctx context.Context, d *broker.Delivery) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{MessageID: logger.Ptr(d.ID)})
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic recovered in delivery handling", "panic", r)
			settle(ctx, d, false, fmt.Sprintf("panic: %v", r))
		}
	}()
	c.handle(ctx, d)
}

func (c *DeliveryConsumer) handle(ctx context.Context, d *broker.Delivery) {
	job, err := decodeSendJob(d.Body)
	if err != nil {
		slog.WarnContext(ctx, "rejecting undecodable send job",
			"error", err,
			"body", logger.Truncate(string(d.Body), 256))
		settle(ctx, d, !isMalformed(err), err.Error())
		return
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		CommunicationLogID: logger.Ptr(job.CommunicationLogID),
	})

	start := time.Now()
	vendorID, err := c.sender.Send(ctx, job)
	if err != nil {
		c.metrics.VendorCall("error")
		slog.ErrorContext(ctx, "vendor send failed",
			"error", err,
			"duration_ms", time.Since(start).Milliseconds())
	} else {
		c.metrics.VendorCall("accepted")
		slog.InfoContext(ctx, "vendor accepted message",
			"vendor_id", vendorID,
			"duration_ms", time.Since(start).Milliseconds())
	}

	if err := d.Ack(ctx); err != nil {
		slog.WarnContext(ctx, "failed to ack send job", "error", err)
	}
}

func decodeSendJob(body []byte) (model.CampaignSendJob, error) {
	job, err := decodeJSON[model.CampaignSendJob](body)
	if err != nil {
		return job, err
	}
	return job, job.Validate()
}
