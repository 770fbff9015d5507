package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"basegraph.app/courier/common/logger"
	"basegraph.app/courier/core/config"
	"basegraph.app/courier/internal/broker"
	"basegraph.app/courier/internal/metrics"
	"basegraph.app/courier/internal/model"
	"basegraph.app/courier/internal/store"
)

// ReceiptGuard remembers which receipts already reached campaign stats.
type ReceiptGuard interface {
	Mark(ctx context.Context, ids []string) ([]bool, error)
	Forget(ctx context.Context, ids ...string) error
}

// ReceiptApplier writes a batch of receipts onto communication logs and rolls
// them up into campaign stats.
//
// The log update and the stats increments are separate writes. Logs are
// updated first; if an increment then fails the whole batch is requeued and
// the log update repeats harmlessly. With a guard configured, a receipt is
// counted at most once per (log, status) within the guard's TTL, so neither
// redelivery nor a partially applied batch double counts. Marks for campaigns
// not yet incremented are released when an increment fails or panics; a
// process crash between marking and incrementing still leaves them in place
// until the TTL expires.
type ReceiptApplier struct {
	logs      store.CommunicationLogStore
	campaigns store.CampaignStore
	guard     ReceiptGuard // optional
	metrics   *metrics.Metrics
}

func NewReceiptApplier(logs store.CommunicationLogStore, campaigns store.CampaignStore, guard ReceiptGuard, m *metrics.Metrics) *ReceiptApplier {
	return &ReceiptApplier{logs: logs, campaigns: campaigns, guard: guard, metrics: m}
}

// NewReceiptConsumer aggregates receipts from queue.delivery.receipt.
func NewReceiptConsumer(source Source, applier *ReceiptApplier, cfg config.BatchConfig, m *metrics.Metrics) *BatchConsumer[model.DeliveryReceipt] {
	return NewBatchConsumer(source, BatchConfig[model.DeliveryReceipt]{
		Name:    "receipts",
		Queue:   broker.QueueDeliveryReceipt,
		Size:    cfg.Size,
		Timeout: cfg.Timeout,
		Decode:  decodeReceipt,
		Write:   applier.Apply,
		Metrics: m,
	})
}

func decodeReceipt(body []byte) (model.DeliveryReceipt, error) {
	r, err := decodeJSON[model.DeliveryReceipt](body)
	if err != nil {
		return r, err
	}
	return r, r.Validate()
}

func receiptKey(r model.DeliveryReceipt) string {
	return r.CommunicationLogID + ":" + string(r.Status)
}

func (a *ReceiptApplier) Apply(ctx context.Context, receipts []model.DeliveryReceipt) error {
	if len(receipts) == 0 {
		return nil
	}

	matched, err := a.logs.ApplyReceipts(ctx, receipts)
	if err != nil {
		return fmt.Errorf("updating communication logs: %w", err)
	}

	logIDs := make([]string, len(receipts))
	for i, r := range receipts {
		logIDs[i] = r.CommunicationLogID
	}
	campaignOf, err := a.logs.CampaignIDs(ctx, logIDs)
	if err != nil {
		return fmt.Errorf("looking up campaigns: %w", err)
	}

	var (
		countable []model.DeliveryReceipt
		orphans   int
	)
	for _, r := range receipts {
		if _, ok := campaignOf[r.CommunicationLogID]; !ok {
			orphans++
			slog.WarnContext(ctx, "receipt for unknown communication log, skipping aggregation",
				"communication_log_id", r.CommunicationLogID,
				"status", r.Status)
			continue
		}
		countable = append(countable, r)
	}
	a.metrics.ReceiptSkipped("orphan", orphans)

	countable, err = a.dedupe(ctx, countable)
	if err != nil {
		return err
	}

	deltas := make(map[string]*model.StatsDelta)
	keysByCampaign := make(map[string][]string)
	var order []string
	for _, r := range countable {
		campaignID := campaignOf[r.CommunicationLogID]
		d, ok := deltas[campaignID]
		if !ok {
			d = &model.StatsDelta{}
			deltas[campaignID] = d
			order = append(order, campaignID)
		}
		d.Count(r.Status)
		keysByCampaign[campaignID] = append(keysByCampaign[campaignID], receiptKey(r))
	}

	// A panic in an increment would otherwise leave the remaining receipts
	// marked, and the requeued batch would skip them.
	next := 0
	defer func() {
		if r := recover(); r != nil {
			for _, campaignID := range order[next:] {
				a.forget(ctx, keysByCampaign[campaignID])
			}
			panic(r)
		}
	}()

	var errs []error
	for i, campaignID := range order {
		cctx := logger.WithLogFields(ctx, logger.LogFields{CampaignID: logger.Ptr(campaignID)})
		found, err := a.campaigns.IncrementStats(cctx, campaignID, *deltas[campaignID])
		next = i + 1
		if err != nil {
			errs = append(errs, err)
			a.forget(cctx, keysByCampaign[campaignID])
			continue
		}
		if !found {
			a.metrics.ReceiptSkipped("campaign_missing", len(keysByCampaign[campaignID]))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("incrementing campaign stats: %w", errors.Join(errs...))
	}

	slog.InfoContext(ctx, "receipts applied",
		"receipts", len(receipts),
		"logs_updated", len(matched),
		"orphans", orphans,
		"campaigns", len(order))
	return nil
}

// dedupe drops receipts the guard has already counted and marks the rest.
func (a *ReceiptApplier) dedupe(ctx context.Context, receipts []model.DeliveryReceipt) ([]model.DeliveryReceipt, error) {
	if a.guard == nil || len(receipts) == 0 {
		return receipts, nil
	}

	keys := make([]string, len(receipts))
	for i, r := range receipts {
		keys[i] = receiptKey(r)
	}
	fresh, err := a.guard.Mark(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("marking receipts: %w", err)
	}

	out := receipts[:0:0]
	for i, r := range receipts {
		if fresh[i] {
			out = append(out, r)
		}
	}
	if dup := len(receipts) - len(out); dup > 0 {
		a.metrics.ReceiptSkipped("duplicate", dup)
		slog.InfoContext(ctx, "skipping already counted receipts", "count", dup)
	}
	return out, nil
}

func (a *ReceiptApplier) forget(ctx context.Context, keys []string) {
	if a.guard == nil {
		return
	}
	if err := a.guard.Forget(ctx, keys...); err != nil {
		// The receipts will be treated as duplicates until the marks expire.
		slog.ErrorContext(ctx, "failed to release receipt marks", "error", err, "count", len(keys))
	}
}
