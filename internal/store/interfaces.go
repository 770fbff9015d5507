package store

import (
	"context"

	"basegraph.app/courier/internal/model"
)

// CustomerStore persists ingested customers.
type CustomerStore interface {
	// UpsertBatch inserts or overwrites each customer keyed by externalId in a
	// single round trip. Later entries for the same externalId win.
	UpsertBatch(ctx context.Context, customers []model.Customer) error
}

// OrderStore persists ingested orders.
type OrderStore interface {
	UpsertBatch(ctx context.Context, orders []model.Order) error
}

// CommunicationLogStore updates per-recipient delivery state. It never creates logs.
type CommunicationLogStore interface {
	// ApplyReceipts writes receipt outcomes onto existing logs and returns the
	// ids that matched a log. Unknown ids are skipped without error.
	ApplyReceipts(ctx context.Context, receipts []model.DeliveryReceipt) ([]string, error)
	// CampaignIDs maps each known log id to its owning campaign.
	CampaignIDs(ctx context.Context, logIDs []string) (map[string]string, error)
}

// CampaignStore owns campaign stats, which only change by atomic increment.
type CampaignStore interface {
	// IncrementStats adds delta to the campaign's counters. It reports false
	// when the campaign does not exist.
	IncrementStats(ctx context.Context, campaignID string, delta model.StatsDelta) (bool, error)
}
