package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"basegraph.app/courier/common/arangodb"
	"basegraph.app/courier/internal/model"
)

// The exclusive lock serializes concurrent increments on the collection, so
// read-add-write inside the query cannot lose an update.
const incrementStatsQuery = `
	FOR c IN @@col
		FILTER c._key == @key
		UPDATE c WITH {
			stats: {
				sent:      (c.stats.sent || 0) + @delta.sent,
				delivered: (c.stats.delivered || 0) + @delta.delivered,
				failed:    (c.stats.failed || 0) + @delta.failed,
				bounced:   (c.stats.bounced || 0) + @delta.bounced
			},
			updatedAt: @now
		} IN @@col
		OPTIONS { exclusive: true }
		RETURN NEW._key
`

type campaignStore struct {
	db  arangodb.Client
	now func() time.Time
}

func newCampaignStore(db arangodb.Client, now func() time.Time) CampaignStore {
	return &campaignStore{db: db, now: now}
}

func (s *campaignStore) IncrementStats(ctx context.Context, campaignID string, delta model.StatsDelta) (bool, error) {
	if delta.IsZero() {
		return true, nil
	}

	keys, err := arangodb.QueryAll[string](ctx, s.db, incrementStatsQuery, map[string]any{
		"key":   campaignID,
		"delta": delta,
		"now":   s.now(),
		"@col":  arangodb.CollectionCampaigns,
	})
	if err != nil {
		return false, fmt.Errorf("increment stats for campaign %s: %w", campaignID, err)
	}

	if len(keys) == 0 {
		slog.WarnContext(ctx, "campaign not found for stats increment",
			"campaign_id", campaignID,
			"delta", delta)
		return false, nil
	}
	return true, nil
}
