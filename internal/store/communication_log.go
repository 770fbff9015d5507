package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"basegraph.app/courier/common/arangodb"
	"basegraph.app/courier/internal/model"
)

// Missing logs make UPDATE fail with "document not found"; ignoreErrors turns
// those into skipped rows so one unknown id cannot sink the batch.
const applyReceiptsQuery = `
	FOR p IN @patches
		UPDATE p._key WITH p.fields IN @@col
		OPTIONS { ignoreErrors: true }
		RETURN NEW._key
`

const campaignIDsQuery = `
	FOR k IN @keys
		LET l = DOCUMENT(@@col, k)
		FILTER l != null
		RETURN { id: l._key, campaignId: l.campaignId }
`

type logPatch struct {
	Key    string         `json:"_key"`
	Fields map[string]any `json:"fields"`
}

type communicationLogStore struct {
	db  arangodb.Client
	now func() time.Time
}

func newCommunicationLogStore(db arangodb.Client, now func() time.Time) CommunicationLogStore {
	return &communicationLogStore{db: db, now: now}
}

func (s *communicationLogStore) ApplyReceipts(ctx context.Context, receipts []model.DeliveryReceipt) ([]string, error) {
	if len(receipts) == 0 {
		return nil, nil
	}

	start := time.Now()
	patches := buildLogPatches(receipts, s.now())

	updated, err := arangodb.QueryAll[string](ctx, s.db, applyReceiptsQuery, map[string]any{
		"patches": patches,
		"@col":    arangodb.CollectionCommunicationLogs,
	})
	if err != nil {
		return nil, fmt.Errorf("apply %d receipts: %w", len(receipts), err)
	}

	slog.DebugContext(ctx, "communication logs updated",
		"receipts", len(receipts),
		"logs", len(patches),
		"matched", len(updated),
		"duration_ms", time.Since(start).Milliseconds())
	return updated, nil
}

func (s *communicationLogStore) CampaignIDs(ctx context.Context, logIDs []string) (map[string]string, error) {
	out := make(map[string]string, len(logIDs))
	if len(logIDs) == 0 {
		return out, nil
	}

	rows, err := arangodb.QueryAll[struct {
		ID         string `json:"id"`
		CampaignID string `json:"campaignId"`
	}](ctx, s.db, campaignIDsQuery, map[string]any{
		"keys": uniqueStrings(logIDs),
		"@col": arangodb.CollectionCommunicationLogs,
	})
	if err != nil {
		return nil, fmt.Errorf("look up campaigns for %d logs: %w", len(logIDs), err)
	}

	for _, r := range rows {
		if r.CampaignID != "" {
			out[r.ID] = r.CampaignID
		}
	}
	return out, nil
}

// buildLogPatches folds receipts for the same log into one patch, applied in
// arrival order: the last status wins, and sentAt/deliveredAt are set when
// any receipt in the batch carried that status.
func buildLogPatches(receipts []model.DeliveryReceipt, now time.Time) []logPatch {
	index := make(map[string]int, len(receipts))
	patches := make([]logPatch, 0, len(receipts))

	for _, r := range receipts {
		i, ok := index[r.CommunicationLogID]
		if !ok {
			i = len(patches)
			index[r.CommunicationLogID] = i
			patches = append(patches, logPatch{
				Key:    r.CommunicationLogID,
				Fields: map[string]any{"updatedAt": now},
			})
		}

		fields := patches[i].Fields
		fields["status"] = r.Status
		if r.VendorID != nil {
			fields["vendorId"] = *r.VendorID
		}
		if r.Reason != nil {
			fields["reason"] = *r.Reason
		}
		switch r.Status {
		case model.DeliveryStatusSent:
			fields["sentAt"] = now
		case model.DeliveryStatusDelivered:
			fields["deliveredAt"] = now
		}
	}
	return patches
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
