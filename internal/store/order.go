package store

import (
	"context"
	"time"

	"basegraph.app/courier/common/arangodb"
	"basegraph.app/courier/internal/model"
)

type orderDoc struct {
	Key string `json:"_key"`
	model.Order
}

type orderStore struct {
	db  arangodb.Client
	now func() time.Time
}

func newOrderStore(db arangodb.Client, now func() time.Time) OrderStore {
	return &orderStore{db: db, now: now}
}

// UpsertBatch does not check that customerExternalId refers to a stored
// customer; orders may arrive before their customer.
func (s *orderStore) UpsertBatch(ctx context.Context, orders []model.Order) error {
	docs := make([]keyed[model.Order], len(orders))
	for i, o := range orders {
		docs[i] = keyed[model.Order]{key: arangodb.Key(o.ExternalID), doc: o}
	}
	return upsertBatch(ctx, s.db, arangodb.CollectionOrders, s.now(), docs,
		func(key string, o model.Order) any {
			return orderDoc{Key: key, Order: o}
		})
}
