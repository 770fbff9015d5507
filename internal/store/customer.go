package store

import (
	"context"
	"time"

	"basegraph.app/courier/common/arangodb"
	"basegraph.app/courier/internal/model"
)

type customerDoc struct {
	Key string `json:"_key"`
	model.Customer
}

type customerStore struct {
	db  arangodb.Client
	now func() time.Time
}

func newCustomerStore(db arangodb.Client, now func() time.Time) CustomerStore {
	return &customerStore{db: db, now: now}
}

func (s *customerStore) UpsertBatch(ctx context.Context, customers []model.Customer) error {
	docs := make([]keyed[model.Customer], len(customers))
	for i, c := range customers {
		docs[i] = keyed[model.Customer]{key: arangodb.Key(c.ExternalID), doc: c}
	}
	return upsertBatch(ctx, s.db, arangodb.CollectionCustomers, s.now(), docs,
		func(key string, c model.Customer) any {
			return customerDoc{Key: key, Customer: c}
		})
}
