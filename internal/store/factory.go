package store

import (
	"time"

	"basegraph.app/courier/common/arangodb"
)

type Stores struct {
	db  arangodb.Client
	now func() time.Time
}

func NewStores(db arangodb.Client) *Stores {
	return &Stores{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock replaces the timestamp source used for createdAt/updatedAt stamps.
func (s *Stores) WithClock(now func() time.Time) *Stores {
	return &Stores{db: s.db, now: now}
}

func (s *Stores) Customers() CustomerStore {
	return newCustomerStore(s.db, s.now)
}

func (s *Stores) Orders() OrderStore {
	return newOrderStore(s.db, s.now)
}

func (s *Stores) CommunicationLogs() CommunicationLogStore {
	return newCommunicationLogStore(s.db, s.now)
}

func (s *Stores) Campaigns() CampaignStore {
	return newCampaignStore(s.db, s.now)
}
