package consumer

import (
	"basegraph.app/courier/core/config"
	"basegraph.app/courier/internal/broker"
	"basegraph.app/courier/internal/metrics"
	"basegraph.app/courier/internal/model"
	"basegraph.app/courier/internal/store"
)

// NewCustomerConsumer upserts customers from queue.customers.ingest.
func NewCustomerConsumer(source Source, customers store.CustomerStore, cfg config.BatchConfig, m *metrics.Metrics) *BatchConsumer[model.Customer] {
	return NewBatchConsumer(source, BatchConfig[model.Customer]{
		Name:    "customers",
		Queue:   broker.QueueCustomersIngest,
		Size:    cfg.Size,
		Timeout: cfg.Timeout,
		Decode:  decodeCustomer,
		Write:   customers.UpsertBatch,
		Key:     func(c model.Customer) string { return c.ExternalID },
		Metrics: m,
	})
}

// NewOrderConsumer upserts orders from queue.orders.ingest.
func NewOrderConsumer(source Source, orders store.OrderStore, cfg config.BatchConfig, m *metrics.Metrics) *BatchConsumer[model.Order] {
	return NewBatchConsumer(source, BatchConfig[model.Order]{
		Name:    "orders",
		Queue:   broker.QueueOrdersIngest,
		Size:    cfg.Size,
		Timeout: cfg.Timeout,
		Decode:  decodeOrder,
		Write:   orders.UpsertBatch,
		Key:     func(o model.Order) string { return o.ExternalID },
		Metrics: m,
	})
}

func decodeCustomer(body []byte) (model.Customer, error) {
	in, err := decodeJSON[model.CustomerIngest](body)
	if err != nil {
		return model.Customer{}, err
	}
	return in.Normalize()
}

func decodeOrder(body []byte) (model.Order, error) {
	in, err := decodeJSON[model.OrderIngest](body)
	if err != nil {
		return model.Order{}, err
	}
	return in.Normalize()
}
