package model

import (
	"fmt"
	"strings"
	"time"
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRefunded  OrderStatus = "refunded"
)

func (s OrderStatus) IsValid() bool {
	switch s {
	case OrderStatusPending, OrderStatusCompleted, OrderStatusCancelled, OrderStatusRefunded:
		return true
	}
	return false
}

type OrderItem struct {
	ProductID string  `json:"productId"`
	Name      string  `json:"name"`
	Quantity  int     `json:"quantity"`
	Price     float64 `json:"price"`
}

// OrderIngest is the wire body on queue.orders.ingest.
type OrderIngest struct {
	ExternalID         string      `json:"externalId"`
	CustomerExternalID string      `json:"customerExternalId"`
	Amount             float64     `json:"amount"`
	Currency           string      `json:"currency"`
	Status             OrderStatus `json:"status"`
	Items              []OrderItem `json:"items,omitempty"`
	OrderDate          string      `json:"orderDate"`
	CreatedAt          *string     `json:"createdAt,omitempty"`
}

// Order is the persisted order document. CustomerExternalID is a soft
// reference; the customer may not exist yet.
type Order struct {
	ExternalID         string      `json:"externalId"`
	CustomerExternalID string      `json:"customerExternalId"`
	Amount             float64     `json:"amount"`
	Currency           string      `json:"currency"`
	Status             OrderStatus `json:"status"`
	Items              []OrderItem `json:"items,omitempty"`
	OrderDate          time.Time   `json:"orderDate"`
	CreatedAt          *time.Time  `json:"createdAt,omitempty"`
	UpdatedAt          time.Time   `json:"updatedAt"`
}

func (in OrderIngest) Normalize() (Order, error) {
	if strings.TrimSpace(in.ExternalID) == "" {
		return Order{}, missing("externalId")
	}
	if strings.TrimSpace(in.CustomerExternalID) == "" {
		return Order{}, missing("customerExternalId")
	}
	if in.Status == "" {
		return Order{}, missing("status")
	}
	if !in.Status.IsValid() {
		return Order{}, invalid("status", fmt.Errorf("unknown status %q", in.Status))
	}
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if len(currency) != 3 {
		return Order{}, invalid("currency", fmt.Errorf("want a 3 letter code, got %q", in.Currency))
	}
	if strings.TrimSpace(in.OrderDate) == "" {
		return Order{}, missing("orderDate")
	}

	orderDate, err := ParseTime(in.OrderDate)
	if err != nil {
		return Order{}, invalid("orderDate", err)
	}
	createdAt, err := parseOptionalTime("createdAt", in.CreatedAt)
	if err != nil {
		return Order{}, invalid("createdAt", err)
	}

	return Order{
		ExternalID:         in.ExternalID,
		CustomerExternalID: in.CustomerExternalID,
		Amount:             in.Amount,
		Currency:           currency,
		Status:             in.Status,
		Items:              in.Items,
		OrderDate:          orderDate,
		CreatedAt:          createdAt,
	}, nil
}
