package model

import (
	"strings"
	"time"
)

// CustomerIngest is the wire body on queue.customers.ingest.
type CustomerIngest struct {
	ExternalID  string   `json:"externalId"`
	Email       string   `json:"email"`
	FirstName   string   `json:"firstName"`
	LastName    string   `json:"lastName"`
	Phone       *string  `json:"phone,omitempty"`
	TotalSpend  float64  `json:"totalSpend"`
	Visits      int      `json:"visits"`
	LastOrderAt *string  `json:"lastOrderAt,omitempty"`
	Tags        []string `json:"tags"`
	CreatedAt   *string  `json:"createdAt,omitempty"`
}

// Customer is the persisted customer document. CreatedAt is nil when the
// producer did not send one; the store then stamps it on first insert only.
type Customer struct {
	ExternalID  string     `json:"externalId"`
	Email       string     `json:"email"`
	FirstName   string     `json:"firstName"`
	LastName    string     `json:"lastName"`
	Phone       *string    `json:"phone,omitempty"`
	TotalSpend  float64    `json:"totalSpend"`
	Visits      int        `json:"visits"`
	LastOrderAt *time.Time `json:"lastOrderAt,omitempty"`
	Tags        []string   `json:"tags"`
	CreatedAt   *time.Time `json:"createdAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Normalize validates required fields and converts date strings.
func (in CustomerIngest) Normalize() (Customer, error) {
	if strings.TrimSpace(in.ExternalID) == "" {
		return Customer{}, missing("externalId")
	}
	if strings.TrimSpace(in.Email) == "" {
		return Customer{}, missing("email")
	}

	lastOrderAt, err := parseOptionalTime("lastOrderAt", in.LastOrderAt)
	if err != nil {
		return Customer{}, invalid("lastOrderAt", err)
	}
	createdAt, err := parseOptionalTime("createdAt", in.CreatedAt)
	if err != nil {
		return Customer{}, invalid("createdAt", err)
	}

	tags := in.Tags
	if tags == nil {
		tags = []string{}
	}

	return Customer{
		ExternalID:  in.ExternalID,
		Email:       strings.ToLower(strings.TrimSpace(in.Email)),
		FirstName:   in.FirstName,
		LastName:    in.LastName,
		Phone:       in.Phone,
		TotalSpend:  in.TotalSpend,
		Visits:      in.Visits,
		LastOrderAt: lastOrderAt,
		Tags:        tags,
		CreatedAt:   createdAt,
	}, nil
}
