package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// CampaignSendJob is one recipient's send request on queue.campaign.delivery.
type CampaignSendJob struct {
	CommunicationLogID string          `json:"communicationLogId"`
	Message            string          `json:"message"`
	Email              *string         `json:"email,omitempty"`
	Phone              *string         `json:"phone,omitempty"`
	CustomerData       json.RawMessage `json:"customerData,omitempty"`
}

func (j CampaignSendJob) Validate() error {
	if strings.TrimSpace(j.CommunicationLogID) == "" {
		return missing("communicationLogId")
	}
	if strings.TrimSpace(j.Message) == "" {
		return missing("message")
	}
	return nil
}

type DeliveryStatus string

const (
	DeliveryStatusSent      DeliveryStatus = "SENT"
	DeliveryStatusDelivered DeliveryStatus = "DELIVERED"
	DeliveryStatusFailed    DeliveryStatus = "FAILED"
	DeliveryStatusBounced   DeliveryStatus = "BOUNCED"
)

func (s DeliveryStatus) IsValid() bool {
	switch s {
	case DeliveryStatusSent, DeliveryStatusDelivered, DeliveryStatusFailed, DeliveryStatusBounced:
		return true
	}
	return false
}

// DeliveryReceipt is the vendor's outcome report on queue.delivery.receipt.
type DeliveryReceipt struct {
	CommunicationLogID string         `json:"communicationLogId"`
	Status             DeliveryStatus `json:"status"`
	VendorID           *string        `json:"vendorId,omitempty"`
	Reason             *string        `json:"reason,omitempty"`
}

func (r DeliveryReceipt) Validate() error {
	if strings.TrimSpace(r.CommunicationLogID) == "" {
		return missing("communicationLogId")
	}
	if r.Status == "" {
		return missing("status")
	}
	if !r.Status.IsValid() {
		return invalid("status", fmt.Errorf("unknown status %q", r.Status))
	}
	return nil
}

// CommunicationLog is one recipient of one campaign. Logs are created before
// the pipeline runs; receipts only ever update them.
type CommunicationLog struct {
	ID          string         `json:"_key"`
	CampaignID  string         `json:"campaignId"`
	CustomerID  string         `json:"customerId,omitempty"`
	Status      DeliveryStatus `json:"status,omitempty"`
	VendorID    *string        `json:"vendorId,omitempty"`
	Reason      *string        `json:"reason,omitempty"`
	SentAt      *time.Time     `json:"sentAt,omitempty"`
	DeliveredAt *time.Time     `json:"deliveredAt,omitempty"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

type CampaignStats struct {
	TotalRecipients int64 `json:"totalRecipients"`
	Sent            int64 `json:"sent"`
	Failed          int64 `json:"failed"`
	Delivered       int64 `json:"delivered"`
	Bounced         int64 `json:"bounced"`
}

// StatsDelta is the per-campaign tally applied with a single atomic increment.
type StatsDelta struct {
	Sent      int64 `json:"sent"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Bounced   int64 `json:"bounced"`
}

// Count adds one to the bucket matching status.
func (d *StatsDelta) Count(status DeliveryStatus) {
	switch status {
	case DeliveryStatusSent:
		d.Sent++
	case DeliveryStatusDelivered:
		d.Delivered++
	case DeliveryStatusFailed:
		d.Failed++
	case DeliveryStatusBounced:
		d.Bounced++
	}
}

func (d StatsDelta) IsZero() bool {
	return d == StatsDelta{}
}
