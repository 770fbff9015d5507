package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields contains structured fields automatically added to all logs within a context.
// A consumer sets Component and Queue once; per-message handlers add MessageID and the
// business keys they touch, and every log line below them carries those fields.
type LogFields struct {
	MessageID          *string // Redis stream entry ID
	CampaignID         *string
	CommunicationLogID *string
	ExternalID         *string // customer/order external key
	BatchID            *string
	Queue              string // e.g. "queue.orders.ingest"
	Component          string // OTel semantic convention style, e.g. "courier.consumer.receipts"
}

// WithLogFields enriches context with structured log fields.
// Multiple calls merge fields, with newer non-nil/non-empty values taking precedence.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	existing := GetLogFields(ctx)
	merged := mergeFields(existing, fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

// GetLogFields retrieves log fields from context.
func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

func mergeFields(existing, new LogFields) LogFields {
	result := existing

	if new.MessageID != nil {
		result.MessageID = new.MessageID
	}
	if new.CampaignID != nil {
		result.CampaignID = new.CampaignID
	}
	if new.CommunicationLogID != nil {
		result.CommunicationLogID = new.CommunicationLogID
	}
	if new.ExternalID != nil {
		result.ExternalID = new.ExternalID
	}
	if new.BatchID != nil {
		result.BatchID = new.BatchID
	}
	if new.Queue != "" {
		result.Queue = new.Queue
	}
	if new.Component != "" {
		result.Component = new.Component
	}

	return result
}

// Ptr is a helper to create a pointer from a value.
// Useful for setting LogFields inline: logger.WithLogFields(ctx, logger.LogFields{MessageID: logger.Ptr(id)})
func Ptr[T any](v T) *T {
	return &v
}

// Truncate truncates a string to maxLen characters, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
