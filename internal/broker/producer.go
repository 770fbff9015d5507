package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Producer publishes JSON messages onto queues.
type Producer struct {
	client *redis.Client
}

func NewProducer(client *redis.Client) *Producer {
	return &Producer{client: client}
}

// Publish encodes v as JSON and appends it to queue, returning the entry ID.
func (p *Producer) Publish(ctx context.Context, queue string, v any) (string, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding message for %s: %w", queue, err)
	}

	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: queue,
		Values: map[string]any{fieldBody: body},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", queue, err)
	}

	slog.DebugContext(ctx, "message published", "queue", queue, "message_id", id)
	return id, nil
}
