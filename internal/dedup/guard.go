// Package dedup remembers which events have already been applied so that
// redelivered messages do not apply twice.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Guard marks event ids in Redis with SET NX and a TTL. Marks are taken before
// the guarded side effect; callers Forget them when the effect fails so a
// retry is not mistaken for a duplicate.
type Guard struct {
	client redis.Cmdable
	ttl    time.Duration
	scope  string
}

func NewGuard(client redis.Cmdable, ttl time.Duration, scope string) (*Guard, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if ttl <= 0 {
		return nil, errors.New("ttl must be positive")
	}
	if scope == "" {
		return nil, errors.New("scope is required")
	}
	return &Guard{client: client, ttl: ttl, scope: scope}, nil
}

func (g *Guard) key(id string) string {
	return g.scope + ":" + id
}

// Mark claims every id in one round trip and reports, per id, whether this
// call was the first to see it. A repeated id within ids is fresh only at its
// first position.
func (g *Guard) Mark(ctx context.Context, ids []string) ([]bool, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.BoolCmd, len(ids))
	_, err := g.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.SetNX(ctx, g.key(id), "1", g.ttl)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("marking %d %s ids: %w", len(ids), g.scope, err)
	}

	fresh := make([]bool, len(ids))
	for i, cmd := range cmds {
		fresh[i] = cmd.Val()
	}
	return fresh, nil
}

// Forget releases marks so the ids can be applied again.
func (g *Guard) Forget(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = g.key(id)
	}
	if err := g.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("forgetting %d %s ids: %w", len(ids), g.scope, err)
	}
	return nil
}
