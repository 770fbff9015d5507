package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"basegraph.app/courier/common/arangodb"
)

// upsertQuery writes a batch of keyed documents. createdAt is only set on
// insert and only when the document does not carry one.
const upsertQuery = `
	FOR d IN @docs
		UPSERT { _key: d._key }
		INSERT MERGE({ createdAt: @now }, d, { updatedAt: @now })
		UPDATE MERGE(d, { updatedAt: @now })
		IN @@col
`

// keyed pairs a document with the _key it is stored under.
type keyed[T any] struct {
	key string
	doc T
}

// dedupeLast keeps the last document for each key, ordered by the position of
// that last occurrence. One query must not touch a key twice.
func dedupeLast[T any](docs []keyed[T]) []keyed[T] {
	last := make(map[string]int, len(docs))
	for i, d := range docs {
		last[d.key] = i
	}
	if len(last) == len(docs) {
		return docs
	}
	out := make([]keyed[T], 0, len(last))
	for i, d := range docs {
		if last[d.key] == i {
			out = append(out, d)
		}
	}
	return out
}

func upsertBatch[T any](ctx context.Context, db arangodb.Client, collection string, now time.Time, docs []keyed[T], wrap func(key string, doc T) any) error {
	if len(docs) == 0 {
		return nil
	}

	start := time.Now()
	unique := dedupeLast(docs)

	payload := make([]any, len(unique))
	for i, d := range unique {
		payload[i] = wrap(d.key, d.doc)
	}

	if err := db.Exec(ctx, upsertQuery, map[string]any{
		"docs": payload,
		"now":  now,
		"@col": collection,
	}); err != nil {
		return fmt.Errorf("upsert %d %s: %w", len(unique), collection, err)
	}

	slog.DebugContext(ctx, "arangodb batch upserted",
		"collection", collection,
		"count", len(unique),
		"collapsed", len(docs)-len(unique),
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}
