package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/media-relay/internal/relay"
)

// MetricsStore maintains the single aggregate metrics row. Assumed schema:
//
//	CREATE TABLE relay_metrics (
//		id SMALLINT PRIMARY KEY,
//		total_processed BIGINT NOT NULL DEFAULT 0,
//		media_processed JSONB NOT NULL DEFAULT '{}',
//		last_updated TIMESTAMPTZ NOT NULL
//	);
type MetricsStore struct {
	db    querier
	table string
	clock relay.Clock
}

// NewMetricsStore constructs a MetricsStore on an existing connection or pool.
func NewMetricsStore(db querier, table string, clock relay.Clock) (*MetricsStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if table == "" {
		table = "relay_metrics"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &MetricsStore{db: db, table: table, clock: clock}, nil
}

// RecordProcessed upserts the aggregate row and increments the total and
// per-kind counters in a single statement, so concurrent workers never
// read-modify-write.
func (m *MetricsStore) RecordProcessed(ctx context.Context, kind relay.MediaKind) error {
	query := fmt.Sprintf(`
INSERT INTO %[1]s (id, total_processed, media_processed, last_updated)
VALUES (1, 1, jsonb_build_object($1::text, 1), $2)
ON CONFLICT (id) DO UPDATE SET
	total_processed = %[1]s.total_processed + 1,
	media_processed = jsonb_set(
		COALESCE(%[1]s.media_processed, '{}'::jsonb),
		ARRAY[$1::text],
		to_jsonb(COALESCE((%[1]s.media_processed->>$1::text)::bigint, 0) + 1)),
	last_updated = $2`, m.table)
	if _, err := m.db.Exec(ctx, query, string(kind), m.clock.Now()); err != nil {
		return fmt.Errorf("record processed: %w", err)
	}
	return nil
}
