// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-relay/internal/relay"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// NotifyChannel is the pg_notify channel that Create publishes insert
// notifications on; the Listener subscribes to it.
const NotifyChannel = "content_request_insert"

// RequestStoreConfig controls the Postgres connection pool for request rows.
type RequestStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// RequestStore persists request rows in Postgres. Assumed schema:
//
//	CREATE TABLE content_requests (
//		id UUID PRIMARY KEY,
//		chat_id BIGINT NOT NULL,
//		source_url TEXT NOT NULL,
//		short_code TEXT NOT NULL,
//		requested_by JSONB NOT NULL DEFAULT '{}',
//		message_id BIGINT NOT NULL,
//		status TEXT NOT NULL,
//		retry_count INT NOT NULL DEFAULT 0,
//		created_at TIMESTAMPTZ NOT NULL,
//		updated_at TIMESTAMPTZ NOT NULL
//	);
type RequestStore struct {
	db    querier
	pool  *pgxpool.Pool
	table string
	clock relay.Clock
	idGen relay.IDGenerator
}

// NewRequestStore creates a Postgres-backed RequestStore using the provided config.
func NewRequestStore(
	ctx context.Context,
	cfg RequestStoreConfig,
	clock relay.Clock,
	idGen relay.IDGenerator,
) (*RequestStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "content_requests"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RequestStore{
		db:    pool,
		pool:  pool,
		table: table,
		clock: clock,
		idGen: idGen,
	}, nil
}

// NewRequestStoreWithDB constructs a store from an existing connection
// (primarily for testing with pgxmock).
func NewRequestStoreWithDB(db querier, table string, clock relay.Clock, idGen relay.IDGenerator) (*RequestStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if table == "" {
		table = "content_requests"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &RequestStore{db: db, table: table, clock: clock, idGen: idGen}, nil
}

// Pool exposes the underlying pool for the insert Listener. It is nil when
// the store was built around a mock connection.
func (s *RequestStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Close releases the underlying pool resources.
func (s *RequestStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

// Create inserts a request row in pending status and emits an insert
// notification on NotifyChannel.
func (s *RequestStore) Create(ctx context.Context, r relay.Request) (string, error) {
	if r.ID == "" {
		id, err := s.idGen.NewID()
		if err != nil {
			return "", fmt.Errorf("generate request id: %w", err)
		}
		r.ID = id
	}
	requestedBy, err := json.Marshal(r.RequestedBy)
	if err != nil {
		return "", fmt.Errorf("marshal requested_by: %w", err)
	}
	now := s.clock.Now()

	query := fmt.Sprintf(`
INSERT INTO %s (
	id, chat_id, source_url, short_code, requested_by,
	message_id, status, retry_count, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`, s.table)
	_, err = s.db.Exec(ctx, query,
		r.ID,
		r.ChatID,
		r.SourceURL,
		r.ShortCode,
		requestedBy,
		r.MessageID,
		string(relay.StatusPending),
		0,
		now,
		now,
	)
	if err != nil {
		return "", fmt.Errorf("insert request: %w", err)
	}

	// Best-effort: a lost notification is covered by the reconciliation sweep.
	if _, err := s.db.Exec(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, r.ID); err != nil {
		zap.L().Warn("insert notification failed",
			zap.String("request_id", r.ID), zap.Error(err))
	}
	return r.ID, nil
}

// Get fetches a request row by id.
func (s *RequestStore) Get(ctx context.Context, id string) (relay.Request, error) {
	query := fmt.Sprintf(`
SELECT id, chat_id, source_url, short_code, requested_by,
	message_id, status, retry_count, created_at, updated_at
FROM %s WHERE id = $1`, s.table)
	r, err := scanRequest(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return relay.Request{}, relay.ErrNotFound
		}
		return relay.Request{}, fmt.Errorf("select request: %w", err)
	}
	return r, nil
}

// MarkProcessing flips a request to processing. Zero rows affected means the
// record was already deleted, which is not an error.
func (s *RequestStore) MarkProcessing(ctx context.Context, id string) error {
	query := fmt.Sprintf(
		`UPDATE %s SET status = $2, updated_at = $3 WHERE id = $1`, s.table)
	if _, err := s.db.Exec(ctx, query, id, string(relay.StatusProcessing), s.clock.Now()); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	return nil
}

// Requeue returns a request to pending and increments its retry count.
func (s *RequestStore) Requeue(ctx context.Context, id string) error {
	query := fmt.Sprintf(
		`UPDATE %s SET status = $2, retry_count = retry_count + 1, updated_at = $3 WHERE id = $1`,
		s.table)
	if _, err := s.db.Exec(ctx, query, id, string(relay.StatusPending), s.clock.Now()); err != nil {
		return fmt.Errorf("requeue request: %w", err)
	}
	return nil
}

// Delete removes a request row. Deleting a missing row is a no-op.
func (s *RequestStore) Delete(ctx context.Context, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table)
	if _, err := s.db.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("delete request: %w", err)
	}
	return nil
}

// ListPending returns pending rows with retry_count below the limit,
// oldest created first.
func (s *RequestStore) ListPending(ctx context.Context, retryLimit int) ([]relay.Request, error) {
	query := fmt.Sprintf(`
SELECT id, chat_id, source_url, short_code, requested_by,
	message_id, status, retry_count, created_at, updated_at
FROM %s
WHERE status = $1 AND retry_count < $2
ORDER BY created_at ASC`, s.table)
	rows, err := s.db.Query(ctx, query, string(relay.StatusPending), retryLimit)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	var out []relay.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending rows: %w", err)
	}
	return out, nil
}

// ReleaseStalled demotes processing rows not touched since the cutoff back
// to pending and reports how many were released.
func (s *RequestStore) ReleaseStalled(ctx context.Context, before time.Time) (int, error) {
	query := fmt.Sprintf(
		`UPDATE %s SET status = $1, updated_at = $2 WHERE status = $3 AND updated_at < $4`,
		s.table)
	tag, err := s.db.Exec(ctx, query,
		string(relay.StatusPending), s.clock.Now(), string(relay.StatusProcessing), before)
	if err != nil {
		return 0, fmt.Errorf("release stalled: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanRequest(row pgx.Row) (relay.Request, error) {
	var (
		r           relay.Request
		status      string
		requestedBy []byte
	)
	err := row.Scan(
		&r.ID,
		&r.ChatID,
		&r.SourceURL,
		&r.ShortCode,
		&requestedBy,
		&r.MessageID,
		&status,
		&r.RetryCount,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return relay.Request{}, err
	}
	r.Status = relay.RequestStatus(status)
	if len(requestedBy) > 0 {
		if err := json.Unmarshal(requestedBy, &r.RequestedBy); err != nil {
			return relay.Request{}, fmt.Errorf("unmarshal requested_by: %w", err)
		}
	}
	return r, nil
}
