package db

import (
	"context"
	_ "embed"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradeloop/barter-engine/internal/engine"
)

// schemaSQL is compiled into the binary at build time so schema init
// works inside a runtime image that does not carry the .sql file.
//
//go:embed schema.sql
var schemaSQL string

// PostgresStore implements engine.Persistence on pgx: a per-tenant
// append-only event log plus periodic snapshots.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Connect initializes the connection pool to PostgreSQL using pgx.
func Connect(connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %v", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping failed: %v", err)
	}
	log.Println("Successfully connected to PostgreSQL for barter persistence")
	return &PostgresStore{pool: pool}, nil
}

// Close gracefully closes the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema executes the embedded schema.sql DDL statements.
func (s *PostgresStore) InitSchema() error {
	_, err := s.pool.Exec(context.Background(), schemaSQL)
	if err != nil {
		return fmt.Errorf("failed to execute schema migrations: %v", err)
	}
	log.Println("Barter engine schema initialized")
	return nil
}

// AppendEvent writes one journal row. Replays of an already appended
// seq are idempotent.
func (s *PostgresStore) AppendEvent(ctx context.Context, tenantID string, ev engine.PersistedEvent) error {
	sql := `
		INSERT INTO event_log (tenant_id, seq, ts, event_type, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, seq) DO NOTHING;
	`
	_, err := s.pool.Exec(ctx, sql, tenantID, ev.Seq, ev.TS, ev.Type, ev.Payload)
	if err != nil {
		return fmt.Errorf("failed to append event seq=%d: %v", ev.Seq, err)
	}
	return nil
}

// SaveSnapshot stores a full-state capture and prunes journal rows the
// snapshot has subsumed.
func (s *PostgresStore) SaveSnapshot(ctx context.Context, tenantID string, seq int64, state []byte) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	insertSQL := `
		INSERT INTO tenant_snapshots (tenant_id, seq, state)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, seq) DO UPDATE SET state = EXCLUDED.state, created_at = NOW();
	`
	if _, err := tx.Exec(ctx, insertSQL, tenantID, seq, state); err != nil {
		return fmt.Errorf("failed to insert snapshot seq=%d: %v", seq, err)
	}

	// Older snapshots and replayed journal rows are dead weight.
	if _, err := tx.Exec(ctx, `DELETE FROM tenant_snapshots WHERE tenant_id = $1 AND seq < $2`, tenantID, seq); err != nil {
		return fmt.Errorf("failed to prune snapshots: %v", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM event_log WHERE tenant_id = $1 AND seq <= $2`, tenantID, seq); err != nil {
		return fmt.Errorf("failed to prune event log: %v", err)
	}
	return tx.Commit(ctx)
}

// LoadSnapshot returns the newest snapshot, or (0, nil, nil) when the
// tenant has never been persisted.
func (s *PostgresStore) LoadSnapshot(ctx context.Context, tenantID string) (int64, []byte, error) {
	sql := `
		SELECT seq, state FROM tenant_snapshots
		WHERE tenant_id = $1
		ORDER BY seq DESC
		LIMIT 1;
	`
	var seq int64
	var state []byte
	err := s.pool.QueryRow(ctx, sql, tenantID).Scan(&seq, &state)
	if err == pgx.ErrNoRows {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("failed to load snapshot: %v", err)
	}
	return seq, state, nil
}

// LoadEventsSince returns journal rows with seq > the given sequence,
// oldest first.
func (s *PostgresStore) LoadEventsSince(ctx context.Context, tenantID string, seq int64) ([]engine.PersistedEvent, error) {
	sql := `
		SELECT seq, ts, event_type, payload FROM event_log
		WHERE tenant_id = $1 AND seq > $2
		ORDER BY seq ASC;
	`
	rows, err := s.pool.Query(ctx, sql, tenantID, seq)
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %v", err)
	}
	defer rows.Close()

	events := make([]engine.PersistedEvent, 0)
	for rows.Next() {
		var ev engine.PersistedEvent
		if err := rows.Scan(&ev.Seq, &ev.TS, &ev.Type, &ev.Payload); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}
