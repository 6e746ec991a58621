// Package postgres provides a PostgreSQL implementation of history.Store,
// adapted from this codebase's storage/postgres backend: pgx/v5 pooled
// connections and JSONB for the one structured field (recorded image
// paths), generalized from API responses to execution records.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rhuss/sandboxd/pkg/history"
)

// Store is a PostgreSQL-backed history.Store.
type Store struct {
	pool *pgxpool.Pool
}

var _ history.Store = (*Store)(nil)

// New creates a Store, verifying connectivity and optionally running
// migrations.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cfg.defaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &Store{pool: pool}
	if cfg.MigrateOnStart {
		if err := s.migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}
	return s, nil
}

func (s *Store) SaveExecution(ctx context.Context, rec *history.Record) error {
	imagesJSON, err := json.Marshal(rec.Images)
	if err != nil {
		return fmt.Errorf("marshaling images: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO executions (
			id, session_id, code, result_text, images,
			error_kind, error_message, paused_total_ms,
			started_at, finished_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		rec.ID, rec.SessionID, rec.Code, rec.Text, imagesJSON,
		nullString(rec.ErrorKind), nullString(rec.ErrorMsg), rec.PausedTotal.Milliseconds(),
		rec.StartedAt, rec.FinishedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return history.ErrConflict
		}
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

func (s *Store) GetExecution(ctx context.Context, id string) (*history.Record, error) {
	var rec history.Record
	var imagesJSON []byte
	var errorKind, errorMsg *string
	var pausedMS int64

	err := s.pool.QueryRow(ctx, `
		SELECT id, session_id, code, result_text, images,
		       error_kind, error_message, paused_total_ms,
		       started_at, finished_at
		FROM executions WHERE id = $1
	`, id).Scan(
		&rec.ID, &rec.SessionID, &rec.Code, &rec.Text, &imagesJSON,
		&errorKind, &errorMsg, &pausedMS,
		&rec.StartedAt, &rec.FinishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, history.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying execution: %w", err)
	}

	if err := json.Unmarshal(imagesJSON, &rec.Images); err != nil {
		return nil, fmt.Errorf("unmarshaling images: %w", err)
	}
	if errorKind != nil {
		rec.ErrorKind = *errorKind
	}
	if errorMsg != nil {
		rec.ErrorMsg = *errorMsg
	}
	rec.PausedTotal = time.Duration(pausedMS) * time.Millisecond

	return &rec, nil
}

func (s *Store) ListExecutions(ctx context.Context, opts history.ListOptions) (*history.RecordList, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 200 {
		limit = 200
	}

	order, cmp := "ASC", ">"
	if opts.Desc {
		order, cmp = "DESC", "<"
	}

	query := fmt.Sprintf(`
		SELECT id, session_id, code, result_text, images,
		       error_kind, error_message, paused_total_ms,
		       started_at, finished_at
		FROM executions
		WHERE session_id = $1
		  AND ($3 = '' OR started_at %s (SELECT started_at FROM executions WHERE id = $3))
		ORDER BY started_at %s
		LIMIT $2
	`, cmp, order)

	rows, err := s.pool.Query(ctx, query, opts.SessionID, limit+1, opts.After)
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	defer rows.Close()

	var records []*history.Record
	for rows.Next() {
		var rec history.Record
		var imagesJSON []byte
		var errorKind, errorMsg *string
		var pausedMS int64

		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Code, &rec.Text, &imagesJSON,
			&errorKind, &errorMsg, &pausedMS, &rec.StartedAt, &rec.FinishedAt); err != nil {
			return nil, fmt.Errorf("scanning execution: %w", err)
		}
		_ = json.Unmarshal(imagesJSON, &rec.Images)
		if errorKind != nil {
			rec.ErrorKind = *errorKind
		}
		if errorMsg != nil {
			rec.ErrorMsg = *errorMsg
		}
		rec.PausedTotal = time.Duration(pausedMS) * time.Millisecond
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating executions: %w", err)
	}

	hasMore := len(records) > limit
	if hasMore {
		records = records[:limit]
	}
	if records == nil {
		records = []*history.Record{}
	}

	return &history.RecordList{Data: records, HasMore: hasMore}, nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func isDuplicateKey(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
