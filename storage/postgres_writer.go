package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"property-sync/models"
	"property-sync/utils"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

// PostgresDSN builds a connection string from discrete settings.
func PostgresDSN(user, password, host string, port int, name, sslMode string) string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		user,
		password,
		host,
		port,
		name,
		sslMode,
	)
}

// NewPostgresStore opens a pgx connection pool and pings it.
//
// WHY A POOL? Detail workers write concurrently. A single pgx.Conn is not
// safe for concurrent use, a pgxpool.Pool hands each caller its own conn.
//
// Usage:
//
//	store, err := storage.NewPostgresStore(ctx, cfg.DSN())
//	if err != nil { ... }
//	defer store.Close()
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect postgres: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS listings (
		id TEXT PRIMARY KEY,
		source_url TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		address_translated TEXT NOT NULL DEFAULT '',
		price DOUBLE PRECISION NOT NULL DEFAULT 0,
		floor_plan TEXT NOT NULL DEFAULT '',
		build_area DOUBLE PRECISION NOT NULL DEFAULT 0,
		land_area DOUBLE PRECISION NOT NULL DEFAULT 0,
		tags TEXT NOT NULL DEFAULT '[]',
		is_sold BOOLEAN NOT NULL DEFAULT FALSE,
		description TEXT NOT NULL DEFAULT '',
		lat DOUBLE PRECISION,
		lng DOUBLE PRECISION,
		coordinate_source TEXT NOT NULL DEFAULT '',
		images TEXT NOT NULL DEFAULT '[]',
		facilities TEXT NOT NULL DEFAULT '[]',
		schools TEXT NOT NULL DEFAULT '[]',
		posted_at TIMESTAMPTZ,
		renovated_at TIMESTAMPTZ,
		built_at TIMESTAMPTZ,
		status TEXT NOT NULL DEFAULT 'active',
		removed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		content_hash TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_listings_status ON listings(status)`,
	`CREATE INDEX IF NOT EXISTS idx_listings_price ON listings(price)`,
	`CREATE TABLE IF NOT EXISTS failed_jobs (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		url TEXT NOT NULL,
		listing_id TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		attempts INTEGER NOT NULL DEFAULT 0,
		retry_count INTEGER NOT NULL DEFAULT 0,
		failed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_failed_jobs_failed_at ON failed_jobs(failed_at)`,
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	batch := &pgx.Batch{}
	for _, stmt := range postgresSchema {
		batch.Queue(stmt)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	for i := range postgresSchema {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to ensure schema at statement %d: %w", i, err)
		}
	}

	return nil
}

func (s *PostgresStore) GetListing(ctx context.Context, id string) (*models.ListingRecord, error) {
	row := s.pool.QueryRow(ctx, selectListing+" WHERE id = $1", id)
	rec, err := scanListing(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, utils.NewDatabaseError("get listing "+id, err)
	}
	return rec, nil
}

func (s *PostgresStore) InsertListing(ctx context.Context, rec *models.ListingRecord) error {
	q, args, err := insertStatement(rec, postgresDialect)
	if err != nil {
		return utils.NewValidationError("insert listing", err.Error())
	}
	if _, err := s.pool.Exec(ctx, q, args...); err != nil {
		return utils.NewDatabaseError("insert listing "+rec.ID, err)
	}
	return nil
}

func (s *PostgresStore) UpdateListing(ctx context.Context, id string, delta models.Fields) error {
	q, args, err := updateStatement(id, delta, postgresDialect)
	if err != nil {
		return utils.NewValidationError("update listing", err.Error())
	}
	if q == "" {
		return nil
	}
	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return utils.NewDatabaseError("update listing "+id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkRemoved(ctx context.Context, id string, at time.Time) error {
	at = at.UTC().Truncate(time.Microsecond)
	tag, err := s.pool.Exec(ctx,
		`UPDATE listings SET status = $1, removed_at = COALESCE(removed_at, $2), updated_at = $2 WHERE id = $3`,
		string(models.StatusRemoved), at, id)
	if err != nil {
		return utils.NewDatabaseError("mark removed "+id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListListings(ctx context.Context, f ListFilter) ([]models.ListingRecord, error) {
	q, args := listQuery(f, postgresDialect)
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, utils.NewDatabaseError("list listings", err)
	}
	defer rows.Close()

	var out []models.ListingRecord
	for rows.Next() {
		rec, err := scanListing(rows)
		if err != nil {
			return nil, utils.NewDatabaseError("scan listing", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.NewDatabaseError("list listings", err)
	}
	return out, nil
}

func (s *PostgresStore) SaveFailedJob(ctx context.Context, rec models.FailedJobRecord) error {
	_, err := s.pool.Exec(ctx, `
	INSERT INTO failed_jobs (id, job_id, kind, url, listing_id, reason, attempts, retry_count, failed_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (id) DO UPDATE SET reason = EXCLUDED.reason, attempts = EXCLUDED.attempts,
		retry_count = EXCLUDED.retry_count, failed_at = EXCLUDED.failed_at;
	`,
		rec.ID, rec.JobID, string(rec.Kind), rec.URL, rec.ListingID, rec.Reason,
		rec.Attempts, rec.RetryCount, rec.FailedAt.UTC().Truncate(time.Microsecond),
	)
	if err != nil {
		return utils.NewDatabaseError("save failed job", err)
	}
	return nil
}

func (s *PostgresStore) ListFailedJobs(ctx context.Context) ([]models.FailedJobRecord, error) {
	rows, err := s.pool.Query(ctx, selectFailedJob+" ORDER BY failed_at, id")
	if err != nil {
		return nil, utils.NewDatabaseError("list failed jobs", err)
	}
	defer rows.Close()

	var out []models.FailedJobRecord
	for rows.Next() {
		rec, err := scanFailedJob(rows)
		if err != nil {
			return nil, utils.NewDatabaseError("scan failed job", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.NewDatabaseError("list failed jobs", err)
	}
	return out, nil
}

func (s *PostgresStore) DeleteFailedJob(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM failed_jobs WHERE id = $1`, id)
	if err != nil {
		return utils.NewDatabaseError("delete failed job", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ClearFailedJobs(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM failed_jobs`)
	if err != nil {
		return 0, utils.NewDatabaseError("clear failed jobs", err)
	}
	return int(tag.RowsAffected()), nil
}
