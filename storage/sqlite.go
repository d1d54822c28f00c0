package storage

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"property-sync/models"
	"property-sync/utils"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS listings (
    id                 TEXT PRIMARY KEY,
    source_url         TEXT NOT NULL DEFAULT '',
    address            TEXT NOT NULL DEFAULT '',
    address_translated TEXT NOT NULL DEFAULT '',
    price              REAL NOT NULL DEFAULT 0,
    floor_plan         TEXT NOT NULL DEFAULT '',
    build_area         REAL NOT NULL DEFAULT 0,
    land_area          REAL NOT NULL DEFAULT 0,
    tags               TEXT NOT NULL DEFAULT '[]',
    is_sold            INTEGER NOT NULL DEFAULT 0,
    description        TEXT NOT NULL DEFAULT '',
    lat                REAL,
    lng                REAL,
    coordinate_source  TEXT NOT NULL DEFAULT '',
    images             TEXT NOT NULL DEFAULT '[]',
    facilities         TEXT NOT NULL DEFAULT '[]',
    schools            TEXT NOT NULL DEFAULT '[]',
    posted_at          TEXT,
    renovated_at       TEXT,
    built_at           TEXT,
    status             TEXT NOT NULL DEFAULT 'active',
    removed_at         TEXT,
    created_at         TEXT NOT NULL,
    updated_at         TEXT NOT NULL,
    content_hash       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_listings_status ON listings(status);
CREATE TABLE IF NOT EXISTS failed_jobs (
    id          TEXT PRIMARY KEY,
    job_id      TEXT NOT NULL,
    kind        TEXT NOT NULL,
    url         TEXT NOT NULL,
    listing_id  TEXT NOT NULL DEFAULT '',
    reason      TEXT NOT NULL DEFAULT '',
    attempts    INTEGER NOT NULL DEFAULT 0,
    retry_count INTEGER NOT NULL DEFAULT 0,
    failed_at   TEXT NOT NULL
);
`

// SQLiteStore implements Store on an embedded SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, err
	}
	// one writer at a time; SQLite serializes writes anyway
	db.SetMaxOpenConns(1)

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return utils.NewDatabaseError("ensure schema", err)
	}
	return nil
}

func (s *SQLiteStore) GetListing(ctx context.Context, id string) (*models.ListingRecord, error) {
	row := s.db.QueryRowContext(ctx, selectListing+" WHERE id = ?", id)
	rec, err := scanListing(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, utils.NewDatabaseError("get listing "+id, err)
	}
	return rec, nil
}

func (s *SQLiteStore) InsertListing(ctx context.Context, rec *models.ListingRecord) error {
	q, args, err := insertStatement(rec, sqliteDialect)
	if err != nil {
		return utils.NewValidationError("insert listing", err.Error())
	}
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return utils.NewDatabaseError("insert listing "+rec.ID, err)
	}
	return nil
}

func (s *SQLiteStore) UpdateListing(ctx context.Context, id string, delta models.Fields) error {
	q, args, err := updateStatement(id, delta, sqliteDialect)
	if err != nil {
		return utils.NewValidationError("update listing", err.Error())
	}
	if q == "" {
		return nil
	}
	return s.execOne(ctx, "update listing "+id, q, args...)
}

func (s *SQLiteStore) MarkRemoved(ctx context.Context, id string, at time.Time) error {
	ts := sqliteDialect.time(at)
	return s.execOne(ctx, "mark removed "+id,
		`UPDATE listings SET status = ?, removed_at = COALESCE(removed_at, ?), updated_at = ? WHERE id = ?`,
		string(models.StatusRemoved), ts, ts, id)
}

func (s *SQLiteStore) ListListings(ctx context.Context, f ListFilter) ([]models.ListingRecord, error) {
	q, args := listQuery(f, sqliteDialect)
	rows, err := s.db.QueryContext(ctx, q, args...)
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

func (s *SQLiteStore) SaveFailedJob(ctx context.Context, rec models.FailedJobRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO failed_jobs (id, job_id, kind, url, listing_id, reason, attempts, retry_count, failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET reason = excluded.reason, attempts = excluded.attempts,
		 retry_count = excluded.retry_count, failed_at = excluded.failed_at`,
		rec.ID, rec.JobID, string(rec.Kind), rec.URL, rec.ListingID, rec.Reason,
		rec.Attempts, rec.RetryCount, sqliteDialect.time(rec.FailedAt),
	)
	if err != nil {
		return utils.NewDatabaseError("save failed job", err)
	}
	return nil
}

func (s *SQLiteStore) ListFailedJobs(ctx context.Context) ([]models.FailedJobRecord, error) {
	rows, err := s.db.QueryContext(ctx, selectFailedJob+" ORDER BY failed_at, id")
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

func (s *SQLiteStore) DeleteFailedJob(ctx context.Context, id string) error {
	return s.execOne(ctx, "delete failed job", `DELETE FROM failed_jobs WHERE id = ?`, id)
}

func (s *SQLiteStore) ClearFailedJobs(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM failed_jobs`)
	if err != nil {
		return 0, utils.NewDatabaseError("clear failed jobs", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, utils.NewDatabaseError("clear failed jobs", err)
	}
	return int(n), nil
}

// execOne runs a statement that must touch exactly one existing row.
func (s *SQLiteStore) execOne(ctx context.Context, op, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return utils.NewDatabaseError(op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return utils.NewDatabaseError(op, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
