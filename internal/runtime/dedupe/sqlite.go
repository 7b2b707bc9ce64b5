package dedupe

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// SQLiteStore keeps records in a single table. Claims run inside an
// immediate transaction so the read and the write cannot interleave with
// another writer.
type SQLiteStore struct {
	db   *sql.DB
	opts Options
}

var _ Store = (*SQLiteStore)(nil)
var _ Sweeper = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at path. Use ":memory:"
// for a private in-memory database.
func NewSQLiteStore(ctx context.Context, path string, opts Options) (*SQLiteStore, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_txlock=immediate"
	if path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db, opts: opts.withDefaults()}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS dedupe_records (
		key TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		lease_until INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_dedupe_records_expires ON dedupe_records(expires_at);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLiteStore) StartProcessing(ctx context.Context, key string, leaseTTL time.Duration) (Claim, error) {
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}
	now := s.opts.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Claim{}, fmt.Errorf("dedupe claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		state      string
		leaseUntil int64
		expiresAt  int64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT state, lease_until, expires_at FROM dedupe_records WHERE key = ?`, key,
	).Scan(&state, &leaseUntil, &expiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		state = ""
	case err != nil:
		return Claim{}, fmt.Errorf("dedupe claim: %w", err)
	case expiresAt <= now.UnixMilli():
		state = ""
	}

	claim := Claim{Acquired: true, State: State(state)}
	switch State(state) {
	case StateCompleted:
		return Claim{State: StateCompleted}, nil
	case StateProcessing:
		if leaseUntil > now.UnixMilli() {
			return Claim{State: StateProcessing}, nil
		}
		claim.Reclaimed = true
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO dedupe_records (key, state, error, lease_until, updated_at, expires_at)
		VALUES (?, ?, '', ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			state = excluded.state,
			error = '',
			lease_until = excluded.lease_until,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at`,
		key, string(StateProcessing), now.Add(leaseTTL).UnixMilli(), now.UnixMilli(), now.Add(leaseTTL+s.opts.Retention).UnixMilli(),
	)
	if err != nil {
		return Claim{}, fmt.Errorf("dedupe claim: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Claim{}, fmt.Errorf("dedupe claim: %w", err)
	}
	return claim, nil
}

func (s *SQLiteStore) MarkCompleted(ctx context.Context, key string) error {
	return s.finish(ctx, key, StateCompleted, "")
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, key string, cause error) error {
	return s.finish(ctx, key, StateFailed, errorText(cause))
}

func (s *SQLiteStore) finish(ctx context.Context, key string, state State, errText string) error {
	now := s.opts.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dedupe_records (key, state, error, lease_until, updated_at, expires_at)
		VALUES (?, ?, ?, 0, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			state = excluded.state,
			error = excluded.error,
			lease_until = 0,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at`,
		key, string(state), errText, now.UnixMilli(), now.Add(s.opts.Retention).UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("dedupe %s: %w", state, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (Record, bool, error) {
	var (
		rec                              Record
		state                            string
		leaseUntil, updatedAt, expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT state, error, lease_until, updated_at, expires_at FROM dedupe_records WHERE key = ? AND expires_at > ?`,
		key, s.opts.Now().UnixMilli(),
	).Scan(&state, &rec.Error, &leaseUntil, &updatedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("dedupe get: %w", err)
	}
	rec.Key = key
	rec.State = State(state)
	rec.LeaseUntil = fromMillis(leaseUntil)
	rec.UpdatedAt = fromMillis(updatedAt)
	rec.ExpiresAt = fromMillis(expiresAt)
	return rec, true, nil
}

func (s *SQLiteStore) Size(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dedupe_records WHERE expires_at > ?`, s.opts.Now().UnixMilli(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("dedupe size: %w", err)
	}
	return n, nil
}

// Sweep deletes expired records.
func (s *SQLiteStore) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dedupe_records WHERE expires_at <= ?`, s.opts.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("dedupe sweep: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
