package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/drblury/tenantflow/internal/runtime/envelope"
	errspkg "github.com/drblury/tenantflow/internal/runtime/errors"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS tenantflow_outbox (
	id            TEXT PRIMARY KEY,
	topic         TEXT NOT NULL,
	partition_key TEXT NOT NULL DEFAULT '',
	tenant_id     TEXT NOT NULL,
	envelope      JSONB NOT NULL,
	status        TEXT NOT NULL,
	attempts      INTEGER NOT NULL DEFAULT 0,
	last_error    TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tenantflow_outbox_status_created ON tenantflow_outbox (status, created_at);
`

type txKey struct{}

// WithTx makes Add write through tx, so the entry commits or rolls back with
// the caller's business changes.
func WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

func txFrom(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey{}).(pgx.Tx)
	return tx
}

type executor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// PostgresStore keeps entries in a table. Concurrent relays claim disjoint
// batches with FOR UPDATE SKIP LOCKED.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to url and creates the table if needed.
func NewPostgresStore(ctx context.Context, url string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, errspkg.E("outbox_connect", errspkg.ErrBackendUnavailable, err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStoreFromPool uses an existing pool. The caller keeps
// ownership of the pool.
func NewPostgresStoreFromPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return errspkg.E("outbox_schema", errspkg.ErrBackendUnavailable, err)
	}
	return nil
}

// WithinTransaction runs fn in a transaction whose context routes Add
// through it.
func (s *PostgresStore) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		err = tx.Commit(ctx)
	}()
	return fn(WithTx(ctx, tx))
}

func (s *PostgresStore) Add(ctx context.Context, e Entry) error {
	if e.Envelope.IsZero() || e.Topic == "" {
		return errspkg.Ef("outbox_add", errspkg.ErrInvalidArgument, "entry needs an envelope and a topic")
	}
	e = normalize(e, time.Now().UTC())
	payload, err := envelope.Marshal(e.Envelope)
	if err != nil {
		return errspkg.E("outbox_add", errspkg.ErrInvalidArgument, err)
	}

	var exec executor = s.pool
	if tx := txFrom(ctx); tx != nil {
		exec = tx
	}
	_, err = exec.Exec(ctx, `
		INSERT INTO tenantflow_outbox (id, topic, partition_key, tenant_id, envelope, status, attempts, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, '', $7, $8)`,
		e.ID, e.Topic, e.PartitionKey, e.Envelope.TenantID(), payload, string(e.Status), e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) FetchPending(ctx context.Context, limit int, claimTimeout time.Duration) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	staleBefore := time.Now().UTC().Add(-claimTimeout)
	if claimTimeout <= 0 {
		staleBefore = time.Time{}
	}
	rows, err := s.pool.Query(ctx, `
		WITH claimed AS (
			SELECT id
			FROM tenantflow_outbox
			WHERE status = 'pending'
			   OR (status = 'processing' AND updated_at < $2)
			ORDER BY created_at ASC, id ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE tenantflow_outbox o
		SET status = 'processing', updated_at = NOW()
		FROM claimed
		WHERE o.id = claimed.id
		RETURNING o.id, o.topic, o.partition_key, o.envelope, o.status, o.attempts, o.last_error, o.created_at, o.updated_at`,
		limit, staleBefore)
	if err != nil {
		return nil, fmt.Errorf("claim outbox entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			payload []byte
			status  string
		)
		if err := rows.Scan(&e.ID, &e.Topic, &e.PartitionKey, &payload, &status, &e.Attempts, &e.LastError, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		env, err := envelope.Unmarshal(payload)
		if err != nil {
			return nil, fmt.Errorf("decode outbox entry %s: %w", e.ID, err)
		}
		e.Envelope = env
		e.Status = Status(status)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim outbox entries: %w", err)
	}
	return entries, nil
}

func (s *PostgresStore) MarkPublished(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tenantflow_outbox
		SET status = 'published', last_error = '', updated_at = NOW()
		WHERE id = $1`, id)
	return checkUpdate("mark published", id, tag, err)
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id string, cause error, retry bool) error {
	status := StatusFailed
	if retry {
		status = StatusPending
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE tenantflow_outbox
		SET status = $2, attempts = attempts + 1, last_error = $3, updated_at = NOW()
		WHERE id = $1`, id, string(status), msg)
	return checkUpdate("mark failed", id, tag, err)
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func checkUpdate(op, id string, tag pgconn.CommandTag, err error) error {
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			return fmt.Errorf("%s %s: %s: %w", op, id, pgErr.Code, err)
		}
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	if tag.RowsAffected() == 0 {
		return errspkg.Ef("outbox_update", errspkg.ErrInvalidArgument, "unknown entry %q", id)
	}
	return nil
}
