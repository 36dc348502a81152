package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB is the subset of *pgxpool.Pool used by Store.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

const schema = `
CREATE SCHEMA IF NOT EXISTS bunny;
CREATE TABLE IF NOT EXISTS bunny.dead_letters (
	id             BIGSERIAL PRIMARY KEY,
	at             TIMESTAMPTZ NOT NULL,
	queue          TEXT NOT NULL,
	target         TEXT NOT NULL,
	message_id     TEXT,
	correlation_id TEXT,
	attempts       INT NOT NULL,
	policy         TEXT NOT NULL,
	disposition    TEXT NOT NULL,
	http_status    INT,
	reason         TEXT
);
CREATE INDEX IF NOT EXISTS dead_letters_queue_at ON bunny.dead_letters (queue, at DESC);`

const insertDeadLetter = `
INSERT INTO bunny.dead_letters
	(at, queue, target, message_id, correlation_id, attempts, policy, disposition, http_status, reason)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

// Connect establishes a connection pool to the database and returns the pool
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 4
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Store persists dead letters in Postgres.
type Store struct {
	db DB
}

func NewStore(db DB) *Store {
	return &Store{db: db}
}

// Migrate creates the journal table when missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate journal: %w", err)
	}
	return nil
}

// Record inserts one dead letter.
func (s *Store) Record(ctx context.Context, dl DeadLetter) error {
	var status any
	if dl.HTTPStatus > 0 {
		status = dl.HTTPStatus
	}
	_, err := s.db.Exec(ctx, insertDeadLetter,
		dl.At, dl.Queue, dl.Target, dl.MessageID, dl.CorrelationID,
		dl.Attempts, dl.Policy, dl.Disposition, status, dl.Reason,
	)
	if err != nil {
		return fmt.Errorf("record dead letter %s: %w", dl.MessageID, err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}
