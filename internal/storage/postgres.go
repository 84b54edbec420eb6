package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	logx "jobcore/pkg/logx"
)

const postgresConnectTimeout = 10 * time.Second

const postgresSchema = `
CREATE TABLE IF NOT EXISTS jobcore_archive (
	id            BIGSERIAL PRIMARY KEY,
	queue         TEXT NOT NULL,
	job_id        TEXT NOT NULL,
	name          TEXT NOT NULL,
	status        TEXT NOT NULL,
	attempts      INTEGER NOT NULL,
	failed_reason TEXT,
	created_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ NOT NULL,
	data          JSONB,
	result        JSONB
);
CREATE INDEX IF NOT EXISTS jobcore_archive_queue_id ON jobcore_archive (queue, id DESC);
`

// postgresStore archives into a shared PostgreSQL table, so several
// processes can write history to one place.
type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
	max  int

	inserts atomic.Uint64
	closed  atomic.Bool
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("archive.dsn is required for postgres driver")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("archive postgres: parse dsn: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), postgresConnectTimeout)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("archive postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive postgres: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive postgres: migrate: %w", err)
	}
	log.Debug("archive opened", logx.String("host", pcfg.ConnConfig.Host), logx.String("database", pcfg.ConnConfig.Database))
	return &postgresStore{pool: pool, log: log, max: cfg.MaxRecords}, nil
}

func (s *postgresStore) Append(ctx context.Context, r Record) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if r.FinishedAt.IsZero() {
		r.FinishedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobcore_archive (queue, job_id, name, status, attempts, failed_reason, created_at, finished_at, data, result)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.Queue, r.JobID, r.Name, r.Status, r.Attempts, nullStr(r.FailedReason),
		r.CreatedAt.UTC(), r.FinishedAt.UTC(), nullStr(string(r.Data)), nullStr(string(r.Result)),
	)
	if err != nil {
		return fmt.Errorf("archive postgres: insert: %w", err)
	}
	if s.inserts.Add(1)%pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if perr := s.prune(pctx); perr != nil {
			s.log.Debug("archive prune failed", logx.Err(perr))
		}
		cancel()
	}
	return nil
}

func (s *postgresStore) Recent(ctx context.Context, queue string, limit int) ([]Record, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	q := `SELECT queue, job_id, name, status, attempts, COALESCE(failed_reason, ''), created_at, finished_at, data::text, result::text
	      FROM jobcore_archive`
	var args []any
	if queue != "" {
		args = append(args, queue)
		q += ` WHERE queue = $1`
	}
	q += ` ORDER BY id DESC`
	if limit > 0 {
		args = append(args, limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("archive postgres: query: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var (
			r         Record
			data, res *string
		)
		if err := row.Scan(&r.Queue, &r.JobID, &r.Name, &r.Status, &r.Attempts, &r.FailedReason,
			&r.CreatedAt, &r.FinishedAt, &data, &res); err != nil {
			return Record{}, err
		}
		if data != nil {
			r.Data = []byte(*data)
		}
		if res != nil {
			r.Result = []byte(*res)
		}
		return r, nil
	})
}

func (s *postgresStore) prune(ctx context.Context) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM jobcore_archive WHERE id <= (SELECT MAX(id) FROM jobcore_archive) - $1`, s.max)
	return err
}

func (s *postgresStore) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.pool.Close()
	}
	return nil
}
