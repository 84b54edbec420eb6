package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "jobcore/pkg/logx"
)

//go:embed migrations.sql
var migrations string

const pruneEvery = 500

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	max int

	inserts atomic.Uint64
	closed  atomic.Bool
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("archive.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("archive migrate: %w", err)
	}
	log.Debug("archive opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log, max: cfg.MaxRecords}, nil
}

func (s *sqliteStore) Append(ctx context.Context, r Record) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if r.FinishedAt.IsZero() {
		r.FinishedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_archive(queue, job_id, name, status, attempts, failed_reason, created_at, finished_at, data, result)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		r.Queue, r.JobID, r.Name, r.Status, r.Attempts, nullStr(r.FailedReason),
		r.CreatedAt.UTC().Format(time.RFC3339Nano), r.FinishedAt.UTC().Format(time.RFC3339Nano),
		nullStr(string(r.Data)), nullStr(string(r.Result)),
	)
	if err == nil && s.inserts.Add(1)%pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		if perr := s.prune(pctx); perr != nil {
			s.log.Debug("archive prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) Recent(ctx context.Context, queue string, limit int) ([]Record, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}
	q := `SELECT queue, job_id, name, status, attempts, failed_reason, created_at, finished_at, data, result
	      FROM job_archive`
	args := []any{}
	if queue != "" {
		q += ` WHERE queue = ?`
		args = append(args, queue)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r                   Record
			failed, data, res   sql.NullString
			created, finishedAt string
		)
		if err := rows.Scan(&r.Queue, &r.JobID, &r.Name, &r.Status, &r.Attempts, &failed, &created, &finishedAt, &data, &res); err != nil {
			return nil, err
		}
		r.FailedReason = failed.String
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		r.FinishedAt, _ = time.Parse(time.RFC3339Nano, finishedAt)
		if data.Valid {
			r.Data = []byte(data.String)
		}
		if res.Valid {
			r.Result = []byte(res.String)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// prune keeps the newest max rows.
func (s *sqliteStore) prune(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM job_archive WHERE id <= (SELECT MAX(id) FROM job_archive) - ?`, s.max)
	return err
}

func (s *sqliteStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
