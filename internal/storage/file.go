package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "jobcore/pkg/logx"
)

// recentCap bounds the in-memory tail served by Recent.
const recentCap = 1000

// fileStore appends records to <prefix>.archive.jsonl (JSON Lines) and keeps
// the last recentCap records in memory for Recent. On open the tail is
// rebuilt by replaying the file.
type fileStore struct {
	log logx.Logger

	mu   sync.Mutex
	f    *os.File
	tail []Record // oldest first
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("archive.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	archivePath := filepath.Join(dir, base+".archive.jsonl")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	tail, err := replayArchive(archivePath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("archive replay failed", logx.String("path", archivePath), logx.Err(err))
	}

	f, err := os.OpenFile(archivePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	log.Debug("archive opened", logx.String("path", archivePath), logx.Int("replayed", len(tail)))
	return &fileStore{log: log, f: f, tail: tail}, nil
}

func (s *fileStore) Append(ctx context.Context, r Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.f).Encode(r); err != nil {
		return err
	}
	s.tail = appendBounded(s.tail, r)
	return nil
}

func (s *fileStore) Recent(ctx context.Context, queue string, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil, ErrClosed
	}
	out := make([]Record, 0, min(max(limit, 0), len(s.tail)))
	for i := len(s.tail) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if queue == "" || s.tail[i].Queue == queue {
			out = append(out, s.tail[i])
		}
	}
	return out, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	s.tail = nil
	return err
}

func replayArchive(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var tail []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue // torn write
		}
		tail = appendBounded(tail, r)
	}
	return tail, sc.Err()
}

func appendBounded(tail []Record, r Record) []Record {
	if len(tail) >= recentCap {
		copy(tail, tail[1:])
		tail = tail[:len(tail)-1]
	}
	return append(tail, r)
}
