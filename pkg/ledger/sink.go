package ledger

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// FileSink appends entries as JSON lines.
type FileSink struct {
	mu   sync.Mutex
	path string
}

func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

func (s *FileSink) Append(ctx context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (s *FileSink) Since(ctx context.Context, after uint64) ([]Entry, error) {
	all, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range all {
		if e.Sequence > after {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *FileSink) Load(ctx context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var entries []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for n := 1; sc.Scan(); n++ {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("corrupt ledger line %d: %w", n, err)
		}
		entries = append(entries, e)
	}
	return entries, sc.Err()
}

// SQLSink stores entries in the settlement_ledger table.
type SQLSink struct {
	db *sql.DB
}

func NewSQLSink(db *sql.DB) *SQLSink {
	return &SQLSink{db: db}
}

func (s *SQLSink) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS settlement_ledger (
	sequence BIGINT PRIMARY KEY,
	kind TEXT NOT NULL,
	subject TEXT NOT NULL,
	data TEXT NOT NULL,
	ts TIMESTAMP NOT NULL,
	prev_hash TEXT NOT NULL,
	content_hash TEXT NOT NULL UNIQUE
);`)
	return err
}

func (s *SQLSink) Append(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settlement_ledger (sequence, kind, subject, data, ts, prev_hash, content_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, int64(e.Sequence), string(e.Kind), e.Subject, string(data), e.Timestamp, e.PrevHash, e.ContentHash)
	return err
}

func (s *SQLSink) Load(ctx context.Context) ([]Entry, error) {
	return s.Since(ctx, 0)
}

func (s *SQLSink) Since(ctx context.Context, after uint64) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, kind, subject, data, ts, prev_hash, content_hash
		FROM settlement_ledger WHERE sequence > $1 ORDER BY sequence ASC
	`, int64(after))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var (
			e    Entry
			seq  int64
			kind string
			data string
			ts   time.Time
		)
		if err := rows.Scan(&seq, &kind, &e.Subject, &data, &ts, &e.PrevHash, &e.ContentHash); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
			return nil, fmt.Errorf("corrupt ledger data at %d: %w", seq, err)
		}
		e.Sequence = uint64(seq)
		e.Kind = Kind(kind)
		e.Timestamp = ts.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
