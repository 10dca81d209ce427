package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/gzhole/consentgate/internal/audit"

	_ "modernc.org/sqlite"
)

// appendTimeout bounds a single insert so a stuck database cannot hold the
// gateway lock indefinitely.
const appendTimeout = 2 * time.Second

// SQLite stores entries in one append-only table keyed by sequence.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens dsn with the pure-Go sqlite driver.
func OpenSQLite(dsn string) (*SQLite, error) {
	if dsn == "" {
		return nil, fmt.Errorf("sqlite store: empty dsn")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	s, err := NewSQLite(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLite wraps an open database and creates the table if needed.
func NewSQLite(db *sql.DB) (*SQLite, error) {
	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate audit_entries: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		seq INTEGER PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		subject TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL,
		payload_hash TEXT NOT NULL,
		prev_hash TEXT NOT NULL,
		hash TEXT NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLite) Append(e audit.Entry) error {
	ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
	defer cancel()

	query := `INSERT INTO audit_entries (
		seq, id, kind, timestamp, subject, payload, payload_hash, prev_hash, hash
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		e.Seq, e.ID, string(e.Kind), e.Timestamp.UTC().Format(time.RFC3339Nano), e.Subject,
		string(e.Payload), e.PayloadHash, e.PrevHash, e.Hash,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry %d: %w", e.Seq, err)
	}
	return nil
}

func (s *SQLite) Load(ctx context.Context) ([]audit.Entry, error) {
	query := `
		SELECT seq, id, kind, timestamp, subject, payload, payload_hash, prev_hash, hash
		FROM audit_entries
		ORDER BY seq ASC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []audit.Entry
	for rows.Next() {
		var (
			e       audit.Entry
			kind    string
			ts      string
			payload string
		)
		if err := rows.Scan(&e.Seq, &e.ID, &kind, &ts, &e.Subject, &payload, &e.PayloadHash, &e.PrevHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Kind = audit.EntryKind(kind)
		e.Payload = []byte(payload)
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("entry %d timestamp: %w", e.Seq, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
