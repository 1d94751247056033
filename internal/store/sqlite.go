package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"knockd/internal/knock"
)

// Store is the SQLite pattern store.
type Store struct {
	db *sql.DB
}

type openOptions struct {
	busyTimeout time.Duration
}

// Option configures Open.
type Option func(*openOptions)

// WithBusyTimeout sets how long a writer waits on a locked database.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *openOptions) { o.busyTimeout = d }
}

// Open opens or creates the SQLite database at path and runs migrations.
func Open(path string, opts ...Option) (*Store, error) {
	o := openOptions{busyTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d", path, o.busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SavePattern validates and inserts p, assigning its ID, digest and
// creation time.
func (s *Store) SavePattern(p *Pattern) error {
	if p.Name == "" || !p.Beats.Valid() {
		return ErrInvalidPattern
	}

	beats, err := json.Marshal(p.Beats)
	if err != nil {
		return fmt.Errorf("encode beats: %w", err)
	}

	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	p.Digest = knock.Fingerprint(p.Beats)
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}

	_, err = s.db.Exec(`
		INSERT INTO patterns (id, name, beats, beat_count, digest, threshold, allowed_errors, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, string(beats), p.Beats.Len(), p.Digest, p.Threshold, p.AllowedErrors, p.CreatedAt.UnixNano(),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return fmt.Errorf("%w: %s", ErrDuplicateName, p.Name)
		}
		return fmt.Errorf("insert pattern: %w", err)
	}
	return nil
}

const patternColumns = `id, name, beats, digest, threshold, allowed_errors, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPattern(row rowScanner) (*Pattern, error) {
	var (
		p         Pattern
		beats     string
		threshold sql.NullFloat64
		allowed   sql.NullInt64
		createdAt int64
	)
	if err := row.Scan(&p.ID, &p.Name, &beats, &p.Digest, &threshold, &allowed, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(beats), &p.Beats); err != nil {
		return nil, fmt.Errorf("decode beats of %s: %w", p.ID, err)
	}
	if threshold.Valid {
		p.Threshold = &threshold.Float64
	}
	if allowed.Valid {
		n := int(allowed.Int64)
		p.AllowedErrors = &n
	}
	p.CreatedAt = time.Unix(0, createdAt)
	return &p, nil
}

func (s *Store) getPattern(query string, arg any) (*Pattern, error) {
	p, err := scanPattern(s.db.QueryRow(query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get pattern: %w", err)
	}
	return p, nil
}

// GetPattern retrieves a pattern by ID.
func (s *Store) GetPattern(id string) (*Pattern, error) {
	return s.getPattern(`SELECT `+patternColumns+` FROM patterns WHERE id = ?`, id)
}

// GetPatternByName retrieves a pattern by its unique name.
func (s *Store) GetPatternByName(name string) (*Pattern, error) {
	return s.getPattern(`SELECT `+patternColumns+` FROM patterns WHERE name = ?`, name)
}

// ListPatterns returns all patterns ordered by name.
func (s *Store) ListPatterns() ([]*Pattern, error) {
	rows, err := s.db.Query(`SELECT ` + patternColumns + ` FROM patterns ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	defer rows.Close()

	var patterns []*Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pattern: %w", err)
		}
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}

// DeletePattern removes a pattern and its attempts.
func (s *Store) DeletePattern(id string) error {
	res, err := s.db.Exec(`DELETE FROM patterns WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete pattern: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete pattern: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountPatterns returns the number of stored patterns.
func (s *Store) CountPatterns() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM patterns`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count patterns: %w", err)
	}
	return n, nil
}

// RecordAttempt stores a verification attempt and sets its ID.
func (s *Store) RecordAttempt(a *Attempt) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}

	res, err := s.db.Exec(`
		INSERT INTO attempts (pattern_id, matched, length_mismatch, errors, max_deviation, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.PatternID, a.Matched, a.LengthMismatch, a.Errors, a.MaxDeviation, a.CreatedAt.UnixNano(),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey {
			return ErrNotFound
		}
		return fmt.Errorf("insert attempt: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("get last insert id: %w", err)
	}
	a.ID = id
	return nil
}

// ListAttempts returns up to limit attempts against a pattern, newest first.
// A limit of zero or less returns them all.
func (s *Store) ListAttempts(patternID string, limit int) ([]*Attempt, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.Query(`
		SELECT id, pattern_id, matched, length_mismatch, errors, max_deviation, created_at
		FROM attempts WHERE pattern_id = ?
		ORDER BY id DESC LIMIT ?`, patternID, limit)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*Attempt
	for rows.Next() {
		var (
			a         Attempt
			createdAt int64
		)
		if err := rows.Scan(&a.ID, &a.PatternID, &a.Matched, &a.LengthMismatch, &a.Errors, &a.MaxDeviation, &createdAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.CreatedAt = time.Unix(0, createdAt)
		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}
