// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists policy, credentials, attempt counters, and fingerprints with automatic schema creation.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	watchMu  sync.Mutex
	watchers []func(Policy)
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if path == ":memory:" {
		// A second pooled connection would open a distinct empty database.
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS policy (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS credentials (
			kind    TEXT PRIMARY KEY,
			salt    BLOB NOT NULL,
			hash    BLOB NOT NULL,
			time    INTEGER NOT NULL,
			memory  INTEGER NOT NULL,
			threads INTEGER NOT NULL,
			set_at  DATETIME NOT NULL,

			CHECK (kind IN ('security', 'encryption'))
		);

		CREATE TABLE IF NOT EXISTS credential_history (
			id      INTEGER PRIMARY KEY AUTOINCREMENT,
			kind    TEXT NOT NULL,
			salt    BLOB NOT NULL,
			hash    BLOB NOT NULL,
			time    INTEGER NOT NULL,
			memory  INTEGER NOT NULL,
			threads INTEGER NOT NULL,
			set_at  DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_history_kind
			ON credential_history(kind, id DESC);

		CREATE TABLE IF NOT EXISTS attempts (
			kind    TEXT PRIMARY KEY,
			current INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS fingerprints (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			template    BLOB NOT NULL,
			acquired_at DATETIME NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// policyDefaults are the values used for keys absent from the policy table.
var policyDefaults = Policy{
	MaximumAttempts:  0,
	MinimumLength:    4,
	MaximumLength:    42,
	CodeGeneration:   GenerationNone,
	MaximumAgeDays:   0,
	HistoryLength:    0,
	AutomaticLocking: -1,
	InputIsKeyboard:  false,
}

// Policy returns the current policy values, falling back to defaults for
// keys that have never been written.
func (s *SQLiteStore) Policy(ctx context.Context) (Policy, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM policy")
	if err != nil {
		return Policy{}, fmt.Errorf("querying policy: %w", err)
	}
	defer rows.Close()

	p := policyDefaults
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return Policy{}, fmt.Errorf("scanning policy row: %w", err)
		}
		applyPolicyValue(&p, key, value)
	}
	return p, rows.Err()
}

func applyPolicyValue(p *Policy, key, value string) {
	switch key {
	case "maximum_attempts":
		fmt.Sscanf(value, "%d", &p.MaximumAttempts)
	case "minimum_length":
		fmt.Sscanf(value, "%d", &p.MinimumLength)
	case "maximum_length":
		fmt.Sscanf(value, "%d", &p.MaximumLength)
	case "code_generation":
		var n int
		fmt.Sscanf(value, "%d", &n)
		p.CodeGeneration = CodeGeneration(n)
	case "maximum_age_days":
		fmt.Sscanf(value, "%d", &p.MaximumAgeDays)
	case "history_length":
		fmt.Sscanf(value, "%d", &p.HistoryLength)
	case "automatic_locking":
		var n int64
		fmt.Sscanf(value, "%d", &n)
		p.AutomaticLocking = time.Duration(n)
	case "input_is_keyboard":
		p.InputIsKeyboard = value == "1"
	case "manager_lock":
		p.ManagerLock = value
	}
}

func policyValues(p Policy) map[string]string {
	boolStr := func(b bool) string {
		if b {
			return "1"
		}
		return "0"
	}
	return map[string]string{
		"maximum_attempts":  fmt.Sprintf("%d", p.MaximumAttempts),
		"minimum_length":    fmt.Sprintf("%d", p.MinimumLength),
		"maximum_length":    fmt.Sprintf("%d", p.MaximumLength),
		"code_generation":   fmt.Sprintf("%d", p.CodeGeneration),
		"maximum_age_days":  fmt.Sprintf("%d", p.MaximumAgeDays),
		"history_length":    fmt.Sprintf("%d", p.HistoryLength),
		"automatic_locking": fmt.Sprintf("%d", int64(p.AutomaticLocking)),
		"input_is_keyboard": boolStr(p.InputIsKeyboard),
		"manager_lock":      p.ManagerLock,
	}
}

// UpdatePolicy replaces the policy values and notifies watchers.
func (s *SQLiteStore) UpdatePolicy(ctx context.Context, p Policy) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for key, value := range policyValues(p) {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO policy (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
			key, value,
		); err != nil {
			return fmt.Errorf("writing policy %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing policy: %w", err)
	}

	s.watchMu.Lock()
	watchers := make([]func(Policy), len(s.watchers))
	copy(watchers, s.watchers)
	s.watchMu.Unlock()

	for _, fn := range watchers {
		fn(p)
	}
	return nil
}

// WatchPolicy registers a callback invoked after every UpdatePolicy.
func (s *SQLiteStore) WatchPolicy(fn func(Policy)) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	s.watchers = append(s.watchers, fn)
}

// Credential returns the stored credential for kind, or ErrNotFound.
func (s *SQLiteStore) Credential(ctx context.Context, kind string) (*Credential, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT kind, salt, hash, time, memory, threads, set_at FROM credentials WHERE kind = ?", kind)
	return scanCredential(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (*Credential, error) {
	var c Credential
	err := row.Scan(&c.Kind, &c.Salt, &c.Hash, &c.Time, &c.Memory, &c.Threads, &c.SetAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning credential: %w", err)
	}
	return &c, nil
}

// SetCredential stores a new credential, pushing any previous one onto the
// history ring bounded by the policy's HistoryLength.
func (s *SQLiteStore) SetCredential(ctx context.Context, c *Credential) error {
	p, err := s.Policy(ctx)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if p.HistoryLength > 0 {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO credential_history (kind, salt, hash, time, memory, threads, set_at)
			 SELECT kind, salt, hash, time, memory, threads, set_at FROM credentials WHERE kind = ?`,
			c.Kind,
		); err != nil {
			return fmt.Errorf("archiving credential: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM credential_history WHERE kind = ? AND id NOT IN (
				SELECT id FROM credential_history WHERE kind = ? ORDER BY id DESC LIMIT ?
			)`,
			c.Kind, c.Kind, p.HistoryLength,
		); err != nil {
			return fmt.Errorf("trimming history: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO credentials (kind, salt, hash, time, memory, threads, set_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(kind) DO UPDATE SET
			salt = excluded.salt, hash = excluded.hash, time = excluded.time,
			memory = excluded.memory, threads = excluded.threads, set_at = excluded.set_at`,
		c.Kind, c.Salt, c.Hash, c.Time, c.Memory, c.Threads, c.SetAt,
	); err != nil {
		return fmt.Errorf("storing credential: %w", err)
	}

	return tx.Commit()
}

// ClearCredential removes the credential and its history for kind.
func (s *SQLiteStore) ClearCredential(ctx context.Context, kind string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM credentials WHERE kind = ?", kind); err != nil {
		return fmt.Errorf("clearing credential: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM credential_history WHERE kind = ?", kind); err != nil {
		return fmt.Errorf("clearing history: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM attempts WHERE kind = ?", kind); err != nil {
		return fmt.Errorf("clearing attempts: %w", err)
	}
	return tx.Commit()
}

// CredentialHistory returns previous credentials for kind, newest first.
func (s *SQLiteStore) CredentialHistory(ctx context.Context, kind string) ([]*Credential, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT kind, salt, hash, time, memory, threads, set_at FROM credential_history WHERE kind = ? ORDER BY id DESC",
		kind)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var history []*Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		history = append(history, c)
	}
	return history, rows.Err()
}

// Attempts returns the persisted attempt counter for kind.
func (s *SQLiteStore) Attempts(ctx context.Context, kind string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT current FROM attempts WHERE kind = ?", kind).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("querying attempts: %w", err)
	}
	return n, nil
}

// SetAttempts overwrites the attempt counter for kind.
func (s *SQLiteStore) SetAttempts(ctx context.Context, kind string, n int) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO attempts (kind, current) VALUES (?, ?) ON CONFLICT(kind) DO UPDATE SET current = excluded.current",
		kind, n)
	if err != nil {
		return fmt.Errorf("writing attempts: %w", err)
	}
	return nil
}

// ListFingerprints returns all enrolled fingerprints, oldest first.
func (s *SQLiteStore) ListFingerprints(ctx context.Context) ([]*Fingerprint, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, template, acquired_at FROM fingerprints ORDER BY acquired_at")
	if err != nil {
		return nil, fmt.Errorf("querying fingerprints: %w", err)
	}
	defer rows.Close()

	var fps []*Fingerprint
	for rows.Next() {
		var fp Fingerprint
		if err := rows.Scan(&fp.ID, &fp.Name, &fp.Template, &fp.AcquiredAt); err != nil {
			return nil, fmt.Errorf("scanning fingerprint: %w", err)
		}
		fps = append(fps, &fp)
	}
	return fps, rows.Err()
}

// AddFingerprint stores a newly enrolled fingerprint.
func (s *SQLiteStore) AddFingerprint(ctx context.Context, fp *Fingerprint) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO fingerprints (id, name, template, acquired_at) VALUES (?, ?, ?, ?)",
		fp.ID, fp.Name, fp.Template, fp.AcquiredAt)
	if err != nil {
		return fmt.Errorf("storing fingerprint: %w", err)
	}
	return nil
}

// RenameFingerprint updates the display name of a fingerprint.
func (s *SQLiteStore) RenameFingerprint(ctx context.Context, id, name string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE fingerprints SET name = ? WHERE id = ?", name, id)
	if err != nil {
		return fmt.Errorf("renaming fingerprint: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RemoveFingerprint deletes a fingerprint.
func (s *SQLiteStore) RemoveFingerprint(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM fingerprints WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("removing fingerprint: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
