package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// migrations is an ordered list of SQL statements applied on startup.
// Each entry is idempotent (IF NOT EXISTS) so re-running is safe.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS devices (
		id             TEXT PRIMARY KEY,
		name           TEXT NOT NULL,
		requested_name TEXT NOT NULL DEFAULT '',
		cert_serial    TEXT NOT NULL DEFAULT '',
		cert           TEXT NOT NULL DEFAULT '',
		enrolled_at    TEXT NOT NULL,
		last_seen      TEXT NOT NULL,
		revoked_at     TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS enrollment_tokens (
		id           TEXT PRIMARY KEY,
		code_hash    TEXT UNIQUE NOT NULL,
		label        TEXT NOT NULL DEFAULT '',
		max_uses     INTEGER NOT NULL DEFAULT 1,
		uses         INTEGER NOT NULL DEFAULT 0,
		created_at   TEXT NOT NULL,
		expires_at   TEXT NOT NULL,
		last_used_at TEXT,
		last_used_by TEXT
	)`,
}

const deviceColumns = `id, name, requested_name, cert_serial, cert, enrolled_at, last_seen, revoked_at`

const tokenColumns = `id, code_hash, label, max_uses, uses, created_at, expires_at, last_used_at, last_used_by`

// SQLiteStore implements Store using a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at path and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_journal=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	for _, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

// --- Devices ---

func (s *SQLiteStore) CreateDevice(ctx context.Context, d *Device) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (`+deviceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, NULL)`,
		d.ID, d.Name, d.RequestedName, d.CertSerial, d.Cert,
		formatTime(d.EnrolledAt), formatTime(d.LastSeen))
	if err != nil {
		return fmt.Errorf("create device %s: %w", d.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetDevice(ctx context.Context, id string) (*Device, error) {
	d, err := scanDevice(s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("device %s: %w", id, ErrNotFound)
	}
	return d, err
}

func (s *SQLiteStore) ListDevices(ctx context.Context) ([]*Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM devices ORDER BY enrolled_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var devices []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

func (s *SQLiteStore) UpdateDeviceSeen(ctx context.Context, id string, t time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE devices SET last_seen = ? WHERE id = ?`, formatTime(t), id)
	return err
}

// MarkDeviceRevoked stamps the revocation time. A device revoked earlier
// keeps its first revocation time.
func (s *SQLiteStore) MarkDeviceRevoked(ctx context.Context, id string, t time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET revoked_at = COALESCE(revoked_at, ?) WHERE id = ?`, formatTime(t), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("device %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanDevice(row rowScanner) (*Device, error) {
	var d Device
	var enrolled, seen string
	var revoked sql.NullString
	if err := row.Scan(&d.ID, &d.Name, &d.RequestedName, &d.CertSerial, &d.Cert, &enrolled, &seen, &revoked); err != nil {
		return nil, err
	}
	d.EnrolledAt = parseTime(enrolled)
	d.LastSeen = parseTime(seen)
	d.RevokedAt = parseNullTime(revoked)
	return &d, nil
}

// --- Enrollment Tokens ---

func (s *SQLiteStore) CreateEnrollmentToken(ctx context.Context, t *EnrollmentToken) error {
	maxUses := t.MaxUses
	if maxUses < 1 {
		maxUses = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO enrollment_tokens (id, code_hash, label, max_uses, uses, created_at, expires_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?)`,
		t.ID, t.CodeHash, t.Label, maxUses, formatTime(t.CreatedAt), formatTime(t.ExpiresAt))
	return err
}

// ConsumeEnrollmentToken records one use of the code with the given hash.
// It fails with ErrNotFound, ErrTokenExpired or ErrTokenExhausted.
func (s *SQLiteStore) ConsumeEnrollmentToken(ctx context.Context, codeHash, deviceID string, now time.Time) (*EnrollmentToken, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	t, err := scanToken(tx.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM enrollment_tokens WHERE code_hash = ?`, codeHash))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("enrollment code: %w", ErrNotFound)
		}
		return nil, err
	}

	if t.Uses >= t.MaxUses {
		return nil, ErrTokenExhausted
	}
	if now.After(t.ExpiresAt) {
		return nil, ErrTokenExpired
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE enrollment_tokens SET uses = uses + 1, last_used_at = ?, last_used_by = ? WHERE id = ?`,
		formatTime(now), deviceID, t.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	t.Uses++
	t.LastUsedAt = &now
	t.LastUsedBy = deviceID
	return t, nil
}

func (s *SQLiteStore) ReleaseEnrollmentToken(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE enrollment_tokens SET uses = uses - 1 WHERE id = ? AND uses > 0`, id)
	return err
}

func (s *SQLiteStore) ListEnrollmentTokens(ctx context.Context) ([]*EnrollmentToken, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+tokenColumns+` FROM enrollment_tokens ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var tokens []*EnrollmentToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func (s *SQLiteStore) DeleteEnrollmentToken(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM enrollment_tokens WHERE id = ?`, id)
	return err
}

func scanToken(row rowScanner) (*EnrollmentToken, error) {
	var t EnrollmentToken
	var created, expires string
	var usedAt, usedBy sql.NullString
	if err := row.Scan(&t.ID, &t.CodeHash, &t.Label, &t.MaxUses, &t.Uses, &created, &expires, &usedAt, &usedBy); err != nil {
		return nil, err
	}
	t.CreatedAt = parseTime(created)
	t.ExpiresAt = parseTime(expires)
	t.LastUsedAt = parseNullTime(usedAt)
	t.LastUsedBy = usedBy.String
	return &t, nil
}
