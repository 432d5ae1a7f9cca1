// Package keystore persists the node's named private keys. Keys are sealed
// before they reach the SQLite database and are only ever returned as PEM.
package keystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// ErrKeyNotFound is returned by Fetch for an unknown key id.
var ErrKeyNotFound = errors.New("keystore: key not found")

// KeyStore generates, stores, fetches and deletes named private keys.
// Implementations must be safe for concurrent use.
type KeyStore interface {
	// GenerateAndStore returns the key stored under keyID, generating it
	// first when absent.
	GenerateAndStore(ctx context.Context, role, keyID string) ([]byte, error)
	Fetch(ctx context.Context, keyID string) ([]byte, error)
	// Delete removes keyID and reports whether it existed.
	Delete(ctx context.Context, keyID string) (bool, error)
	Close() error
}

// Generator produces a new PEM private key.
type Generator func() ([]byte, error)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS keys (
		id         TEXT PRIMARY KEY,
		role       TEXT NOT NULL DEFAULT '',
		sealed     BLOB NOT NULL,
		created_at TEXT NOT NULL
	)`,
}

// SQLiteKeyStore implements KeyStore on a SQLite database.
type SQLiteKeyStore struct {
	db       *sql.DB
	sealer   *Sealer
	generate Generator
}

// Open opens (or creates) the key database at path. Keys are sealed with
// sealer; new keys come from generate.
func Open(path string, sealer *Sealer, generate Generator) (*SQLiteKeyStore, error) {
	dsn := fmt.Sprintf("%s?_journal=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open key database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			db.Close() //nolint:errcheck
			return nil, fmt.Errorf("migration: %w", err)
		}
	}
	return &SQLiteKeyStore{db: db, sealer: sealer, generate: generate}, nil
}

func (s *SQLiteKeyStore) Close() error { return s.db.Close() }

func (s *SQLiteKeyStore) GenerateAndStore(ctx context.Context, role, keyID string) ([]byte, error) {
	key, err := s.Fetch(ctx, keyID)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return nil, err
	}

	key, err = s.generate()
	if err != nil {
		return nil, err
	}
	sealed, err := s.sealer.Seal(keyID, key)
	if err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO keys (id, role, sealed, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		keyID, role, sealed, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("store key %s: %w", keyID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost a race with another writer; theirs wins.
		return s.Fetch(ctx, keyID)
	}
	return key, nil
}

func (s *SQLiteKeyStore) Fetch(ctx context.Context, keyID string) ([]byte, error) {
	var sealed []byte
	err := s.db.QueryRowContext(ctx, `SELECT sealed FROM keys WHERE id = ?`, keyID).Scan(&sealed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
		}
		return nil, err
	}
	return s.sealer.Open(keyID, sealed)
}

func (s *SQLiteKeyStore) Delete(ctx context.Context, keyID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM keys WHERE id = ?`, keyID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
