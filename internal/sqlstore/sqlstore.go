// Package sqlstore persists Settings and the dictionary to a local
// relational file (§6 "Persistence (local)"), using modernc.org/sqlite
// (pure Go, no cgo).
package sqlstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/anonamoose/gateway/internal/config"
	"github.com/anonamoose/gateway/internal/detect"
)

const schema = `
CREATE TABLE IF NOT EXISTS settings (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS dictionary (
	term           TEXT NOT NULL,
	category       TEXT NOT NULL,
	case_sensitive BOOLEAN NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_dictionary_term ON dictionary(term);
`

// DB wraps the sqlite connection backing settings and dictionary storage.
type DB struct {
	conn *sql.DB
}

// Open opens (creating if absent) the sqlite file at path and applies the
// schema.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", path, err)
	}
	if _, err := conn.Exec(schema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return &DB{conn: conn}, nil
}

func (db *DB) Close() error { return db.conn.Close() }

// SaveSettings persists every Settings field as a JSON-valued row, keyed by
// field name, per the `settings(key, value, updated_at)` schema (§6).
func (db *DB) SaveSettings(settings *config.Settings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("sqlstore: marshal settings: %w", err)
	}
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(raw, &flat); err != nil {
		return fmt.Errorf("sqlstore: flatten settings: %w", err)
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("sqlstore: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op once committed

	now := time.Now().UTC()
	for key, value := range flat {
		if _, err := tx.Exec(
			`INSERT INTO settings(key, value, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, string(value), now,
		); err != nil {
			return fmt.Errorf("sqlstore: upsert setting %s: %w", key, err)
		}
	}
	return tx.Commit()
}

// LoadSettings reconstructs a Settings value from persisted rows, starting
// from defaults for any key not yet persisted.
func (db *DB) LoadSettings(defaults *config.Settings) (*config.Settings, error) {
	rows, err := db.conn.Query(`SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: query settings: %w", err)
	}
	defer rows.Close()

	flat := map[string]json.RawMessage{}
	defaultsRaw, err := json.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: marshal defaults: %w", err)
	}
	if err := json.Unmarshal(defaultsRaw, &flat); err != nil {
		return nil, fmt.Errorf("sqlstore: flatten defaults: %w", err)
	}

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("sqlstore: scan setting row: %w", err)
		}
		flat[key] = json.RawMessage(value)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	merged, err := json.Marshal(flat)
	if err != nil {
		return nil, err
	}
	var settings config.Settings
	if err := json.Unmarshal(merged, &settings); err != nil {
		return nil, fmt.Errorf("sqlstore: unmarshal merged settings: %w", err)
	}
	return &settings, nil
}

// ListDictionary returns every persisted DictionaryEntry.
func (db *DB) ListDictionary() ([]detect.DictionaryEntry, error) {
	rows, err := db.conn.Query(`SELECT term, category, case_sensitive FROM dictionary ORDER BY term`)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: query dictionary: %w", err)
	}
	defer rows.Close()

	var entries []detect.DictionaryEntry
	for rows.Next() {
		var e detect.DictionaryEntry
		if err := rows.Scan(&e.Term, &e.Category, &e.CaseSensitive); err != nil {
			return nil, fmt.Errorf("sqlstore: scan dictionary row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// UpsertDictionaryEntry inserts a dictionary term, or updates the category and
// case_sensitive flag of the row with exactly the same term text. Terms are
// stored verbatim and compared case-sensitively whatever CaseSensitive says,
// so "Acme" and "acme" are kept as two rows.
func (db *DB) UpsertDictionaryEntry(e detect.DictionaryEntry) error {
	_, err := db.conn.Exec(
		`INSERT INTO dictionary(term, category, case_sensitive) VALUES (?, ?, ?)
		 ON CONFLICT(term) DO UPDATE SET category = excluded.category, case_sensitive = excluded.case_sensitive`,
		e.Term, e.Category, e.CaseSensitive,
	)
	if err != nil {
		return fmt.Errorf("sqlstore: upsert dictionary entry %q: %w", e.Term, err)
	}
	return nil
}

// DeleteDictionaryEntry removes a term. Returns false if no row matched.
func (db *DB) DeleteDictionaryEntry(term string) (bool, error) {
	res, err := db.conn.Exec(`DELETE FROM dictionary WHERE term = ?`, term)
	if err != nil {
		return false, fmt.Errorf("sqlstore: delete dictionary entry %q: %w", term, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
