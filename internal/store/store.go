package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver
)

const (
	currentSchemaVersion = 1
)

// Store owns the lineup database. The connection pool is capped at one
// connection: all mutation is serialized through the pipeline's single
// writer, and SQLite does not tolerate concurrent writers anyway.
type Store struct {
	db *sql.DB
}

// Open opens or creates the lineup database at the given path
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=30000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{db: db}

	if err := store.applyPragmas(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return store, nil
}

// applyPragmas tunes SQLite for a long bulk-insert workload
func (s *Store) applyPragmas() error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",

		// NORMAL is safe with WAL: fsync at checkpoints instead of
		// every commit
		"PRAGMA synchronous = NORMAL",

		// 64MB cache (negative value = KB)
		"PRAGMA cache_size = -64000",
		"PRAGMA temp_store = MEMORY",
	}

	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for custom queries
func (s *Store) DB() *sql.DB {
	return s.db
}

// Begin starts a write transaction. The pipeline writer holds one open
// transaction per batch and commits at batch boundaries.
func (s *Store) Begin() (*sql.Tx, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return tx, nil
}

// migrate applies database migrations. Secondary indexes are NOT part
// of the migrated schema: they are created by CreateIndexes only after
// a completed bulk load.
func (s *Store) migrate() error {
	version, err := s.getSchemaVersion()
	if err != nil {
		return err
	}

	if version >= currentSchemaVersion {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if version < 1 {
		if _, err := tx.Exec(schemaV1); err != nil {
			return fmt.Errorf("failed to apply schema v1: %w", err)
		}
		if err := s.setSchemaVersion(tx, 1); err != nil {
			return fmt.Errorf("failed to set schema version: %w", err)
		}
	}

	// Future migrations would go here:
	// if version < 2 { ... }

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	return nil
}

// getSchemaVersion returns the current schema version
func (s *Store) getSchemaVersion() (int, error) {
	var exists int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM sqlite_master
		WHERE type='table' AND name='schema_version'
	`).Scan(&exists)
	if err != nil {
		return 0, err
	}

	if exists == 0 {
		return 0, nil
	}

	var version int
	err = s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, err
	}

	return version, nil
}

// setSchemaVersion records a schema version in a transaction
func (s *Store) setSchemaVersion(tx *sql.Tx, version int) error {
	_, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version)
	return err
}

// CreateIndexes builds the secondary indexes. Deferred to the end of a
// run so the bulk load does not pay index maintenance per insert.
func (s *Store) CreateIndexes() error {
	if _, err := s.db.Exec(indexSQL); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}

// SetMetadata upserts a run-metadata key/value pair
func (s *Store) SetMetadata(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO metadata (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set metadata %s: %w", key, err)
	}
	return nil
}

// Station lifecycle values for the source column
const (
	SourceBase     = "base"
	SourceEnhanced = "enhanced"
)

// Market is a (country, postal code) service area
type Market struct {
	Country    string
	PostalCode string
	City       string
	State      string
	Timezone   string
}

// Lineup is one distribution provider's channel bundle
type Lineup struct {
	LineupID string
	Name     string
	Location string
	Type     string
	Device   string
	MSOID    string
	MSOName  string
}

// Station is a broadcast channel entity, independent of any lineup.
// Source starts as "base" and is promoted to "enhanced" once the
// detail fetch has filled in the richer fields.
type Station struct {
	StationID    string
	CallSign     string
	Name         string
	Type         string
	BcastLangs   string
	LogoURI      string
	LogoWidth    int
	LogoHeight   int
	LogoCategory string
	LogoPrimary  bool
	Source       string
}

// LineupMarket maps a lineup to a market it serves
type LineupMarket struct {
	LineupID   string
	Country    string
	PostalCode string
}

// StationLineup records that a station appears on a lineup, with the
// channel-specific broadcast attributes
type StationLineup struct {
	StationID         string
	LineupID          string
	ChannelNumber     string
	AffiliateID       string
	AffiliateCallSign string
	SignalType        string
	VideoType         string
	Resolution        string
}

// StationRef identifies a station for the enhancement phase
type StationRef struct {
	StationID string
	CallSign  string
}
