package storage

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Storage handles all database operations
type Storage struct {
	db *sql.DB
}

// generationTables are the crawl-generation-scoped tables. Each exists twice:
// the live copy serving reads and a "_loading" shadow the engine writes to.
var generationTables = []string{"accounts", "trust_edges", "trust_paths", "agent_aggregates", "endorsements"}

// NewStorage creates a new Storage instance, opening/creating the DB and initializing schema
func NewStorage(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	storage := &Storage{db: db}

	// Initialize schema
	if err := storage.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return storage, nil
}

// generationSchema returns the DDL for one generation-scoped table under the
// given name. Used both at startup and when re-creating shadow tables after a
// promotion.
func generationSchema(base, name string) string {
	switch base {
	case "accounts":
		return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			agent TEXT NOT NULL,
			pubkey_hash TEXT NOT NULL,
			depth INTEGER NOT NULL,
			status TEXT NOT NULL,
			ratio REAL DEFAULT 0,
			path_count INTEGER DEFAULT 0,
			PRIMARY KEY (agent, pubkey_hash)
		);
		CREATE INDEX IF NOT EXISTS idx_%s_status ON %s(status, depth);`, name, name, name)
	case "trust_edges":
		return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			from_agent TEXT NOT NULL,
			from_pubkey_hash TEXT NOT NULL,
			to_agent TEXT NOT NULL,
			to_pubkey_hash TEXT NOT NULL,
			source_artifact TEXT NOT NULL,
			invalidated INTEGER DEFAULT 0,
			UNIQUE (from_agent, to_agent, source_artifact)
		);
		CREATE INDEX IF NOT EXISTS idx_%s_from ON %s(from_agent, from_pubkey_hash);
		CREATE INDEX IF NOT EXISTS idx_%s_source ON %s(source_artifact, from_pubkey_hash);`,
			name, name, name, name, name)
	case "trust_paths":
		return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			agent TEXT NOT NULL,
			pubkey_hash TEXT NOT NULL,
			depth INTEGER NOT NULL,
			ratio REAL NOT NULL,
			sorthash TEXT NOT NULL,
			kind TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_%s_account ON %s(agent, pubkey_hash);`, name, name, name)
	case "agent_aggregates":
		return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			agent TEXT PRIMARY KEY,
			account_count INTEGER NOT NULL,
			avg_path_count REAL NOT NULL,
			total_ratio REAL NOT NULL
		);`, name)
	case "endorsements":
		return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent TEXT NOT NULL,
			pubkey_hash TEXT NOT NULL,
			source_artifact TEXT NOT NULL,
			target TEXT NOT NULL,
			status TEXT NOT NULL,
			UNIQUE (agent, pubkey_hash, target)
		);
		CREATE INDEX IF NOT EXISTS idx_%s_status ON %s(status);`, name, name, name)
	}
	panic("unknown generation table: " + base)
}

// generationIndexNames returns the names of the indexes generationSchema
// creates for one generation table under the given name.
func generationIndexNames(base, name string) []string {
	switch base {
	case "accounts", "endorsements":
		return []string{fmt.Sprintf("idx_%s_status", name)}
	case "trust_edges":
		return []string{fmt.Sprintf("idx_%s_from", name), fmt.Sprintf("idx_%s_source", name)}
	case "trust_paths":
		return []string{fmt.Sprintf("idx_%s_account", name)}
	case "agent_aggregates":
		return nil
	}
	panic("unknown generation table: " + base)
}

// initSchema creates tables and indices if they don't exist
func (s *Storage) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS publications (
		artifact_code TEXT PRIMARY KEY,
		full_id TEXT NOT NULL,
		type TEXT NOT NULL,
		agent TEXT NOT NULL,
		pubkey TEXT NOT NULL,
		pubkey_hash TEXT NOT NULL,
		seq INTEGER UNIQUE NOT NULL,
		raw BLOB NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS invalidations (
		invalidating_artifact TEXT NOT NULL,
		invalidating_key_hash TEXT NOT NULL,
		invalidated_artifact TEXT NOT NULL,
		UNIQUE (invalidating_artifact, invalidated_artifact)
	);

	CREATE TABLE IF NOT EXISTS lists (
		pubkey_hash TEXT NOT NULL,
		type_hash TEXT NOT NULL,
		checksum BLOB NOT NULL,
		status TEXT NOT NULL,
		PRIMARY KEY (pubkey_hash, type_hash)
	);

	CREATE TABLE IF NOT EXISTS list_entries (
		pubkey_hash TEXT NOT NULL,
		type_hash TEXT NOT NULL,
		position INTEGER NOT NULL,
		artifact_code TEXT NOT NULL,
		checksum TEXT NOT NULL,
		invalidated INTEGER DEFAULT 0,
		PRIMARY KEY (pubkey_hash, type_hash, position),
		UNIQUE (pubkey_hash, type_hash, artifact_code)
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		not_before INTEGER NOT NULL,
		action TEXT NOT NULL,
		depth INTEGER DEFAULT 0,
		load_count INTEGER DEFAULT 0,
		params TEXT DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(not_before);

	CREATE TABLE IF NOT EXISTS server_info (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_invalidations_target ON invalidations(invalidated_artifact, invalidating_key_hash);
	CREATE INDEX IF NOT EXISTS idx_entries_artifact ON list_entries(artifact_code, pubkey_hash);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Live and shadow copies of every crawl-generation table
	for _, base := range generationTables {
		if _, err := s.db.Exec(generationSchema(base, base)); err != nil {
			return fmt.Errorf("failed to create %s: %w", base, err)
		}
		if _, err := s.db.Exec(generationSchema(base, base+"_loading")); err != nil {
			return fmt.Errorf("failed to create %s_loading: %w", base, err)
		}
	}

	return nil
}

// PromoteLoading atomically replaces the live crawl-generation tables with the
// shadow "_loading" ones and re-creates empty shadows. Readers observe either
// the previous complete generation or the new one, never a mix.
func (s *Storage) PromoteLoading() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin promotion: %w", err)
	}
	defer tx.Rollback()

	for _, base := range generationTables {
		if _, err := tx.Exec("DROP TABLE IF EXISTS " + base); err != nil {
			return fmt.Errorf("failed to drop %s: %w", base, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("ALTER TABLE %s_loading RENAME TO %s", base, base)); err != nil {
			return fmt.Errorf("failed to promote %s: %w", base, err)
		}
		// The rename carries the shadow-named indexes along; re-key them to
		// the live name so the recreated shadow gets fresh indexes of its own
		for _, idx := range generationIndexNames(base, base+"_loading") {
			if _, err := tx.Exec("DROP INDEX IF EXISTS " + idx); err != nil {
				return fmt.Errorf("failed to drop stale index %s: %w", idx, err)
			}
		}
		if _, err := tx.Exec(generationSchema(base, base)); err != nil {
			return fmt.Errorf("failed to reindex %s: %w", base, err)
		}
		if _, err := tx.Exec(generationSchema(base, base+"_loading")); err != nil {
			return fmt.Errorf("failed to recreate %s_loading: %w", base, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit promotion: %w", err)
	}
	return nil
}

// ResetLoading drops and re-creates all shadow tables, discarding any
// partially built generation.
func (s *Storage) ResetLoading() error {
	for _, base := range generationTables {
		if _, err := s.db.Exec(fmt.Sprintf("DROP TABLE IF EXISTS %s_loading", base)); err != nil {
			return fmt.Errorf("failed to drop %s_loading: %w", base, err)
		}
		if _, err := s.db.Exec(generationSchema(base, base+"_loading")); err != nil {
			return fmt.Errorf("failed to recreate %s_loading: %w", base, err)
		}
	}
	return nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	return s.db.Close()
}
