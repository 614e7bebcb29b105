package storage

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
)

// foldChecksum combines an artifact code into a running list checksum by
// XOR-ing its digest into the accumulator. XOR makes the checksum a
// set-membership accumulator: any permutation of the same appends yields the
// same value, so a client can verify it holds the complete set of entries
// without re-downloading the list.
func foldChecksum(checksum []byte, artifactCode string) []byte {
	digest := sha256.Sum256([]byte(artifactCode))
	out := make([]byte, sha256.Size)
	if len(checksum) == sha256.Size {
		copy(out, checksum)
	}
	for i := 0; i < sha256.Size; i++ {
		out[i] ^= digest[i]
	}
	return out
}

// EnsureListed appends an artifact to the (pubkey, type) list exactly once.
// Assigns the next zero-based position and folds the artifact code into the
// running checksum. Returns true if a new entry was appended.
func (s *Storage) EnsureListed(pubkeyHash, typeHash, artifactCode string) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("failed to begin list append: %w", err)
	}
	defer tx.Rollback()

	var existing int
	if err := tx.QueryRow(`
		SELECT COUNT(1) FROM list_entries
		WHERE pubkey_hash = ? AND type_hash = ? AND artifact_code = ?
	`, pubkeyHash, typeHash, artifactCode).Scan(&existing); err != nil {
		return false, fmt.Errorf("failed to check list membership: %w", err)
	}
	if existing > 0 {
		return false, nil
	}

	var checksum []byte
	err = tx.QueryRow(`
		SELECT checksum FROM lists WHERE pubkey_hash = ? AND type_hash = ?
	`, pubkeyHash, typeHash).Scan(&checksum)
	if err == sql.ErrNoRows {
		checksum = make([]byte, sha256.Size)
		if _, err := tx.Exec(`
			INSERT INTO lists (pubkey_hash, type_hash, checksum, status) VALUES (?, ?, ?, ?)
		`, pubkeyHash, typeHash, checksum, ListLoading); err != nil {
			return false, fmt.Errorf("failed to create list: %w", err)
		}
	} else if err != nil {
		return false, fmt.Errorf("failed to read list checksum: %w", err)
	}

	var position int64
	if err := tx.QueryRow(`
		SELECT COALESCE(MAX(position) + 1, 0) FROM list_entries
		WHERE pubkey_hash = ? AND type_hash = ?
	`, pubkeyHash, typeHash).Scan(&position); err != nil {
		return false, fmt.Errorf("failed to assign position: %w", err)
	}

	checksum = foldChecksum(checksum, artifactCode)

	// A retraction may already be on record for this artifact under this key
	var invalidated int
	if err := tx.QueryRow(`
		SELECT COUNT(1) FROM invalidations
		WHERE invalidated_artifact = ? AND invalidating_key_hash = ?
	`, artifactCode, pubkeyHash).Scan(&invalidated); err != nil {
		return false, fmt.Errorf("failed to check invalidation: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO list_entries (pubkey_hash, type_hash, position, artifact_code, checksum, invalidated)
		VALUES (?, ?, ?, ?, ?, ?)
	`, pubkeyHash, typeHash, position, artifactCode, hex.EncodeToString(checksum), invalidated); err != nil {
		return false, fmt.Errorf("failed to append list entry: %w", err)
	}

	if _, err := tx.Exec(`
		UPDATE lists SET checksum = ? WHERE pubkey_hash = ? AND type_hash = ?
	`, checksum, pubkeyHash, typeHash); err != nil {
		return false, fmt.Errorf("failed to update list checksum: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit list append: %w", err)
	}
	return true, nil
}

// ListEntries returns the ordered entries of a (pubkey, type) list.
// Invalidated entries are excluded unless includeInvalidated is set
// (audit/debug consumption).
func (s *Storage) ListEntries(pubkeyHash, typeHash string, includeInvalidated bool) ([]*ListEntry, error) {
	query := `
		SELECT pubkey_hash, type_hash, position, artifact_code, checksum, invalidated
		FROM list_entries
		WHERE pubkey_hash = ? AND type_hash = ?`
	if !includeInvalidated {
		query += " AND invalidated = 0"
	}
	query += " ORDER BY position ASC"

	rows, err := s.db.Query(query, pubkeyHash, typeHash)
	if err != nil {
		return nil, fmt.Errorf("failed to load list entries: %w", err)
	}
	defer rows.Close()

	var entries []*ListEntry
	for rows.Next() {
		var e ListEntry
		if err := rows.Scan(&e.PubkeyHash, &e.TypeHash, &e.Position, &e.ArtifactCode, &e.Checksum, &e.Invalidated); err != nil {
			return nil, fmt.Errorf("failed to scan list entry: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating list entries: %w", err)
	}
	return entries, nil
}

// ListChecksum returns the current hex checksum of a list, or the zero
// checksum for an unknown list.
func (s *Storage) ListChecksum(pubkeyHash, typeHash string) (string, error) {
	var checksum []byte
	err := s.db.QueryRow(`
		SELECT checksum FROM lists WHERE pubkey_hash = ? AND type_hash = ?
	`, pubkeyHash, typeHash).Scan(&checksum)
	if err == sql.ErrNoRows {
		return hex.EncodeToString(make([]byte, sha256.Size)), nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read list checksum: %w", err)
	}
	return hex.EncodeToString(checksum), nil
}

// ListStatus returns the load status of a list ("" for an unknown list).
func (s *Storage) ListStatus(pubkeyHash, typeHash string) (string, error) {
	var status string
	err := s.db.QueryRow(`
		SELECT status FROM lists WHERE pubkey_hash = ? AND type_hash = ?
	`, pubkeyHash, typeHash).Scan(&status)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read list status: %w", err)
	}
	return status, nil
}

// MarkListLoaded transitions a list to the loaded state, creating the list
// row if no entry was ever appended (an empty but fully fetched list).
func (s *Storage) MarkListLoaded(pubkeyHash, typeHash string) error {
	if _, err := s.db.Exec(`
		INSERT INTO lists (pubkey_hash, type_hash, checksum, status) VALUES (?, ?, ?, ?)
		ON CONFLICT (pubkey_hash, type_hash) DO UPDATE SET status = excluded.status
	`, pubkeyHash, typeHash, make([]byte, sha256.Size), ListLoaded); err != nil {
		return fmt.Errorf("failed to mark list loaded: %w", err)
	}
	return nil
}

// ResetListStatuses moves every loaded list back to loading so the next crawl
// generation re-fetches it. Entries and checksums are kept; appends are
// idempotent.
func (s *Storage) ResetListStatuses() error {
	if _, err := s.db.Exec("UPDATE lists SET status = ?", ListLoading); err != nil {
		return fmt.Errorf("failed to reset list statuses: %w", err)
	}
	return nil
}
