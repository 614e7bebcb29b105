package storage

import (
	"database/sql"
	"fmt"

	"github.com/nanopub-net/nanoreg/internal/nanopub"
	"github.com/sirupsen/logrus"
)

// IngestPublication verifies, stores and indexes a submitted publication.
// The whole operation is transactional: either the publication row, its
// invalidation records and all propagated tombstones are written, or nothing
// is. Re-submitting identical content is a no-op reported as a duplicate.
func (s *Storage) IngestPublication(pub *nanopub.Publication) (IngestStatus, error) {
	if err := pub.Verify(); err != nil {
		return IngestRejected, fmt.Errorf("signature check failed: %w", err)
	}

	code := pub.ArtifactCode()
	keyHash := nanopub.KeyHash(pub.Pubkey)

	raw, err := pub.Encode()
	if err != nil {
		return IngestRejected, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return IngestRejected, fmt.Errorf("failed to begin ingestion: %w", err)
	}
	defer tx.Rollback()

	var existing int
	if err := tx.QueryRow("SELECT COUNT(1) FROM publications WHERE artifact_code = ?", code).Scan(&existing); err != nil {
		return IngestRejected, fmt.Errorf("failed to check for duplicate: %w", err)
	}
	if existing > 0 {
		return IngestDuplicate, nil
	}

	if _, err := tx.Exec(`
		INSERT INTO publications (artifact_code, full_id, type, agent, pubkey, pubkey_hash, seq, raw)
		VALUES (?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM publications), ?)
	`, code, pub.FullID, pub.Type, pub.Agent, pub.Pubkey, keyHash, raw); err != nil {
		return IngestRejected, fmt.Errorf("failed to insert publication: %w", err)
	}

	// Invalidations this publication declares against earlier artifacts
	if pub.Type == nanopub.TypeRetraction && pub.Body.Retracts != "" {
		if err := recordInvalidation(tx, code, keyHash, pub.Body.Retracts); err != nil {
			return IngestRejected, err
		}
	}

	// Out-of-order arrival: an already-stored artifact may invalidate this
	// incoming one under the same key
	var pending int
	if err := tx.QueryRow(`
		SELECT COUNT(1) FROM invalidations
		WHERE invalidated_artifact = ? AND invalidating_key_hash = ?
	`, code, keyHash).Scan(&pending); err != nil {
		return IngestRejected, fmt.Errorf("failed to check pending invalidations: %w", err)
	}
	if pending > 0 {
		if err := propagateTombstones(tx, code, keyHash); err != nil {
			return IngestRejected, err
		}
	}

	if err := tx.Commit(); err != nil {
		return IngestRejected, fmt.Errorf("failed to commit ingestion: %w", err)
	}
	return IngestNew, nil
}

// recordInvalidation writes the invalidation row and tombstones every list
// entry and trust edge filed under the same (artifact, key) pair. A key can
// only retract entries under its own identity, never a third party's.
func recordInvalidation(tx *sql.Tx, invalidating, keyHash, invalidated string) error {
	if _, err := tx.Exec(`
		INSERT INTO invalidations (invalidating_artifact, invalidating_key_hash, invalidated_artifact)
		VALUES (?, ?, ?)
		ON CONFLICT (invalidating_artifact, invalidated_artifact) DO NOTHING
	`, invalidating, keyHash, invalidated); err != nil {
		return fmt.Errorf("failed to record invalidation: %w", err)
	}
	return propagateTombstones(tx, invalidated, keyHash)
}

// propagateTombstones marks list entries and trust edges for an invalidated
// artifact, scoped to the invalidating key hash. Entries are never deleted.
func propagateTombstones(tx *sql.Tx, invalidated, keyHash string) error {
	if _, err := tx.Exec(`
		UPDATE list_entries SET invalidated = 1
		WHERE artifact_code = ? AND pubkey_hash = ?
	`, invalidated, keyHash); err != nil {
		return fmt.Errorf("failed to tombstone list entries: %w", err)
	}

	// Edges live in both the promoted generation and the one under
	// construction; the retraction applies to whichever holds them
	for _, table := range []string{"trust_edges", "trust_edges_loading"} {
		if _, err := tx.Exec(fmt.Sprintf(`
			UPDATE %s SET invalidated = 1
			WHERE source_artifact = ? AND from_pubkey_hash = ?
		`, table), invalidated, keyHash); err != nil {
			return fmt.Errorf("failed to tombstone edges in %s: %w", table, err)
		}
	}

	logrus.Debugf("Propagated invalidation of %s under key %s", invalidated, keyHash)
	return nil
}

// GetPublication retrieves a stored publication by artifact code, returns nil if not found
func (s *Storage) GetPublication(code string) (*Publication, error) {
	var p Publication
	err := s.db.QueryRow(`
		SELECT artifact_code, full_id, type, agent, pubkey, pubkey_hash, seq, raw, created_at
		FROM publications
		WHERE artifact_code = ?
	`, code).Scan(&p.ArtifactCode, &p.FullID, &p.Type, &p.Agent, &p.Pubkey, &p.PubkeyHash, &p.Sequence, &p.Raw, &p.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get publication: %w", err)
	}

	return &p, nil
}

// GetPublicationByFullID resolves a publication by its canonical URI
func (s *Storage) GetPublicationByFullID(fullID string) (*Publication, error) {
	var code string
	err := s.db.QueryRow("SELECT artifact_code FROM publications WHERE full_id = ?", fullID).Scan(&code)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve full id: %w", err)
	}
	return s.GetPublication(code)
}

// MaxSequence returns the highest assigned insertion sequence number
func (s *Storage) MaxSequence() (int64, error) {
	var max int64
	if err := s.db.QueryRow("SELECT COALESCE(MAX(seq), 0) FROM publications").Scan(&max); err != nil {
		return 0, fmt.Errorf("failed to read max sequence: %w", err)
	}
	return max, nil
}

// IsInvalidated reports whether an artifact has been invalidated under the given key
func (s *Storage) IsInvalidated(artifact, keyHash string) (bool, error) {
	var count int
	if err := s.db.QueryRow(`
		SELECT COUNT(1) FROM invalidations
		WHERE invalidated_artifact = ? AND invalidating_key_hash = ?
	`, artifact, keyHash).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check invalidation: %w", err)
	}
	return count > 0, nil
}
