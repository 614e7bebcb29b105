package storage

import (
	"database/sql"
	"fmt"
)

// Engine-side writes below all target the "_loading" shadow tables; the
// promoted (live) counterparts are only read, by the HTTP boundary and by
// anything else outside the engine.

// SeedAccount inserts an account if it is not already part of the generation
// under construction. Returns true if the account is new.
func (s *Storage) SeedAccount(agent, pubkeyHash string, depth int, status string) (bool, error) {
	res, err := s.db.Exec(`
		INSERT INTO accounts_loading (agent, pubkey_hash, depth, status)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (agent, pubkey_hash) DO NOTHING
	`, agent, pubkeyHash, depth, status)
	if err != nil {
		return false, fmt.Errorf("failed to seed account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read seed result: %w", err)
	}
	return n > 0, nil
}

// NextAccountByStatus returns one account in the given state at the given
// depth, or nil when none remain. Deterministic order keeps crawl output
// reproducible across runs.
func (s *Storage) NextAccountByStatus(status string, depth int) (*Account, error) {
	var a Account
	err := s.db.QueryRow(`
		SELECT agent, pubkey_hash, depth, status, ratio, path_count
		FROM accounts_loading
		WHERE status = ? AND depth = ?
		ORDER BY agent ASC, pubkey_hash ASC
		LIMIT 1
	`, status, depth).Scan(&a.Agent, &a.PubkeyHash, &a.Depth, &a.Status, &a.Ratio, &a.PathCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pick account: %w", err)
	}
	return &a, nil
}

// NextExpandedAccount returns one account awaiting trust-score calculation.
func (s *Storage) NextExpandedAccount() (*Account, error) {
	var a Account
	err := s.db.QueryRow(`
		SELECT agent, pubkey_hash, depth, status, ratio, path_count
		FROM accounts_loading
		WHERE status = ?
		ORDER BY agent ASC, pubkey_hash ASC
		LIMIT 1
	`, AccountExpanded).Scan(&a.Agent, &a.PubkeyHash, &a.Depth, &a.Status, &a.Ratio, &a.PathCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pick expanded account: %w", err)
	}
	return &a, nil
}

// SetAccountStatus moves an account to a new state.
func (s *Storage) SetAccountStatus(agent, pubkeyHash, status string) error {
	if _, err := s.db.Exec(`
		UPDATE accounts_loading SET status = ? WHERE agent = ? AND pubkey_hash = ?
	`, status, agent, pubkeyHash); err != nil {
		return fmt.Errorf("failed to set account status: %w", err)
	}
	return nil
}

// SetAccountScore records the computed trust ratio and independent path count
// and marks the account processed.
func (s *Storage) SetAccountScore(agent, pubkeyHash string, ratio float64, pathCount int) error {
	if _, err := s.db.Exec(`
		UPDATE accounts_loading SET ratio = ?, path_count = ?, status = ?
		WHERE agent = ? AND pubkey_hash = ?
	`, ratio, pathCount, AccountProcessed, agent, pubkeyHash); err != nil {
		return fmt.Errorf("failed to set account score: %w", err)
	}
	return nil
}

// AddTrustEdge records an endorsement edge, deduplicated on
// (from, to, source). The invalidated flag is resolved against the
// invalidation ledger at creation time so retractions ingested before the
// edge was discovered still apply.
func (s *Storage) AddTrustEdge(e *TrustEdge) (bool, error) {
	invalidated, err := s.IsInvalidated(e.SourceArtifact, e.FromPubkeyHash)
	if err != nil {
		return false, err
	}
	res, err := s.db.Exec(`
		INSERT INTO trust_edges_loading
			(from_agent, from_pubkey_hash, to_agent, to_pubkey_hash, source_artifact, invalidated)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (from_agent, to_agent, source_artifact) DO NOTHING
	`, e.FromAgent, e.FromPubkeyHash, e.ToAgent, e.ToPubkeyHash, e.SourceArtifact, invalidated)
	if err != nil {
		return false, fmt.Errorf("failed to add trust edge: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read edge result: %w", err)
	}
	return n > 0, nil
}

// OutgoingEdges returns the non-invalidated edges leaving an account.
func (s *Storage) OutgoingEdges(agent, pubkeyHash string) ([]*TrustEdge, error) {
	rows, err := s.db.Query(`
		SELECT from_agent, from_pubkey_hash, to_agent, to_pubkey_hash, source_artifact, invalidated
		FROM trust_edges_loading
		WHERE from_agent = ? AND from_pubkey_hash = ? AND invalidated = 0
		ORDER BY to_agent ASC, to_pubkey_hash ASC, source_artifact ASC
	`, agent, pubkeyHash)
	if err != nil {
		return nil, fmt.Errorf("failed to load outgoing edges: %w", err)
	}
	defer rows.Close()

	var edges []*TrustEdge
	for rows.Next() {
		var e TrustEdge
		if err := rows.Scan(&e.FromAgent, &e.FromPubkeyHash, &e.ToAgent, &e.ToPubkeyHash, &e.SourceArtifact, &e.Invalidated); err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		edges = append(edges, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating edges: %w", err)
	}
	return edges, nil
}

// AddTrustPath inserts a path if its id is new.
func (s *Storage) AddTrustPath(p *TrustPath) error {
	if _, err := s.db.Exec(`
		INSERT INTO trust_paths_loading (id, agent, pubkey_hash, depth, ratio, sorthash, kind)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`, p.ID, p.Agent, p.PubkeyHash, p.Depth, p.Ratio, p.SortHash, p.Kind); err != nil {
		return fmt.Errorf("failed to add trust path: %w", err)
	}
	return nil
}

// BestPathAt returns the best still-extended path for an account at a depth:
// highest ratio, ties broken by ascending sort-hash. Nil when the account has
// no path at that depth yet.
func (s *Storage) BestPathAt(agent, pubkeyHash string, depth int) (*TrustPath, error) {
	var p TrustPath
	err := s.db.QueryRow(`
		SELECT id, agent, pubkey_hash, depth, ratio, sorthash, kind
		FROM trust_paths_loading
		WHERE agent = ? AND pubkey_hash = ? AND depth = ? AND kind = ?
		ORDER BY ratio DESC, sorthash ASC
		LIMIT 1
	`, agent, pubkeyHash, depth, PathExtended).Scan(&p.ID, &p.Agent, &p.PubkeyHash, &p.Depth, &p.Ratio, &p.SortHash, &p.Kind)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pick best path: %w", err)
	}
	return &p, nil
}

// AccountPaths returns every path ever created for an account, in scoring
// priority order: ascending depth, then descending ratio, then sort-hash.
func (s *Storage) AccountPaths(agent, pubkeyHash string) ([]*TrustPath, error) {
	rows, err := s.db.Query(`
		SELECT id, agent, pubkey_hash, depth, ratio, sorthash, kind
		FROM trust_paths_loading
		WHERE agent = ? AND pubkey_hash = ?
		ORDER BY depth ASC, ratio DESC, sorthash ASC
	`, agent, pubkeyHash)
	if err != nil {
		return nil, fmt.Errorf("failed to load account paths: %w", err)
	}
	defer rows.Close()

	var paths []*TrustPath
	for rows.Next() {
		var p TrustPath
		if err := rows.Scan(&p.ID, &p.Agent, &p.PubkeyHash, &p.Depth, &p.Ratio, &p.SortHash, &p.Kind); err != nil {
			return nil, fmt.Errorf("failed to scan path: %w", err)
		}
		paths = append(paths, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating paths: %w", err)
	}
	return paths, nil
}

// BestRatio returns the highest path ratio an account has at any depth.
func (s *Storage) BestRatio(agent, pubkeyHash string) (float64, error) {
	var ratio float64
	if err := s.db.QueryRow(`
		SELECT COALESCE(MAX(ratio), 0) FROM trust_paths_loading
		WHERE agent = ? AND pubkey_hash = ?
	`, agent, pubkeyHash).Scan(&ratio); err != nil {
		return 0, fmt.Errorf("failed to read best ratio: %w", err)
	}
	return ratio, nil
}

// MarkPathPrimary marks a path as fully expanded.
func (s *Storage) MarkPathPrimary(id string) error {
	if _, err := s.db.Exec(`
		UPDATE trust_paths_loading SET kind = ? WHERE id = ?
	`, PathPrimary, id); err != nil {
		return fmt.Errorf("failed to mark path primary: %w", err)
	}
	return nil
}

// NextExpandableAccount returns one visited account that has an extended path
// at the given path depth. Visited accounts without such a path stay deferred
// until a later round reaches them.
func (s *Storage) NextExpandableAccount(pathDepth int) (*Account, error) {
	var a Account
	err := s.db.QueryRow(`
		SELECT a.agent, a.pubkey_hash, a.depth, a.status, a.ratio, a.path_count
		FROM accounts_loading a
		WHERE a.status = ? AND EXISTS (
			SELECT 1 FROM trust_paths_loading p
			WHERE p.agent = a.agent AND p.pubkey_hash = a.pubkey_hash
			  AND p.depth = ? AND p.kind = ?
		)
		ORDER BY a.agent ASC, a.pubkey_hash ASC
		LIMIT 1
	`, AccountVisited, pathDepth, PathExtended).Scan(&a.Agent, &a.PubkeyHash, &a.Depth, &a.Status, &a.Ratio, &a.PathCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pick expandable account: %w", err)
	}
	return &a, nil
}

// EnqueueEndorsement records a pending introduction retrieval, deduplicated
// on (agent, key, target).
func (s *Storage) EnqueueEndorsement(e *Endorsement) (bool, error) {
	res, err := s.db.Exec(`
		INSERT INTO endorsements_loading (agent, pubkey_hash, source_artifact, target, status)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (agent, pubkey_hash, target) DO NOTHING
	`, e.Agent, e.PubkeyHash, e.SourceArtifact, e.Target, EndorsementToRetrieve)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue endorsement: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read endorsement result: %w", err)
	}
	return n > 0, nil
}

// NextEndorsementToRetrieve pops the oldest pending endorsement, or nil.
func (s *Storage) NextEndorsementToRetrieve() (*Endorsement, error) {
	var e Endorsement
	err := s.db.QueryRow(`
		SELECT id, agent, pubkey_hash, source_artifact, target, status
		FROM endorsements_loading
		WHERE status = ?
		ORDER BY id ASC
		LIMIT 1
	`, EndorsementToRetrieve).Scan(&e.ID, &e.Agent, &e.PubkeyHash, &e.SourceArtifact, &e.Target, &e.Status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pick endorsement: %w", err)
	}
	return &e, nil
}

// SetEndorsementStatus settles a pending endorsement retrieval.
func (s *Storage) SetEndorsementStatus(id int64, status string) error {
	if _, err := s.db.Exec(`
		UPDATE endorsements_loading SET status = ? WHERE id = ?
	`, status, id); err != nil {
		return fmt.Errorf("failed to set endorsement status: %w", err)
	}
	return nil
}

// NextUnaggregatedAgent returns one agent that still has processed accounts.
func (s *Storage) NextUnaggregatedAgent() (string, error) {
	var agent string
	err := s.db.QueryRow(`
		SELECT agent FROM accounts_loading WHERE status = ?
		ORDER BY agent ASC LIMIT 1
	`, AccountProcessed).Scan(&agent)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to pick agent: %w", err)
	}
	return agent, nil
}

// AggregateAgent rolls up an agent's processed accounts into one aggregate
// row and marks the accounts aggregated.
func (s *Storage) AggregateAgent(agent string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin aggregation: %w", err)
	}
	defer tx.Rollback()

	var count int
	var avgPaths, totalRatio float64
	if err := tx.QueryRow(`
		SELECT COUNT(1), COALESCE(AVG(path_count), 0), COALESCE(SUM(ratio), 0)
		FROM accounts_loading
		WHERE agent = ? AND status = ?
	`, agent, AccountProcessed).Scan(&count, &avgPaths, &totalRatio); err != nil {
		return fmt.Errorf("failed to aggregate accounts: %w", err)
	}
	if count == 0 {
		return tx.Commit()
	}

	if _, err := tx.Exec(`
		INSERT INTO agent_aggregates_loading (agent, account_count, avg_path_count, total_ratio)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (agent) DO UPDATE SET
			account_count = excluded.account_count,
			avg_path_count = excluded.avg_path_count,
			total_ratio = excluded.total_ratio
	`, agent, count, avgPaths, totalRatio); err != nil {
		return fmt.Errorf("failed to write agent aggregate: %w", err)
	}

	if _, err := tx.Exec(`
		UPDATE accounts_loading SET status = ? WHERE agent = ? AND status = ?
	`, AccountAggregated, agent, AccountProcessed); err != nil {
		return fmt.Errorf("failed to mark accounts aggregated: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit aggregation: %w", err)
	}
	return nil
}

// Promoted-generation reads, used by the HTTP boundary. These never touch the
// shadow tables, so they see a complete generation or nothing.

// AgentAggregates returns the promoted per-agent totals.
func (s *Storage) AgentAggregates() ([]*AgentAggregate, error) {
	rows, err := s.db.Query(`
		SELECT agent, account_count, avg_path_count, total_ratio
		FROM agent_aggregates
		ORDER BY total_ratio DESC, agent ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load agent aggregates: %w", err)
	}
	defer rows.Close()

	var aggs []*AgentAggregate
	for rows.Next() {
		var a AgentAggregate
		if err := rows.Scan(&a.Agent, &a.AccountCount, &a.AvgPathCount, &a.TotalRatio); err != nil {
			return nil, fmt.Errorf("failed to scan aggregate: %w", err)
		}
		aggs = append(aggs, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating aggregates: %w", err)
	}
	return aggs, nil
}

// AgentAggregateByID returns one promoted aggregate, or nil.
func (s *Storage) AgentAggregateByID(agent string) (*AgentAggregate, error) {
	var a AgentAggregate
	err := s.db.QueryRow(`
		SELECT agent, account_count, avg_path_count, total_ratio
		FROM agent_aggregates WHERE agent = ?
	`, agent).Scan(&a.Agent, &a.AccountCount, &a.AvgPathCount, &a.TotalRatio)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load agent aggregate: %w", err)
	}
	return &a, nil
}

// AgentAccounts returns the promoted accounts of one agent.
func (s *Storage) AgentAccounts(agent string) ([]*Account, error) {
	rows, err := s.db.Query(`
		SELECT agent, pubkey_hash, depth, status, ratio, path_count
		FROM accounts WHERE agent = ?
		ORDER BY pubkey_hash ASC
	`, agent)
	if err != nil {
		return nil, fmt.Errorf("failed to load agent accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.Agent, &a.PubkeyHash, &a.Depth, &a.Status, &a.Ratio, &a.PathCount); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}
	return accounts, nil
}

// PromotedPaths returns the promoted trust paths of one account.
func (s *Storage) PromotedPaths(agent, pubkeyHash string) ([]*TrustPath, error) {
	rows, err := s.db.Query(`
		SELECT id, agent, pubkey_hash, depth, ratio, sorthash, kind
		FROM trust_paths
		WHERE agent = ? AND pubkey_hash = ?
		ORDER BY depth ASC, ratio DESC, sorthash ASC
	`, agent, pubkeyHash)
	if err != nil {
		return nil, fmt.Errorf("failed to load promoted paths: %w", err)
	}
	defer rows.Close()

	var paths []*TrustPath
	for rows.Next() {
		var p TrustPath
		if err := rows.Scan(&p.ID, &p.Agent, &p.PubkeyHash, &p.Depth, &p.Ratio, &p.SortHash, &p.Kind); err != nil {
			return nil, fmt.Errorf("failed to scan promoted path: %w", err)
		}
		paths = append(paths, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating promoted paths: %w", err)
	}
	return paths, nil
}
