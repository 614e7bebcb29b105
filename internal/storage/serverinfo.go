package storage

import (
	"database/sql"
	"fmt"
	"strconv"
)

// Server-info keys
const (
	InfoSetupID        = "setup_id"
	InfoStatus         = "status"
	InfoStateCounter   = "state_counter"
	InfoLastUpdate     = "last_update"
	InfoStateHash      = "state_hash"
	InfoCoverageTypes  = "coverage_types"
	InfoCoverageAgents = "coverage_agents"
)

// SetInfo writes one server-info key.
func (s *Storage) SetInfo(key, value string) error {
	if _, err := s.db.Exec(`
		INSERT INTO server_info (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, key, value); err != nil {
		return fmt.Errorf("failed to set server info %s: %w", key, err)
	}
	return nil
}

// GetInfo reads one server-info key ("" if unset).
func (s *Storage) GetInfo(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM server_info WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get server info %s: %w", key, err)
	}
	return value, nil
}

// AllInfo returns the whole status table.
func (s *Storage) AllInfo() (map[string]string, error) {
	rows, err := s.db.Query("SELECT key, value FROM server_info")
	if err != nil {
		return nil, fmt.Errorf("failed to load server info: %w", err)
	}
	defer rows.Close()

	info := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan server info: %w", err)
		}
		info[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating server info: %w", err)
	}
	return info, nil
}

// AdvanceStateCounter increments the state-generation counter and returns the
// new value.
func (s *Storage) AdvanceStateCounter() (int64, error) {
	current, err := s.GetInfo(InfoStateCounter)
	if err != nil {
		return 0, err
	}
	n, _ := strconv.ParseInt(current, 10, 64)
	n++
	if err := s.SetInfo(InfoStateCounter, strconv.FormatInt(n, 10)); err != nil {
		return 0, err
	}
	return n, nil
}
