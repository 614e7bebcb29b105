package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// EnqueueTask appends a unit of crawl work to the durable queue.
func (s *Storage) EnqueueTask(t *Task) error {
	if _, err := s.db.Exec(`
		INSERT INTO tasks (not_before, action, depth, load_count, params)
		VALUES (?, ?, ?, ?, ?)
	`, t.NotBefore.UnixMilli(), t.Action, t.Depth, t.LoadCount, t.Params); err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

// NextDueTask returns the earliest eligible task at the given instant, or nil
// when nothing is due. The queue outlives the process: whatever is pending
// here is where a restarted engine resumes.
func (s *Storage) NextDueTask(now time.Time) (*Task, error) {
	var t Task
	var notBefore int64
	err := s.db.QueryRow(`
		SELECT id, not_before, action, depth, load_count, params
		FROM tasks
		WHERE not_before <= ?
		ORDER BY not_before ASC, id ASC
		LIMIT 1
	`, now.UnixMilli()).Scan(&t.ID, &notBefore, &t.Action, &t.Depth, &t.LoadCount, &t.Params)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to poll tasks: %w", err)
	}
	t.NotBefore = time.UnixMilli(notBefore)
	return &t, nil
}

// CompleteTask deletes a finished task.
func (s *Storage) CompleteTask(id int64) error {
	if _, err := s.db.Exec("DELETE FROM tasks WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to complete task: %w", err)
	}
	return nil
}

// CompleteAndEnqueue deletes a finished task and enqueues its successors in
// one transaction. A crash leaves either the old task or its successors in
// the queue, never both, so a resumed engine cannot fork duplicate step
// chains.
func (s *Storage) CompleteAndEnqueue(id int64, successors []*Task) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin task handoff: %w", err)
	}
	defer tx.Rollback()

	for _, t := range successors {
		if _, err := tx.Exec(`
			INSERT INTO tasks (not_before, action, depth, load_count, params)
			VALUES (?, ?, ?, ?, ?)
		`, t.NotBefore.UnixMilli(), t.Action, t.Depth, t.LoadCount, t.Params); err != nil {
			return fmt.Errorf("failed to enqueue successor: %w", err)
		}
	}
	if _, err := tx.Exec("DELETE FROM tasks WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to complete task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit task handoff: %w", err)
	}
	return nil
}

// TaskCount returns the number of pending tasks (any eligibility).
func (s *Storage) TaskCount() (int, error) {
	var count int
	if err := s.db.QueryRow("SELECT COUNT(1) FROM tasks").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count tasks: %w", err)
	}
	return count, nil
}
