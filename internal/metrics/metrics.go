package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nanopub-net/nanoreg/internal/storage"
)

// Tracker holds and manages registry metrics
type Tracker struct {
	mu   sync.Mutex
	data storage.Metrics
}

// NewTracker creates a new metrics tracker
func NewTracker() *Tracker {
	return &Tracker{
		data: storage.Metrics{
			StartTime: time.Now(),
		},
	}
}

// IncrementIngested increments the stored publication counter
func (t *Tracker) IncrementIngested() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.PublicationsIngested++
}

// IncrementRejected increments the rejected publication counter
func (t *Tracker) IncrementRejected() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.PublicationsRejected++
}

// IncrementDuplicates increments the duplicate submission counter
func (t *Tracker) IncrementDuplicates() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.Duplicates++
}

// IncrementAccountsDiscovered increments the discovered accounts counter
func (t *Tracker) IncrementAccountsDiscovered() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.AccountsDiscovered++
}

// IncrementEdgesRecorded increments the trust edge counter
func (t *Tracker) IncrementEdgesRecorded() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.EdgesRecorded++
}

// IncrementFetchesSucceeded increments the successful network fetch counter
func (t *Tracker) IncrementFetchesSucceeded() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.FetchesSucceeded++
}

// IncrementFetchesFailed increments the failed network fetch counter
func (t *Tracker) IncrementFetchesFailed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.FetchesFailed++
}

// IncrementTasksExecuted increments the executed crawl task counter
func (t *Tracker) IncrementTasksExecuted() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.TasksExecuted++
}

// GetSnapshot returns a copy of current metrics
func (t *Tracker) GetSnapshot() storage.Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.data
}

// WriteToFile exports metrics to a JSON file
func (t *Tracker) WriteToFile(path, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Finalize metrics
	t.data.EndTime = time.Now()
	t.data.TerminationReason = reason

	// Marshal to JSON
	jsonData, err := json.MarshalIndent(t.data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}

	// Write to file
	if err := os.WriteFile(path, jsonData, 0644); err != nil {
		return fmt.Errorf("failed to write metrics file: %w", err)
	}

	return nil
}

// LogProgress prints current metrics to console (for periodic updates)
func (t *Tracker) LogProgress() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return fmt.Sprintf("Publications: %d stored, %d dup, %d rejected | Accounts: %d | Edges: %d | Fetches: %d ok, %d failed | Tasks: %d",
		t.data.PublicationsIngested,
		t.data.Duplicates,
		t.data.PublicationsRejected,
		t.data.AccountsDiscovered,
		t.data.EdgesRecorded,
		t.data.FetchesSucceeded,
		t.data.FetchesFailed,
		t.data.TasksExecuted,
	)
}
