package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/nanopub-net/nanoreg/internal/storage"
	"github.com/sirupsen/logrus"
)

// stepLoadingDone atomically promotes the recomputed generation into the live
// read path, advances the state counter and schedules the next full recrawl.
func (e *Engine) stepLoadingDone() ([]*storage.Task, error) {
	if err := e.storage.PromoteLoading(); err != nil {
		return nil, err
	}

	counter, err := e.storage.AdvanceStateCounter()
	if err != nil {
		return nil, err
	}

	stateHash, err := e.computeStateHash(counter)
	if err != nil {
		return nil, err
	}
	if err := e.storage.SetInfo(storage.InfoStateHash, stateHash); err != nil {
		return nil, err
	}
	if err := e.storage.SetInfo(storage.InfoLastUpdate, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return nil, err
	}
	if err := e.storage.SetInfo(storage.InfoStatus, storage.StatusReady); err != nil {
		return nil, err
	}

	interval := time.Duration(e.cfg.UpdateIntervalMin) * time.Minute
	logrus.Infof("Generation %d promoted (state %s), next update in %s", counter, stateHash[:12], interval)

	return []*storage.Task{{
		NotBefore: time.Now().Add(interval),
		Action:    ActionUpdate,
	}}, nil
}

// computeStateHash derives a digest identifying the promoted generation from
// its per-agent totals, so two registries holding the same scores report the
// same hash.
func (e *Engine) computeStateHash(counter int64) (string, error) {
	aggs, err := e.storage.AgentAggregates()
	if err != nil {
		return "", err
	}

	h := sha256.New()
	h.Write([]byte(strconv.FormatInt(counter, 10)))
	for _, a := range aggs {
		fmt.Fprintf(h, "|%s:%d:%g:%g", a.Agent, a.AccountCount, a.AvgPathCount, a.TotalRatio)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// stepUpdate starts the next crawl generation: the previous one keeps serving
// reads while the engine rebuilds shadow state from the trusted root.
func (e *Engine) stepUpdate() ([]*storage.Task, error) {
	if err := e.storage.SetInfo(storage.InfoStatus, storage.StatusUpdating); err != nil {
		return nil, err
	}

	// Fresh shadow tables and re-fetchable lists for the new generation
	if err := e.storage.ResetLoading(); err != nil {
		return nil, err
	}
	if err := e.storage.ResetListStatuses(); err != nil {
		return nil, err
	}

	logrus.Info("Starting recrawl from the trusted root")
	return []*storage.Task{after(ActionLoadSetting, 0, 0)}, nil
}

// shortKey abbreviates a key hash for logging. The root's pseudo-key is
// shorter than a real hash.
func shortKey(hash string) string {
	if len(hash) <= 12 {
		return hash
	}
	return hash[:12]
}
