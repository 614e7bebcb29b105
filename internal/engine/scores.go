package engine

import (
	"github.com/nanopub-net/nanoreg/internal/storage"
	"github.com/sirupsen/logrus"
)

// stepCalculateTrustScores scores one expanded account per execution: its
// ratio is the sum over every trust path ever created for it at any depth,
// and its path count tallies only independent paths. Re-enqueues itself until
// every expanded account is processed.
func (e *Engine) stepCalculateTrustScores() ([]*storage.Task, error) {
	account, err := e.storage.NextExpandedAccount()
	if err != nil {
		return nil, err
	}
	if account == nil {
		return []*storage.Task{after(ActionAggregateAgents, 0, 0)}, nil
	}

	paths, err := e.storage.AccountPaths(account.Agent, account.PubkeyHash)
	if err != nil {
		return nil, err
	}

	total := 0.0
	for _, p := range paths {
		total += p.Ratio
	}
	pathCount := independentPathCount(paths)

	if err := e.storage.SetAccountScore(account.Agent, account.PubkeyHash, total, pathCount); err != nil {
		return nil, err
	}
	logrus.Debugf("Scored (%s, %s): ratio %g over %d independent path(s)", account.Agent, shortKey(account.PubkeyHash), total, pathCount)

	return []*storage.Task{after(ActionCalculateTrustScores, 0, 0)}, nil
}

// independentPathCount walks paths in the priority order AccountPaths returns
// (ascending depth, then descending ratio, then sort-hash) and
// counts a path only if none of its interior hops was already seen in a
// higher-priority path. The first occurrence of a shared node wins.
func independentPathCount(paths []*storage.TrustPath) int {
	seen := make(map[string]bool)
	count := 0

	for _, p := range paths {
		hops := pathHops(p.ID)
		var interior []string
		if len(hops) > 2 {
			interior = hops[1 : len(hops)-1]
		}

		independent := true
		for _, hop := range interior {
			if seen[hop] {
				independent = false
				break
			}
		}
		for _, hop := range interior {
			seen[hop] = true
		}
		if independent {
			count++
		}
	}
	return count
}

// stepAggregateAgents rolls up one agent's processed accounts per execution.
// Re-enqueues itself until every agent is aggregated.
func (e *Engine) stepAggregateAgents() ([]*storage.Task, error) {
	agent, err := e.storage.NextUnaggregatedAgent()
	if err != nil {
		return nil, err
	}
	if agent == "" {
		return []*storage.Task{after(ActionLoadingDone, 0, 0)}, nil
	}

	if err := e.storage.AggregateAgent(agent); err != nil {
		return nil, err
	}
	logrus.Debugf("Aggregated agent %s", agent)

	return []*storage.Task{after(ActionAggregateAgents, 0, 0)}, nil
}
