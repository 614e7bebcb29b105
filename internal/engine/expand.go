package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/nanopub-net/nanoreg/internal/storage"
	"github.com/sirupsen/logrus"
)

// Path ids concatenate the agent/pubkey hops from the trust root, so a path
// carries its own route. ">" separates hops, "|" separates agent from key
// within a hop; neither occurs in agent URIs or hex key hashes.
const (
	hopSeparator = ">"
	hopFieldSep  = "|"
)

func pathHop(agent, pubkeyHash string) string {
	return agent + hopFieldSep + pubkeyHash
}

// pathHops splits a path id back into its hops.
func pathHops(id string) []string {
	return strings.Split(id, hopSeparator)
}

// sortHash is the deterministic tie-break applied when two paths carry equal
// ratios. Preserving this exact ordering keeps trust-score outputs
// reproducible across runs.
func sortHash(pathID string) string {
	sum := sha256.Sum256([]byte(pathID))
	return hex.EncodeToString(sum[:])
}

// stepExpandTrustPaths grows the trust frontier one account at a time: it
// picks a visited account that has an extended path at depth-1, extends that
// single best path across every non-invalidated outgoing edge with
// equal-split ratio decay, and marks the path primary and the account
// expanded. Re-enqueues itself until no expandable account remains.
func (e *Engine) stepExpandTrustPaths(depth int) ([]*storage.Task, error) {
	account, err := e.storage.NextExpandableAccount(depth - 1)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return []*storage.Task{after(ActionLoadCore, depth, 0)}, nil
	}

	parent, err := e.storage.BestPathAt(account.Agent, account.PubkeyHash, depth-1)
	if err != nil {
		return nil, err
	}
	if parent == nil {
		// Raced away by a prior partial run; account stays deferred
		return []*storage.Task{after(ActionExpandTrustPaths, depth, 0)}, nil
	}

	edges, err := e.storage.OutgoingEdges(account.Agent, account.PubkeyHash)
	if err != nil {
		return nil, err
	}

	// Equal-split decay: the children together receive 0.9 of the parent's
	// ratio. No outgoing edges means no children and no further spend.
	if n := len(edges); n > 0 {
		childRatio := parent.Ratio * decayFactor / float64(n)
		for _, edge := range edges {
			childID := parent.ID + hopSeparator + pathHop(edge.ToAgent, edge.ToPubkeyHash)
			if err := e.storage.AddTrustPath(&storage.TrustPath{
				ID:         childID,
				Agent:      edge.ToAgent,
				PubkeyHash: edge.ToPubkeyHash,
				Depth:      depth,
				Ratio:      childRatio,
				SortHash:   sortHash(childID),
				Kind:       storage.PathExtended,
			}); err != nil {
				return nil, err
			}
		}
		logrus.Debugf("Expanded (%s) into %d path(s) at depth %d, ratio %g each", account.Agent, n, depth, childRatio)
	}

	if err := e.storage.MarkPathPrimary(parent.ID); err != nil {
		return nil, err
	}
	if err := e.storage.SetAccountStatus(account.Agent, account.PubkeyHash, storage.AccountExpanded); err != nil {
		return nil, err
	}

	return []*storage.Task{after(ActionExpandTrustPaths, depth, 0)}, nil
}
