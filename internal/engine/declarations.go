package engine

import (
	"github.com/nanopub-net/nanoreg/internal/nanopub"
	"github.com/nanopub-net/nanoreg/internal/storage"
	"github.com/sirupsen/logrus"
)

// stepLoadDeclarations pops one pending endorsement, resolves the referenced
// introduction and materializes its key declarations as trust edges and newly
// seen accounts. The task re-enqueues itself until no pending endorsement
// remains, then hands over to path expansion.
func (e *Engine) stepLoadDeclarations(depth int) ([]*storage.Task, error) {
	pending, err := e.storage.NextEndorsementToRetrieve()
	if err != nil {
		return nil, err
	}
	if pending == nil {
		return []*storage.Task{after(ActionExpandTrustPaths, depth, 0)}, nil
	}

	intro, err := e.retriever.Resolve(pending.Target)
	if err != nil {
		logrus.Warnf("Introduction %s not resolvable, discarding endorsement: %v", pending.Target, err)
		if err := e.storage.SetEndorsementStatus(pending.ID, storage.EndorsementDiscarded); err != nil {
			return nil, err
		}
		return []*storage.Task{after(ActionLoadDeclarations, depth, 0)}, nil
	}

	if intro.Type != nanopub.TypeIntroduction || len(intro.Body.Declares) == 0 {
		logrus.Warnf("Endorsement target %s is not a usable introduction, discarding", pending.Target)
		if err := e.storage.SetEndorsementStatus(pending.ID, storage.EndorsementDiscarded); err != nil {
			return nil, err
		}
		return []*storage.Task{after(ActionLoadDeclarations, depth, 0)}, nil
	}

	for _, decl := range intro.Body.Declares {
		if decl.Agent == "" || decl.Pubkey == "" {
			continue
		}
		if !e.coverage.CoversAgent(decl.Agent) {
			logrus.Debugf("Agent %s outside coverage, skipping declaration", decl.Agent)
			continue
		}

		keyHash := nanopub.KeyHash(decl.Pubkey)
		added, err := e.storage.AddTrustEdge(&storage.TrustEdge{
			FromAgent:      pending.Agent,
			FromPubkeyHash: pending.PubkeyHash,
			ToAgent:        decl.Agent,
			ToPubkeyHash:   keyHash,
			SourceArtifact: pending.SourceArtifact,
		})
		if err != nil {
			return nil, err
		}
		if added && e.tracker != nil {
			e.tracker.IncrementEdgesRecorded()
		}

		isNew, err := e.storage.SeedAccount(decl.Agent, keyHash, depth, storage.AccountSeen)
		if err != nil {
			return nil, err
		}
		if isNew {
			logrus.Infof("Account (%s, %s) seen at depth %d", decl.Agent, shortKey(keyHash), depth)
			if e.tracker != nil {
				e.tracker.IncrementAccountsDiscovered()
			}
		}
	}

	if err := e.storage.SetEndorsementStatus(pending.ID, storage.EndorsementRetrieved); err != nil {
		return nil, err
	}
	return []*storage.Task{after(ActionLoadDeclarations, depth, 0)}, nil
}
