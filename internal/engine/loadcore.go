package engine

import (
	"github.com/nanopub-net/nanoreg/internal/nanopub"
	"github.com/nanopub-net/nanoreg/internal/storage"
	"github.com/sirupsen/logrus"
)

// stepLoadCore processes one seen account at the current depth: prunes it if
// its best trust ratio is below the minimum, otherwise fetches its
// introduction and endorsement lists into the typed list index and queues the
// endorsements it authored for the next depth. Re-enqueues itself until no
// seen account remains at this depth.
func (e *Engine) stepLoadCore(depth, loadCount int) ([]*storage.Task, error) {
	account, err := e.storage.NextAccountByStatus(storage.AccountSeen, depth)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return []*storage.Task{after(ActionFinishIteration, depth, loadCount)}, nil
	}

	ratio, err := e.storage.BestRatio(account.Agent, account.PubkeyHash)
	if err != nil {
		return nil, err
	}
	if ratio < e.cfg.MinTrustRatio {
		// Low-trust accounts never trigger network fetches
		logrus.Debugf("Account (%s, %s) ratio %g below threshold, skipping", account.Agent, shortKey(account.PubkeyHash), ratio)
		if err := e.storage.SetAccountStatus(account.Agent, account.PubkeyHash, storage.AccountSkipped); err != nil {
			return nil, err
		}
		return []*storage.Task{after(ActionLoadCore, depth, loadCount)}, nil
	}

	for _, typeName := range []string{nanopub.TypeIntroduction, nanopub.TypeEndorsement} {
		if !e.coverage.CoversType(typeName) {
			continue
		}
		if err := e.ensureListFetched(account.PubkeyHash, typeName); err != nil {
			return nil, err
		}
	}

	if e.coverage.CoversType(nanopub.TypeEndorsement) {
		if err := e.queueAuthoredEndorsements(account); err != nil {
			return nil, err
		}
	}

	if err := e.storage.SetAccountStatus(account.Agent, account.PubkeyHash, storage.AccountVisited); err != nil {
		return nil, err
	}
	return []*storage.Task{after(ActionLoadCore, depth, loadCount+1)}, nil
}

// ensureListFetched pulls a (key, type) list from upstream into the typed
// list index, unless a previous round already loaded it. Per-item fetch
// failures are soft: logged and treated as zero results.
func (e *Engine) ensureListFetched(pubkeyHash, typeName string) error {
	typeHash := nanopub.TypeHash(typeName)

	status, err := e.storage.ListStatus(pubkeyHash, typeHash)
	if err != nil {
		return err
	}
	if status == storage.ListLoaded {
		return nil
	}

	e.retriever.FetchByTypeAndKey(typeHash, pubkeyHash, func(ref string) {
		pub, err := e.retriever.Resolve(ref)
		if err != nil {
			logrus.Warnf("Listed publication %s not resolvable: %v", ref, err)
			return
		}
		// Lists only carry publications signed by their own key
		if nanopub.KeyHash(pub.Pubkey) != pubkeyHash {
			logrus.Warnf("Publication %s not signed by list owner, ignoring", ref)
			return
		}
		if _, err := e.storage.EnsureListed(pubkeyHash, typeHash, pub.ArtifactCode()); err != nil {
			logrus.Warnf("Failed to index %s: %v", ref, err)
		}
	})

	return e.storage.MarkListLoaded(pubkeyHash, typeHash)
}

// queueAuthoredEndorsements scans the account's endorsement list for
// approves-of assertions and queues each as a pending retrieval feeding the
// next depth's declaration loading.
func (e *Engine) queueAuthoredEndorsements(account *storage.Account) error {
	entries, err := e.storage.ListEntries(account.PubkeyHash, nanopub.TypeHash(nanopub.TypeEndorsement), false)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		stored, err := e.storage.GetPublication(entry.ArtifactCode)
		if err != nil {
			return err
		}
		if stored == nil {
			continue
		}
		pub, err := nanopub.Parse(stored.Raw)
		if err != nil {
			logrus.Warnf("Stored publication %s unparseable: %v", entry.ArtifactCode, err)
			continue
		}
		if pub.Body.Approves == "" {
			continue
		}
		if _, err := e.storage.EnqueueEndorsement(&storage.Endorsement{
			Agent:          account.Agent,
			PubkeyHash:     account.PubkeyHash,
			SourceArtifact: entry.ArtifactCode,
			Target:         pub.Body.Approves,
		}); err != nil {
			return err
		}
	}
	return nil
}

// stepFinishIteration is the loop's sole termination test: when the last
// round loaded nothing new, or the depth bound is reached, scoring begins;
// otherwise the next depth is crawled.
func (e *Engine) stepFinishIteration(depth, loadCount int) ([]*storage.Task, error) {
	if loadCount == 0 || depth >= e.cfg.MaxDepth {
		logrus.Infof("Crawl finished at depth %d (loaded %d), calculating trust scores", depth, loadCount)
		return []*storage.Task{after(ActionCalculateTrustScores, 0, 0)}, nil
	}
	logrus.Infof("Depth %d loaded %d account(s), descending to depth %d", depth, loadCount, depth+1)
	return []*storage.Task{after(ActionLoadDeclarations, depth+1, 0)}, nil
}
