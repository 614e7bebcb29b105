package engine

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/nanopub-net/nanoreg/internal/nanopub"
	"github.com/nanopub-net/nanoreg/internal/storage"
	"github.com/sirupsen/logrus"
)

// RootAgent and RootKey identify the trust root, the implicit origin of every
// trust path.
const (
	RootAgent = "@"
	RootKey   = "@"
)

// stepInitDb guards against double-initialization and assigns the random
// setup identifier for this registry instance.
func (e *Engine) stepInitDb() ([]*storage.Task, error) {
	setupID, err := e.storage.GetInfo(storage.InfoSetupID)
	if err != nil {
		return nil, err
	}
	if setupID != "" {
		// Re-run after a crash mid-handoff; keep the chain alive by handing
		// off to the next step instead of dead-ending the queue
		logrus.Warnf("Already initialized (setup %s), skipping init", setupID)
		return []*storage.Task{after(ActionLoadConfig, 0, 0)}, nil
	}

	setupID = uuid.NewString()
	if err := e.storage.SetInfo(storage.InfoSetupID, setupID); err != nil {
		return nil, err
	}
	if err := e.storage.SetInfo(storage.InfoStatus, storage.StatusLaunching); err != nil {
		return nil, err
	}

	logrus.Infof("Initialized registry with setup id %s", setupID)
	return []*storage.Task{after(ActionLoadConfig, 0, 0)}, nil
}

// stepLoadConfig records the environment-provided coverage filters in the
// status table so clients can see what this registry indexes.
func (e *Engine) stepLoadConfig() ([]*storage.Task, error) {
	if err := e.storage.SetInfo(storage.InfoCoverageTypes, strings.Join(e.cfg.CoverageTypes, ",")); err != nil {
		return nil, err
	}
	if err := e.storage.SetInfo(storage.InfoCoverageAgents, strings.Join(e.cfg.CoverageAgents, ",")); err != nil {
		return nil, err
	}
	if err := e.storage.SetInfo(storage.InfoStatus, storage.StatusLoading); err != nil {
		return nil, err
	}

	logrus.Infof("Coverage: types=%v agents=%v", e.cfg.CoverageTypes, e.cfg.CoverageAgents)
	return []*storage.Task{after(ActionLoadSetting, 0, 0)}, nil
}

// stepLoadSetting resolves and ingests the network's root setting
// publication, seeds the crawl frontier with the trust root, and queues one
// pending retrieval per introduction in the root's collection.
func (e *Engine) stepLoadSetting() ([]*storage.Task, error) {
	setting, err := e.retriever.Resolve(e.cfg.SettingRef)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve setting %s: %w", e.cfg.SettingRef, err)
	}
	if setting.Type != nanopub.TypeSetting {
		return nil, fmt.Errorf("setting reference %s resolved to a %s publication", e.cfg.SettingRef, setting.Type)
	}

	// The setting may name additional bootstrap services
	e.retriever.SetServices(setting.Body.Services)

	// Seed the frontier: root identity at depth 0 with full trust
	isNew, err := e.storage.SeedAccount(RootAgent, RootKey, 0, storage.AccountVisited)
	if err != nil {
		return nil, err
	}
	if isNew && e.tracker != nil {
		e.tracker.IncrementAccountsDiscovered()
	}
	rootPathID := pathHop(RootAgent, RootKey)
	if err := e.storage.AddTrustPath(&storage.TrustPath{
		ID:         rootPathID,
		Agent:      RootAgent,
		PubkeyHash: RootKey,
		Depth:      0,
		Ratio:      1.0,
		SortHash:   sortHash(rootPathID),
		Kind:       storage.PathExtended,
	}); err != nil {
		return nil, err
	}

	settingCode := setting.ArtifactCode()
	seeded := 0
	for _, ref := range setting.Body.IntroRefs {
		isNew, err := e.storage.EnqueueEndorsement(&storage.Endorsement{
			Agent:          RootAgent,
			PubkeyHash:     RootKey,
			SourceArtifact: settingCode,
			Target:         ref,
		})
		if err != nil {
			return nil, err
		}
		if isNew {
			seeded++
		}
	}

	logrus.Infof("Setting loaded: %d root introduction(s) queued, %d service(s)", seeded, len(setting.Body.Services))
	return []*storage.Task{after(ActionLoadDeclarations, 1, 0)}, nil
}
