package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeedAccountIsIdempotent(t *testing.T) {
	s := newTestStorage(t)

	isNew, err := s.SeedAccount("alice", "key1", 1, AccountSeen)
	require.NoError(t, err)
	assert.True(t, isNew)

	// Re-seeding at a different depth changes nothing
	isNew, err = s.SeedAccount("alice", "key1", 5, AccountVisited)
	require.NoError(t, err)
	assert.False(t, isNew)

	a, err := s.NextAccountByStatus(AccountSeen, 1)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, 1, a.Depth)
}

func TestBestPathOrdering(t *testing.T) {
	s := newTestStorage(t)

	require.NoError(t, s.AddTrustPath(&TrustPath{ID: "p1", Agent: "alice", PubkeyHash: "key1", Depth: 2, Ratio: 0.3, SortHash: "bb", Kind: PathExtended}))
	require.NoError(t, s.AddTrustPath(&TrustPath{ID: "p2", Agent: "alice", PubkeyHash: "key1", Depth: 2, Ratio: 0.5, SortHash: "cc", Kind: PathExtended}))
	require.NoError(t, s.AddTrustPath(&TrustPath{ID: "p3", Agent: "alice", PubkeyHash: "key1", Depth: 2, Ratio: 0.5, SortHash: "aa", Kind: PathExtended}))

	// Highest ratio wins, ties broken by ascending sort-hash
	best, err := s.BestPathAt("alice", "key1", 2)
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.Equal(t, "p3", best.ID)

	// A primary path is no longer a candidate
	require.NoError(t, s.MarkPathPrimary("p3"))
	best, err = s.BestPathAt("alice", "key1", 2)
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.Equal(t, "p2", best.ID)

	ratio, err := s.BestRatio("alice", "key1")
	require.NoError(t, err)
	assert.Equal(t, 0.5, ratio)
}

func TestNextExpandableAccount(t *testing.T) {
	s := newTestStorage(t)

	_, err := s.SeedAccount("alice", "key1", 1, AccountVisited)
	require.NoError(t, err)
	_, err = s.SeedAccount("bob", "key2", 1, AccountSeen)
	require.NoError(t, err)

	require.NoError(t, s.AddTrustPath(&TrustPath{ID: "pa", Agent: "alice", PubkeyHash: "key1", Depth: 1, Ratio: 0.9, SortHash: "aa", Kind: PathExtended}))
	require.NoError(t, s.AddTrustPath(&TrustPath{ID: "pb", Agent: "bob", PubkeyHash: "key2", Depth: 1, Ratio: 0.9, SortHash: "bb", Kind: PathExtended}))

	// Only visited accounts with an extended path at the depth qualify
	a, err := s.NextExpandableAccount(1)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, "alice", a.Agent)

	require.NoError(t, s.SetAccountStatus("alice", "key1", AccountExpanded))
	a, err = s.NextExpandableAccount(1)
	require.NoError(t, err)
	assert.Nil(t, a)

	// A visited account whose only path is at another depth stays deferred
	require.NoError(t, s.SetAccountStatus("bob", "key2", AccountVisited))
	a, err = s.NextExpandableAccount(3)
	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestEndorsementQueue(t *testing.T) {
	s := newTestStorage(t)

	isNew, err := s.EnqueueEndorsement(&Endorsement{Agent: "alice", PubkeyHash: "key1", SourceArtifact: "RAsrc", Target: "RAt1"})
	require.NoError(t, err)
	assert.True(t, isNew)
	isNew, err = s.EnqueueEndorsement(&Endorsement{Agent: "alice", PubkeyHash: "key1", SourceArtifact: "RAsrc", Target: "RAt2"})
	require.NoError(t, err)
	assert.True(t, isNew)

	// Deduplicated on (agent, key, target)
	isNew, err = s.EnqueueEndorsement(&Endorsement{Agent: "alice", PubkeyHash: "key1", SourceArtifact: "RAother", Target: "RAt1"})
	require.NoError(t, err)
	assert.False(t, isNew)

	// FIFO pop
	e, err := s.NextEndorsementToRetrieve()
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "RAt1", e.Target)

	require.NoError(t, s.SetEndorsementStatus(e.ID, EndorsementRetrieved))
	e, err = s.NextEndorsementToRetrieve()
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "RAt2", e.Target)

	require.NoError(t, s.SetEndorsementStatus(e.ID, EndorsementDiscarded))
	e, err = s.NextEndorsementToRetrieve()
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestAggregateAgent(t *testing.T) {
	s := newTestStorage(t)

	_, err := s.SeedAccount("alice", "key1", 1, AccountExpanded)
	require.NoError(t, err)
	_, err = s.SeedAccount("alice", "key2", 2, AccountExpanded)
	require.NoError(t, err)
	require.NoError(t, s.SetAccountScore("alice", "key1", 0.9, 1))
	require.NoError(t, s.SetAccountScore("alice", "key2", 0.3, 3))

	agent, err := s.NextUnaggregatedAgent()
	require.NoError(t, err)
	assert.Equal(t, "alice", agent)

	require.NoError(t, s.AggregateAgent("alice"))

	agent, err = s.NextUnaggregatedAgent()
	require.NoError(t, err)
	assert.Equal(t, "", agent)

	// The roll-up lands in the shadow generation; promote to read it back
	require.NoError(t, s.PromoteLoading())

	agg, err := s.AgentAggregateByID("alice")
	require.NoError(t, err)
	require.NotNil(t, agg)
	assert.Equal(t, 2, agg.AccountCount)
	assert.InDelta(t, 2.0, agg.AvgPathCount, 1e-9)
	assert.InDelta(t, 1.2, agg.TotalRatio, 1e-9)

	accounts, err := s.AgentAccounts("alice")
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	for _, a := range accounts {
		assert.Equal(t, AccountAggregated, a.Status)
	}
}

func TestPromoteLoadingSwapsGenerations(t *testing.T) {
	s := newTestStorage(t)

	_, err := s.SeedAccount("alice", "key1", 1, AccountExpanded)
	require.NoError(t, err)
	require.NoError(t, s.SetAccountScore("alice", "key1", 0.9, 1))
	require.NoError(t, s.AggregateAgent("alice"))
	require.NoError(t, s.AddTrustPath(&TrustPath{ID: "p1", Agent: "alice", PubkeyHash: "key1", Depth: 1, Ratio: 0.9, SortHash: "aa", Kind: PathPrimary}))

	// Nothing promoted yet
	aggs, err := s.AgentAggregates()
	require.NoError(t, err)
	assert.Empty(t, aggs)

	require.NoError(t, s.PromoteLoading())

	aggs, err = s.AgentAggregates()
	require.NoError(t, err)
	require.Len(t, aggs, 1)
	assert.Equal(t, "alice", aggs[0].Agent)

	paths, err := s.PromotedPaths("alice", "key1")
	require.NoError(t, err)
	require.Len(t, paths, 1)
	assert.Equal(t, "p1", paths[0].ID)

	// The shadow generation is empty again and writable
	a, err := s.NextExpandedAccount()
	require.NoError(t, err)
	assert.Nil(t, a)
	isNew, err := s.SeedAccount("alice", "key1", 1, AccountSeen)
	require.NoError(t, err)
	assert.True(t, isNew)

	// ResetLoading discards a partially built generation
	require.NoError(t, s.ResetLoading())
	a, err = s.NextAccountByStatus(AccountSeen, 1)
	require.NoError(t, err)
	assert.Nil(t, a)

	// The live generation is untouched by the reset
	aggs, err = s.AgentAggregates()
	require.NoError(t, err)
	assert.Len(t, aggs, 1)
}
