package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustList(t *testing.T, s *Storage, pubkeyHash, typeHash string, codes ...string) {
	t.Helper()
	for _, code := range codes {
		_, err := s.EnsureListed(pubkeyHash, typeHash, code)
		require.NoError(t, err)
	}
}

func TestListAppendAssignsPositions(t *testing.T) {
	s := newTestStorage(t)

	mustList(t, s, "key1", "type1", "RAaaa", "RAbbb", "RAccc")

	entries, err := s.ListEntries("key1", "type1", false)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.EqualValues(t, i, e.Position)
	}
	assert.Equal(t, "RAaaa", entries[0].ArtifactCode)
	assert.Equal(t, "RAccc", entries[2].ArtifactCode)
}

func TestListAppendIsIdempotent(t *testing.T) {
	s := newTestStorage(t)

	added, err := s.EnsureListed("key1", "type1", "RAaaa")
	require.NoError(t, err)
	assert.True(t, added)

	before, err := s.ListChecksum("key1", "type1")
	require.NoError(t, err)

	added, err = s.EnsureListed("key1", "type1", "RAaaa")
	require.NoError(t, err)
	assert.False(t, added)

	after, err := s.ListChecksum("key1", "type1")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	entries, err := s.ListEntries("key1", "type1", false)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestListChecksumIsOrderInsensitive(t *testing.T) {
	s := newTestStorage(t)

	// Same set of artifacts appended in different orders under two keys
	mustList(t, s, "key1", "type1", "RAaaa", "RAbbb", "RAccc")
	mustList(t, s, "key2", "type1", "RAccc", "RAaaa", "RAbbb")

	c1, err := s.ListChecksum("key1", "type1")
	require.NoError(t, err)
	c2, err := s.ListChecksum("key2", "type1")
	require.NoError(t, err)
	assert.Equal(t, c1, c2)

	// A different set yields a different checksum
	mustList(t, s, "key3", "type1", "RAaaa", "RAbbb")
	c3, err := s.ListChecksum("key3", "type1")
	require.NoError(t, err)
	assert.NotEqual(t, c1, c3)
}

func TestListChecksumUnknownListIsZero(t *testing.T) {
	s := newTestStorage(t)

	checksum, err := s.ListChecksum("nokey", "notype")
	require.NoError(t, err)
	assert.Equal(t, "0000000000000000000000000000000000000000000000000000000000000000", checksum)
}

func TestListStatusLifecycle(t *testing.T) {
	s := newTestStorage(t)

	status, err := s.ListStatus("key1", "type1")
	require.NoError(t, err)
	assert.Equal(t, "", status)

	mustList(t, s, "key1", "type1", "RAaaa")
	status, err = s.ListStatus("key1", "type1")
	require.NoError(t, err)
	assert.Equal(t, ListLoading, status)

	require.NoError(t, s.MarkListLoaded("key1", "type1"))
	status, err = s.ListStatus("key1", "type1")
	require.NoError(t, err)
	assert.Equal(t, ListLoaded, status)

	// A new crawl generation re-fetches every list
	require.NoError(t, s.ResetListStatuses())
	status, err = s.ListStatus("key1", "type1")
	require.NoError(t, err)
	assert.Equal(t, ListLoading, status)
}

func TestMarkListLoadedCreatesEmptyList(t *testing.T) {
	s := newTestStorage(t)

	// An account with no publications still gets a loaded (empty) list row
	require.NoError(t, s.MarkListLoaded("key1", "type1"))
	status, err := s.ListStatus("key1", "type1")
	require.NoError(t, err)
	assert.Equal(t, ListLoaded, status)

	entries, err := s.ListEntries("key1", "type1", true)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
