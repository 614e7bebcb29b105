package storage

import (
	"crypto/ed25519"
	"crypto/rand"
	"path/filepath"
	"testing"

	"github.com/nanopub-net/nanoreg/internal/nanopub"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := NewStorage(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return priv
}

func signedPublication(t *testing.T, priv ed25519.PrivateKey, fullID, pubType string, body nanopub.Body) *nanopub.Publication {
	t.Helper()
	p := &nanopub.Publication{
		FullID: fullID,
		Type:   pubType,
		Agent:  "https://example.org/agent",
		Body:   body,
	}
	p.Sign(priv)
	return p
}
