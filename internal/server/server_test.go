package server

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nanopub-net/nanoreg/internal/metrics"
	"github.com/nanopub-net/nanoreg/internal/nanopub"
	"github.com/nanopub-net/nanoreg/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*storage.Storage, *httptest.Server) {
	t.Helper()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	s := NewServer(store, metrics.NewTracker(), "127.0.0.1:0")
	ts := httptest.NewServer(s.httpSrv.Handler)
	t.Cleanup(ts.Close)
	return store, ts
}

func signedPublication(t *testing.T, fullID, pubType string, body nanopub.Body) *nanopub.Publication {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	p := &nanopub.Publication{FullID: fullID, Type: pubType, Agent: "https://example.org/alice", Body: body}
	p.Sign(priv)
	return p
}

func postPublication(t *testing.T, ts *httptest.Server, pub *nanopub.Publication) *http.Response {
	t.Helper()
	data, err := pub.Encode()
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+"/np", "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestIngestLifecycle(t *testing.T) {
	_, ts := newTestServer(t)
	pub := signedPublication(t, "https://example.org/np1", nanopub.TypeIntroduction, nanopub.Body{})

	resp := postPublication(t, ts, pub)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	var created map[string]string
	decodeJSON(t, resp, &created)
	assert.Equal(t, "new", created["status"])
	assert.Equal(t, pub.ArtifactCode(), created["artifact_code"])

	// Resubmission is a no-op success
	resp = postPublication(t, ts, pub)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var dup map[string]string
	decodeJSON(t, resp, &dup)
	assert.Equal(t, "duplicate", dup["status"])
}

func TestIngestRejectsUnsigned(t *testing.T) {
	_, ts := newTestServer(t)

	unsigned := &nanopub.Publication{FullID: "https://example.org/np1", Type: nanopub.TypeIntroduction}
	data, err := unsigned.Encode()
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+"/np", "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Malformed JSON is rejected the same way
	resp2, err := http.Post(ts.URL+"/np", "application/json", strings.NewReader("not json"))
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestGetPublication(t *testing.T) {
	_, ts := newTestServer(t)
	pub := signedPublication(t, "https://example.org/np1", nanopub.TypeIntroduction, nanopub.Body{
		Declares: []nanopub.KeyDeclaration{{Agent: "https://example.org/alice", Pubkey: "aa"}},
	})
	postPublication(t, ts, pub)

	resp, err := http.Get(ts.URL + "/np/" + pub.ArtifactCode())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	roundTripped, err := nanopub.Parse(body)
	require.NoError(t, err)
	assert.Equal(t, pub.ArtifactCode(), roundTripped.ArtifactCode())

	// Text rendering
	resp, err = http.Get(ts.URL + "/np/" + pub.ArtifactCode() + "?format=text")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	text, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(text), `full_id: "https://example.org/np1"`)
	assert.Contains(t, string(text), "declares {")

	// Unknown code
	resp, err = http.Get(ts.URL + "/np/RAunknown")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListEndpoint(t *testing.T) {
	store, ts := newTestServer(t)

	typeHash := nanopub.TypeHash(nanopub.TypeEndorsement)
	_, err := store.EnsureListed("key1", typeHash, "RAaaa")
	require.NoError(t, err)
	_, err = store.EnsureListed("key1", typeHash, "RAbbb")
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/list/key1/" + typeHash)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list listResponse
	decodeJSON(t, resp, &list)
	assert.Equal(t, []string{"RAaaa", "RAbbb"}, list.Refs)
	assert.Equal(t, storage.ListLoading, list.Status)

	checksum, err := store.ListChecksum("key1", typeHash)
	require.NoError(t, err)
	assert.Equal(t, checksum, list.Checksum)
}

func TestStatusEndpointAndHeaders(t *testing.T) {
	store, ts := newTestServer(t)

	require.NoError(t, store.SetInfo(storage.InfoSetupID, "setup-1"))
	require.NoError(t, store.SetInfo(storage.InfoStatus, storage.StatusReady))
	require.NoError(t, store.SetInfo(storage.InfoStateCounter, "3"))

	pub := signedPublication(t, "https://example.org/np1", nanopub.TypeIntroduction, nanopub.Body{})
	postPublication(t, ts, pub)

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Consistency headers ride on every response
	assert.Equal(t, "setup-1", resp.Header.Get("X-Nanoreg-Setup-Id"))
	assert.Equal(t, storage.StatusReady, resp.Header.Get("X-Nanoreg-Status"))
	assert.Equal(t, "3", resp.Header.Get("X-Nanoreg-State-Counter"))
	assert.Equal(t, "1", resp.Header.Get("X-Nanoreg-Load-Counter"))

	var info map[string]string
	decodeJSON(t, resp, &info)
	assert.Equal(t, "setup-1", info[storage.InfoSetupID])
	assert.Equal(t, storage.StatusReady, info[storage.InfoStatus])
	assert.Equal(t, "1", info["load_counter"])
}

func TestAgentEndpoints(t *testing.T) {
	store, ts := newTestServer(t)

	// Build and promote one generation the way the engine would
	_, err := store.SeedAccount("https://example.org/alice", "key1", 1, storage.AccountExpanded)
	require.NoError(t, err)
	require.NoError(t, store.SetAccountScore("https://example.org/alice", "key1", 0.9, 1))
	require.NoError(t, store.AggregateAgent("https://example.org/alice"))
	require.NoError(t, store.PromoteLoading())

	resp, err := http.Get(ts.URL + "/agents")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var agents []map[string]interface{}
	decodeJSON(t, resp, &agents)
	require.Len(t, agents, 1)
	assert.Equal(t, "https://example.org/alice", agents[0]["agent"])

	resp, err = http.Get(ts.URL + "/agent?id=" + "https://example.org/alice")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var agent struct {
		Agent        string `json:"agent"`
		AccountCount int    `json:"account_count"`
		Accounts     []struct {
			PubkeyHash string  `json:"pubkey_hash"`
			Ratio      float64 `json:"ratio"`
		} `json:"accounts"`
	}
	decodeJSON(t, resp, &agent)
	assert.Equal(t, 1, agent.AccountCount)
	require.Len(t, agent.Accounts, 1)
	assert.Equal(t, "key1", agent.Accounts[0].PubkeyHash)
	assert.InDelta(t, 0.9, agent.Accounts[0].Ratio, 1e-9)

	// Unknown agent and missing id parameter
	resp, err = http.Get(ts.URL + "/agent?id=https://example.org/nobody")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/agent")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
