package engine

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nanopub-net/nanoreg/internal/config"
	"github.com/nanopub-net/nanoreg/internal/nanopub"
	"github.com/nanopub-net/nanoreg/internal/retriever"
	"github.com/nanopub-net/nanoreg/internal/storage"
	"github.com/stretchr/testify/require"
)

// fakeNetwork is an in-memory upstream service speaking the registry's
// retrieval protocol: publications by artifact code and reference lists by
// (key, type).
type fakeNetwork struct {
	mu    sync.Mutex
	pubs  map[string]*nanopub.Publication
	lists map[string][]string
	hits  map[string]int
	srv   *httptest.Server
}

func newFakeNetwork(t *testing.T) *fakeNetwork {
	t.Helper()
	n := &fakeNetwork{
		pubs:  make(map[string]*nanopub.Publication),
		lists: make(map[string][]string),
		hits:  make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /np/{code}", func(w http.ResponseWriter, r *http.Request) {
		n.mu.Lock()
		n.hits[r.URL.Path]++
		pub, ok := n.pubs[r.PathValue("code")]
		n.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		data, err := pub.Encode()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	})
	mux.HandleFunc("GET /list/{pubkey}/{type}", func(w http.ResponseWriter, r *http.Request) {
		n.mu.Lock()
		n.hits[r.URL.Path]++
		refs := n.lists[r.PathValue("pubkey")+"/"+r.PathValue("type")]
		n.mu.Unlock()
		if refs == nil {
			refs = []string{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string][]string{"refs": refs})
	})

	n.srv = httptest.NewServer(mux)
	t.Cleanup(n.srv.Close)
	return n
}

// add registers a publication and returns its artifact code.
func (n *fakeNetwork) add(pub *nanopub.Publication) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	code := pub.ArtifactCode()
	n.pubs[code] = pub
	return code
}

func (n *fakeNetwork) setList(keyHash, typeName string, codes ...string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lists[keyHash+"/"+nanopub.TypeHash(typeName)] = codes
}

func (n *fakeNetwork) listHits(keyHash, typeName string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.hits["/list/"+keyHash+"/"+nanopub.TypeHash(typeName)]
}

// identity is a test agent with its signing key.
type identity struct {
	priv      ed25519.PrivateKey
	agent     string
	pubkeyHex string
	keyHash   string
}

func newIdentity(t *testing.T, agent string) *identity {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	pubkeyHex := hex.EncodeToString(pub)
	return &identity{
		priv:      priv,
		agent:     agent,
		pubkeyHex: pubkeyHex,
		keyHash:   nanopub.KeyHash(pubkeyHex),
	}
}

func makeIntro(t *testing.T, signer *identity, fullID string, declared ...*identity) *nanopub.Publication {
	t.Helper()
	body := nanopub.Body{}
	for _, id := range declared {
		body.Declares = append(body.Declares, nanopub.KeyDeclaration{Agent: id.agent, Pubkey: id.pubkeyHex})
	}
	p := &nanopub.Publication{FullID: fullID, Type: nanopub.TypeIntroduction, Agent: signer.agent, Body: body}
	p.Sign(signer.priv)
	return p
}

func makeEndorsement(t *testing.T, signer *identity, fullID, approves string) *nanopub.Publication {
	t.Helper()
	p := &nanopub.Publication{FullID: fullID, Type: nanopub.TypeEndorsement, Agent: signer.agent, Body: nanopub.Body{Approves: approves}}
	p.Sign(signer.priv)
	return p
}

func makeRetraction(t *testing.T, signer *identity, fullID, retracts string) *nanopub.Publication {
	t.Helper()
	p := &nanopub.Publication{FullID: fullID, Type: nanopub.TypeRetraction, Agent: signer.agent, Body: nanopub.Body{Retracts: retracts}}
	p.Sign(signer.priv)
	return p
}

func makeSetting(t *testing.T, signer *identity, fullID string, introRefs, services []string) *nanopub.Publication {
	t.Helper()
	p := &nanopub.Publication{FullID: fullID, Type: nanopub.TypeSetting, Agent: signer.agent, Body: nanopub.Body{IntroRefs: introRefs, Services: services}}
	p.Sign(signer.priv)
	return p
}

func newTestStore(t *testing.T) *storage.Storage {
	t.Helper()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestEngine(t *testing.T, n *fakeNetwork, store *storage.Storage, settingRef string, mutate func(*config.Config)) *Engine {
	t.Helper()
	cfg := &config.Config{
		SettingRef:         settingRef,
		BootstrapServices:  []string{n.srv.URL},
		MaxDepth:           10,
		MinTrustRatio:      1e-6,
		UpdateIntervalMin:  60,
		RequestTimeoutMs:   2000,
		TaskPollIntervalMs: 10,
	}
	if mutate != nil {
		mutate(cfg)
	}
	retr := retriever.NewRetriever(store, cfg.BootstrapServices, time.Duration(cfg.RequestTimeoutMs)*time.Millisecond, nil)
	return NewEngine(store, retr, cfg, nil)
}

// driveN executes up to max due tasks synchronously, returning true once the
// queue has no immediately eligible task left.
func driveN(t *testing.T, e *Engine, max int) bool {
	t.Helper()
	for i := 0; i < max; i++ {
		task, err := e.storage.NextDueTask(time.Now())
		require.NoError(t, err)
		if task == nil {
			return true
		}
		successors, err := e.execute(task)
		require.NoError(t, err)
		require.NoError(t, e.storage.CompleteAndEnqueue(task.ID, successors))
	}
	return false
}

// drive runs the state machine to quiescence: every immediately due task
// executed, only future-scheduled work remaining.
func drive(t *testing.T, e *Engine) {
	t.Helper()
	require.True(t, driveN(t, e, 10000), "engine did not reach a quiescent state")
}
