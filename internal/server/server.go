package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/nanopub-net/nanoreg/internal/metrics"
	"github.com/nanopub-net/nanoreg/internal/nanopub"
	"github.com/nanopub-net/nanoreg/internal/storage"
	"github.com/sirupsen/logrus"
)

// maxBodySize bounds ingestion request bodies (1 MiB).
const maxBodySize = 1 << 20

// Server is the thin HTTP boundary over the registry core. Reads run
// concurrently with the crawl engine and only ever touch the promoted
// generation, so a client sees a complete snapshot or the previous one,
// never a half-built view.
type Server struct {
	storage *storage.Storage
	tracker *metrics.Tracker
	httpSrv *http.Server
}

// NewServer builds the HTTP server on the given listen address
func NewServer(store *storage.Storage, tracker *metrics.Tracker, addr string) *Server {
	s := &Server{storage: store, tracker: tracker}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /np", s.handleIngest)
	mux.HandleFunc("GET /np/{code}", s.handleGetPublication)
	mux.HandleFunc("GET /list/{pubkey}/{type}", s.handleGetList)
	mux.HandleFunc("GET /agents", s.handleAgents)
	mux.HandleFunc("GET /agent", s.handleAgent)
	mux.HandleFunc("GET /status", s.handleStatus)

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.statusHeaders(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins serving in the background
func (s *Server) Start() {
	go func() {
		logrus.Infof("HTTP server listening on %s", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Errorf("HTTP server error: %v", err)
		}
	}()
}

// Shutdown stops the HTTP server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// statusHeaders stamps every response with the freshness/consistency headers
// that let a client detect which generation of the data it is reading.
func (s *Server) statusHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, err := s.storage.AllInfo()
		if err != nil {
			logrus.Warnf("Failed to load server info for headers: %v", err)
			info = map[string]string{}
		}
		maxSeq, err := s.storage.MaxSequence()
		if err != nil {
			logrus.Warnf("Failed to read load counter for headers: %v", err)
		}

		h := w.Header()
		h.Set("X-Nanoreg-Setup-Id", info[storage.InfoSetupID])
		h.Set("X-Nanoreg-Status", info[storage.InfoStatus])
		h.Set("X-Nanoreg-State-Counter", info[storage.InfoStateCounter])
		h.Set("X-Nanoreg-Last-Update", info[storage.InfoLastUpdate])
		h.Set("X-Nanoreg-State-Hash", info[storage.InfoStateHash])
		h.Set("X-Nanoreg-Load-Counter", strconv.FormatInt(maxSeq, 10))

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Warnf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleIngest accepts a publication envelope. A submission without a
// verifiable signature is rejected and never stored; resubmitting known
// content is a no-op success.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	pub, err := nanopub.Parse(body)
	if err != nil {
		if s.tracker != nil {
			s.tracker.IncrementRejected()
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	status, err := s.storage.IngestPublication(pub)
	switch status {
	case storage.IngestRejected:
		if s.tracker != nil {
			s.tracker.IncrementRejected()
		}
		writeError(w, http.StatusBadRequest, fmt.Sprintf("publication rejected: %v", err))
	case storage.IngestDuplicate:
		if s.tracker != nil {
			s.tracker.IncrementDuplicates()
		}
		writeJSON(w, http.StatusOK, map[string]string{"artifact_code": pub.ArtifactCode(), "status": "duplicate"})
	case storage.IngestNew:
		if s.tracker != nil {
			s.tracker.IncrementIngested()
		}
		logrus.Infof("Ingested %s (%s) from %s", pub.ArtifactCode(), pub.Type, pub.Agent)
		writeJSON(w, http.StatusCreated, map[string]string{"artifact_code": pub.ArtifactCode(), "status": "new"})
	}
}

// handleGetPublication serves a stored publication by artifact code, as the
// JSON envelope or as a human-readable text rendering with ?format=text.
func (s *Server) handleGetPublication(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")

	stored, err := s.storage.GetPublication(code)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if stored == nil {
		writeError(w, http.StatusNotFound, "unknown artifact code")
		return
	}

	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, renderText(stored))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(stored.Raw)
}

type listResponse struct {
	PubkeyHash string   `json:"pubkey_hash"`
	TypeHash   string   `json:"type_hash"`
	Status     string   `json:"status"`
	Checksum   string   `json:"checksum"`
	Refs       []string `json:"refs"`
}

// handleGetList serves the ordered artifact codes of a (key, type) list with
// its checksum, so a client can verify completeness without re-downloading.
// ?invalidated=1 includes tombstoned entries for audit consumption.
func (s *Server) handleGetList(w http.ResponseWriter, r *http.Request) {
	pubkeyHash := r.PathValue("pubkey")
	typeHash := r.PathValue("type")
	includeInvalidated := r.URL.Query().Get("invalidated") == "1"

	entries, err := s.storage.ListEntries(pubkeyHash, typeHash, includeInvalidated)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	checksum, err := s.storage.ListChecksum(pubkeyHash, typeHash)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status, err := s.storage.ListStatus(pubkeyHash, typeHash)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	refs := make([]string, 0, len(entries))
	for _, e := range entries {
		refs = append(refs, e.ArtifactCode)
	}

	writeJSON(w, http.StatusOK, listResponse{
		PubkeyHash: pubkeyHash,
		TypeHash:   typeHash,
		Status:     status,
		Checksum:   checksum,
		Refs:       refs,
	})
}

// handleAgents lists the promoted per-agent aggregates.
func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	aggs, err := s.storage.AgentAggregates()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	type agentRow struct {
		Agent        string  `json:"agent"`
		AccountCount int     `json:"account_count"`
		AvgPathCount float64 `json:"avg_path_count"`
		TotalRatio   float64 `json:"total_ratio"`
	}
	rows := make([]agentRow, 0, len(aggs))
	for _, a := range aggs {
		rows = append(rows, agentRow{a.Agent, a.AccountCount, a.AvgPathCount, a.TotalRatio})
	}
	writeJSON(w, http.StatusOK, rows)
}

// handleAgent serves one agent's aggregate and accounts.
// GET /agent?id=<agent id> (agent ids are URIs, so they travel as a query
// parameter rather than a path segment).
func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "id parameter required")
		return
	}

	agg, err := s.storage.AgentAggregateByID(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if agg == nil {
		writeError(w, http.StatusNotFound, "unknown agent")
		return
	}
	accounts, err := s.storage.AgentAccounts(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	type accountRow struct {
		PubkeyHash string  `json:"pubkey_hash"`
		Depth      int     `json:"depth"`
		Status     string  `json:"status"`
		Ratio      float64 `json:"ratio"`
		PathCount  int     `json:"path_count"`
	}
	rows := make([]accountRow, 0, len(accounts))
	for _, a := range accounts {
		rows = append(rows, accountRow{a.PubkeyHash, a.Depth, a.Status, a.Ratio, a.PathCount})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agent":          agg.Agent,
		"account_count":  agg.AccountCount,
		"avg_path_count": agg.AvgPathCount,
		"total_ratio":    agg.TotalRatio,
		"accounts":       rows,
	})
}

// handleStatus serves the server-info table.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	info, err := s.storage.AllInfo()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	maxSeq, err := s.storage.MaxSequence()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	info["load_counter"] = strconv.FormatInt(maxSeq, 10)
	writeJSON(w, http.StatusOK, info)
}

// renderText produces the protocol-buffer-style text rendering of a stored
// publication.
func renderText(p *storage.Publication) string {
	out := fmt.Sprintf("artifact_code: %q\nfull_id: %q\ntype: %q\nagent: %q\npubkey_hash: %q\nsequence: %d\n",
		p.ArtifactCode, p.FullID, p.Type, p.Agent, p.PubkeyHash, p.Sequence)

	pub, err := nanopub.Parse(p.Raw)
	if err != nil {
		return out
	}
	for _, d := range pub.Body.Declares {
		out += fmt.Sprintf("declares {\n  agent: %q\n  pubkey: %q\n}\n", d.Agent, d.Pubkey)
	}
	if pub.Body.Approves != "" {
		out += fmt.Sprintf("approves: %q\n", pub.Body.Approves)
	}
	if pub.Body.Retracts != "" {
		out += fmt.Sprintf("retracts: %q\n", pub.Body.Retracts)
	}
	return out
}
