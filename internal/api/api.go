package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/joescharf/sidecar/internal/artifacts"
	"github.com/joescharf/sidecar/internal/capture"
	"github.com/joescharf/sidecar/internal/models"
	"github.com/joescharf/sidecar/internal/sessions"
	"github.com/joescharf/sidecar/internal/store"
	"github.com/joescharf/sidecar/internal/synthesis"
)

// Server provides the REST API handlers.
type Server struct {
	sessions *sessions.Manager
	version  string
}

// NewServer creates a new API server over the session manager.
func NewServer(m *sessions.Manager, version string) *Server {
	return &Server{sessions: m, version: version}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", s.health)

	mux.HandleFunc("GET /api/v1/sessions", s.listSessions)
	mux.HandleFunc("POST /api/v1/sessions", s.startSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.getSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/end", s.endSession)

	mux.HandleFunc("POST /api/v1/sessions/{id}/events", s.captureEvent)
	mux.HandleFunc("GET /api/v1/sessions/{id}/events", s.listEvents)
	mux.HandleFunc("GET /api/v1/sessions/{id}/state", s.getState)
	mux.HandleFunc("GET /api/v1/sessions/{id}/search", s.search)
	mux.HandleFunc("POST /api/v1/sessions/{id}/summary", s.summarize)

	mux.HandleFunc("GET /api/v1/sessions/{id}/patches", s.listPatches)
	mux.HandleFunc("POST /api/v1/sessions/{id}/patches/detect", s.detectPatches)
	mux.HandleFunc("GET /api/v1/patches/{id}", s.getPatch)
	mux.HandleFunc("POST /api/v1/patches/{id}/commit", s.commitPatch)
	mux.HandleFunc("POST /api/v1/patches/{id}/discard", s.discardPatch)
	mux.HandleFunc("POST /api/v1/patches/{id}/synthesize", s.synthesize)

	mux.HandleFunc("GET /api/v1/sessions/{id}/artifacts", s.listArtifacts)
	mux.HandleFunc("POST /api/v1/sessions/{id}/artifacts", s.createArtifact)
	mux.HandleFunc("POST /api/v1/sessions/{id}/artifacts/propose", s.proposeArtifacts)
	mux.HandleFunc("GET /api/v1/artifacts/{id}", s.getArtifact)
	mux.HandleFunc("GET /api/v1/artifacts/{id}/preview", s.previewArtifact)
	mux.HandleFunc("POST /api/v1/artifacts/{id}/apply", s.applyArtifact)
	mux.HandleFunc("POST /api/v1/artifacts/{id}/reject", s.rejectArtifact)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeErr maps a domain error to its HTTP status.
func writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("api request failed", "error", err)
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	var cerr *capture.Error
	if errors.As(err, &cerr) {
		switch cerr.Kind {
		case capture.KindBackpressure:
			return http.StatusServiceUnavailable
		case capture.KindInvalid:
			return http.StatusBadRequest
		case capture.KindClosed:
			return http.StatusConflict
		}
	}
	var serr *synthesis.Error
	if errors.As(err, &serr) {
		switch serr.Kind {
		case synthesis.KindNotFound:
			return http.StatusNotFound
		case synthesis.KindMisconfigured:
			return http.StatusBadRequest
		}
	}
	switch {
	case artifacts.IsKind(err, artifacts.KindNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case artifacts.IsKind(err, artifacts.KindInvalidTransition),
		artifacts.IsKind(err, artifacts.KindDanglingPatch),
		errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}

func queryInt(r *http.Request, key string, def int64) int64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.version})
}

// --- Sessions ---

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	filter := store.SessionFilter{
		WorkspaceRoot: r.URL.Query().Get("workspace"),
		Status:        models.SessionStatus(r.URL.Query().Get("status")),
		Limit:         int(queryInt(r, "limit", 50)),
	}
	list, err := s.sessions.List(r.Context(), filter)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type startRequest struct {
	WorkspaceRoot string `json:"workspace_root"`
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.WorkspaceRoot == "" {
		writeError(w, http.StatusBadRequest, "workspace_root is required")
		return
	}
	sess, err := s.sessions.Start(r.Context(), req.WorkspaceRoot)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sum, err := s.sessions.Summary(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) endSession(w http.ResponseWriter, r *http.Request) {
	res, err := s.sessions.End(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Events ---

type captureRequest struct {
	Kind      models.EventKind `json:"kind"`
	Timestamp time.Time        `json:"timestamp"`
	Payload   json.RawMessage  `json:"payload"`
}

func (s *Server) captureEvent(w http.ResponseWriter, r *http.Request) {
	var req captureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	e, err := s.sessions.Capture(r.Context(), r.PathValue("id"), models.SessionEvent{
		Kind:      req.Kind,
		Timestamp: req.Timestamp,
		Payload:   req.Payload,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, e)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.sessions.Flush(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	events, err := s.sessions.Events(r.Context(), id, queryInt(r, "from", 1), queryInt(r, "to", 0))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var (
		st  *models.SessionState
		err error
	)
	if r.URL.Query().Get("refresh") == "true" {
		st, err = s.sessions.Process(r.Context(), id)
	} else {
		st, err = s.sessions.State(r.Context(), id)
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	results, err := s.sessions.Search(r.Context(), r.PathValue("id"), q, int(queryInt(r, "k", 5)))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// --- Patches ---

func (s *Server) listPatches(w http.ResponseWriter, r *http.Request) {
	status := models.PatchStatus(r.URL.Query().Get("status"))
	list, err := s.sessions.ListPatches(r.Context(), r.PathValue("id"), status)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) detectPatches(w http.ResponseWriter, r *http.Request) {
	staged, err := s.sessions.DetectPatches(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, staged)
}

func (s *Server) getPatch(w http.ResponseWriter, r *http.Request) {
	p, err := s.sessions.GetPatch(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type commitRequest struct {
	Message    string `json:"message"`
	Synthesize bool   `json:"synthesize"`
}

func (s *Server) commitPatch(w http.ResponseWriter, r *http.Request) {
	var req commitRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	p, err := s.sessions.CommitPatch(r.Context(), r.PathValue("id"), req.Message, req.Synthesize)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) discardPatch(w http.ResponseWriter, r *http.Request) {
	p, err := s.sessions.DiscardPatch(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type synthesizeRequest struct {
	Backend string `json:"backend"`
}

func (s *Server) synthesize(w http.ResponseWriter, r *http.Request) {
	var req synthesizeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	p, err := s.sessions.GetPatch(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	res, err := s.sessions.Synthesize(r.Context(), p.SessionID, p.ID, req.Backend)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) summarize(w http.ResponseWriter, r *http.Request) {
	var req synthesizeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	res, err := s.sessions.SynthesizeSummary(r.Context(), r.PathValue("id"), req.Backend)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Artifacts ---

func (s *Server) listArtifacts(w http.ResponseWriter, r *http.Request) {
	status := models.ArtifactStatus(r.URL.Query().Get("status"))
	list, err := s.sessions.ListArtifacts(r.Context(), r.PathValue("id"), status)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type proposalRequest struct {
	Target         string   `json:"target"`
	Content        string   `json:"content"`
	Reason         string   `json:"reason"`
	BasedOnPatches []string `json:"based_on_patches"`
}

func (s *Server) createArtifact(w http.ResponseWriter, r *http.Request) {
	var req proposalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	a, err := s.sessions.CreateArtifact(r.Context(), artifacts.Proposal{
		SessionID:      r.PathValue("id"),
		Target:         req.Target,
		Content:        req.Content,
		Reason:         req.Reason,
		BasedOnPatches: req.BasedOnPatches,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) proposeArtifacts(w http.ResponseWriter, r *http.Request) {
	list, err := s.sessions.ProposeArtifacts(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if list == nil {
		list = []*models.ArtifactFile{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getArtifact(w http.ResponseWriter, r *http.Request) {
	a, err := s.sessions.GetArtifact(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) previewArtifact(w http.ResponseWriter, r *http.Request) {
	d, err := s.sessions.PreviewArtifact(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"diff": d})
}

func (s *Server) applyArtifact(w http.ResponseWriter, r *http.Request) {
	a, err := s.sessions.ApplyArtifact(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) rejectArtifact(w http.ResponseWriter, r *http.Request) {
	a, err := s.sessions.RejectArtifact(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}
