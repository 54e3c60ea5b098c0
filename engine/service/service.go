// Package service implements the sprite HTTP service: a token-authenticated
// republication of the local transport's snapshot/events/control operations,
// byte-equivalent to the direct-filesystem projections.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"sync"

	"github.com/opsmgr/control-plane/engine/internal/repo"
	"github.com/opsmgr/control-plane/engine/internal/telemetry/logging"
	"github.com/opsmgr/control-plane/engine/internal/telemetry/metrics"
	"github.com/opsmgr/control-plane/engine/internal/transport"
	"github.com/opsmgr/control-plane/engine/models"
)

// TokenEnv names the environment variable holding the service token.
const TokenEnv = "OPS_MANAGER_SERVICE_TOKEN"

// Error codes in the service's error envelope.
const (
	CodeUnauthorized = "unauthorized"
	CodeBadRequest   = "bad_request"
	CodeNotFound     = "not_found"
	CodeConflict     = "conflict"
	CodeInternal     = "internal"
)

// Options configures a Server.
type Options struct {
	// Token overrides the OPS_MANAGER_SERVICE_TOKEN environment variable.
	Token   string
	Logger  logging.Logger
	Metrics metrics.Provider
}

// Server serves the sprite ops API for one repository.
type Server struct {
	repo   *repo.Repo
	local  *transport.Local
	token  string
	logger logging.Logger

	// loopMu serializes control writes per loopId so the idempotency map
	// never interleaves.
	loopMuMu sync.Mutex
	loopMu   map[string]*sync.Mutex

	requests metrics.Counter
}

// New builds a Server over the repository at root.
func New(r *repo.Repo, opts Options) *Server {
	token := opts.Token
	if token == "" {
		token = os.Getenv(TokenEnv)
	}
	if opts.Logger == nil {
		opts.Logger = logging.New(nil)
	}
	provider := opts.Metrics
	if provider == nil {
		provider = metrics.NewNoopProvider()
	}
	return &Server{
		repo:   r,
		local:  transport.NewLocal(r),
		token:  token,
		logger: opts.Logger,
		loopMu: map[string]*sync.Mutex{},
		requests: provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "opsmgr",
			Subsystem: "service",
			Name:      "requests_total",
			Help:      "Sprite service requests by endpoint and status.",
			Labels:    []string{"endpoint", "status"},
		}}),
	}
}

// Handler returns the service's HTTP routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /ops/snapshot", s.authed(s.handleSnapshot))
	mux.HandleFunc("GET /ops/events", s.authed(s.handleEvents))
	mux.HandleFunc("POST /ops/control", s.authed(s.handleControl))
	return mux
}

func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" || r.Header.Get(transport.TokenHeader) != s.token {
			s.writeError(w, r, http.StatusUnauthorized, CodeUnauthorized, "missing or invalid token")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	loopID := r.URL.Query().Get("loopId")
	if loopID == "" {
		s.writeError(w, r, http.StatusBadRequest, CodeBadRequest, "loopId is required")
		return
	}
	snap, err := s.local.Snapshot(r.Context(), loopID)
	if err != nil {
		s.writeTransportError(w, r, err)
		return
	}
	s.writeCanonical(w, r, snap)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	loopID := q.Get("loopId")
	if loopID == "" {
		s.writeError(w, r, http.StatusBadRequest, CodeBadRequest, "loopId is required")
		return
	}
	var cursor models.Cursor
	if raw := q.Get("cursor"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			s.writeError(w, r, http.StatusBadRequest, CodeBadRequest, "cursor must be a non-negative integer")
			return
		}
		cursor.EventLineOffset = v
	}
	maxEvents := 0
	if raw := q.Get("maxEvents"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			s.writeError(w, r, http.StatusBadRequest, CodeBadRequest, "maxEvents must be a non-negative integer")
			return
		}
		maxEvents = v
	}
	// The loop must exist even if it has no events yet.
	if _, err := s.local.Snapshot(r.Context(), loopID); err != nil {
		s.writeTransportError(w, r, err)
		return
	}
	res, err := s.local.Events(r.Context(), loopID, cursor, maxEvents)
	if err != nil {
		s.writeTransportError(w, r, err)
		return
	}
	s.writeCanonical(w, r, res)
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	var req transport.ControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, CodeBadRequest, "invalid JSON body")
		return
	}
	if req.LoopID == "" || req.Intent == "" {
		s.writeError(w, r, http.StatusBadRequest, CodeBadRequest, "loopId and intent are required")
		return
	}
	if _, err := s.local.Snapshot(r.Context(), req.LoopID); err != nil {
		s.writeTransportError(w, r, err)
		return
	}

	mu := s.mutexFor(req.LoopID)
	mu.Lock()
	outcome, err := s.local.Control(context.WithoutCancel(r.Context()), req)
	mu.Unlock()
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	s.writeCanonical(w, r, outcome)
}

func (s *Server) mutexFor(loopID string) *sync.Mutex {
	s.loopMuMu.Lock()
	defer s.loopMuMu.Unlock()
	mu, ok := s.loopMu[loopID]
	if !ok {
		mu = &sync.Mutex{}
		s.loopMu[loopID] = mu
	}
	return mu
}

func (s *Server) writeTransportError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, transport.ErrNotFound) {
		s.writeError(w, r, http.StatusNotFound, CodeNotFound, err.Error())
		return
	}
	s.writeError(w, r, http.StatusInternalServerError, CodeInternal, err.Error())
}

// writeCanonical emits the canonicalized JSON projection so service
// responses are byte-equivalent to the local transport's canonical outputs.
func (s *Server) writeCanonical(w http.ResponseWriter, r *http.Request, v any) {
	data, err := repo.CanonicalJSON(v)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
	s.requests.Inc(1, r.URL.Path, "200")
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
	s.requests.Inc(1, r.URL.Path, strconv.Itoa(status))
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	s.writeJSON(w, r, status, map[string]any{
		"error": map[string]any{"code": code, "message": message},
	})
}
