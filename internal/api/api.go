package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/joescharf/devloop/internal/action"
	"github.com/joescharf/devloop/internal/devloop"
	"github.com/joescharf/devloop/internal/models"
	"github.com/joescharf/devloop/internal/process"
	"github.com/joescharf/devloop/internal/promote"
)

// maxBodyBytes caps request bodies; batches carry whole files.
const maxBodyBytes = 16 << 20

// Service is the devloop surface the API exposes.
type Service interface {
	Propose(ctx context.Context, prompt string) (*devloop.Outcome, error)
	ApplyRaw(ctx context.Context, label string, raw []byte) (*devloop.Outcome, error)
	Approve(ctx context.Context) (*promote.Result, error)
	Rollback(ctx context.Context) (*promote.Result, error)
	Undo(ctx context.Context) (*promote.Result, error)
	Confirm(ctx context.Context) (*promote.Result, error)
	Diff(ctx context.Context, stat bool) (*devloop.DiffResult, error)
	Rounds(ctx context.Context, limit int) ([]*models.Round, error)
	Promotions(ctx context.Context, limit int) ([]*models.Promotion, error)
	History(ctx context.Context, limit int) ([]*models.Message, error)
	ClearHistory(ctx context.Context) (int64, error)
	StartServers(ctx context.Context, force bool, kinds ...process.Kind) (map[process.Kind]process.Outcome, error)
	StopServers(ctx context.Context, kinds ...process.Kind) error
	ServerStatus(ctx context.Context) []process.Status
	Setup(ctx context.Context, start bool) (*devloop.SetupResult, error)
	Reset(ctx context.Context)
}

// Reloader builds a fresh Service from re-read configuration.
type Reloader func(ctx context.Context) (Service, error)

// Server provides the REST API handlers.
type Server struct {
	mu     sync.RWMutex
	svc    Service
	reload Reloader
	logger *slog.Logger
}

// NewServer creates a new API server.
func NewServer(svc Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{svc: svc, logger: logger}
}

// OnReload enables POST /api/v1/reload, which resets the current service
// and swaps in the one fn builds.
func (s *Server) OnReload(fn Reloader) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reload = fn
}

func (s *Server) current() Service {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.svc
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/propose", s.propose)
	mux.HandleFunc("POST /api/v1/apply", s.apply)

	mux.HandleFunc("POST /api/v1/approve", s.resolve(Service.Approve))
	mux.HandleFunc("POST /api/v1/rollback", s.resolve(Service.Rollback))
	mux.HandleFunc("POST /api/v1/undo", s.resolve(Service.Undo))
	mux.HandleFunc("POST /api/v1/confirm", s.resolve(Service.Confirm))

	mux.HandleFunc("GET /api/v1/diff", s.diff)
	mux.HandleFunc("GET /api/v1/rounds", s.listRounds)
	mux.HandleFunc("GET /api/v1/promotions", s.listPromotions)
	mux.HandleFunc("GET /api/v1/history", s.listHistory)
	mux.HandleFunc("POST /api/v1/history/clear", s.clearHistory)

	mux.HandleFunc("GET /api/v1/servers", s.listServers)
	mux.HandleFunc("POST /api/v1/servers/{name}/start", s.startServer)
	mux.HandleFunc("POST /api/v1/servers/{name}/stop", s.stopServer)

	mux.HandleFunc("POST /api/v1/setup", s.setup)
	mux.HandleFunc("POST /api/v1/reset", s.reset)
	mux.HandleFunc("POST /api/v1/reload", s.reloadService)

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

// statusFor maps service errors onto HTTP statuses.
func statusFor(err error) int {
	var verr *action.ValidationError
	switch {
	case errors.Is(err, promote.ErrUnresolvedRound), errors.Is(err, promote.ErrNothingStaged):
		return http.StatusConflict
	case errors.As(err, &verr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, devloop.ErrNoProvider):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, status, err.Error())
}

func queryLimit(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// --- Changes ---

type proposeRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) propose(w http.ResponseWriter, r *http.Request) {
	var req proposeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	out, err := s.current().Propose(r.Context(), req.Prompt)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// apply takes a batch document as the body. ?label= names the round.
func (s *Server) apply(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	label := r.URL.Query().Get("label")
	if label == "" {
		label = "api apply"
	}

	out, err := s.current().ApplyRaw(r.Context(), label, raw)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// --- Round resolution ---

func (s *Server) resolve(op func(Service, context.Context) (*promote.Result, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := op(s.current(), r.Context())
		if err != nil {
			status := statusFor(err)
			s.logger.Warn("resolution failed", "path", r.URL.Path, "error", err)
			writeJSON(w, status, map[string]any{"error": err.Error(), "result": res})
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// --- Inspection ---

func (s *Server) diff(w http.ResponseWriter, r *http.Request) {
	stat := r.URL.Query().Get("stat") == "true"
	d, err := s.current().Diff(r.Context(), stat)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) listRounds(w http.ResponseWriter, r *http.Request) {
	rounds, err := s.current().Rounds(r.Context(), queryLimit(r, 20))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rounds)
}

func (s *Server) listPromotions(w http.ResponseWriter, r *http.Request) {
	promos, err := s.current().Promotions(r.Context(), queryLimit(r, 20))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, promos)
}

func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.current().History(r.Context(), queryLimit(r, 0))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) clearHistory(w http.ResponseWriter, r *http.Request) {
	n, err := s.current().ClearHistory(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"cleared": n})
}

// --- Servers ---

func (s *Server) listServers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.current().ServerStatus(r.Context()))
}

func (s *Server) startServer(w http.ResponseWriter, r *http.Request) {
	kind, err := process.ParseKind(r.PathValue("name"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	force := r.URL.Query().Get("force") == "true"

	out, err := s.current().StartServers(r.Context(), force, kind)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	outcome := out[kind]
	status := http.StatusOK
	if !outcome.OK() {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]any{"server": kind, "outcome": outcome})
}

func (s *Server) stopServer(w http.ResponseWriter, r *http.Request) {
	kind, err := process.ParseKind(r.PathValue("name"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err := s.current().StopServers(r.Context(), kind); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"server": kind, "stopped": true})
}

// --- Project lifecycle ---

// setup prepares the workspaces. ?start=true also starts both servers.
func (s *Server) setup(w http.ResponseWriter, r *http.Request) {
	start := r.URL.Query().Get("start") == "true"
	res, err := s.current().Setup(r.Context(), start)
	if err != nil {
		s.logger.Error("setup failed", "error", err)
		writeJSON(w, statusFor(err), map[string]any{"error": err.Error(), "result": res})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	s.current().Reset(r.Context())
	writeJSON(w, http.StatusOK, map[string]bool{"reset": true})
}

func (s *Server) reloadService(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reload == nil {
		writeError(w, http.StatusNotImplemented, "reload is not enabled")
		return
	}

	s.svc.Reset(r.Context())
	next, err := s.reload(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.svc = next
	s.logger.Info("service reloaded")
	writeJSON(w, http.StatusOK, map[string]bool{"reloaded": true})
}
