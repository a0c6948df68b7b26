// Package gateway exposes the governed query service over HTTP: query,
// resume, history, and exploration endpoints plus a WebSocket event stream.
package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/basket/go-warden/internal/bus"
	"github.com/basket/go-warden/internal/governor"
	"github.com/basket/go-warden/internal/resume"
	"github.com/basket/go-warden/internal/service"
	"github.com/basket/go-warden/internal/shared"
)

// maxBodyBytes bounds request bodies. Queries are text, not payloads.
const maxBodyBytes = 1 << 20

// Config holds the dependencies for the HTTP server.
type Config struct {
	Service *service.Service
	Bus     *bus.Bus // nil disables /v1/events
	Logger  *slog.Logger

	// ConfigFingerprint is the hash of the active config exposed in /healthz.
	ConfigFingerprint string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty means same-origin only.
	AllowOrigins []string
}

type Server struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/query", s.handleQuery)
	mux.HandleFunc("/v1/resume", s.handleResume)
	mux.HandleFunc("/v1/history", s.handleHistory)
	mux.HandleFunc("/v1/tables", s.handleTables)
	mux.HandleFunc("/v1/events", s.handleEvents)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError maps the error taxonomy onto HTTP statuses: validation
// failures and rejected decisions are the caller's fault, a missing token
// is 404, and anything from the data store is a 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var verr *governor.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusBadRequest, errorBody{errorDetail{Kind: "validation", Message: verr.Error()}})
		return
	}
	if errors.Is(err, resume.ErrTokenNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody{errorDetail{Kind: "token_not_found", Message: "confirmation token not found, already used, or expired"}})
		return
	}
	if errors.Is(err, resume.ErrDecisionRejected) {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{errorDetail{Kind: "decision_rejected", Message: err.Error()}})
		return
	}
	var eerr *governor.ExecutionError
	if errors.As(err, &eerr) {
		writeJSON(w, http.StatusInternalServerError, errorBody{errorDetail{Kind: "execution", Message: eerr.Error()}})
		return
	}
	s.logger.Error("request failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, errorBody{errorDetail{Kind: "internal", Message: err.Error()}})
}

// decodeBody reads and schema-validates a JSON request body, then binds it
// into dst.
func decodeBody(w http.ResponseWriter, r *http.Request, schema requestSchema, dst any) bool {
	raw, err := readValidated(http.MaxBytesReader(w, r.Body, maxBodyBytes), schema)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{errorDetail{Kind: "validation", Message: err.Error()}})
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{errorDetail{Kind: "validation", Message: "malformed request body"}})
		return false
	}
	return true
}

type queryRequest struct {
	SessionID string `json:"session_id"`
	Query     string `json:"query"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req queryRequest
	if !decodeBody(w, r, schemaQuery, &req) {
		return
	}
	if req.SessionID == "" {
		req.SessionID = "anonymous"
	}

	ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
	ctx = shared.WithSessionID(ctx, req.SessionID)

	res, err := s.cfg.Service.Query(ctx, req.SessionID, req.Query)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusOK
	if res.State == resume.StateAwaitingConfirmation {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

type resumeRequest struct {
	Token    string `json:"token"`
	Decision string `json:"decision"`
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req resumeRequest
	if !decodeBody(w, r, schemaResume, &req) {
		return
	}

	ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
	res, err := s.cfg.Service.Resume(ctx, req.Token, req.Decision)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{errorDetail{Kind: "validation", Message: "limit must be a positive integer"}})
			return
		}
		limit = n
	}
	items, err := s.cfg.Service.History(r.Context(), sessionID, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleTables(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tables, err := s.cfg.Service.Tables(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tables": tables})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	readiness := s.cfg.Service.CheckReadiness(r.Context())
	pending, _ := s.cfg.Service.PendingConfirmations(r.Context())

	payload := map[string]any{
		"healthy":               readiness.OK,
		"probes":                readiness.Probes,
		"capabilities":          service.Capabilities(),
		"default_row_cap":       s.cfg.Service.DefaultCap(),
		"pending_confirmations": pending,
		"config_hash":           s.cfg.ConfigFingerprint,
		"time_unix":             time.Now().Unix(),
	}
	status := http.StatusOK
	if !readiness.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}
