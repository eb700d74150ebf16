// Package api exposes the coordination operations over HTTP. It is an
// adapter only: handlers marshal requests into the session, memory, and
// auth services and map the error taxonomy onto status codes. All domain
// rules live below it.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/overseer/internal/auth"
	"github.com/nidhogg/overseer/internal/core"
	"github.com/nidhogg/overseer/internal/memory"
	"github.com/nidhogg/overseer/internal/session"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	auth     *auth.Service
	sessions *session.Service
	memory   *memory.Service
	logger   *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(authSvc *auth.Service, sessions *session.Service, mem *memory.Service, logger *zap.Logger) *Handler {
	return &Handler{
		auth:     authSvc,
		sessions: sessions,
		memory:   mem,
		logger:   logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Group(func(r chi.Router) {
			r.Use(h.authenticate)

			r.Post("/auth/token", h.issueToken)

			r.Post("/sessions", h.createSession)
			r.Get("/sessions/{id}", h.getSession)
			r.Post("/sessions/{id}/archive", h.archiveSession)
			r.Post("/sessions/{id}/messages", h.addMessage)
			r.Get("/sessions/{id}/messages", h.getMessages)
			r.Get("/sessions/{id}/head", h.sessionHead)

			r.Put("/memory", h.setMemory)
			r.Get("/memory", h.getMemory)
			r.Get("/memory/list", h.listMemory)
		})
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type issueTokenRequest struct {
	AgentID    string `json:"agent_id"`
	AgentType  string `json:"agent_type"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

// issueToken mints a credential for another agent. Only admin identities
// may mint; agents obtain their first credential out of band (static key
// or the keygen helper).
func (h *Handler) issueToken(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)
	if !identity.IsAdmin() {
		writeError(w, core.ErrPermission)
		return
	}

	var req issueTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, core.Validationf("body", "%v", err))
		return
	}

	token, err := h.auth.Issue(r.Context(), req.AgentID, core.AgentType(req.AgentType),
		time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"token": token})
}

type createSessionRequest struct {
	Purpose  string        `json:"purpose"`
	Metadata core.Metadata `json:"metadata,omitempty"`
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, core.Validationf("body", "%v", err))
		return
	}

	sess, err := h.sessions.Create(r.Context(), identityFrom(r), req.Purpose, req.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Get(r.Context(), identityFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) archiveSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Archive(r.Context(), identityFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type addMessageRequest struct {
	Content       string        `json:"content"`
	Visibility    string        `json:"visibility,omitempty"`
	Metadata      core.Metadata `json:"metadata,omitempty"`
	AllowedAgents []string      `json:"allowed_agents,omitempty"`
}

func (h *Handler) addMessage(w http.ResponseWriter, r *http.Request) {
	var req addMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, core.Validationf("body", "%v", err))
		return
	}

	msg, err := h.sessions.AddMessage(r.Context(), identityFrom(r), chi.URLParam(r, "id"),
		req.Content, core.Visibility(req.Visibility), req.Metadata, req.AllowedAgents)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *Handler) getMessages(w http.ResponseWriter, r *http.Request) {
	since, err := queryInt64(r, "since", 0)
	if err != nil {
		writeError(w, core.Validationf("since", "not an integer"))
		return
	}
	limit, err := queryInt64(r, "limit", 0)
	if err != nil {
		writeError(w, core.Validationf("limit", "not an integer"))
		return
	}

	msgs, err := h.sessions.Messages(r.Context(), identityFrom(r), chi.URLParam(r, "id"), since, int(limit))
	if err != nil {
		writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []core.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) sessionHead(w http.ResponseWriter, r *http.Request) {
	seq, err := h.sessions.Head(r.Context(), identityFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"seq": seq})
}

type setMemoryRequest struct {
	Key        string        `json:"key"`
	Value      core.Metadata `json:"value"`
	Scope      string        `json:"scope"`
	SessionID  string        `json:"session_id,omitempty"`
	TTLSeconds int           `json:"ttl_seconds,omitempty"`
}

func (h *Handler) setMemory(w http.ResponseWriter, r *http.Request) {
	var req setMemoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, core.Validationf("body", "%v", err))
		return
	}

	entry, err := h.memory.Set(r.Context(), identityFrom(r), req.Key, req.Value,
		core.MemoryScope(req.Scope), req.SessionID,
		time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) getMemory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entry, err := h.memory.Get(r.Context(), identityFrom(r), q.Get("key"),
		core.MemoryScope(q.Get("scope")), q.Get("session_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) listMemory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entries, err := h.memory.List(r.Context(), identityFrom(r),
		core.MemoryScope(q.Get("scope")), q.Get("session_id"), q.Get("prefix"))
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []core.MemoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func queryInt64(r *http.Request, name string, def int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP status codes and tells the
// caller whether a retry is reasonable.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrInvalidCredential), errors.Is(err, core.ErrCredentialExpired):
		status = http.StatusUnauthorized
	case errors.Is(err, core.ErrPermission):
		status = http.StatusForbidden
	case errors.Is(err, core.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrSessionArchived), errors.Is(err, core.ErrConflict):
		status = http.StatusConflict
	case core.IsValidation(err):
		status = http.StatusBadRequest
	case errors.Is(err, core.ErrTimeout):
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, map[string]interface{}{
		"error":     err.Error(),
		"retryable": core.Retryable(err),
	})
}
