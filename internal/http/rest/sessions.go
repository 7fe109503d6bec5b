package rest

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/seedbox_relay/internal/logctx"
	"github.com/italolelis/seedbox_relay/internal/session"
	"github.com/italolelis/seedbox_relay/internal/storage"
	"github.com/italolelis/seedbox_relay/internal/telemetry"
	"github.com/italolelis/seedbox_relay/internal/transfer"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// Orchestrator is the part of transfer.Orchestrator exposed over HTTP.
type Orchestrator interface {
	Start(ctx context.Context, req transfer.Request) (session.Session, error)
	Status(ctx context.Context, requesterID string) (session.Session, *transfer.JobState, error)
	Cancel(ctx context.Context, requesterID string) error
}

type StartRequest struct {
	RequesterID string `json:"requester_id"`
	ChatID      string `json:"chat_id"`
	Link        string `json:"link"`
}

type JobStateResponse struct {
	Phase        string  `json:"phase"`
	Name         string  `json:"name,omitempty"`
	Progress     float64 `json:"progress"`
	DownloadRate int64   `json:"download_rate"`
	ETASeconds   int64   `json:"eta_seconds"`
	Message      string  `json:"message,omitempty"`
	Text         string  `json:"text"`
}

type SessionResponse struct {
	ID          string            `json:"id"`
	RequesterID string            `json:"requester_id"`
	ChatID      string            `json:"chat_id"`
	JobID       string            `json:"job_id,omitempty"`
	Link        string            `json:"link,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	State       *JobStateResponse `json:"state,omitempty"`
}

type HistoryEntry struct {
	ID         string     `json:"id"`
	JobID      string     `json:"job_id,omitempty"`
	Engine     string     `json:"engine"`
	Link       string     `json:"link,omitempty"`
	State      string     `json:"state"`
	Delivered  int        `json:"delivered"`
	Skipped    int        `json:"skipped"`
	Failed     int        `json:"failed"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// SessionsHandler serves the download sessions API.
type SessionsHandler struct {
	username     string
	password     string
	orchestrator Orchestrator
	history      storage.SessionReadRepository
	telemetry    *telemetry.Telemetry
}

// NewSessionsHandler creates the handler. Basic auth is enforced when username is set; history may be nil.
func NewSessionsHandler(username, password string, o Orchestrator, history storage.SessionReadRepository, t *telemetry.Telemetry) *SessionsHandler {
	return &SessionsHandler{
		username:     username,
		password:     password,
		orchestrator: o,
		history:      history,
		telemetry:    t,
	}
}

func (h *SessionsHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Post("/sessions", h.HandleStart)
	r.Get("/sessions/{requesterID}", h.HandleStatus)
	r.Delete("/sessions/{requesterID}", h.HandleCancel)
	r.Get("/sessions/{requesterID}/history", h.HandleHistory)

	return r
}

func (h *SessionsHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req StartRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&req); err != nil {
		logger.Debug("failed to decode request", "err", err)
		h.respond(w, r, http.StatusBadRequest, errorResponse{Error: "invalid request body"})

		return
	}

	if req.RequesterID == "" || req.ChatID == "" {
		h.respond(w, r, http.StatusBadRequest, errorResponse{Error: "requester_id and chat_id are required"})

		return
	}

	s, err := h.orchestrator.Start(r.Context(), transfer.Request{
		RequesterID: req.RequesterID,
		ChatID:      req.ChatID,
		Link:        req.Link,
	})
	if err != nil {
		h.respondError(w, r, err)

		return
	}

	h.respond(w, r, http.StatusCreated, toSessionResponse(s, nil))
}

func (h *SessionsHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	s, state, err := h.orchestrator.Status(r.Context(), chi.URLParam(r, "requesterID"))
	if err != nil {
		h.respondError(w, r, err)

		return
	}

	h.respond(w, r, http.StatusOK, toSessionResponse(s, state))
}

func (h *SessionsHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	if err := h.orchestrator.Cancel(r.Context(), chi.URLParam(r, "requesterID")); err != nil {
		h.respondError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *SessionsHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		h.respond(w, r, http.StatusNotFound, errorResponse{Error: "session history is disabled"})

		return
	}

	limit := defaultHistoryLimit

	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.respond(w, r, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})

			return
		}

		limit = min(n, maxHistoryLimit)
	}

	records, err := h.history.GetRecentSessions(r.Context(), chi.URLParam(r, "requesterID"), limit)
	if err != nil {
		h.respondError(w, r, err)

		return
	}

	entries := make([]HistoryEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, toHistoryEntry(rec))
	}

	h.respond(w, r, http.StatusOK, entries)
}

func (h *SessionsHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="seedbox_relay"`)
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		userOK := subtle.ConstantTimeCompare([]byte(username), []byte(h.username)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(password), []byte(h.password)) == 1

		if !userOK || !passOK {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *SessionsHandler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logctx.LoggerFromContext(r.Context()).Error("request failed", "err", err)
	}

	h.respond(w, r, status, errorResponse{Error: err.Error()})
}

func (h *SessionsHandler) respond(w http.ResponseWriter, r *http.Request, status int, body any) {
	if e, ok := body.(errorResponse); ok {
		e.RequestID = telemetry.GetRequestID(r.Context())
		body = e
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
		h.telemetry.RecordSystemError(r.Context(), "rest", "encode")
	}
}

// statusFor maps orchestrator errors onto HTTP status codes.
func statusFor(err error) int {
	var (
		invalid     *transfer.InvalidLinkError
		auth        *transfer.AuthenticationError
		unreachable *transfer.UnreachableError
	)

	switch {
	case errors.As(err, &invalid):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrSessionActive), errors.Is(err, session.ErrStarting), errors.Is(err, transfer.ErrJobExists):
		return http.StatusConflict
	case errors.Is(err, session.ErrNoSession), errors.Is(err, transfer.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, transfer.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.As(err, &auth), errors.As(err, &unreachable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func toSessionResponse(s session.Session, state *transfer.JobState) SessionResponse {
	resp := SessionResponse{
		ID:          s.ID,
		RequesterID: s.RequesterID,
		ChatID:      s.ChatID,
		JobID:       s.JobID,
		Link:        s.Link,
		CreatedAt:   s.CreatedAt,
	}

	if state != nil {
		resp.State = &JobStateResponse{
			Phase:        string(state.Phase),
			Name:         state.Name,
			Progress:     state.Progress,
			DownloadRate: state.DownloadRate,
			ETASeconds:   int64(state.ETA / time.Second),
			Message:      state.Message,
			Text:         transfer.StatusText(state),
		}
	}

	return resp
}

func toHistoryEntry(rec storage.SessionRecord) HistoryEntry {
	entry := HistoryEntry{
		ID:        rec.ID,
		JobID:     rec.JobID,
		Engine:    rec.Engine,
		Link:      rec.Link,
		State:     rec.State,
		Delivered: rec.Delivered,
		Skipped:   rec.Skipped,
		Failed:    rec.Failed,
		CreatedAt: rec.CreatedAt,
	}

	if !rec.FinishedAt.IsZero() {
		finished := rec.FinishedAt
		entry.FinishedAt = &finished
	}

	return entry
}
