// Package httpapi is the thin HTTP adapter over the orchestrator: request
// validation and JSON shaping live here, every decision lives in the engine.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/candorlabs/foreman/internal/config"
	"github.com/candorlabs/foreman/internal/events"
	"github.com/candorlabs/foreman/internal/observability"
	"github.com/candorlabs/foreman/internal/syncer"
	"github.com/candorlabs/foreman/internal/task"
)

// Engine is the slice of the orchestrator the HTTP layer needs.
type Engine interface {
	Create(ctx context.Context, req task.CreateRequest) (task.Task, error)
	Enqueue(ctx context.Context, taskID string) (task.Task, error)
	Cancel(ctx context.Context, taskID, reason string) (task.Task, error)
	Get(ctx context.Context, taskID string) (task.Task, error)
	List(ctx context.Context) ([]task.Task, error)
	GetProposal(ctx context.Context, proposalID string) (task.Proposal, error)
	ResolveProposal(ctx context.Context, proposalID, option, actor string) (task.Proposal, error)
	RejectProposal(ctx context.Context, proposalID, actor string) (task.Proposal, error)
	Subscribe(topic string) (<-chan events.Event, func())
	History(taskID string, limit int) []events.Event
}

// SyncRunner triggers an on-demand reconcile pass.
type SyncRunner interface {
	RunOnce(ctx context.Context) (syncer.Summary, error)
}

type Server struct {
	cfg       config.Config
	engine    Engine
	sync      SyncRunner
	metrics   *observability.Metrics
	log       zerolog.Logger
	storeMode string
	upgrader  websocket.Upgrader
}

func New(cfg config.Config, engine Engine, sync SyncRunner, metrics *observability.Metrics, log zerolog.Logger, storeMode string) *Server {
	return &Server{
		cfg:       cfg,
		engine:    engine,
		sync:      sync,
		metrics:   metrics,
		log:       log.With().Str("component", "httpapi").Logger(),
		storeMode: storeMode,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser connections unless explicitly
				// opened up; other websites must not drive the orchestrator.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/tasks", s.handleCreateTask)
	r.Get("/v1/tasks", s.handleListTasks)
	r.Get("/v1/tasks/{id}", s.handleGetTask)
	r.Post("/v1/tasks/{id}/enqueue", s.handleEnqueueTask)
	r.Post("/v1/tasks/{id}/cancel", s.handleCancelTask)
	r.Get("/v1/tasks/{id}/events", s.handleListTaskEvents)

	r.Get("/v1/proposals/{id}", s.handleGetProposal)
	r.Post("/v1/proposals/{id}/resolve", s.handleResolveProposal)
	r.Post("/v1/proposals/{id}/reject", s.handleRejectProposal)

	r.Post("/v1/sync/run", s.handleSyncRun)

	r.Get("/v1/events/ws", s.handleEventsWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"store_mode": s.storeMode,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"store_mode": s.storeMode,
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondFault translates a core error into the structured wire result. Raw
// internal detail never crosses this boundary.
func respondFault(w http.ResponseWriter, err error) {
	f := task.FaultFrom(err)
	respondError(w, statusForFault(err), f.Code, f.Message)
}

func statusForFault(err error) int {
	switch {
	case errors.Is(err, task.ErrTaskNotFound),
		errors.Is(err, task.ErrProposalNotFound),
		errors.Is(err, task.ErrExecutionNotFound):
		return http.StatusNotFound
	case errors.Is(err, task.ErrInvalidTransition),
		errors.Is(err, task.ErrProposalAlreadyPending),
		errors.Is(err, task.ErrProposalAlreadyResolved),
		errors.Is(err, task.ErrPrerequisitesUnmet):
		return http.StatusConflict
	case errors.Is(err, task.ErrInvalidOption):
		return http.StatusBadRequest
	case errors.Is(err, task.ErrInternal), errors.Is(err, task.ErrStoreConflict):
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}
