package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

type resolveProposalRequest struct {
	Option string `json:"option"`
	Actor  string `json:"actor"`
}

type rejectProposalRequest struct {
	Actor string `json:"actor"`
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	proposalID := strings.TrimSpace(chi.URLParam(r, "id"))
	if proposalID == "" {
		respondError(w, http.StatusBadRequest, "invalid_proposal_id", "missing proposal id")
		return
	}

	p, err := s.engine.GetProposal(r.Context(), proposalID)
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) handleResolveProposal(w http.ResponseWriter, r *http.Request) {
	proposalID := strings.TrimSpace(chi.URLParam(r, "id"))
	if proposalID == "" {
		respondError(w, http.StatusBadRequest, "invalid_proposal_id", "missing proposal id")
		return
	}

	var req resolveProposalRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	option := strings.TrimSpace(req.Option)
	if option == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "option is required")
		return
	}
	actor := strings.TrimSpace(req.Actor)
	if actor == "" {
		actor = "api"
	}

	p, err := s.engine.ResolveProposal(r.Context(), proposalID, option, actor)
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) handleRejectProposal(w http.ResponseWriter, r *http.Request) {
	proposalID := strings.TrimSpace(chi.URLParam(r, "id"))
	if proposalID == "" {
		respondError(w, http.StatusBadRequest, "invalid_proposal_id", "missing proposal id")
		return
	}

	var req rejectProposalRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	actor := strings.TrimSpace(req.Actor)
	if actor == "" {
		actor = "api"
	}

	p, err := s.engine.RejectProposal(r.Context(), proposalID, actor)
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) handleSyncRun(w http.ResponseWriter, r *http.Request) {
	if s.sync == nil {
		respondError(w, http.StatusNotImplemented, "sync_disabled", "No planner is configured.")
		return
	}

	summary, err := s.sync.RunOnce(r.Context())
	if err != nil {
		respondError(w, http.StatusBadGateway, "sync_failed", "The planner could not be reached.")
		return
	}
	respondJSON(w, http.StatusOK, summary)
}
