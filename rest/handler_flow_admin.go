package rest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/choirhq/choir/model"
	"github.com/choirhq/choir/persistence"
)

type notifyRequest struct {
	RequireReady bool     `json:"requireReady"`
	SkipStatuses []string `json:"skipStatuses,omitempty"`
}

func (s *Server) HandleNotifyState(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	req := notifyRequest{RequireReady: true}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondWithError(w, http.StatusBadRequest, "malformed notify request: "+err.Error())
			return
		}
	}
	skip := make([]model.StateStatus, 0, len(req.SkipStatuses))
	for _, raw := range req.SkipStatuses {
		skip = append(skip, model.StateStatus(raw))
	}
	envelope, err := s.executorService.Notify(vars["id"], vars["state"], req.RequireReady, skip)
	if err != nil {
		var nf persistence.NotFoundError
		if errors.As(err, &nf) {
			respondWithError(w, http.StatusNotFound, err.Error())
			return
		}
		respondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if envelope == nil {
		respondWithJSON(w, http.StatusOK, map[string]any{"notified": false})
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"notified": true, "envelope": envelope})
}

type resetRequest struct {
	Notify bool `json:"notify"`
}

// HandleResetState rewinds a failed state to pending. It is the operator
// step that makes a retry notification actionable again.
func (s *Server) HandleResetState(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	req := resetRequest{Notify: true}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondWithError(w, http.StatusBadRequest, "malformed reset request: "+err.Error())
			return
		}
	}
	envelope, err := s.executorService.Reset(vars["id"], vars["state"], req.Notify)
	if err != nil {
		var nf persistence.NotFoundError
		if errors.As(err, &nf) {
			respondWithError(w, http.StatusNotFound, err.Error())
			return
		}
		respondWithError(w, http.StatusConflict, err.Error())
		return
	}
	if envelope == nil {
		respondWithJSON(w, http.StatusOK, map[string]any{"reset": true, "notified": false})
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"reset": true, "notified": true, "envelope": envelope})
}

type finalizeRequest struct {
	CloseOpenStates          bool   `json:"closeOpenStates"`
	DeleteWorkers            bool   `json:"deleteWorkers"`
	PreservePlannerLikeRoles bool   `json:"preservePlannerLikeRoles"`
	OverallStatusOverride    string `json:"overallStatusOverride,omitempty"`
	Note                     string `json:"note,omitempty"`
}

func (s *Server) HandleFinalizeFlow(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req finalizeRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondWithError(w, http.StatusBadRequest, "malformed finalize request: "+err.Error())
			return
		}
	}
	record, err := s.executorService.Finalize(vars["id"], req.CloseOpenStates, req.DeleteWorkers,
		req.PreservePlannerLikeRoles, model.OverallStatus(req.OverallStatusOverride), req.Note)
	if err != nil {
		var nf persistence.NotFoundError
		if errors.As(err, &nf) {
			respondWithError(w, http.StatusNotFound, err.Error())
			return
		}
		respondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, record)
}
