package rest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/choirhq/choir/model"
	"github.com/choirhq/choir/persistence"
)

func (s *Server) HandleSubmitWorkflow(w http.ResponseWriter, r *http.Request) {
	var def model.WorkflowDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		respondWithError(w, http.StatusBadRequest, "malformed workflow definition: "+err.Error())
		return
	}
	graph, report, err := s.executorService.Submit(def)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if report != nil && !report.OK() {
		respondWithJSON(w, http.StatusUnprocessableEntity, report)
		return
	}
	respondWithJSON(w, http.StatusCreated, map[string]any{
		"name":    graph.Name,
		"version": graph.Version,
		"states":  len(graph.States),
	})
}

type launchRequest struct {
	Name       string         `json:"name"`
	Version    string         `json:"version"`
	WorkflowId string         `json:"workflowId,omitempty"`
	Input      map[string]any `json:"input,omitempty"`
}

func (s *Server) HandleLaunchFlow(w http.ResponseWriter, r *http.Request) {
	var req launchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "malformed launch request: "+err.Error())
		return
	}
	result, err := s.executorService.Launch(req.Name, req.Version, req.WorkflowId, req.Input)
	if err != nil {
		var nf persistence.NotFoundError
		if errors.As(err, &nf) {
			respondWithError(w, http.StatusNotFound, err.Error())
			return
		}
		respondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (s *Server) HandleGetFlow(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	workflowId := vars["id"]
	query := r.URL.Query()
	var states []string
	if raw, ok := query["state"]; ok {
		states = raw
	}
	includeMeta := query.Get("meta") != "false"
	readiness := query.Get("readiness") != "false"

	snapshot, err := s.executorService.Snapshot(workflowId, states, includeMeta, readiness)
	if err != nil {
		var nf persistence.NotFoundError
		if errors.As(err, &nf) {
			respondWithError(w, http.StatusNotFound, err.Error())
			return
		}
		respondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, snapshot)
}

func (s *Server) HandleGetOutput(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	output, err := s.executorService.Output(vars["id"], vars["state"])
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if output == nil {
		respondWithError(w, http.StatusNotFound, "no output recorded")
		return
	}
	respondWithJSON(w, http.StatusOK, output)
}
