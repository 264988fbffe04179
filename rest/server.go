package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/choirhq/choir/logger"
	"github.com/choirhq/choir/service"
	"go.uber.org/zap"
)

type Server struct {
	http.Server
	Port            int
	executorService *service.WorkflowExecutionService
}

func NewServer(httpPort int, executorService *service.WorkflowExecutionService) (*Server, error) {
	s := &Server{
		Server: http.Server{
			Addr: fmt.Sprintf(":%d", httpPort),
		},
		executorService: executorService,
		Port:            httpPort,
	}

	router := mux.NewRouter()
	router.HandleFunc("/workflow", s.HandleSubmitWorkflow).Methods(http.MethodPost)
	router.HandleFunc("/flow/launch", s.HandleLaunchFlow).Methods(http.MethodPost)
	router.HandleFunc("/flow/{id}", s.HandleGetFlow).Methods(http.MethodGet)
	router.HandleFunc("/flow/{id}/state/{state}/notify", s.HandleNotifyState).Methods(http.MethodPost)
	router.HandleFunc("/flow/{id}/state/{state}/reset", s.HandleResetState).Methods(http.MethodPost)
	router.HandleFunc("/flow/{id}/finalize", s.HandleFinalizeFlow).Methods(http.MethodPost)
	router.HandleFunc("/flow/{id}/output/{state}", s.HandleGetOutput).Methods(http.MethodGet)
	router.Use(loggingMiddleware)
	s.Handler = router
	return s, nil
}

func (s *Server) Start() error {
	logger.Info("starting http server", zap.Int("port", s.Port))
	if err := s.ListenAndServe(); err != nil {
		return err
	}
	return nil
}

func (s *Server) Stop() error {
	logger.Info("stopping http server")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := s.Shutdown(ctx)
	if err != nil {
		logger.Error("error shutting down http server", zap.Error(err))
	}
	return nil
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Info(r.RequestURI, zap.String("method", r.Method))
		next.ServeHTTP(w, r)
	})
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, _ := json.Marshal(payload)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}
