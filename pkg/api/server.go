package api

import (
	"fmt"
	"log"
	"net/http"

	"geocol/pkg/ops"
)

// APIServer represents the REST API server
type APIServer struct {
	dispatcher   *ops.Dispatcher
	port         int
	maxBodyBytes int64
	server       *http.Server
}

// NewAPIServer creates a new API server instance
func NewAPIServer(d *ops.Dispatcher, port int, maxBodyBytes int64) *APIServer {
	return &APIServer{
		dispatcher:   d,
		port:         port,
		maxBodyBytes: maxBodyBytes,
	}
}

// NewMux registers the REST routes on a fresh ServeMux.
func NewMux(d *ops.Dispatcher, maxBodyBytes int64) *http.ServeMux {
	handler := NewAPIHandler(d, maxBodyBytes)

	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/ops", handler.ListOperationsHandler)
	mux.HandleFunc("/api/v1/ops/{op}", handler.OperationHandler)

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	return mux
}

// Start starts the REST API server
func (s *APIServer) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: NewMux(s.dispatcher, s.maxBodyBytes),
	}

	log.Printf("Starting REST API server on port %d", s.port)
	return s.server.ListenAndServe()
}

// Stop stops the REST API server
func (s *APIServer) Stop() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}
