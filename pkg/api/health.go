package api

import (
	"net/http"
	"time"

	"github.com/agentcom/agentcom/pkg/hub"
)

// HealthResponse is the /health liveness body
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// ReadyResponse is the /ready readiness body
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

// handleHealth is a simple liveness check; 200 means the process is up
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   s.version,
	})
}

// handleReady reports readiness from the health aggregator. Degraded
// still serves traffic; critical does not.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	assessment := s.health.Assess()

	resp := ReadyResponse{
		Status:    assessment.Level,
		Timestamp: time.Now(),
		Checks:    assessment.Components,
	}
	status := http.StatusOK
	if assessment.Level == hub.HealthCritical {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
