package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes under the configured base path
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	base := s.app.Config.Server.BasePath

	// Service metadata and VOSI resources
	mux.HandleFunc(base, s.app.StatusHandler.IndexHandler)
	mux.HandleFunc(base+"/availability", s.app.StatusHandler.AvailabilityHandler)
	mux.HandleFunc(base+"/capabilities", s.app.StatusHandler.CapabilitiesHandler)

	// Synchronous facade
	mux.HandleFunc(base+"/sync", s.app.SyncHandler.SyncJobHandler)

	// Async job API
	mux.HandleFunc(base+"/jobs", s.handleJobsRoute)  // GET (list), POST (create)
	mux.HandleFunc(base+"/jobs/", s.handleJobRoutes) // Handles /jobs/{id} and subpaths

	// WebSocket phase event monitor
	mux.HandleFunc(base+"/ws", s.app.WSHandler.HandleWebSocket)

	// 404 handler for unmatched routes under the base path
	mux.HandleFunc(base+"/", s.app.StatusHandler.NotFoundHandler)

	return mux
}

// handleJobsRoute routes /jobs requests (list and create)
func (s *Server) handleJobsRoute(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "GET":
		s.app.JobHandler.ListJobsHandler(w, r)
	case "POST":
		s.app.JobHandler.CreateJobHandler(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleJobRoutes routes /jobs/{id} requests to the appropriate handler
func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	// POST {base}/jobs/{id}/start
	if r.Method == "POST" && strings.HasSuffix(r.URL.Path, "/start") {
		s.app.JobHandler.StartJobHandler(w, r)
		return
	}

	switch r.Method {
	case "GET":
		s.app.JobHandler.GetJobHandler(w, r)
	case "DELETE":
		s.app.JobHandler.DeleteJobHandler(w, r)
	case "PATCH":
		s.app.JobHandler.UpdateJobHandler(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}
