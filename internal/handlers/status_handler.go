package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/laboro/internal/common"
	"github.com/ternarybob/laboro/internal/interfaces"
)

// serviceMetadata describes the running service for the index endpoint
type serviceMetadata struct {
	Name             string `json:"name"`
	Version          string `json:"version"`
	Description      string `json:"description"`
	RepositoryURL    string `json:"repository_url"`
	DocumentationURL string `json:"documentation_url"`
}

// serviceCapabilities lists the URLs a client needs to drive the service
type serviceCapabilities struct {
	AvailabilityURL string `json:"availability_url"`
	CapabilitiesURL string `json:"capabilities_url"`
	SodaSyncURL     string `json:"soda_sync_url"`
	SodaAsyncURL    string `json:"soda_async_url"`
}

// StatusHandler handles the service metadata and VOSI endpoints
type StatusHandler struct {
	jobService interfaces.JobService
	basePath   string
	logger     arbor.ILogger
}

// NewStatusHandler creates a new StatusHandler
func NewStatusHandler(jobService interfaces.JobService, basePath string, logger arbor.ILogger) *StatusHandler {
	return &StatusHandler{
		jobService: jobService,
		basePath:   basePath,
		logger:     logger,
	}
}

// IndexHandler returns application metadata
// GET {base}
func (h *StatusHandler) IndexHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]serviceMetadata{
		"metadata": {
			Name:             "laboro",
			Version:          common.GetVersion(),
			Description:      "Image cutout service for astronomical survey data",
			RepositoryURL:    "https://github.com/ternarybob/laboro",
			DocumentationURL: "https://github.com/ternarybob/laboro#readme",
		},
	})
}

// AvailabilityHandler returns the VOSI-availability resource from a live
// probe of the job store
// GET {base}/availability
func (h *StatusHandler) AvailabilityHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	WriteJSON(w, http.StatusOK, h.jobService.Availability(r.Context()))
}

// CapabilitiesHandler returns the VOSI-capabilities resource. URLs are built
// from the requesting scheme and host so they stay valid behind the ingress.
// GET {base}/capabilities
func (h *StatusHandler) CapabilitiesHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	base := RequestBaseURL(r) + h.basePath
	WriteJSON(w, http.StatusOK, serviceCapabilities{
		AvailabilityURL: base + "/availability",
		CapabilitiesURL: base + "/capabilities",
		SodaSyncURL:     base + "/sync",
		SodaAsyncURL:    base + "/jobs",
	})
}

// NotFoundHandler returns a JSON 404 for unmatched routes under the base path
func (h *StatusHandler) NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusNotFound, map[string]string{"detail": "Not Found"})
}
