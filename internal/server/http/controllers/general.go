package controllers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	streamsvc "github.com/rzbill/streamd/internal/services/streams"
)

// GeneralController handles endpoints that are not tied to a session:
// health and metrics.
type GeneralController struct {
	st *streamsvc.Service
}

func NewGeneralController(svc *streamsvc.Service) *GeneralController {
	return &GeneralController{st: svc}
}

func (c *GeneralController) RegisterRoutes(r chi.Router) {
	r.Get("/stream/health", c.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
}

// handleHealth returns 200 with aggregate counters, or 503 when storage is
// unhealthy.
func (c *GeneralController) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := c.st.Health(r.Context())
	status := http.StatusOK
	if h.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSONStatus(w, status, h)
}
