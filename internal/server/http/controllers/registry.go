package controllers

import (
	"github.com/go-chi/chi/v5"

	streamsvc "github.com/rzbill/streamd/internal/services/streams"
	logpkg "github.com/rzbill/streamd/pkg/log"
)

// ControllerRegistry groups the HTTP controllers.
type ControllerRegistry struct {
	general *GeneralController
	streams *StreamsController
}

func NewControllerRegistry(svc *streamsvc.Service, logger logpkg.Logger) *ControllerRegistry {
	return &ControllerRegistry{
		general: NewGeneralController(svc),
		streams: NewStreamsController(svc, logger),
	}
}

// RegisterAllRoutes mounts every controller. Static routes such as
// /stream/health take precedence over the {session_id} pattern.
func (r *ControllerRegistry) RegisterAllRoutes(router chi.Router) {
	r.general.RegisterRoutes(router)
	r.streams.RegisterRoutes(router)
}
