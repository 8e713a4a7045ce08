package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/omniman/kernel/internal/engine"
	"github.com/omniman/kernel/internal/logging"
	"github.com/omniman/kernel/internal/metrics"
	"github.com/omniman/kernel/internal/middleware"
	"github.com/omniman/kernel/internal/store"
)

// Deps bundles everything the HTTP surface needs. The kernel has no
// auth subsystem, so Deps carries only the store/engine/metrics the
// spec names — there is no session/user identity layer to thread
// through handlers.
type Deps struct {
	Store   store.Store
	Engine  *engine.Engine
	Refs    engine.RefsCarryoverHook
	Metrics *metrics.Metrics

	ModifyLimiter *middleware.RateLimiter
	CommitLimiter *middleware.RateLimiter
	Health        *middleware.HealthChecker
}

// NewRouter wires the kernel's full HTTP surface onto a chi.Mux.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	log := logging.Default()

	r.Use(middleware.Recovery(log))
	r.Use(middleware.RequestLogging(log))
	if d.Metrics != nil {
		r.Use(middleware.Metrics(d.Metrics))
	}
	r.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	r.Use(middleware.SecurityHeaders(middleware.DefaultSecurityHeaders()))
	r.Use(middleware.BodyLimit(8 << 20))
	r.Use(middleware.Timeout(30 * time.Second))

	h := &handlers{d: d}

	r.Get("/health", d.Health.Handler())
	r.Get("/live", middleware.LivenessHandler())

	r.Get("/channels", h.listChannels)
	r.Get("/channels/{id}", h.getChannel)

	r.Get("/sessions", h.listSessions)
	r.Get("/sessions/{key}", h.getSession)
	r.Post("/sessions", h.openSession)

	r.Group(func(gr chi.Router) {
		if d.ModifyLimiter != nil {
			gr.Use(d.ModifyLimiter.Handler)
		}
		gr.Post("/sessions/{key}/modify", h.modifySession)
		gr.Post("/sessions/{key}/resolve", h.resolveSession)
	})

	r.Group(func(gr chi.Router) {
		if d.CommitLimiter != nil {
			gr.Use(d.CommitLimiter.Handler)
		}
		gr.Post("/sessions/{key}/commit", h.commitSession)
	})

	r.Get("/orders", h.listOrders)
	r.Get("/orders/{ref}", h.getOrder)

	r.Get("/directives", h.listDirectives)

	return r
}

type handlers struct {
	d Deps
}
