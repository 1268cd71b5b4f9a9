/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:    Unique ID per request for tracing
  2. RealIP:       Client address behind a proxy
  3. RequestLog:   One logrus entry per request
  4. Recoverer:    Panic recovery (500 instead of crash)
  5. CORS:         Cross-origin requests for the station frontend
  6. Authenticate: Bearer JWT on everything under /api

ROUTE GROUPS:
  /healthz           Liveness, unauthenticated
  /api/shifts/*      Shift lifecycle, queries, audit
  /api/dispensers/*  Dispenser configuration
  /api/stations/*    Station policy
  /api/scenarios/*   Demo data (ADMIN)

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Token verification
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
)

type RouterOptions struct {
	JWTSecret      []byte
	AllowedOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLog(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(Authenticate(opts.JWTSecret, h.Logger))

		// Shift routes
		r.Route("/shifts", func(r chi.Router) {
			r.Get("/", h.ListShifts)
			r.Post("/", h.OpenShift)
			r.Get("/summary", h.ShiftSummary)
			r.Get("/{id}", h.GetShift)
			r.Get("/{id}/audit", h.ShiftAudit)
			r.Post("/{id}/close", h.CloseShift)
			r.Post("/{id}/resolve", h.ResolveDiscrepancy)
		})

		// Dispenser routes
		r.Route("/dispensers", func(r chi.Router) {
			r.Post("/", h.CreateDispenser)
			r.Get("/{id}", h.GetDispenser)
			r.Put("/{id}/price", h.SetDispenserPrice)
			r.Post("/{id}/deactivate", h.DeactivateDispenser)
		})

		// Scenario routes (ADMIN)
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})

		// Station routes
		r.Route("/stations", func(r chi.Router) {
			r.Get("/{id}/policy", h.GetStationPolicy)
			r.Put("/{id}/policy", h.SetStationPolicy)
		})
	})

	return r
}

// RequestLog writes one structured entry per request.
func RequestLog(logger *logrus.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				entry := logger.WithFields(logrus.Fields{
					"method":      r.Method,
					"uri":         r.RequestURI,
					"status":      ww.Status(),
					"bytes":       ww.BytesWritten(),
					"duration_ms": time.Since(start).Milliseconds(),
					"request_id":  middleware.GetReqID(r.Context()),
					"remote_addr": r.RemoteAddr,
				})
				if ww.Status() >= http.StatusInternalServerError {
					entry.Warn("request")
					return
				}
				entry.Info("request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
