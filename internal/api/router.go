package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/venturecrane/crane-relay/internal/api/handlers"
	"github.com/venturecrane/crane-relay/internal/api/middleware"
	"github.com/venturecrane/crane-relay/internal/config"
	"github.com/venturecrane/crane-relay/internal/idempotency"
	"github.com/venturecrane/crane-relay/pkg/contracts"
)

// NewRouter creates the HTTP router with all relay routes. Mutating
// routes accept an Idempotency-Key header.
func NewRouter(cfg *config.Config, h *handlers.Handlers, idem *idempotency.Service, relay, admin contracts.AuthProvider) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Correlation)
	r.Use(middleware.Logger)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept", "Authorization", "Content-Type",
			"X-Relay-Key", "X-Admin-Key", "Idempotency-Key",
		},
		ExposedHeaders: []string{middleware.HeaderCorrelationID, idempotency.HeaderReplay},
		MaxAge:         300,
	}))
	r.Use(middleware.BodyLimit(cfg.MaxBodyBytes))

	// Health & info
	r.Get("/health", h.Health)
	r.Get("/version", h.GetVersion)

	replayable := middleware.Idempotency(idem, cfg.Database.Timeout)

	// Agent-facing routes
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireKey(relay))

		r.Get("/ventures", h.ListVentures)

		// Session lifecycle
		r.With(replayable).Post("/sod", h.StartOfDay)
		r.With(replayable).Post("/eod", h.EndOfDay)
		r.With(replayable).Post("/update", h.UpdateSession)
		r.With(replayable).Post("/heartbeat", h.Heartbeat)
		r.With(replayable).Post("/end", h.EndSession)
		r.Get("/active", h.ListActive)
		r.Get("/sessions/{sessionID}", h.GetSession)

		r.Route("/checkpoints", func(r chi.Router) {
			r.Get("/", h.ListCheckpoints)
			r.With(replayable).Post("/", h.CreateCheckpoint)
		})

		// Handoffs
		r.Route("/handoffs", func(r chi.Router) {
			r.Get("/", h.ListHandoffs)
			r.With(replayable).Post("/", h.CreateHandoff)
			r.Get("/latest", h.LatestHandoff)
		})

		// Notes
		r.Route("/notes", func(r chi.Router) {
			r.Get("/", h.SearchNotes)
			r.With(replayable).Post("/", h.WriteNote)
			r.Get("/context", h.EnterpriseContext)
			r.Get("/{noteID}", h.GetNote)
		})

		// Schedule
		r.Route("/schedule", func(r chi.Router) {
			r.Get("/", h.Briefing)
			r.With(replayable).Post("/{name}/complete", h.CompleteScheduleItem)
		})

		// Fleet machines
		r.Route("/machines", func(r chi.Router) {
			r.Get("/", h.ListMachines)
			r.With(replayable).Post("/", h.RegisterMachine)
			r.Get("/mesh-config", h.MeshConfig)
			r.With(replayable).Post("/{machineID}/heartbeat", h.MachineHeartbeat)
		})

		// Docs
		r.Get("/docs", h.ListDocs)
		r.Get("/docs/{scope}/{name}", h.GetDoc)
	})

	// Operator routes
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireKey(admin))
		r.With(replayable).Post("/docs/{scope}/{name}", h.UploadDoc)
	})

	return r
}
