// Package server composes the crane-relay HTTP server from configuration.
//
// Usage:
//
//	srv, err := server.New(ctx, config.Load())
//	err = srv.Run(ctx)
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/venturecrane/crane-relay/internal/api"
	"github.com/venturecrane/crane-relay/internal/api/handlers"
	"github.com/venturecrane/crane-relay/internal/auth"
	"github.com/venturecrane/crane-relay/internal/config"
	"github.com/venturecrane/crane-relay/internal/docs"
	"github.com/venturecrane/crane-relay/internal/handoffs"
	"github.com/venturecrane/crane-relay/internal/idempotency"
	"github.com/venturecrane/crane-relay/internal/machines"
	"github.com/venturecrane/crane-relay/internal/notes"
	"github.com/venturecrane/crane-relay/internal/retention"
	"github.com/venturecrane/crane-relay/internal/schedule"
	"github.com/venturecrane/crane-relay/internal/sessions"
	"github.com/venturecrane/crane-relay/internal/store"
	"github.com/venturecrane/crane-relay/internal/telemetry"
)

// ShutdownGrace bounds how long in-flight requests may finish on shutdown.
const ShutdownGrace = 15 * time.Second

// Server holds the initialized relay.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	Store       *store.Store
	Catalog     *config.Catalog
	Schedule    *schedule.Engine
	Idempotency *idempotency.Service
	Config      *config.Config

	// Janitor is nil when CRANE_GC_INTERVAL is zero.
	Janitor *retention.Janitor

	// ShutdownFunc flushes telemetry; call it on graceful shutdown.
	ShutdownFunc func(context.Context) error
}

// OpenStore opens and migrates the configured database.
func OpenStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	st, err := store.Open(ctx, store.Config{
		Driver:   cfg.Database.Driver,
		URL:      cfg.Database.URL,
		MaxConns: cfg.Database.MaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	version, err := st.Migrate(ctx)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	log.Info().
		Str("driver", string(cfg.Database.Driver)).
		Int("schema_version", version).
		Msg("Store ready")
	return st, nil
}

// LoadSchedule loads the venture catalog and seeds its schedule items.
func LoadSchedule(ctx context.Context, cfg *config.Config, st *store.Store) (*config.Catalog, *schedule.Engine, error) {
	catalog, err := config.LoadCatalog(cfg.VenturesFile)
	if err != nil {
		return nil, nil, err
	}
	engine := schedule.NewEngine(st, catalog)
	if err := engine.Seed(ctx, catalog.Schedule); err != nil {
		return nil, nil, fmt.Errorf("seed schedule: %w", err)
	}
	log.Info().
		Int("ventures", len(catalog.Ventures)).
		Int("schedule_items", len(catalog.Schedule)).
		Msg("Venture catalog loaded")
	return catalog, engine, nil
}

// New initializes every relay component and returns a ready Server.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	if err := cfg.ValidateServe(); err != nil {
		return nil, err
	}

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	st, err := OpenStore(ctx, cfg)
	if err != nil {
		shutdown(ctx)
		return nil, err
	}
	catalog, engine, err := LoadSchedule(ctx, cfg, st)
	if err != nil {
		st.Close()
		shutdown(ctx)
		return nil, err
	}

	idem := idempotency.New(st, cfg.Idempotency.TTL, idempotency.WithLease(cfg.Idempotency.Lease))
	h := &handlers.Handlers{
		Store:   st,
		Catalog: catalog,
		Sessions: sessions.NewManager(st, catalog, sessions.Config{
			StaleAfter:        cfg.Sessions.StaleAfter,
			HeartbeatInterval: cfg.Sessions.HeartbeatInterval,
			HeartbeatJitter:   cfg.Sessions.HeartbeatJitter,
		}),
		Handoffs: handoffs.NewLedger(st, catalog),
		Notes: notes.NewService(st, catalog, notes.ContextConfig{
			Tags:     cfg.Context.Tags,
			MaxNotes: cfg.Context.MaxNotes,
			Budget:   cfg.Context.Budget,
			Floor:    cfg.Context.Floor,
		}),
		Schedule:  engine,
		Machines:  machines.NewRegistry(st),
		Docs:      docs.NewLibrary(st),
		Version:   cfg.Version,
		DBTimeout: cfg.Database.Timeout,
	}

	if cfg.Auth.AdminKey == "" {
		log.Warn().Msg("CRANE_ADMIN_KEY not set; admin endpoints are disabled")
	}
	router := api.NewRouter(cfg, h, idem,
		auth.NewRelayKeyProvider(cfg.Auth.RelayKey),
		auth.NewAdminKeyProvider(cfg.Auth.AdminKey))

	var janitor *retention.Janitor
	if cfg.Idempotency.GCInterval > 0 {
		janitor = retention.NewJanitor(cfg.Idempotency.GCInterval, retention.WithSweepTimeout(cfg.Database.Timeout))
		janitor.Register("idempotency", idem.Purge)
	}

	return &Server{
		Handler:      router,
		Store:        st,
		Catalog:      catalog,
		Schedule:     engine,
		Idempotency:  idem,
		Config:       cfg,
		Janitor:      janitor,
		ShutdownFunc: shutdown,
	}, nil
}

// Run serves HTTP until ctx is canceled, then shuts down gracefully and
// releases the store and telemetry.
func (s *Server) Run(ctx context.Context) error {
	defer s.Store.Close()
	defer func() {
		if err := s.ShutdownFunc(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Telemetry shutdown failed")
		}
	}()

	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	if s.Janitor != nil {
		go s.Janitor.Start(bgCtx)
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.Config.Port),
		Handler:           s.Handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Int("port", s.Config.Port).
			Str("version", s.Config.Version).
			Msg("crane-relay listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
