package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/freshell/freshell/internal/auth"
	"github.com/freshell/freshell/internal/broker"
	"github.com/freshell/freshell/internal/config"
	"github.com/freshell/freshell/internal/database"
	"github.com/freshell/freshell/internal/handlers"
	"github.com/freshell/freshell/internal/logging"
	"github.com/freshell/freshell/internal/registry"
	"github.com/freshell/freshell/internal/session"
	"github.com/freshell/freshell/internal/wsserver"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Config: %v", err)
	}
	logging.Init(cfg.LogPath)

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close(db)

	verifier, err := auth.NewVerifier(cfg.AuthToken, cfg.FernetKey, cfg.TokenTTL)
	if err != nil {
		log.Fatalf("Auth init: %v", err)
	}
	if cfg.AuthToken == "" && cfg.FernetKey == "" {
		log.Printf("WARNING: no auth token or fernet key configured, accepting all connections")
	}

	reg := registry.New(db, registry.Config{DefaultShell: cfg.Shell})
	b := broker.New(broker.Config{
		RingBytes:           cfg.ReplayRingBytes,
		AgentRingFloorBytes: cfg.AgentRingFloorBytes,
		QueueBytes:          cfg.ClientQueueBytes,
	})
	// No external session-repair service is wired yet; the resolver then
	// uses resume ids as given.
	resolver := session.NewResolver(nil, reg, cfg.RepairWaitTimeout)
	ws := wsserver.NewServer(cfg, b, reg, resolver, verifier)

	handlers.DB = db
	handlers.TermRegistry = reg

	sched, err := startCleanupJob(&cleaner{
		registry: reg,
		broker:   b,
		db:       db,
		ttl:      cfg.ExitedTTL,
	}, cfg.CleanupInterval)
	if err != nil {
		log.Fatalf("Cleanup job: %v", err)
	}
	defer sched.Stop()

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	// Health (no auth)
	r.Get("/health", handlers.HealthCheck)

	// Terminal stream WebSocket; authentication happens in-band via the
	// hello handshake.
	r.Get("/ws", ws.ServeHTTP)

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/terminals", handlers.ListTerminals)
		r.Get("/terminals/{id}", handlers.GetTerminal)
		r.Delete("/terminals/{id}", handlers.KillTerminal)
		r.Get("/logs/server", handlers.GetServerLogs)
		r.Delete("/logs/server", handlers.ClearServerLogs)
	})

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	ws.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
}
