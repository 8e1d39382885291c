package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/scottpeterman/velociterm/internal/auth"
	"github.com/scottpeterman/velociterm/internal/config"
	"github.com/scottpeterman/velociterm/internal/crypto"
	"github.com/scottpeterman/velociterm/internal/database"
	"github.com/scottpeterman/velociterm/internal/handlers"
	"github.com/scottpeterman/velociterm/internal/logging"
	"github.com/scottpeterman/velociterm/internal/metrics"
	"github.com/scottpeterman/velociterm/internal/middleware"
	"github.com/scottpeterman/velociterm/internal/relay"
	"github.com/scottpeterman/velociterm/internal/sshkeys"
	"github.com/scottpeterman/velociterm/internal/sshterminal"
	"github.com/scottpeterman/velociterm/internal/windows"
)

func main() {
	root := &cobra.Command{
		Use:           "velociterm",
		Short:         "Browser terminal relay for SSH sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServer()
		},
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the relay server (default)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runServer()
			},
		},
		newCreateUserCommand(),
		newResetPasswordCommand(),
		newKeygenCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() error {
	config.Load()
	logging.Init(config.Cfg.LogPath)
	defer logging.Close()

	if err := database.Init(); err != nil {
		return fmt.Errorf("database init: %w", err)
	}
	defer database.Close()

	log.Printf("Config: AuthDisabled=%v, OwnerMode=%s, MaxWindows=%d",
		config.Cfg.AuthDisabled, config.Cfg.OwnerMode, config.Cfg.MaxWindows)

	// Session store sealed with the persisted fernet key
	key, err := crypto.LoadOrCreateKey()
	if err != nil {
		return fmt.Errorf("session key: %w", err)
	}
	sealer, err := crypto.NewSealer(key)
	if err != nil {
		return fmt.Errorf("session key: %w", err)
	}
	sessionStore := auth.NewSessionStore(sealer)
	handlers.SessionStore = sessionStore

	backends := auth.Chain{auth.DatabaseBackend{}}
	if config.Cfg.UsersFile != "" {
		static, err := auth.LoadStaticBackend(config.Cfg.UsersFile)
		if err != nil {
			return fmt.Errorf("users file: %w", err)
		}
		backends = append(backends, static)
		log.Printf("[auth] static users loaded from %s", config.Cfg.UsersFile)
	}
	handlers.Authenticator = backends

	jobs := cron.New()
	if _, err := jobs.AddFunc("@every 10m", func() {
		if n := sessionStore.Cleanup(); n > 0 {
			log.Printf("[auth] purged %d expired session(s)", n)
		}
	}); err != nil {
		return fmt.Errorf("schedule session cleanup: %w", err)
	}
	jobs.Start()
	defer jobs.Stop()

	// Window registry and its staleness sweep
	registry := windows.NewRegistry()
	handlers.Registry = registry
	sweeper, err := windows.NewSweeper(registry, config.Cfg.WindowSweepSchedule, config.Cfg.WindowMaxAge)
	if err != nil {
		return err
	}
	sweeper.Start()
	defer sweeper.Stop()

	allowedTargets, err := sshterminal.ParseAllowedTargets(config.Cfg.AllowedTargets)
	if err != nil {
		return fmt.Errorf("ALLOWED_TARGETS: %w", err)
	}
	if len(allowedTargets) > 0 {
		log.Printf("[ssh] connections restricted to %d network(s)", len(allowedTargets))
	}
	driver := sshterminal.NewDriver(sshterminal.DriverConfig{
		ConnectTimeout:    config.Cfg.SSHConnectTimeout,
		KeepaliveInterval: config.Cfg.SSHKeepaliveInterval,
		HostKeyCallback:   sshkeys.HostKeyLogger(),
		AllowedTargets:    allowedTargets,
	})
	keys := sshkeys.NewKeyStore(config.Cfg.WorkspacesPath)
	relayMetrics := metrics.New(true)

	mgr := relay.NewManager(driver, registry, keys, relayMetrics, relay.Config{
		BusyDelay:  config.Cfg.PumpBusyDelay,
		IdleDelay:  config.Cfg.PumpIdleDelay,
		MaxWindows: config.Cfg.MaxWindows,
	})
	handlers.Relay = mgr

	trustedProxies, err := middleware.ParseTrustedProxies(config.Cfg.TrustedProxies)
	if err != nil {
		return fmt.Errorf("TRUSTED_PROXIES: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP(trustedProxies))
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	// Health and metrics (no auth)
	r.Get("/health", handlers.HealthCheck)
	r.Handle("/metrics", relayMetrics.Handler())

	// Terminal WebSocket
	r.With(middleware.RequireAuth(sessionStore)).Get("/ws/terminal/{windowId}", handlers.TerminalWS)

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Auth endpoints (no auth required)
		r.Post("/auth/login", handlers.Login)
		r.Get("/auth/setup-required", handlers.SetupRequired)
		r.Post("/auth/setup", handlers.SetupCreateAdmin)

		// Protected routes (require auth)
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(sessionStore))

			r.Post("/auth/logout", handlers.Logout)
			r.Get("/auth/me", handlers.GetCurrentUser)

			// Windows
			r.Post("/windows/register", handlers.RegisterWindow)
			r.Get("/windows/validate/{windowId}", handlers.ValidateWindow)
			r.Get("/windows", handlers.ListWindows)
			r.Delete("/windows/{windowId}", handlers.CloseWindow)

			// Admin-only routes
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireAdmin)

				r.Get("/server/logs", handlers.GetServerLogs)

				// User management
				r.Get("/users", handlers.ListUsers)
				r.Post("/users", handlers.CreateUser)
				r.Delete("/users/{username}", handlers.DeleteUser)
				r.Put("/users/{username}/password", handlers.ResetUserPassword)
			})
		})
	})

	// Graceful shutdown
	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case <-sigCtx.Done():
	case err := <-serveErr:
		return fmt.Errorf("server error: %w", err)
	}
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// WebSockets are hijacked, so the relay closes them itself.
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		log.Printf("Relay shutdown: %v", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	log.Println("Server stopped")
	return nil
}
