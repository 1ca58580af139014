package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/driftbox/mailbridge/internal/api"
	"github.com/driftbox/mailbridge/internal/auth"
	"github.com/driftbox/mailbridge/internal/config"
	"github.com/driftbox/mailbridge/internal/crypto"
	"github.com/driftbox/mailbridge/internal/database"
	"github.com/driftbox/mailbridge/internal/gmail"
	"github.com/driftbox/mailbridge/internal/oauth"
	"github.com/driftbox/mailbridge/internal/repository"
	"github.com/driftbox/mailbridge/internal/service"
	"github.com/driftbox/mailbridge/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Application error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := config.GetLogger()

	// Connect to database
	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	log.Info("database connected successfully")

	// Run migrations
	log.Info("running database migrations")
	if err := database.RunMigrations(db); err != nil {
		return err
	}
	log.Info("migrations completed successfully")

	// Initialize repositories
	connRepo := repository.NewConnectionRepository(db)
	stateRepo := repository.NewOAuthStateRepository(db)
	syncRepo := repository.NewSyncRepository(db)
	messageRepo := repository.NewMessageRepository(db)

	// Initialize crypto and provider client
	cipher, err := crypto.NewTokenCipher(cfg.TokenEncryptionKey)
	if err != nil {
		return err
	}
	gmailClient := gmail.NewClient(cfg.GoogleClientID, cfg.GoogleClientSecret, time.Duration(cfg.ProviderTimeout)*time.Second)

	// Initialize services
	credentials := service.NewCredentialAdapter(cipher, gmailClient)
	engine := service.NewSyncEngine(gmailClient, messageRepo, syncRepo, cfg.SyncBatchSize, log)
	flow := oauth.NewFlow(connRepo, stateRepo, gmailClient, cipher, cfg.GoogleRedirectURIs, log)

	var resolver auth.Resolver
	switch cfg.AuthMode {
	case "jwt":
		resolver = &auth.JWTResolver{Secret: []byte(cfg.JWTSecret)}
	default:
		resolver = &auth.StaticResolver{UserID: cfg.TestUserID}
	}

	// Initialize worker and HTTP server
	w := worker.New(cfg, syncRepo, connRepo, stateRepo, credentials, engine, log)
	server := api.NewServer(cfg, log, flow, gmailClient, credentials, connRepo, syncRepo, messageRepo, resolver, w)

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: server.Router(),
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Start worker and server in goroutines
	errChan := make(chan error, 2)
	go func() {
		errChan <- w.Start(ctx)
	}()
	go func() {
		log.WithField("port", cfg.Port).Info("http server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Wait for shutdown signal or error
	select {
	case <-sigChan:
		log.Info("shutdown signal received")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeout)*time.Second)
		defer shutdownCancel()

		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("http shutdown did not finish cleanly")
		}

		select {
		case <-shutdownCtx.Done():
			log.Warn("shutdown timeout exceeded")
		case err := <-errChan:
			if err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).Error("worker error during shutdown")
			}
		}

		log.Info("application stopped")
		return nil

	case err := <-errChan:
		return err
	}
}
