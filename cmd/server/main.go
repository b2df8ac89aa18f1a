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

	"github.com/scarryhott/tagtokn/internal/api"
	"github.com/scarryhott/tagtokn/internal/app"
	"github.com/scarryhott/tagtokn/internal/config"
	"github.com/scarryhott/tagtokn/internal/database"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize database
	db, err := database.Connect(cfg.Database, cfg.Environment)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	// Get underlying SQL database for cleanup
	sqlDB, err := db.DB()
	if err != nil {
		log.Fatalf("Failed to get database connection: %v", err)
	}
	defer sqlDB.Close()

	// Run migrations
	if err := database.RunMigrations(db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	application, err := app.New(cfg, db, nil)
	if err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}

	if !cfg.WebhookEnabled() {
		log.Println("WARNING: WEBHOOK_SECRET or WEBHOOK_VERIFY_TOKEN not set. Webhook deliveries will be rejected.")
	}
	if !application.Sender.Enabled() {
		log.Println("WARNING: MESSAGING_ACCESS_TOKEN not set. Outbound messaging is disabled.")
	}

	// Initialize job scheduler
	if err := application.Scheduler.Start(); err != nil {
		log.Fatalf("Failed to start job scheduler: %v", err)
	}
	defer application.Scheduler.Stop()

	baseCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	// Setup API router
	router := api.NewRouter(baseCtx, application)

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server starting on port %d", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	// Let in-flight auto-replies finish before the database goes away
	application.Receiver.Wait()

	log.Println("Server exited")
}
