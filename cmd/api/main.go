package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"sheetbridge/api/internal/app"
	"sheetbridge/api/internal/archive"
	"sheetbridge/api/internal/config"
	"sheetbridge/api/internal/search"
	"sheetbridge/api/internal/session"
	"sheetbridge/api/internal/sheet"
	"sheetbridge/api/internal/store"
	"sheetbridge/api/internal/writeback"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	sessions, err := session.NewRedisStore(cfg.RedisURL, cfg.SessionTTL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer sessions.Close()

	sheetClient := sheet.NewClient(nil, cfg.SheetBaseURL, cfg.SheetID)

	var searchService *search.Service
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
		searchService = search.NewService(meiliClient, dataStore)
	}

	var forwarder writeback.Forwarder
	switch {
	case strings.TrimSpace(cfg.GoogleCredentialsFile) != "" && strings.TrimSpace(cfg.GoogleSpreadsheetID) != "":
		sheetsForwarder, err := writeback.NewSheetsForwarder(ctx, cfg.GoogleCredentialsFile, cfg.GoogleSpreadsheetID, cfg.GoogleSheetName)
		if err != nil {
			log.Fatalf("sheets writeback setup failed: %v", err)
		}
		forwarder = sheetsForwarder
		log.Printf("Forwarding saved rows to Google Sheets spreadsheet %s", cfg.GoogleSpreadsheetID)
	case strings.TrimSpace(cfg.WebhookURL) != "":
		forwarder = writeback.NewWebhookForwarder(nil, cfg.WebhookURL)
		log.Printf("Forwarding saved rows to webhook %s", cfg.WebhookURL)
	}

	var snapshots *archive.MinioStore
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		snapshots, err = archive.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("snapshot store setup failed: %v", err)
		}
		if err := snapshots.EnsureBucket(ctx); err != nil {
			log.Fatalf("snapshot bucket setup failed: %v", err)
		}
	}

	service := app.New(cfg, dataStore, sessions, sheetClient, searchService, forwarder, snapshots)

	if cfg.SyncInterval > 0 {
		interval := cfg.SyncInterval
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for range ticker.C {
				result := service.Sync(context.Background(), store.SyncTypeScheduled)
				if !result.Success {
					log.Printf("scheduled sync failed: %s", result.Error)
				}
			}
		}()
		log.Printf("Scheduled sync every %s", interval)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Sheetbridge API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
