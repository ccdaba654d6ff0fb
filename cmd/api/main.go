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

	"maltlog/api/internal/account"
	"maltlog/api/internal/app"
	"maltlog/api/internal/config"
	"maltlog/api/internal/email"
	"maltlog/api/internal/media"
	"maltlog/api/internal/opsign"
	"maltlog/api/internal/search"
	"maltlog/api/internal/session"
	"maltlog/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	signer, err := opsign.New(cfg.OpsSecret)
	if err != nil {
		log.Fatalf("operation signer init failed: %v", err)
	}

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	sessions, err := session.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer sessions.Close()

	var mediaStorage app.MediaStorage
	if strings.TrimSpace(cfg.S3Endpoint) != "" {
		storage, err := media.New(cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket, cfg.S3Region, cfg.S3PublicURL, cfg.S3UseSSL)
		if err != nil {
			log.Fatalf("media storage init failed: %v", err)
		}
		mediaStorage = storage
		log.Printf("Media storage enabled on bucket %s", cfg.S3Bucket)
	} else {
		log.Printf("Media storage disabled (no S3 endpoint configured)")
	}

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if !mailer.IsConfigured() {
		log.Printf("Email delivery disabled (no SMTP sender configured)")
	}

	service := app.New(cfg, dataStore, sessions, mediaStorage, searchService, signer)
	accounts := account.NewService(dataStore, sessions, service, mailer, cfg.BaseURL, cfg.SessionTTL)
	service.SetAccountService(accounts)

	searchService.ReindexAllFromPG(ctx)

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
		log.Printf("Maltlog API listening on %s", cfg.Addr)
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
