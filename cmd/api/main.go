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

	"inkwell/api/internal/app"
	"inkwell/api/internal/attachments"
	"inkwell/api/internal/auth"
	"inkwell/api/internal/authpw"
	"inkwell/api/internal/config"
	"inkwell/api/internal/export"
	"inkwell/api/internal/search"
	"inkwell/api/internal/session"
	"inkwell/api/internal/store"
	"inkwell/api/internal/syncqueue"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	if cfg.SearchMinRank <= 0 {
		log.Fatalf("INKWELL_SEARCH_MIN_RANK must be set to a positive rank threshold")
	}

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		log.Printf("Using Meilisearch at %s", cfg.MeiliURL)
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchService := search.NewService(dataStore, meiliClient, cfg.SearchMinRank, cfg.SearchSlowWarn)

	var sessions session.Store = dataStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for refresh token storage")
		redisSessions, err := session.NewRedisStore(cfg.RedisURL, dataStore)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisSessions.Close()
		sessions = redisSessions
	} else {
		log.Printf("Using PostgreSQL for refresh token storage")
	}

	var files *attachments.Store
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		files, err = attachments.New(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("attachment storage failed: %v", err)
		}
		log.Printf("Attachment storage at %s bucket %s", cfg.MinioEndpoint, cfg.MinioBucket)
	}

	serviceCfg := app.ServiceConfig{
		Store:      dataStore,
		Sessions:   sessions,
		Passwords:  authpw.NewService(dataStore),
		Issuer:     auth.NewIssuer(cfg.JWTSecret, cfg.AccessTTL),
		Search:     searchService,
		Exporter:   export.NewService(dataStore),
		Files:      files,
		RefreshTTL: cfg.RefreshTTL,
	}
	if meiliClient != nil {
		serviceCfg.Indexer = meiliClient
	}

	// The write-behind buffer needs Redis and an apply callback, so the
	// service is built first and the manager attached after.
	var offline *syncqueue.Manager
	service := app.NewService(serviceCfg)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		storage, err := syncqueue.NewRedisStorage(cfg.RedisURL, "api")
		if err != nil {
			log.Fatalf("sync queue storage failed: %v", err)
		}
		offline = syncqueue.NewManager(storage, service.ApplyMutation, cfg.SyncBatchSize)
		serviceCfg.Offline = offline
		service = app.NewService(serviceCfg)
		go watchDatabase(ctx, dataStore, offline)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, cfg.BridgeChunkSize, files)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Inkwell API listening on %s", cfg.Addr)
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

// watchDatabase flips the write-behind queue between online and offline
// as database connectivity changes, draining buffered mutations on
// recovery.
func watchDatabase(ctx context.Context, db *store.PostgresStore, manager *syncqueue.Manager) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := db.Ping(pingCtx)
			cancel()
			if err != nil {
				manager.HandleOffline()
				continue
			}
			if err := manager.HandleOnline(ctx); err != nil {
				log.Printf("sync drain: %v", err)
			}
		}
	}
}
