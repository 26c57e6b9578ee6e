package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/ignite/subscriber-import/internal/api"
	"github.com/ignite/subscriber-import/internal/config"
	"github.com/ignite/subscriber-import/internal/importer"
	"github.com/ignite/subscriber-import/internal/metrics"
	"github.com/ignite/subscriber-import/internal/queue"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("[Server] failed to load config: %v", err)
	}
	if cfg.Database.URL == "" {
		log.Fatal("[Server] database URL is required (set DATABASE_URL)")
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("[Server] failed to open database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Minute)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		cancelPing()
		log.Fatalf("[Server] database unreachable: %v", err)
	}
	cancelPing()
	log.Println("[Server] connected to database")

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		redisCtx, cancelRedis := context.WithTimeout(context.Background(), 3*time.Second)
		if err := redisClient.Ping(redisCtx).Err(); err != nil {
			log.Printf("[Server] redis unreachable, continuing without cache: %v", err)
			redisClient.Close()
			redisClient = nil
		}
		cancelRedis()
	}

	files, err := importer.NewFileStore(cfg.Import.TempDir, cfg.Security.QuarantineDir)
	if err != nil {
		log.Fatalf("[Server] failed to init file store: %v", err)
	}

	store := importer.NewJobStore(db)
	fields := importer.NewCustomFieldService(db)
	scanner := importer.NewSecurityScanner()
	jobQueue := queue.New(db)
	service := importer.NewService(store, files, scanner, fields, jobQueue)
	m := metrics.New()

	router := api.SetupRoutes(db, service, fields, m)

	addr := fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	go func() {
		log.Printf("[Server] listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[Server] listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("[Server] shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Server] shutdown error: %v", err)
	}
	if redisClient != nil {
		redisClient.Close()
	}
	log.Println("[Server] stopped")
}
