package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/ignite/subscriber-import/internal/config"
	"github.com/ignite/subscriber-import/internal/importer"
	"github.com/ignite/subscriber-import/internal/metrics"
	"github.com/ignite/subscriber-import/internal/queue"
)

func main() {
	log.Println("[Worker] starting import worker")

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("[Worker] failed to load config: %v", err)
	}
	if cfg.Database.URL == "" {
		log.Fatal("[Worker] database URL is required (set DATABASE_URL)")
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("[Worker] failed to open database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Minute)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		cancelPing()
		log.Fatalf("[Worker] database unreachable: %v", err)
	}
	cancelPing()
	log.Println("[Worker] connected to database")

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		redisCtx, cancelRedis := context.WithTimeout(context.Background(), 3*time.Second)
		if err := redisClient.Ping(redisCtx).Err(); err != nil {
			log.Printf("[Worker] redis unreachable, validation caching disabled: %v", err)
			redisClient.Close()
			redisClient = nil
		}
		cancelRedis()
	}

	files, err := importer.NewFileStore(cfg.Import.TempDir, cfg.Security.QuarantineDir)
	if err != nil {
		log.Fatalf("[Worker] failed to init file store: %v", err)
	}

	store := importer.NewJobStore(db)
	fields := importer.NewCustomFieldService(db)
	scanner := importer.NewSecurityScanner()
	jobQueue := queue.New(db)
	service := importer.NewService(store, files, scanner, fields, jobQueue)
	m := metrics.New()

	var reputation importer.ReputationChecker
	if cfg.Import.ReputationEnabled {
		reputation = importer.NewDNSBLChecker(net.DefaultResolver, redisClient)
	}
	validator := importer.NewEmailValidator(net.DefaultResolver, reputation, redisClient)
	integration := importer.NewIntegrationService(db, store, fields)

	processor := importer.NewProcessor(store, files, service, validator, integration, integration, m)
	processor.SetBatchDelay(cfg.Import.BatchDelay())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	workerCount := cfg.Import.WorkerCount
	if workerCount < 1 {
		workerCount = 1
	}
	for i := 0; i < workerCount; i++ {
		consumer := queue.NewConsumer(jobQueue, fmt.Sprintf("import-worker-%d", i+1), processor.Process)
		wg.Add(1)
		go func() {
			defer wg.Done()
			consumer.Run(ctx)
		}()
	}
	log.Printf("[Worker] %d consumers running", workerCount)

	recovery := queue.NewRecoveryWorker(db)
	wg.Add(1)
	go func() {
		defer wg.Done()
		recovery.Start(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runMaintenance(ctx, cfg, service, files, store)
	}()

	<-ctx.Done()
	log.Println("[Worker] shutdown signal received, draining")
	wg.Wait()
	if redisClient != nil {
		redisClient.Close()
	}
	log.Println("[Worker] stopped")
}

// runMaintenance periodically purges expired quarantine files, orphaned
// temp files and old terminal jobs.
func runMaintenance(ctx context.Context, cfg *config.Config, service *importer.Service, files *importer.FileStore, store *importer.JobStore) {
	ticker := time.NewTicker(cfg.Cleanup.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if n, err := files.PurgeQuarantine(cfg.Security.QuarantineRetentionDays); err != nil {
			log.Printf("[Maintenance] quarantine purge error: %v", err)
		} else if n > 0 {
			log.Printf("[Maintenance] purged %d expired quarantine files", n)
		}

		active, err := store.ActiveJobIDs(ctx)
		if err != nil {
			log.Printf("[Maintenance] active job lookup error: %v", err)
		} else {
			if n, err := files.CleanupTempFiles(cfg.Cleanup.TempFileMaxAge(), active); err != nil {
				log.Printf("[Maintenance] temp file cleanup error: %v", err)
			} else if n > 0 {
				log.Printf("[Maintenance] removed %d orphaned temp files", n)
			}
		}

		if n, err := service.CleanupOldJobs(ctx, cfg.Import.JobRetentionDays); err != nil {
			log.Printf("[Maintenance] job cleanup error: %v", err)
		} else if n > 0 {
			log.Printf("[Maintenance] deleted %d old import jobs", n)
		}
	}
}
