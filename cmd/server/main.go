// Command server runs the workflow runtime's combined API server and
// embedded worker.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	httpapi "github.com/qryvanta/workflow-runtime/internal/api"
	"github.com/qryvanta/workflow-runtime/internal/config"
	"github.com/qryvanta/workflow-runtime/internal/db"
	"github.com/qryvanta/workflow-runtime/pkg/workflow"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "workflow-runtime",
	Short: "Workflow Runtime - a durable, queue-backed workflow execution service",
	Long: `workflow-runtime executes tree-structured workflow definitions against a
partitioned, lease-based job queue, recording a full attempt/trace ledger
for every run. It can run as a combined API server with an embedded
worker; a standalone remote worker is the separate workflow-worker command.`,
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the API server with an embedded worker",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load()
		runServer(cfg)
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

// runServer wires the queue store, lease coordinator, stats cache,
// dispatcher, and orchestrator from cfg, then starts the HTTP server and
// (in queued mode) an embedded polling worker.
func runServer(cfg config.Config) {
	if cfg.DatabaseURL != "" {
		os.Setenv("DATABASE_URL", cfg.DatabaseURL)
	}
	db.Connect()

	store := workflow.NewPostgresQueueStore(db.DB)
	runtimeRecords := workflow.NewPostgresRuntimeRecordService(db.DB)

	lease := buildLeaseCoordinator(cfg)
	statsCache := buildStatsCache(cfg)
	dispatcher := workflow.NewHTTPActionDispatcher(cfg.IntegrationURL, cfg.WebhookURL, cfg.WebhookSigningKey, workflow.NoopEmailSender{})
	authGate := workflow.PermissiveAuthorizationGate{}
	audit := workflow.NewLoggingAuditRepository()

	mode := workflow.ModeInline
	if cfg.ExecutionMode == "queued" {
		mode = workflow.ModeQueued
	}

	orchestrator := workflow.NewRunOrchestrator(store, lease, dispatcher, statsCache, authGate, runtimeRecords, audit, mode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if mode == workflow.ModeQueued {
		workerID := "embedded-" + generateSuffix()
		workerCfg := workflow.DefaultWorkerConfig(workerID)
		workerCfg.ClaimLimit = cfg.WorkerMaxClaimLimit
		workerCfg.LeaseSeconds = cfg.WorkerDefaultLeaseSeconds
		embeddedWorker := workflow.NewWorker(workerCfg, store, orchestrator, lease)
		go embeddedWorker.Run(ctx)
	}

	sched := cron.New()
	// Lease-expiry recovery happens at the next ClaimJobs call (expired
	// leases become claimable again, no separate sweep needed); this job
	// only keeps the stats cache warm for dashboards polling between
	// worker claims.
	if _, err := sched.AddFunc("@every 30s", func() {
		warmCtx, warmCancel := context.WithTimeout(ctx, 5*time.Second)
		defer warmCancel()
		query := workflow.QueueStatsQuery{ActiveWindowSeconds: 300}
		if _, err := orchestrator.QueueStats(warmCtx, workflow.TenantID{}, query, cfg.StatsCacheTTLSeconds); err != nil {
			log.Printf("stats warm-up failed: %v", err)
		}
	}); err != nil {
		log.Fatalf("schedule stats warm-up: %v", err)
	}
	sched.Start()
	defer sched.Stop()

	handler := httpapi.NewRouter(store, orchestrator, authGate, cfg.WorkerSharedSecret,
		cfg.WorkerDefaultLeaseSeconds, cfg.WorkerMaxClaimLimit, cfg.WorkerMaxPartitionCount, cfg.StatsCacheTTLSeconds)

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("server listening on :%s (mode=%s)", cfg.HTTPPort, cfg.ExecutionMode)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("server forced to shutdown: %v", err)
	} else {
		log.Println("server exited gracefully")
	}
}

func buildLeaseCoordinator(cfg config.Config) workflow.LeaseCoordinator {
	if cfg.RedisURL == "" {
		return workflow.NewInMemoryLeaseCoordinator()
	}
	client := newRedisClient(cfg.RedisURL)
	return workflow.NewRedisLeaseCoordinator(client, "workflow:lease:")
}

func buildStatsCache(cfg config.Config) workflow.StatsCache {
	tier1 := workflow.NewInMemoryStatsCache()
	if cfg.StatsCacheBackend != "redis" || cfg.RedisURL == "" {
		return tier1
	}
	client := newRedisClient(cfg.RedisURL)
	tier2 := workflow.NewRedisStatsCache(client, "workflow:stats:")
	return workflow.NewTwoTierStatsCache(tier2)
}

func newRedisClient(url string) redis.UniversalClient {
	opts, err := redis.ParseURL(url)
	if err != nil {
		log.Fatalf("parse redis url: %v", err)
	}
	return redis.NewClient(opts)
}

func generateSuffix() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
