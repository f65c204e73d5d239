// Command worker runs a standalone workflow worker process: it claims and
// executes queued jobs against the same Postgres-backed queue store the
// API server uses, for horizontal scaling of execution capacity
// independent of the HTTP tier.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/qryvanta/workflow-runtime/internal/config"
	"github.com/qryvanta/workflow-runtime/internal/db"
	"github.com/qryvanta/workflow-runtime/pkg/workflow"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var (
	workerID       string
	claimLimit     int
	leaseSeconds   int
	partitionCount int
	partitionIndex int
)

var rootCmd = &cobra.Command{
	Use:   "workflow-worker",
	Short: "Run a standalone workflow worker",
	Long: `workflow-worker polls the queue store for eligible jobs, runs them through
the step interpreter, and reports completion/failure, independent of any
API server process, so execution capacity scales horizontally.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load()
		runWorker(cfg)
	},
}

func init() {
	rootCmd.Flags().StringVar(&workerID, "id", "", "Worker ID (auto-generated if empty)")
	rootCmd.Flags().IntVar(&claimLimit, "claim-limit", 5, "Jobs claimed per poll")
	rootCmd.Flags().IntVar(&leaseSeconds, "lease-seconds", 0, "Lease duration per claim (defaults to server config)")
	rootCmd.Flags().IntVar(&partitionCount, "partition-count", 0, "Total partitions, for sharded claiming")
	rootCmd.Flags().IntVar(&partitionIndex, "partition-index", 0, "This worker's partition index")
}

func runWorker(cfg config.Config) {
	if workerID == "" {
		workerID = "worker-" + generateSuffix()
	}

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

	orchestrator := workflow.NewRunOrchestrator(store, lease, dispatcher, statsCache, authGate, runtimeRecords, audit, workflow.ModeQueued)

	workerCfg := workflow.DefaultWorkerConfig(workerID)
	if claimLimit > 0 {
		workerCfg.ClaimLimit = claimLimit
	} else {
		workerCfg.ClaimLimit = cfg.WorkerMaxClaimLimit
	}
	if leaseSeconds > 0 {
		workerCfg.LeaseSeconds = leaseSeconds
	} else {
		workerCfg.LeaseSeconds = cfg.WorkerDefaultLeaseSeconds
	}
	if partitionCount > 0 {
		workerCfg.Partition = &workflow.ClaimPartition{Count: uint32(partitionCount), Index: uint32(partitionIndex)}
	}

	w := workflow.NewWorker(workerCfg, store, orchestrator, lease)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Printf("worker %s starting (claim_limit=%d, lease_seconds=%d)", workerID, workerCfg.ClaimLimit, workerCfg.LeaseSeconds)
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Printf("worker %s shutting down...", workerID)
	cancel()
	<-done
	log.Printf("worker %s exited", workerID)
}

func buildLeaseCoordinator(cfg config.Config) workflow.LeaseCoordinator {
	if cfg.RedisURL == "" {
		return workflow.NewInMemoryLeaseCoordinator()
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("parse redis url: %v", err)
	}
	return workflow.NewRedisLeaseCoordinator(redis.NewClient(opts), "workflow:lease:")
}

func buildStatsCache(cfg config.Config) workflow.StatsCache {
	tier1 := workflow.NewInMemoryStatsCache()
	if cfg.StatsCacheBackend != "redis" || cfg.RedisURL == "" {
		return tier1
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("parse redis url: %v", err)
	}
	return workflow.NewTwoTierStatsCache(workflow.NewRedisStatsCache(redis.NewClient(opts), "workflow:stats:"))
}

func generateSuffix() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
