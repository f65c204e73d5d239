package workflow

import (
	"context"
	"log"
	"sync/atomic"
	"time"
)

// WorkerConfig parameterizes an embedded Worker's polling cadence and
// claim shape.
type WorkerConfig struct {
	WorkerID            string
	PollInterval         time.Duration
	HeartbeatInterval    time.Duration
	ClaimLimit           int
	LeaseSeconds         int
	Partition            *ClaimPartition
}

// DefaultWorkerConfig returns a 2s poll, a 15s heartbeat, and small claim
// batches.
func DefaultWorkerConfig(workerID string) WorkerConfig {
	return WorkerConfig{
		WorkerID:          workerID,
		PollInterval:      2 * time.Second,
		HeartbeatInterval: 15 * time.Second,
		ClaimLimit:        5,
		LeaseSeconds:      60,
	}
}

// Worker is an embedded, in-process job poller: it claims jobs directly
// from the QueueStore and runs them through a RunOrchestrator, with the
// poll and heartbeat loops each in their own goroutine.
type Worker struct {
	cfg          WorkerConfig
	store        QueueStore
	orchestrator *RunOrchestrator
	coordinator  LeaseCoordinator

	identityLease *Lease

	// counters are shared between the poll and heartbeat goroutines.
	claimedJobs  atomic.Int64
	executedJobs atomic.Int64
	failedJobs   atomic.Int64
}

// NewWorker builds an embedded worker over store and orchestrator.
// coordinator may be nil; when present, the worker registers a scope lease
// for its own identity and renews it with every heartbeat. A second
// process started with the same worker id finds the scope held, logs it,
// and keeps polling and heartbeating without the lease.
func NewWorker(cfg WorkerConfig, store QueueStore, orchestrator *RunOrchestrator, coordinator LeaseCoordinator) *Worker {
	return &Worker{cfg: cfg, store: store, orchestrator: orchestrator, coordinator: coordinator}
}

// Run drives the poll and heartbeat loops until ctx is cancelled, then
// returns after both loops have exited.
func (w *Worker) Run(ctx context.Context) {
	done := make(chan struct{}, 2)
	go func() { w.pollLoop(ctx); done <- struct{}{} }()
	go func() { w.heartbeatLoop(ctx); done <- struct{}{} }()
	<-done
	<-done

	if w.coordinator != nil && w.identityLease != nil {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = w.coordinator.ReleaseLease(releaseCtx, *w.identityLease)
		w.identityLease = nil
	}
}

func (w *Worker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pollOnce(ctx)
		}
	}
}

func (w *Worker) pollOnce(ctx context.Context) {
	jobs, err := w.store.ClaimJobs(ctx, w.cfg.WorkerID, w.cfg.ClaimLimit, w.cfg.LeaseSeconds, w.cfg.Partition)
	if err != nil {
		log.Printf("worker %s: claim jobs failed: %v", w.cfg.WorkerID, err)
		return
	}
	w.claimedJobs.Add(int64(len(jobs)))
	for _, job := range jobs {
		if err := w.orchestrator.ExecuteClaimedJob(ctx, job); err != nil {
			w.failedJobs.Add(1)
			log.Printf("worker %s: job %s failed: %v", w.cfg.WorkerID, job.JobID, err)
			continue
		}
		w.executedJobs.Add(1)
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	w.sendHeartbeat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sendHeartbeat(ctx)
		}
	}
}

func (w *Worker) sendHeartbeat(ctx context.Context) {
	w.renewIdentityLease(ctx)
	hb := WorkerHeartbeat{
		WorkerID:     w.cfg.WorkerID,
		LastSeenAt:   time.Now(),
		ClaimedJobs:  w.claimedJobs.Load(),
		ExecutedJobs: w.executedJobs.Load(),
		FailedJobs:   w.failedJobs.Load(),
	}
	if w.cfg.Partition != nil {
		count, index := w.cfg.Partition.Count, w.cfg.Partition.Index
		hb.PartitionCount = &count
		hb.PartitionIndex = &index
	}
	if err := w.store.UpsertWorkerHeartbeat(ctx, hb); err != nil {
		log.Printf("worker %s: heartbeat failed: %v", w.cfg.WorkerID, err)
	}
}

// renewIdentityLease keeps the worker's identity scope lease alive for
// roughly two heartbeat intervals, re-acquiring if ownership was lost (a
// crashed predecessor's lease simply expires and the next renewal cycle
// picks the scope back up).
func (w *Worker) renewIdentityLease(ctx context.Context) {
	if w.coordinator == nil {
		return
	}
	leaseSeconds := int(2 * w.cfg.HeartbeatInterval / time.Second)
	if leaseSeconds < 1 {
		leaseSeconds = 1
	}
	if w.identityLease != nil {
		renewed, err := w.coordinator.RenewLease(ctx, *w.identityLease, leaseSeconds)
		if err != nil {
			log.Printf("worker %s: identity lease renew failed: %v", w.cfg.WorkerID, err)
			return
		}
		if renewed {
			return
		}
		w.identityLease = nil
	}
	lease, err := w.coordinator.TryAcquireLease(ctx, "workflow-worker:"+w.cfg.WorkerID, w.cfg.WorkerID, leaseSeconds)
	if err != nil {
		log.Printf("worker %s: identity lease acquire failed: %v", w.cfg.WorkerID, err)
		return
	}
	if lease == nil {
		log.Printf("worker %s: identity lease held elsewhere, continuing without it", w.cfg.WorkerID)
		return
	}
	w.identityLease = lease
}
