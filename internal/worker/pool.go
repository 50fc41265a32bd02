package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/neill-k/generic-corp-sub004/internal/metrics"
	"github.com/neill-k/generic-corp-sub004/internal/queue"
	"github.com/neill-k/generic-corp-sub004/pkg/messages"
)

// Queues resolves the queue of a tenant.
type Queues interface {
	Queue(ctx context.Context, tenantID string) (*queue.Queue, error)
}

// PoolConfig holds the settings of a Pool.
type PoolConfig struct {
	Queues       Queues
	Processor    *Processor
	Concurrency  int
	PollInterval time.Duration
	// DepthInterval is how often queue sizes are sampled. Zero means 15s.
	DepthInterval time.Duration
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

// PoolStats is a snapshot of pool activity.
type PoolStats struct {
	Tenants   int   `json:"tenants"`
	Workers   int   `json:"workers"`
	Active    int64 `json:"active"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	Parked    int64 `json:"parked"`
}

type tenantWorkers struct {
	cancel context.CancelFunc
	done   sync.WaitGroup
}

// Pool runs Concurrency workers per tenant, each pulling jobs from the
// tenant's queue. Jobs of one tenant run concurrently up to the limit.
type Pool struct {
	cfg    PoolConfig
	logger *slog.Logger

	mu      sync.Mutex
	tenants map[string]*tenantWorkers
	stopped bool

	active    atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	parked    atomic.Int64
}

// NewPool creates an idle pool.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.DepthInterval <= 0 {
		cfg.DepthInterval = 15 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		cfg:     cfg,
		logger:  logger,
		tenants: make(map[string]*tenantWorkers),
	}
}

// Start launches workers for every tenant in tenantIDs.
func (p *Pool) Start(ctx context.Context, tenantIDs []string) error {
	for _, id := range tenantIDs {
		if err := p.StartTenant(ctx, id); err != nil {
			return err
		}
	}
	p.logger.Info("worker pool started", "tenants", len(tenantIDs), "concurrency", p.cfg.Concurrency)
	return nil
}

// StartTenant launches the workers of one tenant. Starting a tenant twice is
// a no-op.
func (p *Pool) StartTenant(ctx context.Context, tenantID string) error {
	q, err := p.cfg.Queues.Queue(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("open queue for tenant %s: %w", tenantID, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return fmt.Errorf("worker pool is stopped")
	}
	if _, exists := p.tenants[tenantID]; exists {
		return nil
	}

	tctx, cancel := context.WithCancel(ctx)
	tw := &tenantWorkers{cancel: cancel}
	for i := 0; i < p.cfg.Concurrency; i++ {
		tw.done.Add(1)
		go func() {
			defer tw.done.Done()
			p.loop(tctx, tenantID, q)
		}()
	}
	tw.done.Add(1)
	go func() {
		defer tw.done.Done()
		p.sampleDepth(tctx, tenantID, q)
	}()
	p.tenants[tenantID] = tw
	p.logger.Info("tenant workers started", "tenant", tenantID, "queue", q.Name(), "workers", p.cfg.Concurrency)
	return nil
}

// StopTenant stops the workers of one tenant after their in-flight jobs.
func (p *Pool) StopTenant(tenantID string) {
	p.mu.Lock()
	tw, ok := p.tenants[tenantID]
	delete(p.tenants, tenantID)
	p.mu.Unlock()
	if !ok {
		return
	}
	tw.cancel()
	tw.done.Wait()
	p.logger.Info("tenant workers stopped", "tenant", tenantID)
}

// Stop stops every tenant and waits for in-flight jobs until ctx expires.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.stopped = true
	all := p.tenants
	p.tenants = make(map[string]*tenantWorkers)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, tw := range all {
			tw.cancel()
		}
		for _, tw := range all {
			tw.done.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker pool stop: %w", ctx.Err())
	}
}

// Stats returns a snapshot of pool activity.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	tenants := len(p.tenants)
	p.mu.Unlock()
	return PoolStats{
		Tenants:   tenants,
		Workers:   tenants * p.cfg.Concurrency,
		Active:    p.active.Load(),
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
		Parked:    p.parked.Load(),
	}
}

func (p *Pool) loop(ctx context.Context, tenantID string, q *queue.Queue) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := q.Claim(ctx)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Error("claim failed", "tenant", tenantID, "error", err)
			}
			p.sleep(ctx)
			continue
		}
		if job == nil {
			p.sleep(ctx)
			continue
		}
		// in-flight jobs finish even when the pool is stopping
		p.handle(context.WithoutCancel(ctx), tenantID, q, job)
	}
}

func (p *Pool) handle(ctx context.Context, tenantID string, q *queue.Queue, job *queue.Job) {
	p.active.Add(1)
	defer p.active.Add(-1)
	log := p.logger.With("tenant", tenantID, "job_id", job.ID)
	defer p.keepLocked(ctx, q, job, log)()

	payload, err := messages.DecodeAgentTaskJob(job.Data)
	if err == nil && payload.TenantID != tenantID {
		err = fmt.Errorf("job for tenant %s found on queue of %s", payload.TenantID, tenantID)
	}
	if err != nil {
		p.parked.Add(1)
		log.Error("rejecting unreadable job", "error", err)
		if perr := q.Park(ctx, job, err.Error()); perr != nil {
			log.Error("failed to park job", "error", perr)
		}
		return
	}

	outcome, err := p.cfg.Processor.Process(ctx, payload, job.AttemptsMade)
	if err != nil {
		p.failed.Add(1)
		retried, ferr := q.Fail(ctx, job, err.Error())
		if ferr != nil {
			log.Error("failed to record job failure", "error", ferr, "cause", err)
			return
		}
		log.Error("job failed", "task_id", payload.TaskID, "error", err, "retry", retried, "attempt", job.AttemptsMade)
		return
	}

	if err := q.Complete(ctx, job); err != nil {
		log.Error("failed to complete job", "error", err)
	}
	p.processed.Add(1)
	log.Debug("job done", "task_id", payload.TaskID, "outcome", string(outcome))
}

// keepLocked extends the job's claim lock until the returned func is called,
// so a long agent run is not mistaken for a stalled one.
func (p *Pool) keepLocked(ctx context.Context, q *queue.Queue, job *queue.Job, log *slog.Logger) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(q.LockDuration() / 2)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if err := q.Extend(ctx, job); err != nil {
					log.Warn("failed to extend job lock", "error", err)
					if errors.Is(err, queue.ErrLockLost) {
						return
					}
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (p *Pool) sampleDepth(ctx context.Context, tenantID string, q *queue.Queue) {
	ticker := time.NewTicker(p.cfg.DepthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c, err := q.Counts(ctx)
			if err != nil {
				continue
			}
			p.cfg.Metrics.RecordQueueDepth(tenantID, c.Waiting, c.Delayed, c.Active, c.Failed)
		}
	}
}

func (p *Pool) sleep(ctx context.Context) {
	t := time.NewTimer(p.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
