package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/neill-k/generic-corp-sub004/internal/metrics"
	"github.com/neill-k/generic-corp-sub004/internal/queue"
	"github.com/neill-k/generic-corp-sub004/pkg/config"
	"github.com/neill-k/generic-corp-sub004/pkg/messages"
)

// EnqueueRequest asks for one agent task to be placed on its tenant queue.
type EnqueueRequest struct {
	TenantID  string `json:"tenantId"`
	AgentName string `json:"agentName"`
	TaskID    string `json:"taskId"`
	Priority  int    `json:"priority"`
	// Delay postpones availability; zero means immediately.
	Delay time.Duration `json:"-"`
}

// Enqueuer places agent tasks onto durable queues.
type Enqueuer interface {
	EnqueueAgentTask(ctx context.Context, req EnqueueRequest) error
}

// QueueName is the deterministic queue name for a tenant.
func QueueName(tenantID string) string {
	return "agent-tasks:" + tenantID
}

// Options configures a Dispatcher.
type Options struct {
	KeyPrefix string
	Job       queue.JobOptions
	// Known restricts which tenants have a queue backend. Empty allows any
	// well-formed tenant id.
	Known   []string
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// OptionsFromConfig maps queue config onto dispatcher options.
func OptionsFromConfig(cfg *config.Config) Options {
	job := queue.DefaultJobOptions()
	job.Attempts = cfg.Queue.Attempts
	job.Backoff = cfg.Queue.BackoffBase
	return Options{
		KeyPrefix: cfg.Queue.KeyPrefix,
		Job:       job,
		Known:     cfg.Tenants,
	}
}

// Dispatcher owns one queue handle per tenant, created lazily. Concurrent
// first callers for a tenant share a single creation.
type Dispatcher struct {
	rdb     redis.UniversalClient
	opts    Options
	known   map[string]bool
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	queues map[string]*queue.Queue
	group  singleflight.Group

	// open is swapped in tests to count queue creation
	open func(ctx context.Context, rdb redis.UniversalClient, prefix, name string) (*queue.Queue, error)
}

// New creates a dispatcher on rdb.
func New(rdb redis.UniversalClient, opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Job.Attempts <= 0 {
		opts.Job = queue.DefaultJobOptions()
	}
	known := make(map[string]bool, len(opts.Known))
	for _, t := range opts.Known {
		known[t] = true
	}
	return &Dispatcher{
		rdb:     rdb,
		opts:    opts,
		known:   known,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		queues:  make(map[string]*queue.Queue),
		open:    queue.Open,
	}
}

func (d *Dispatcher) resolvable(tenantID string) bool {
	if d.rdb == nil || !config.ValidTenantID(tenantID) {
		return false
	}
	return len(d.known) == 0 || d.known[tenantID]
}

// Queue returns the tenant's queue, creating it on first use.
func (d *Dispatcher) Queue(ctx context.Context, tenantID string) (*queue.Queue, error) {
	if !d.resolvable(tenantID) {
		return nil, fmt.Errorf("%w: %q", ErrNoQueueBackend, tenantID)
	}

	d.mu.RLock()
	q, ok := d.queues[tenantID]
	d.mu.RUnlock()
	if ok {
		return q, nil
	}

	v, err, _ := d.group.Do(tenantID, func() (any, error) {
		d.mu.RLock()
		q, ok := d.queues[tenantID]
		d.mu.RUnlock()
		if ok {
			return q, nil
		}
		q, err := d.open(ctx, d.rdb, d.opts.KeyPrefix, QueueName(tenantID))
		if err != nil {
			return nil, &InfraError{Op: "open queue", TenantID: tenantID, Err: err}
		}
		d.mu.Lock()
		d.queues[tenantID] = q
		d.mu.Unlock()
		d.logger.Info("tenant queue ready", "tenant", tenantID, "queue", q.Name())
		return q, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*queue.Queue), nil
}

// EnqueueAgentTask records a job for req on the tenant's queue. It does not
// touch task status; the worker claims the task when it pulls the job.
func (d *Dispatcher) EnqueueAgentTask(ctx context.Context, req EnqueueRequest) error {
	job := messages.AgentTaskJob{TenantID: req.TenantID, AgentName: req.AgentName, TaskID: req.TaskID}
	data, err := job.Encode()
	if err != nil {
		return err
	}

	q, err := d.Queue(ctx, req.TenantID)
	if err != nil {
		d.metrics.RecordEnqueue(req.TenantID, "redis", err)
		return err
	}

	var jobID string
	if req.Delay > 0 {
		jobID, err = q.AddDelayed(ctx, data, req.Priority, d.opts.Job, req.Delay)
	} else {
		jobID, err = q.Add(ctx, data, req.Priority, d.opts.Job)
	}
	d.metrics.RecordEnqueue(req.TenantID, "redis", err)
	if err != nil {
		return &InfraError{Op: "enqueue agent task", TenantID: req.TenantID, Err: err}
	}

	d.logger.Debug("enqueued agent task",
		"tenant", req.TenantID, "agent", req.AgentName, "task_id", req.TaskID,
		"priority", req.Priority, "job_id", jobID, "delay", req.Delay)
	return nil
}

// Tenants returns the tenants that currently have an open queue.
func (d *Dispatcher) Tenants() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.queues))
	for id := range d.queues {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// FailedJob is a parked job decoded for inspection.
type FailedJob struct {
	JobID        string                `json:"jobId"`
	Job          messages.AgentTaskJob `json:"job"`
	AttemptsMade int                   `json:"attemptsMade"`
	Reason       string                `json:"reason"`
	FinishedAt   time.Time             `json:"finishedAt"`
}

// Failed lists parked jobs for a tenant, newest first.
func (d *Dispatcher) Failed(ctx context.Context, tenantID string, limit int) ([]FailedJob, error) {
	q, err := d.Queue(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	jobs, err := q.Failed(ctx, limit)
	if err != nil {
		return nil, &InfraError{Op: "list failed jobs", TenantID: tenantID, Err: err}
	}
	out := make([]FailedJob, 0, len(jobs))
	for _, j := range jobs {
		fj := FailedJob{JobID: j.ID, AttemptsMade: j.AttemptsMade, Reason: j.FailedReason, FinishedAt: j.FinishedAt}
		if err := json.Unmarshal(j.Data, &fj.Job); err != nil {
			d.logger.Warn("failed job has unreadable payload", "tenant", tenantID, "job_id", j.ID, "error", err)
		}
		out = append(out, fj)
	}
	return out, nil
}

// Counts returns queue sizes for a tenant and updates the depth gauges.
func (d *Dispatcher) Counts(ctx context.Context, tenantID string) (queue.Counts, error) {
	q, err := d.Queue(ctx, tenantID)
	if err != nil {
		return queue.Counts{}, err
	}
	c, err := q.Counts(ctx)
	if err != nil {
		return queue.Counts{}, &InfraError{Op: "count jobs", TenantID: tenantID, Err: err}
	}
	d.metrics.RecordQueueDepth(tenantID, c.Waiting, c.Delayed, c.Active, c.Failed)
	return c, nil
}

// RetryFailed moves a parked job back onto the tenant's queue.
func (d *Dispatcher) RetryFailed(ctx context.Context, tenantID, jobID string) error {
	q, err := d.Queue(ctx, tenantID)
	if err != nil {
		return err
	}
	return q.Retry(ctx, jobID)
}
