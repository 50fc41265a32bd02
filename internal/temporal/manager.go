// Package temporal is the optional workflow-engine dispatch path. Agent
// tasks run as AgentTaskWorkflow executions instead of Redis queue jobs;
// the activity runs the same worker task flow.
package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/neill-k/generic-corp-sub004/internal/metrics"
	"github.com/neill-k/generic-corp-sub004/internal/temporal/activities"
	temporalclient "github.com/neill-k/generic-corp-sub004/internal/temporal/client"
	"github.com/neill-k/generic-corp-sub004/internal/temporal/workflows"
	"github.com/neill-k/generic-corp-sub004/pkg/config"
)

// Manager owns the Temporal client, the worker and the dispatcher.
type Manager struct {
	client     *temporalclient.Client
	worker     worker.Worker
	dispatcher *Dispatcher
	config     config.TemporalConfig
	logger     *slog.Logger
}

// NewManager connects to Temporal and prepares a worker on the task queue.
// Call SetProcessor before Start.
func NewManager(ctx context.Context, cfg config.TemporalConfig, concurrency int, logger *slog.Logger, m *metrics.Metrics) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TaskQueue == "" {
		cfg.TaskQueue = DefaultTaskQueue
	}

	c, err := temporalclient.New(ctx, cfg, temporalclient.Options{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("failed to create temporal client: %w", err)
	}

	w := worker.New(c.GetClient(), cfg.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize: concurrency,
	})
	w.RegisterWorkflow(workflows.AgentTaskWorkflow)

	d := NewDispatcher(c.GetClient(), cfg.TaskQueue, logger, m)
	d.executionTimeout = cfg.WorkflowExecutionTimeout

	logger.Info("Temporal worker registered", "task_queue", cfg.TaskQueue)
	return &Manager{
		client:     c,
		worker:     w,
		dispatcher: d,
		config:     cfg,
		logger:     logger,
	}, nil
}

// SetProcessor registers the task activity backed by p.
func (m *Manager) SetProcessor(p activities.Processor, busyDelay time.Duration) {
	m.worker.RegisterActivityWithOptions(activities.NewActivities(p, busyDelay).ProcessAgentTask,
		activity.RegisterOptions{Name: activities.ProcessAgentTaskName})
}

// Dispatcher returns the Temporal-backed enqueuer.
func (m *Manager) Dispatcher() *Dispatcher {
	return m.dispatcher
}

// Client returns the connected Temporal client.
func (m *Manager) Client() client.Client {
	return m.client.GetClient()
}

// Start starts the worker without blocking.
func (m *Manager) Start() error {
	if err := m.worker.Start(); err != nil {
		return fmt.Errorf("failed to start temporal worker: %w", err)
	}
	m.logger.Info("Temporal worker started", "task_queue", m.config.TaskQueue)
	return nil
}

// Stop stops the worker and closes the client.
func (m *Manager) Stop() {
	m.worker.Stop()
	m.client.Close()
	m.logger.Info("Temporal manager stopped")
}
