package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.temporal.io/sdk/client"
	temporallog "go.temporal.io/sdk/log"
	"google.golang.org/grpc"

	"github.com/neill-k/generic-corp-sub004/pkg/config"
)

// Client wraps the Temporal client with the engine's connection settings
type Client struct {
	temporal  client.Client
	config    config.TemporalConfig
	namespace string
}

// Options tunes connection retries.
type Options struct {
	MaxRetries int
	BaseDelay  time.Duration
	Logger     *slog.Logger
}

// New connects to Temporal, retrying with exponential backoff.
func New(ctx context.Context, cfg config.TemporalConfig, opts Options) (*Client, error) {
	if cfg.Host == "" {
		return nil, errors.New("temporal host is required")
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 2 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var lastErr error
	for attempt := 0; attempt < opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := opts.BaseDelay * time.Duration(1<<uint(attempt-1)) // 2s, 4s, 8s, 16s
			logger.Info("retrying Temporal connection", "delay", delay, "attempt", attempt+1, "max", opts.MaxRetries)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		c, err := client.DialContext(dialCtx, client.Options{
			HostPort:  cfg.Host,
			Namespace: cfg.Namespace,
			Logger:    temporallog.NewStructuredLogger(logger.With("component", "temporal-sdk")),
			ConnectionOptions: client.ConnectionOptions{
				DialOptions: []grpc.DialOption{
					grpc.WithBlock(),
				},
			},
		})
		cancel()

		if err == nil {
			logger.Info("connected to Temporal", "host", cfg.Host, "namespace", cfg.Namespace)
			return &Client{temporal: c, config: cfg, namespace: cfg.Namespace}, nil
		}
		lastErr = err
		logger.Warn("Temporal connection attempt failed", "attempt", attempt+1, "error", err)
	}

	return nil, fmt.Errorf("failed to create temporal client after %d retries: %w", opts.MaxRetries, lastErr)
}

// Close closes the Temporal client connection
func (c *Client) Close() {
	if c.temporal != nil {
		c.temporal.Close()
	}
}

// GetClient returns the underlying Temporal client
func (c *Client) GetClient() client.Client {
	return c.temporal
}

// GetNamespace returns the configured namespace
func (c *Client) GetNamespace() string {
	return c.namespace
}

// GetTaskQueue returns the configured task queue
func (c *Client) GetTaskQueue() string {
	return c.config.TaskQueue
}
