package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/neill-k/generic-corp-sub004/pkg/config"
)

// Opener opens the store for one tenant.
type Opener func(ctx context.Context, tenantID string) (Store, error)

// Tenants hands out one Store per tenant, opening each lazily and exactly
// once even under concurrent first access.
type Tenants struct {
	open  Opener
	known []string

	mu     sync.RWMutex
	stores map[string]Store
	group  singleflight.Group
}

// NewTenants creates a resolver over the given tenant ids.
func NewTenants(open Opener, tenantIDs []string) *Tenants {
	known := append([]string(nil), tenantIDs...)
	sort.Strings(known)
	return &Tenants{
		open:   open,
		known:  known,
		stores: make(map[string]Store),
	}
}

// OpenerFromConfig returns the Opener for cfg.Type: a file per tenant for
// sqlite, a schema per tenant for postgres.
func OpenerFromConfig(cfg config.DatabaseConfig) (Opener, error) {
	switch cfg.Type {
	case "sqlite":
		return func(_ context.Context, tenantID string) (Store, error) {
			if err := os.MkdirAll(cfg.Path, 0755); err != nil {
				return nil, fmt.Errorf("failed to create data dir: %w", err)
			}
			return NewSQLite(filepath.Join(cfg.Path, tenantID+".db"))
		}, nil
	case "postgres":
		return func(_ context.Context, tenantID string) (Store, error) {
			return NewPostgres(cfg.DSN, cfg.SchemaPrefix+tenantID)
		}, nil
	}
	return nil, fmt.Errorf("unsupported database type %q", cfg.Type)
}

// IDs returns the configured tenant ids in sorted order.
func (t *Tenants) IDs() []string {
	return append([]string(nil), t.known...)
}

// Store returns the store for tenantID, opening it on first use.
func (t *Tenants) Store(ctx context.Context, tenantID string) (Store, error) {
	if !config.ValidTenantID(tenantID) {
		return nil, fmt.Errorf("invalid tenant id %q", tenantID)
	}

	t.mu.RLock()
	s, ok := t.stores[tenantID]
	t.mu.RUnlock()
	if ok {
		return s, nil
	}

	v, err, _ := t.group.Do(tenantID, func() (any, error) {
		t.mu.RLock()
		s, ok := t.stores[tenantID]
		t.mu.RUnlock()
		if ok {
			return s, nil
		}
		s, err := t.open(ctx, tenantID)
		if err != nil {
			return nil, fmt.Errorf("open store for tenant %s: %w", tenantID, err)
		}
		t.mu.Lock()
		t.stores[tenantID] = s
		t.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Store), nil
}

// Close closes every opened store.
func (t *Tenants) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	for id, s := range t.stores {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close tenant %s: %w", id, err)
		}
		delete(t.stores, id)
	}
	return firstErr
}
