// factory.go implements the backend registry, mapping backend names (s3,
// gcs, azure, local) to constructors, and opens the three logical stores.
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/neurodeploy/platform/internal/config"
)

// FactoryFunc builds a store for one bucket of a backend
type FactoryFunc func(ctx context.Context, cfg *config.Config, bucket string) (ObjectStore, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]FactoryFunc)
)

// Register registers a storage backend factory
func Register(name string, factory FactoryFunc) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = factory
}

func registered() []string {
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// New creates the store described by sc
func New(ctx context.Context, cfg *config.Config, sc config.StoreConfig) (ObjectStore, error) {
	factoriesMu.RLock()
	factory, ok := factories[sc.Backend]
	names := registered()
	factoriesMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unsupported storage backend: %q (registered: %v)", sc.Backend, names)
	}
	if sc.Bucket == "" {
		return nil, fmt.Errorf("bucket is required for %s backend", sc.Backend)
	}
	return factory(ctx, cfg, sc.Bucket)
}

// Stores holds the platform's three logical object stores
type Stores struct {
	// Models holds artifacts at {username}/{model_name}
	Models ObjectStore
	// Staging receives client uploads before they are moved to Models
	Staging ObjectStore
	// Logs holds invocation archives at {username}/{model_name}/{timestamp}.json
	Logs ObjectStore
}

// Open creates the models, staging and logs stores from cfg
func Open(ctx context.Context, cfg *config.Config) (*Stores, error) {
	models, err := New(ctx, cfg, cfg.Storage.Models)
	if err != nil {
		return nil, fmt.Errorf("models store: %w", err)
	}
	staging, err := New(ctx, cfg, cfg.Storage.Staging)
	if err != nil {
		return nil, fmt.Errorf("staging store: %w", err)
	}
	logs, err := New(ctx, cfg, cfg.Storage.Logs)
	if err != nil {
		return nil, fmt.Errorf("logs store: %w", err)
	}
	return &Stores{Models: models, Staging: staging, Logs: logs}, nil
}
