package services

import (
	"context"
	"fmt"
	"log"

	"mahoyaAPI/internal/apperr"
	"mahoyaAPI/internal/config"
)

// OpenStore connects the backend selected by cfg.StoreBackend.
func OpenStore(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pool, err := NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		log.Println("Successfully connected to Postgres")
		return NewPostgresStore(pool), nil

	case config.BackendSupabase:
		store := NewSupabaseStore(cfg.SupabaseURL, cfg.SupabaseKey)
		if err := store.Ping(ctx); err != nil {
			return nil, fmt.Errorf("failed to reach supabase: %w", err)
		}
		log.Println("Successfully connected to Supabase")
		return store, nil

	case config.BackendMemory:
		log.Println("Using in-memory store; data is lost on restart")
		return NewMemoryStore(), nil

	default:
		return nil, fmt.Errorf("unknown store backend %q: %w", cfg.StoreBackend, apperr.ErrValidation)
	}
}
