package store

import (
	"fmt"

	"go.uber.org/zap"
)

// NewStore creates a Store based on the configuration.
func NewStore(config StoreConfig, logger *zap.Logger) (Store, error) {
	switch config.Type {
	case StoreTypeMemory, "":
		return NewMemoryStore(), nil
	case StoreTypeGorm:
		return NewGormStore(config.Gorm, logger)
	case StoreTypeRedis:
		return NewRedisStore(config.Redis)
	default:
		return nil, fmt.Errorf("%w: unsupported store type %q", ErrInvalidConfig, config.Type)
	}
}

// MustNewStore creates a Store or panics on error.
//
// WARNING: This function should ONLY be used during application
// initialization (e.g., in main() or init()). For runtime store creation,
// use NewStore instead.
func MustNewStore(config StoreConfig, logger *zap.Logger) Store {
	s, err := NewStore(config, logger)
	if err != nil {
		panic(fmt.Sprintf("failed to create store: %v", err))
	}
	return s
}
