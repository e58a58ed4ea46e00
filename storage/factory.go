package storage

import (
	"fmt"
	"log/slog"

	"github.com/keyfall/keyfall/config"
	"github.com/keyfall/keyfall/interfaces"
)

// NewSecretStore builds the SecretStore selected by the configuration.
func NewSecretStore(cfg config.StoreConfig, log *slog.Logger) (interfaces.SecretStore, error) {
	switch cfg.Type {
	case "memory":
		log.Info("Using in-memory secret store")
		return NewMemoryStore(), nil
	case "redis":
		log.Info("Using redis secret store", "addr", cfg.Redis.Addr, "db", cfg.Redis.DB)
		return NewRedisStore(cfg.Redis.Options())
	default:
		return nil, fmt.Errorf("storage: unknown store type %q", cfg.Type)
	}
}
