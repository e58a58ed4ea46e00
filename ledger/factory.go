package ledger

import (
	"fmt"
	"log/slog"

	"github.com/keyfall/keyfall/config"
	"github.com/keyfall/keyfall/interfaces"
)

// New builds the ReminderLedger selected by the configuration.
func New(cfg config.LedgerConfig, log *slog.Logger) (interfaces.ReminderLedger, error) {
	switch cfg.Type {
	case "memory":
		log.Info("Using in-memory reminder ledger")
		return NewMemoryLedger(cfg.StaleTimeout), nil
	case "redis":
		log.Info("Using redis reminder ledger", "addr", cfg.Redis.Addr, "db", cfg.Redis.DB)
		return NewRedisLedger(cfg.Redis.Options(), cfg.StaleTimeout, cfg.Retention)
	default:
		return nil, fmt.Errorf("ledger: unknown ledger type %q", cfg.Type)
	}
}
