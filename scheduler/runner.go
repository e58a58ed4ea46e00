package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/keyfall/keyfall/interfaces"
)

// Runner is the periodic tick driver: it lists secrets and evaluates each
// through the Processor with bounded concurrency. Overlapping ticks are
// harmless - every side effect is claim- and CAS-guarded - so a slow tick is
// simply abandoned to its own pace rather than cancelled.
type Runner struct {
	store       interfaces.SecretStore
	processor   *Processor
	interval    time.Duration
	concurrency int
	log         *slog.Logger
	now         func() time.Time
}

// NewRunner creates a tick driver. Concurrency below 1 is clamped to 1.
func NewRunner(store interfaces.SecretStore, processor *Processor, interval time.Duration, concurrency int, log *slog.Logger) *Runner {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Runner{
		store:       store,
		processor:   processor,
		interval:    interval,
		concurrency: concurrency,
		log:         log,
		now:         time.Now,
	}
}

// WithNow overrides the time source, for tests.
func (r *Runner) WithNow(now func() time.Time) *Runner {
	r.now = now
	return r
}

// Run ticks until the context is cancelled. The first tick fires
// immediately.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick evaluates every active secret once, disclosure-due ones first: the
// overdue set comes straight off the store's deadline index, so a large
// active population cannot delay a due disclosure behind reminder scans.
// Errors are logged per secret and recorded by the processor; a background
// tick has no caller to throw to.
func (r *Runner) Tick(ctx context.Context) {
	now := r.now()

	due, err := r.store.ListDue(ctx, now)
	if err != nil {
		r.log.Error("Failed to list due secrets", "err", err)
	}

	active, err := r.store.ListActive(ctx)
	if err != nil {
		r.log.Error("Failed to list active secrets", "err", err)
		if len(due) == 0 {
			return
		}
	}

	seen := make(map[interfaces.SecretID]bool, len(due))
	secrets := make([]*interfaces.Secret, 0, len(due)+len(active))
	for _, secret := range due {
		seen[secret.ID] = true
		secrets = append(secrets, secret)
	}
	for _, secret := range active {
		if !seen[secret.ID] {
			secrets = append(secrets, secret)
		}
	}
	if len(secrets) == 0 {
		return
	}

	sem := make(chan struct{}, r.concurrency)
	var wg sync.WaitGroup
	for _, secret := range secrets {
		wg.Add(1)
		sem <- struct{}{}
		go func(secret *interfaces.Secret) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := r.processor.Process(ctx, secret); err != nil {
				r.log.Error("Processing secret failed", "secret", secret.ID, "err", err)
			}
		}(secret)
	}
	wg.Wait()
}
