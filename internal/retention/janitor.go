// Package retention runs background sweeps that delete expired rows from
// the relay store. Expiry is already enforced at read time; the janitor
// only reclaims storage.
//
// The janitor runs as a background goroutine and respects context
// cancellation for graceful shutdown. A failing sweep is logged and
// retried on the next tick.
package retention

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MinInterval is the shortest accepted sweep interval.
const MinInterval = time.Minute

// DefaultSweepTimeout bounds a single sweep unless overridden.
const DefaultSweepTimeout = 30 * time.Second

// SweepFunc deletes expired rows and returns how many were removed.
type SweepFunc func(ctx context.Context) (int64, error)

// CycleStats tracks what happened in a single sweep cycle.
type CycleStats struct {
	Purged map[string]int64
	Errors []error
}

// Janitor periodically runs its registered sweeps.
type Janitor struct {
	interval time.Duration
	timeout  time.Duration

	sweeps  map[string]SweepFunc
	order   []string
	sweepMu sync.RWMutex
}

// Option configures a Janitor.
type Option func(*Janitor)

// WithSweepTimeout sets the deadline of each sweep. Non-positive values
// keep DefaultSweepTimeout.
func WithSweepTimeout(d time.Duration) Option {
	return func(j *Janitor) {
		if d > 0 {
			j.timeout = d
		}
	}
}

// NewJanitor creates a janitor that runs on the given interval.
func NewJanitor(interval time.Duration, opts ...Option) *Janitor {
	if interval < MinInterval {
		interval = MinInterval
	}
	j := &Janitor{
		interval: interval,
		timeout:  DefaultSweepTimeout,
		sweeps:   make(map[string]SweepFunc),
	}
	for _, o := range opts {
		o(j)
	}
	return j
}

// Register adds a named sweep. Registering a name twice replaces it.
func (j *Janitor) Register(name string, fn SweepFunc) {
	j.sweepMu.Lock()
	defer j.sweepMu.Unlock()
	if _, ok := j.sweeps[name]; !ok {
		j.order = append(j.order, name)
	}
	j.sweeps[name] = fn
	log.Debug().Str("sweep", name).Msg("Retention sweep registered")
}

// Sweeps returns the registered sweep names in registration order.
func (j *Janitor) Sweeps() []string {
	j.sweepMu.RLock()
	defer j.sweepMu.RUnlock()
	return append([]string(nil), j.order...)
}

// Start runs the janitor until ctx is canceled.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().
		Dur("interval", j.interval).
		Strs("sweeps", j.Sweeps()).
		Msg("Retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run once immediately on startup
	j.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Retention janitor stopped")
			return
		case <-ticker.C:
			j.RunCycle(ctx)
		}
	}
}

// RunCycle performs one pass over every registered sweep.
func (j *Janitor) RunCycle(ctx context.Context) CycleStats {
	start := time.Now()
	stats := CycleStats{Purged: make(map[string]int64)}

	for _, name := range j.Sweeps() {
		j.sweepMu.RLock()
		fn := j.sweeps[name]
		j.sweepMu.RUnlock()

		sweepCtx, cancel := context.WithTimeout(ctx, j.timeout)
		n, err := fn(sweepCtx)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("sweep", name).Msg("Retention sweep failed")
			stats.Errors = append(stats.Errors, err)
			continue
		}
		stats.Purged[name] = n
	}

	var total int64
	for _, n := range stats.Purged {
		total += n
	}
	if total > 0 {
		log.Info().
			Interface("purged", stats.Purged).
			Dur("elapsed", time.Since(start)).
			Msg("Retention cycle complete")
	}
	return stats
}
