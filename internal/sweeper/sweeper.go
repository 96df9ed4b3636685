package sweeper

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/crawlgate/crawlgate-gateway/internal/hooks"
	"github.com/crawlgate/crawlgate-gateway/internal/ledger"
)

// ServiceUserID tags ledger entries written by scheduled sweeps that have no
// human caller behind them.
const ServiceUserID = "system"

// Sweeper deletes ledger entries older than the retention horizon.
type Sweeper struct {
	store   ledger.Store
	horizon time.Duration
	logger  *log.Logger
	hooks   *hooks.Dispatcher
	now     func() time.Time
}

// New creates a sweeper. The horizon must exceed the rate-limit window; the
// caller validates that at startup so the sweep can never eat rows the
// limiter still counts.
func New(store ledger.Store, horizon time.Duration, logger *log.Logger) *Sweeper {
	if horizon <= 0 {
		horizon = 30 * 24 * time.Hour
	}
	return &Sweeper{store: store, horizon: horizon, logger: logger, now: time.Now}
}

// Horizon returns the configured retention horizon.
func (s *Sweeper) Horizon() time.Duration { return s.horizon }

// SetHooks wires an optional event dispatcher notified after each sweep.
func (s *Sweeper) SetHooks(d *hooks.Dispatcher) { s.hooks = d }

// Sweep deletes all entries older than the horizon, records the sweep itself
// in the ledger, and returns the number of rows deleted. Idempotent: a second
// run with no newly aged rows deletes zero.
func (s *Sweeper) Sweep(ctx context.Context, actorUserID string) (int64, error) {
	cutoff := s.now().UTC().Add(-s.horizon)
	deleted, err := s.store.DeleteBefore(ctx, cutoff)

	entry := ledger.Entry{
		UserID:   actorUserID,
		Function: ledger.FunctionCleanup,
		Success:  err == nil,
	}
	if err != nil {
		entry.ErrorMessage = ledger.StringPtr(err.Error())
	} else {
		entry.ErrorMessage = ledger.StringPtr(fmt.Sprintf("deleted %d entries", deleted))
	}
	if recErr := s.store.Record(ctx, entry); recErr != nil && s.logger != nil {
		// The audit write failing is loud in logs even when the delete worked.
		s.logger.Printf("sweep audit entry failed: %v", recErr)
	}

	if err != nil {
		return 0, fmt.Errorf("sweep delete: %w", err)
	}
	if s.logger != nil {
		s.logger.Printf("sweep complete cutoff=%s deleted=%d actor=%s", cutoff.Format(time.RFC3339), deleted, actorUserID)
	}
	if s.hooks != nil {
		evt := hooks.Event{
			ID:         uuid.NewString(),
			Type:       hooks.EventCleanupCompleted,
			OccurredAt: s.now().UTC(),
			ActorID:    actorUserID,
			Metadata:   map[string]any{"deleted": deleted, "cutoff": cutoff.Format(time.RFC3339)},
		}
		if hookErr := s.hooks.Emit(ctx, evt); hookErr != nil && s.logger != nil {
			s.logger.Printf("sweep hook failed: %v", hookErr)
		}
	}
	return deleted, nil
}

// Runner invokes the sweeper on a fixed interval until the context ends.
type Runner struct {
	sweeper  *Sweeper
	interval time.Duration
	logger   *log.Logger
}

// NewRunner creates a background runner. Interval defaults to 24h.
func NewRunner(s *Sweeper, interval time.Duration, logger *log.Logger) *Runner {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Runner{sweeper: s, interval: interval, logger: logger}
}

// Run blocks, sweeping on each tick, until ctx is cancelled. Scheduled sweeps
// run with service privilege and are attributed to ServiceUserID.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.sweeper.Sweep(ctx, ServiceUserID); err != nil && r.logger != nil {
				r.logger.Printf("scheduled sweep failed: %v", err)
			}
		}
	}
}
