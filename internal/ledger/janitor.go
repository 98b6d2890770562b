package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"safegate/internal/logging"
)

// Remote deletes uploaded files. A reference that no longer exists on the
// remote must be treated as a successful deletion.
type Remote interface {
	Delete(ctx context.Context, remoteRef string) error
}

// StatusSink receives operator-visible error notices.
type StatusSink interface {
	AddError(message string) error
}

// Janitor replays due cleanup entries on a fixed interval. One catch-up
// pass runs at startup so entries that expired while the daemon was down
// are handled immediately.
type Janitor struct {
	store       *Store
	remote      Remote
	status      StatusSink
	logger      *slog.Logger
	clock       clockwork.Clock
	interval    time.Duration
	maxAttempts int
	ticking     atomic.Bool
}

// NewJanitor wires the cleanup loop. status may be nil.
func NewJanitor(
	logger *slog.Logger,
	store *Store,
	remote Remote,
	status StatusSink,
	clock clockwork.Clock,
	interval time.Duration,
	maxAttempts int,
) *Janitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	return &Janitor{
		store:       store,
		remote:      remote,
		status:      status,
		logger:      logging.NewComponentLogger(logger, "cleanup"),
		clock:       clock,
		interval:    interval,
		maxAttempts: maxAttempts,
	}
}

// Run blocks until ctx is cancelled, ticking at the configured interval.
func (j *Janitor) Run(ctx context.Context) error {
	if _, err := j.Tick(ctx, j.clock.Now()); err != nil {
		j.logger.Error("startup cleanup pass failed", logging.Error(err))
	}

	ticker := j.clock.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			if _, err := j.Tick(ctx, j.clock.Now()); err != nil {
				j.logger.Error("cleanup pass failed", logging.Error(err))
			}
		}
	}
}

// Tick runs one cleanup pass over due entries. Passes never overlap: if one
// is already running the call returns immediately with ran == false.
func (j *Janitor) Tick(ctx context.Context, now time.Time) (ran bool, err error) {
	if !j.ticking.CompareAndSwap(false, true) {
		j.logger.Debug("cleanup pass already running, skipping tick")
		return false, nil
	}
	defer j.ticking.Store(false)

	due, err := j.store.Due(ctx, now)
	if err != nil {
		return true, fmt.Errorf("load due entries: %w", err)
	}
	if len(due) == 0 {
		return true, nil
	}
	j.logger.Info("cleanup pass starting", logging.Int("due", len(due)))

	for _, entry := range due {
		if err := ctx.Err(); err != nil {
			return true, err
		}
		j.processEntry(ctx, entry)
	}
	return true, nil
}

func (j *Janitor) processEntry(ctx context.Context, entry Entry) {
	if err := j.remote.Delete(ctx, entry.RemoteRef); err != nil {
		stuck, recordErr := j.store.RecordFailure(ctx, entry.ID, j.maxAttempts, err.Error())
		if recordErr != nil {
			j.logger.Error("failed to record cleanup failure",
				logging.String(logging.FieldRemoteRef, entry.RemoteRef),
				logging.Error(recordErr),
			)
			return
		}
		j.logger.Warn("remote deletion failed",
			logging.String(logging.FieldRemoteRef, entry.RemoteRef),
			logging.Int("attempts", entry.Attempts+1),
			logging.Bool("stuck", stuck),
			logging.Error(err),
		)
		if stuck && j.status != nil {
			notice := fmt.Sprintf("cleanup stuck for %s after %d attempts: %v",
				entry.RemoteRef, entry.Attempts+1, err)
			if statusErr := j.status.AddError(notice); statusErr != nil {
				j.logger.Error("failed to surface stuck entry", logging.Error(statusErr))
			}
		}
		return
	}

	if err := j.store.Remove(ctx, entry.ID); err != nil {
		// The remote file is gone but the entry survived; the next pass
		// retries the deletion, which the remote reports as success.
		j.logger.Error("failed to remove completed entry",
			logging.String(logging.FieldRemoteRef, entry.RemoteRef),
			logging.Error(err),
		)
		return
	}
	j.logger.Info("remote file deleted",
		logging.String(logging.FieldRemoteRef, entry.RemoteRef),
		logging.String("label", entry.Label),
	)
}
