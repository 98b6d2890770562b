package device

import (
	"context"
	"log/slog"
	"time"

	"safegate/internal/logging"
	"safegate/internal/services"
)

// PollingSource diffs periodic lsblk snapshots against the known device
// set. It is the fallback when udev netlink access is unavailable, and the
// explicit choice on systems without udev.
type PollingSource struct {
	logger   *slog.Logger
	interval time.Duration
	known    map[string]partition
	pending  []Event
	primed   bool
}

// NewPollingSource constructs a polling source with the given scan
// interval.
func NewPollingSource(logger *slog.Logger, interval time.Duration) *PollingSource {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &PollingSource{
		logger:   logging.NewComponentLogger(logger, "polling-source"),
		interval: interval,
		known:    make(map[string]partition),
	}
}

// Next blocks until the snapshot diff yields an event or the context is
// cancelled. The first snapshot primes the known set: devices already
// attached at startup are reported as arrivals so a stick left in the
// reader is not ignored.
func (s *PollingSource) Next(ctx context.Context) (Event, error) {
	for {
		if len(s.pending) > 0 {
			event := s.pending[0]
			s.pending = s.pending[1:]
			return event, nil
		}

		if s.primed {
			select {
			case <-ctx.Done():
				return Event{}, ctx.Err()
			case <-time.After(s.interval):
			}
		}

		snapshot, err := listRemovable(ctx, s.interval*2)
		if err != nil {
			if ctx.Err() != nil {
				return Event{}, ctx.Err()
			}
			return Event{}, services.Wrap(services.ErrDetection, "polling", "lsblk", "snapshot failed", err)
		}
		s.diff(snapshot)
		s.primed = true
	}
}

func (s *PollingSource) diff(snapshot []partition) {
	current := make(map[string]partition, len(snapshot))
	now := time.Now()

	for _, p := range snapshot {
		current[p.Name] = p
		if _, seen := s.known[p.Name]; seen {
			continue
		}
		if err := verifyReadable(p.MountPoint); err != nil {
			// Leave it out of the known set so the next scan retries.
			delete(current, p.Name)
			s.logger.Warn("mount not readable yet; retrying next scan",
				logging.Error(err),
				logging.String(logging.FieldDevice, p.Name),
			)
			continue
		}
		s.pending = append(s.pending, Event{
			ID:        p.Name,
			MountPath: p.MountPoint,
			Label:     p.Label,
			Action:    Arrived,
			Time:      now,
		})
	}

	for name, p := range s.known {
		if _, still := current[name]; still {
			continue
		}
		s.pending = append(s.pending, Event{
			ID:     name,
			Label:  p.Label,
			Action: Departed,
			Time:   now,
		})
	}

	s.known = current
}

// Close releases nothing; polling holds no OS resources between scans.
func (s *PollingSource) Close() error { return nil }
