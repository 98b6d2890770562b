// Package device detects removable-storage attach and detach events.
//
// Two Source implementations exist: UdevSource subscribes to kernel udev
// events over netlink, and PollingSource diffs periodic lsblk snapshots.
// Both emit the same Event type and verify that an arrived partition is
// mounted and readable before reporting it, so consumers may enumerate
// files immediately.
package device

import (
	"context"
	"time"
)

// Action describes what happened to a device.
type Action string

const (
	// Arrived means a partition was attached, mounted, and is readable.
	Arrived Action = "arrived"
	// Departed means a previously seen partition was removed.
	Departed Action = "departed"
)

// Event is a transient record of a device attach or detach. It is consumed
// immediately by the job queue and never persisted.
type Event struct {
	// ID is the stable device identifier, e.g. "sda1".
	ID string
	// MountPath is the verified mount point. Empty for Departed events.
	MountPath string
	// Label is the filesystem label when known.
	Label string
	Action Action
	Time   time.Time
}

// Source produces device events. Next blocks until an event is available
// or the context is cancelled. Implementations must never silently drop an
// event: anything they cannot deliver is logged.
type Source interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}
