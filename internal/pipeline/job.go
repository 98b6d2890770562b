// Package pipeline drives each attached device through the scan, archive,
// upload, share, and notify stages. A single worker owns one job at a time;
// every state transition is persisted to the status store before the next
// collaborator call so external readers never see a state more than one
// stage stale.
package pipeline

import (
	"context"
	"time"

	"safegate/internal/device"
)

// State names a job's position in the stage sequence.
type State string

const (
	StateQueued            State = "queued"
	StateScanning          State = "scanning"
	StateBlocked           State = "blocked"
	StateArchiving         State = "archiving"
	StateUploading         State = "uploading"
	StateSharing           State = "sharing"
	StateAwaitingRecipient State = "awaiting_recipient"
	StateNotifying         State = "notifying"
	StateScheduled         State = "scheduled"
	// StateCompleted ends jobs for devices with no eligible files. Nothing
	// was uploaded, so there is nothing to schedule.
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	switch s {
	case StateBlocked, StateScheduled, StateCompleted, StateFailed:
		return true
	}
	return false
}

// ScanResult aggregates scanner verdicts for one job.
type ScanResult struct {
	Clean   bool
	Threats []string
}

// Job is one device's trip through the pipeline, owned exclusively by the
// worker while active.
type Job struct {
	ID          string
	MountPath   string
	Label       string
	State       State
	CreatedAt   time.Time
	Files       []string
	ScanResult  ScanResult
	ArchivePath string
	RemoteRef   string
	ShareURL    string
	Recipient   string
	LastError   string

	// History records every state the job visited, in order.
	History []State
}

// NewJob builds a queued job from an arrival event.
func NewJob(event device.Event) *Job {
	job := &Job{
		ID:        event.ID,
		MountPath: event.MountPath,
		Label:     event.Label,
		CreatedAt: time.Now().UTC(),
	}
	job.setState(StateQueued)
	return job
}

func (j *Job) setState(state State) {
	j.State = state
	j.History = append(j.History, state)
}

// Scanner checks one file for threats.
type Scanner interface {
	Scan(ctx context.Context, path string) (ScanResult, error)
}

// Archiver packs the clean file list into a single archive and returns its
// path. Entry names are relative to root.
type Archiver interface {
	Pack(ctx context.Context, root, label string, files []string) (string, error)
}

// Remote is the upload/share/delete surface of the storage backend.
// Delete must treat an already-deleted reference as success.
type Remote interface {
	Upload(ctx context.Context, archivePath string) (string, error)
	CreateShare(ctx context.Context, remoteRef string) (string, error)
	Delete(ctx context.Context, remoteRef string) error
}

// Mailer delivers the share link to a recipient.
type Mailer interface {
	Send(ctx context.Context, recipient, shareURL, label string) error
}

// Prompter is the interactive collaborator. PromptEmail may block
// indefinitely but must honor ctx cancellation and return
// services.ErrCancelled when the operator declines.
type Prompter interface {
	PromptEmail(ctx context.Context) (string, error)
	NotifyThreats(ctx context.Context, label string, threats []string)
}
