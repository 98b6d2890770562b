package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"safegate/internal/config"
	"safegate/internal/device"
	"safegate/internal/jobqueue"
	"safegate/internal/ledger"
	"safegate/internal/logging"
	"safegate/internal/services"
	"safegate/internal/status"
	"safegate/internal/textutil"
)

// Deps bundles everything the worker needs. All fields are required except
// Clock, which defaults to the real clock.
type Deps struct {
	Config   *config.Config
	Logger   *slog.Logger
	Queue    *jobqueue.Queue
	Status   *status.Store
	Ledger   *ledger.Store
	Scanner  Scanner
	Archiver Archiver
	Remote   Remote
	Mailer   Mailer
	Prompter Prompter
	Clock    clockwork.Clock
}

// Worker is the single pipeline consumer. It owns one job at a time and is
// the sole writer of the status store and sole producer into the ledger.
type Worker struct {
	cfg      *config.Config
	logger   *slog.Logger
	queue    *jobqueue.Queue
	status   *status.Store
	ledger   *ledger.Store
	scanner  Scanner
	archiver Archiver
	remote   Remote
	mailer   Mailer
	prompter Prompter
	clock    clockwork.Clock
}

// NewWorker wires a pipeline worker.
func NewWorker(deps Deps) *Worker {
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Worker{
		cfg:      deps.Config,
		logger:   logging.NewComponentLogger(deps.Logger, "pipeline"),
		queue:    deps.Queue,
		status:   deps.Status,
		ledger:   deps.Ledger,
		scanner:  deps.Scanner,
		archiver: deps.Archiver,
		remote:   deps.Remote,
		mailer:   deps.Mailer,
		prompter: deps.Prompter,
		clock:    clock,
	}
}

// Run consumes jobs until ctx is cancelled or the queue closes. A non-nil
// return other than the context error means the durable state path failed
// and the supervisor should restart the worker.
func (w *Worker) Run(ctx context.Context) error {
	for {
		event, err := w.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, jobqueue.ErrClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		_, err = w.Process(ctx, event)
		w.queue.Release(event.ID)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("durable state write failed: %w", err)
		}
	}
}

// Process drives one job from Queued to a terminal state. Collaborator
// failures end the job, never the worker; only a status or ledger write
// failure is returned as an error.
func (w *Worker) Process(ctx context.Context, event device.Event) (*Job, error) {
	job := NewJob(event)
	display := textutil.DisplayLabel(job.Label, job.ID)
	log := w.logger.With(
		logging.String(logging.FieldDevice, job.ID),
		logging.String(logging.FieldJob, uuid.NewString()),
	)
	log.Info("job started",
		logging.String("label", display),
		logging.String("mount", job.MountPath),
	)

	// Scanning
	if err := w.transition(job, StateScanning, "scanning "+display); err != nil {
		return job, err
	}
	files, skipped, err := eligibleFiles(job.MountPath, w.cfg.Scanner.ExcludePatterns, int64(w.cfg.Scanner.MaxFileSizeMB)*1024*1024)
	if err != nil {
		return w.failJob(job, log, services.Wrap(services.ErrScan, "scanning", "enumerate files", job.MountPath, err))
	}
	for _, path := range skipped {
		log.Debug("file excluded from scan", logging.String("path", path))
	}
	if len(files) == 0 {
		job.setState(StateCompleted)
		log.Info("no eligible files found, nothing to do")
		if err := w.status.Set(status.StateIdle, "no files found on "+display); err != nil {
			return job, err
		}
		return job, nil
	}
	job.Files = files

	threats, err := w.scanFiles(ctx, job, log)
	if err != nil {
		return w.failJob(job, log, err)
	}
	if len(threats) > 0 {
		return w.blockJob(ctx, job, log, display, threats)
	}
	job.ScanResult = ScanResult{Clean: true}

	if w.queue.Departed(job.ID) {
		return w.failJob(job, log, services.Wrap(services.ErrCancelled, "scanning", "boundary check", "device removed", nil))
	}

	// Archiving
	if err := w.transition(job, StateArchiving, "archiving "+display); err != nil {
		return job, err
	}
	archivePath, err := w.archiver.Pack(ctx, job.MountPath, job.Label, job.Files)
	if err != nil {
		return w.failJob(job, log, err)
	}
	job.ArchivePath = archivePath
	defer w.removeArchive(job, log)

	if w.queue.Departed(job.ID) {
		// The archive is already staged locally; from here the device is no
		// longer needed, but an operator pulling the stick before upload
		// starts still reads as a cancel.
		return w.failJob(job, log, services.Wrap(services.ErrCancelled, "archiving", "boundary check", "device removed", nil))
	}

	// Uploading
	if err := w.transition(job, StateUploading, "uploading "+display); err != nil {
		return job, err
	}
	var uploadedAt time.Time
	err = w.withRetry(ctx, log, "upload", func() error {
		ref, uploadErr := w.remote.Upload(ctx, job.ArchivePath)
		if uploadErr != nil {
			return uploadErr
		}
		job.RemoteRef = ref
		uploadedAt = w.clock.Now().UTC()
		return nil
	})
	if err != nil {
		return w.failJob(job, log, err)
	}
	log.Info("archive uploaded", logging.String(logging.FieldRemoteRef, job.RemoteRef))

	// Sharing
	if err := w.transition(job, StateSharing, "creating share link for "+display); err != nil {
		return job, err
	}
	shareURL, err := w.remote.CreateShare(ctx, job.RemoteRef)
	if err != nil {
		if scheduleErr := w.scheduleOrphan(ctx, job, display); scheduleErr != nil {
			return job, scheduleErr
		}
		return w.failJob(job, log, err)
	}
	job.ShareURL = shareURL

	// AwaitingRecipient
	if err := w.transition(job, StateAwaitingRecipient, "waiting for recipient address for "+display); err != nil {
		return job, err
	}
	recipient, err := w.promptRecipient(ctx, job)
	if err != nil {
		if scheduleErr := w.scheduleOrphan(ctx, job, display); scheduleErr != nil {
			return job, scheduleErr
		}
		return w.failJob(job, log, err)
	}
	job.Recipient = recipient

	// Notifying
	if err := w.transition(job, StateNotifying, "emailing link for "+display); err != nil {
		return job, err
	}
	err = w.withRetry(ctx, log, "send email", func() error {
		return w.mailer.Send(ctx, job.Recipient, job.ShareURL, display)
	})
	if err != nil {
		if scheduleErr := w.scheduleOrphan(ctx, job, display); scheduleErr != nil {
			return job, scheduleErr
		}
		return w.failJob(job, log, err)
	}

	// Scheduled: the ledger entry must be durable before the job counts as
	// done, otherwise a crash here would orphan the upload forever.
	if _, err := w.ledger.Add(ctx, ledger.Entry{
		RemoteRef:  job.RemoteRef,
		Label:      display,
		UploadedAt: uploadedAt,
		ExpiresAt:  uploadedAt.Add(w.cfg.Retention()),
	}); err != nil {
		return job, fmt.Errorf("schedule cleanup for %s: %w", job.RemoteRef, err)
	}
	job.setState(StateScheduled)
	if err := w.status.Set(status.StateIdle, "finished "+display); err != nil {
		return job, err
	}
	if err := w.status.IncrementProcessed(); err != nil {
		return job, err
	}
	log.Info("job finished",
		logging.String(logging.FieldState, string(job.State)),
		logging.String("share_url", job.ShareURL),
	)
	return job, nil
}

func (w *Worker) scanFiles(ctx context.Context, job *Job, log *slog.Logger) ([]string, error) {
	var threats []string
	for _, path := range job.Files {
		result, err := w.scanner.Scan(ctx, path)
		if err != nil {
			return nil, services.Wrap(services.ErrScan, "scanning", "scan file", path, err)
		}
		if !result.Clean {
			threats = append(threats, result.Threats...)
			log.Warn("threat detected",
				logging.String("path", path),
				logging.Int("threats", len(result.Threats)),
			)
		}
	}
	return threats, nil
}

// transition records the new state and persists it before the stage's
// external call is made.
func (w *Worker) transition(job *Job, state State, message string) error {
	job.setState(state)
	return w.status.Set(statusFor(state), message)
}

func statusFor(state State) status.State {
	switch state {
	case StateScanning:
		return status.StateScanning
	case StateUploading, StateSharing:
		return status.StateUploading
	case StateAwaitingRecipient:
		return status.StateWaitingForEmail
	case StateBlocked, StateFailed:
		return status.StateError
	case StateScheduled, StateCompleted, StateQueued:
		return status.StateIdle
	default:
		return status.StateProcessing
	}
}

func (w *Worker) failJob(job *Job, log *slog.Logger, cause error) (*Job, error) {
	job.LastError = cause.Error()
	job.setState(StateFailed)
	log.Error("job failed", logging.Error(cause))
	if err := w.status.Set(status.StateError, job.LastError); err != nil {
		return job, err
	}
	if err := w.status.AddError(job.LastError); err != nil {
		return job, err
	}
	if err := w.status.Set(status.StateIdle, "ready"); err != nil {
		return job, err
	}
	return job, nil
}

func (w *Worker) blockJob(ctx context.Context, job *Job, log *slog.Logger, display string, threats []string) (*Job, error) {
	job.ScanResult = ScanResult{Clean: false, Threats: threats}
	job.LastError = fmt.Sprintf("%d threat(s) detected", len(threats))
	job.setState(StateBlocked)
	log.Error("threats detected, job blocked",
		logging.Int("threats", len(threats)),
	)
	// The blocked state is persisted before the alert; the threat notice can
	// block on operator acknowledgement and readers must not see "scanning"
	// for that whole window.
	if err := w.status.Set(status.StateError, "threats detected on "+display); err != nil {
		return job, err
	}
	if err := w.status.AddError(fmt.Sprintf("blocked %s: %s", display, job.LastError)); err != nil {
		return job, err
	}
	w.prompter.NotifyThreats(ctx, display, threats)
	if err := w.status.Set(status.StateIdle, "ready"); err != nil {
		return job, err
	}
	return job, nil
}

// scheduleOrphan records a short-grace deletion for an upload whose job
// failed after the upload succeeded.
func (w *Worker) scheduleOrphan(ctx context.Context, job *Job, display string) error {
	if job.RemoteRef == "" {
		return nil
	}
	now := w.clock.Now().UTC()
	if _, err := w.ledger.Add(ctx, ledger.Entry{
		RemoteRef:  job.RemoteRef,
		Label:      display,
		UploadedAt: now,
		ExpiresAt:  now.Add(w.cfg.OrphanGrace()),
	}); err != nil {
		return fmt.Errorf("schedule orphan cleanup for %s: %w", job.RemoteRef, err)
	}
	return nil
}

// withRetry runs fn, retrying transient failures with exponential backoff up
// to the configured attempt count.
func (w *Worker) withRetry(ctx context.Context, log *slog.Logger, operation string, fn func() error) error {
	attempts := w.cfg.Workflow.StageRetryAttempts + 1
	if attempts < 1 {
		attempts = 1
	}
	backoff := w.cfg.StageRetryBackoff()
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !services.Retryable(err) || attempt == attempts {
			return err
		}
		log.Warn("operation failed, retrying",
			logging.String("operation", operation),
			logging.Int("attempt", attempt),
			logging.Duration("backoff", backoff),
			logging.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.clock.After(backoff):
		}
		backoff *= 2
	}
	return err
}

// promptRecipient blocks on the interactive collaborator while watching for
// a departure of the job's device, which cancels the prompt.
func (w *Worker) promptRecipient(ctx context.Context, job *Job) (string, error) {
	promptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-promptCtx.Done():
				return
			case <-ticker.C:
				if w.queue.Departed(job.ID) {
					cancel()
					return
				}
			}
		}
	}()

	recipient, err := w.prompter.PromptEmail(promptCtx)
	cancel()
	<-watchDone
	if err != nil {
		if w.queue.Departed(job.ID) {
			return "", services.Wrap(services.ErrCancelled, "awaiting_recipient", "prompt", "device removed", nil)
		}
		return "", err
	}
	return recipient, nil
}

func (w *Worker) removeArchive(job *Job, log *slog.Logger) {
	if job.ArchivePath == "" {
		return
	}
	if err := os.Remove(job.ArchivePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("failed to remove staged archive",
			logging.String("path", job.ArchivePath),
			logging.Error(err),
		)
	}
}
