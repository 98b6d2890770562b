package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"safegate/internal/config"
	"safegate/internal/device"
	"safegate/internal/jobqueue"
	"safegate/internal/ledger"
	"safegate/internal/logging"
	"safegate/internal/services"
	"safegate/internal/status"
)

type fakeScanner struct {
	mu      sync.Mutex
	threats map[string][]string
	err     error
	calls   []string
}

func (f *fakeScanner) Scan(ctx context.Context, path string) (ScanResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, path)
	f.mu.Unlock()
	if f.err != nil {
		return ScanResult{}, f.err
	}
	if threats, infected := f.threats[filepath.Base(path)]; infected {
		return ScanResult{Clean: false, Threats: threats}, nil
	}
	return ScanResult{Clean: true}, nil
}

type fakeArchiver struct {
	dir   string
	err   error
	calls int
}

func (f *fakeArchiver) Pack(ctx context.Context, root, label string, files []string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	path := filepath.Join(f.dir, fmt.Sprintf("archive-%d.zip", f.calls))
	if err := os.WriteFile(path, []byte("zip"), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

type fakeRemote struct {
	mu         sync.Mutex
	uploads    []string
	uploadErrs []error
	shareErr   error
	deletes    []string
}

func (f *fakeRemote) Upload(ctx context.Context, archivePath string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.uploadErrs) > 0 {
		err := f.uploadErrs[0]
		f.uploadErrs = f.uploadErrs[1:]
		if err != nil {
			return "", err
		}
	}
	ref := "safegate-uploads/" + filepath.Base(archivePath)
	f.uploads = append(f.uploads, ref)
	return ref, nil
}

func (f *fakeRemote) CreateShare(ctx context.Context, remoteRef string) (string, error) {
	if f.shareErr != nil {
		return "", f.shareErr
	}
	return "https://cloud.example.com/s/abc123", nil
}

func (f *fakeRemote) Delete(ctx context.Context, remoteRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, remoteRef)
	return nil
}

func (f *fakeRemote) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}

type sentMail struct {
	recipient string
	shareURL  string
	label     string
}

type fakeMailer struct {
	mu   sync.Mutex
	errs []error
	sent []sentMail
}

func (f *fakeMailer) Send(ctx context.Context, recipient, shareURL, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return err
		}
	}
	f.sent = append(f.sent, sentMail{recipient: recipient, shareURL: shareURL, label: label})
	return nil
}

type fakePrompter struct {
	mu       sync.Mutex
	address  string
	err      error
	notified [][]string
}

func (f *fakePrompter) PromptEmail(ctx context.Context) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.address, nil
}

func (f *fakePrompter) NotifyThreats(ctx context.Context, label string, threats []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, threats)
}

type workerFixture struct {
	cfg      *config.Config
	worker   *Worker
	queue    *jobqueue.Queue
	status   *status.Store
	ledger   *ledger.Store
	scanner  *fakeScanner
	archiver *fakeArchiver
	remote   *fakeRemote
	mailer   *fakeMailer
	prompter *fakePrompter
}

func newFixture(t *testing.T) *workerFixture {
	t.Helper()
	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.StagingDir = filepath.Join(base, "staging")
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.StatusFile = filepath.Join(base, "status.json")
	cfg.Workflow.StageRetryAttempts = 2
	cfg.Workflow.StageRetryBackoffSeconds = 0
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}

	statusStore, err := status.NewStore(cfg.Paths.StatusFile)
	if err != nil {
		t.Fatalf("status.NewStore failed: %v", err)
	}
	ledgerStore, err := ledger.Open(cfg.LedgerPath())
	if err != nil {
		t.Fatalf("ledger.Open failed: %v", err)
	}
	t.Cleanup(func() { ledgerStore.Close() })

	fixture := &workerFixture{
		cfg:      &cfg,
		queue:    jobqueue.New(logging.NewNop(), cfg.Workflow.QueueCapacity),
		status:   statusStore,
		ledger:   ledgerStore,
		scanner:  &fakeScanner{},
		archiver: &fakeArchiver{dir: cfg.Paths.StagingDir},
		remote:   &fakeRemote{},
		mailer:   &fakeMailer{},
		prompter: &fakePrompter{address: "someone@example.com"},
	}
	fixture.worker = NewWorker(Deps{
		Config:   &cfg,
		Logger:   logging.NewNop(),
		Queue:    fixture.queue,
		Status:   statusStore,
		Ledger:   ledgerStore,
		Scanner:  fixture.scanner,
		Archiver: fixture.archiver,
		Remote:   fixture.remote,
		Mailer:   fixture.mailer,
		Prompter: fixture.prompter,
	})
	return fixture
}

func mountWithFiles(t *testing.T, names ...string) string {
	t.Helper()
	mount := t.TempDir()
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(mount, name), []byte("content of "+name), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return mount
}

func arrivalEvent(id, mount string) device.Event {
	return device.Event{ID: id, MountPath: mount, Label: "HOLIDAY", Action: device.Arrived, Time: time.Now()}
}

func statesEqual(got []State, want ...State) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range want {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestCleanDeviceVisitsAllStatesInOrder(t *testing.T) {
	f := newFixture(t)
	mount := mountWithFiles(t, "a.txt", "b.txt", "c.txt")

	job, err := f.worker.Process(context.Background(), arrivalEvent("sda1", mount))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !statesEqual(job.History,
		StateQueued, StateScanning, StateArchiving, StateUploading,
		StateSharing, StateAwaitingRecipient, StateNotifying, StateScheduled,
	) {
		t.Fatalf("state history = %v", job.History)
	}
	if len(f.scanner.calls) != 3 {
		t.Fatalf("scan calls = %d, want 3", len(f.scanner.calls))
	}
	if len(f.mailer.sent) != 1 || f.mailer.sent[0].recipient != "someone@example.com" {
		t.Fatalf("mail not sent correctly: %#v", f.mailer.sent)
	}

	entries, err := f.ledger.List(context.Background())
	if err != nil {
		t.Fatalf("ledger.List failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("ledger entries = %d, want 1", len(entries))
	}
	entry := entries[0]
	if entry.RemoteRef != job.RemoteRef {
		t.Fatalf("entry ref = %q, job ref = %q", entry.RemoteRef, job.RemoteRef)
	}
	retention := 7 * 24 * time.Hour
	if got := entry.ExpiresAt.Sub(entry.UploadedAt); got != retention {
		t.Fatalf("retention window = %v, want %v", got, retention)
	}

	record, err := status.ReadFile(f.status.Path())
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if record.DaemonState != status.StateIdle {
		t.Fatalf("final daemon state = %q, want idle", record.DaemonState)
	}
	if record.ProcessingCount != 1 {
		t.Fatalf("processing count = %d, want 1", record.ProcessingCount)
	}
}

func TestInfectedDeviceIsBlockedAndNeverUploaded(t *testing.T) {
	f := newFixture(t)
	f.scanner.threats = map[string][]string{"evil.exe": {"Win.Test.EICAR"}}
	mount := mountWithFiles(t, "evil.exe")

	job, err := f.worker.Process(context.Background(), arrivalEvent("sdb1", mount))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if job.State != StateBlocked {
		t.Fatalf("state = %q, want blocked", job.State)
	}
	if f.remote.uploadCount() != 0 {
		t.Fatal("blocked job must never reach upload")
	}
	if f.archiver.calls != 0 {
		t.Fatal("blocked job must never reach archiving")
	}
	if len(f.prompter.notified) != 1 || len(f.prompter.notified[0]) != 1 {
		t.Fatalf("notifyThreats calls = %#v, want one call with one threat", f.prompter.notified)
	}

	entries, err := f.ledger.List(context.Background())
	if err != nil {
		t.Fatalf("ledger.List failed: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("blocked job created ledger entries: %#v", entries)
	}
}

// statusReadingPrompter records the durable daemon state visible to an
// external reader at the moment the threat alert fires.
type statusReadingPrompter struct {
	statusPath string
	observed   status.State
}

func (p *statusReadingPrompter) PromptEmail(ctx context.Context) (string, error) {
	return "", errors.New("unexpected prompt")
}

func (p *statusReadingPrompter) NotifyThreats(ctx context.Context, label string, threats []string) {
	record, err := status.ReadFile(p.statusPath)
	if err == nil && record != nil {
		p.observed = record.DaemonState
	}
}

func TestBlockedStateIsDurableBeforeThreatAlert(t *testing.T) {
	f := newFixture(t)
	f.scanner.threats = map[string][]string{"evil.exe": {"Win.Test.EICAR"}}
	prompter := &statusReadingPrompter{statusPath: f.status.Path()}
	worker := NewWorker(Deps{
		Config:   f.cfg,
		Logger:   logging.NewNop(),
		Queue:    f.queue,
		Status:   f.status,
		Ledger:   f.ledger,
		Scanner:  f.scanner,
		Archiver: f.archiver,
		Remote:   f.remote,
		Mailer:   f.mailer,
		Prompter: prompter,
	})
	mount := mountWithFiles(t, "evil.exe")

	job, err := worker.Process(context.Background(), arrivalEvent("sdb1", mount))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if job.State != StateBlocked {
		t.Fatalf("state = %q, want blocked", job.State)
	}
	if prompter.observed != status.StateError {
		t.Fatalf("status visible during threat alert = %q, want %q", prompter.observed, status.StateError)
	}
}

func TestScanEngineFailureIsNeverTreatedAsClean(t *testing.T) {
	f := newFixture(t)
	f.scanner.err = errors.New("clamd unreachable")
	mount := mountWithFiles(t, "a.txt")

	job, err := f.worker.Process(context.Background(), arrivalEvent("sda1", mount))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if job.State != StateFailed {
		t.Fatalf("state = %q, want failed", job.State)
	}
	if f.remote.uploadCount() != 0 {
		t.Fatal("upload must not run after a scan engine failure")
	}
}

func TestTransientUploadFailureIsRetried(t *testing.T) {
	f := newFixture(t)
	f.remote.uploadErrs = []error{
		services.Wrap(services.ErrTransient, "remote", "upload", "503", nil),
		nil,
	}
	mount := mountWithFiles(t, "a.txt")

	job, err := f.worker.Process(context.Background(), arrivalEvent("sda1", mount))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if job.State != StateScheduled {
		t.Fatalf("state = %q, want scheduled after retry", job.State)
	}
	if f.remote.uploadCount() != 1 {
		t.Fatalf("uploads = %d, want 1 successful", f.remote.uploadCount())
	}
}

func TestAuthFailureIsNotRetried(t *testing.T) {
	f := newFixture(t)
	f.remote.uploadErrs = []error{
		services.Wrap(services.ErrAuth, "remote", "upload", "401", nil),
		nil,
		nil,
	}
	mount := mountWithFiles(t, "a.txt")

	job, err := f.worker.Process(context.Background(), arrivalEvent("sda1", mount))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if job.State != StateFailed {
		t.Fatalf("state = %q, want failed", job.State)
	}
	if f.remote.uploadCount() != 0 {
		t.Fatal("auth failure must not be retried")
	}
}

func TestShareFailureSchedulesOrphanGraceCleanup(t *testing.T) {
	f := newFixture(t)
	f.remote.shareErr = errors.New("ocs api broken")
	mount := mountWithFiles(t, "a.txt")

	job, err := f.worker.Process(context.Background(), arrivalEvent("sda1", mount))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if job.State != StateFailed {
		t.Fatalf("state = %q, want failed", job.State)
	}

	entries, err := f.ledger.List(context.Background())
	if err != nil {
		t.Fatalf("ledger.List failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("orphan upload not scheduled: %#v", entries)
	}
	grace := 60 * time.Minute
	if got := entries[0].ExpiresAt.Sub(entries[0].UploadedAt); got != grace {
		t.Fatalf("orphan window = %v, want %v", got, grace)
	}
}

func TestPromptCancelSchedulesOrphanGraceCleanup(t *testing.T) {
	f := newFixture(t)
	f.prompter.err = services.Wrap(services.ErrCancelled, "awaiting_recipient", "prompt", "cancelled by operator", nil)
	mount := mountWithFiles(t, "a.txt")

	job, err := f.worker.Process(context.Background(), arrivalEvent("sda1", mount))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if job.State != StateFailed {
		t.Fatalf("state = %q, want failed", job.State)
	}
	if len(f.mailer.sent) != 0 {
		t.Fatal("cancelled prompt must not send mail")
	}

	entries, err := f.ledger.List(context.Background())
	if err != nil {
		t.Fatalf("ledger.List failed: %v", err)
	}
	if len(entries) != 1 || entries[0].RemoteRef != job.RemoteRef {
		t.Fatalf("orphan upload not scheduled: %#v", entries)
	}
}

func TestEmptyDeviceCompletesWithoutUpload(t *testing.T) {
	f := newFixture(t)
	mount := t.TempDir()

	job, err := f.worker.Process(context.Background(), arrivalEvent("sda1", mount))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if job.State != StateCompleted {
		t.Fatalf("state = %q, want completed", job.State)
	}
	if f.remote.uploadCount() != 0 || f.archiver.calls != 0 {
		t.Fatal("empty device must not archive or upload")
	}
}

func TestOversizeArchiveFailsJob(t *testing.T) {
	f := newFixture(t)
	f.archiver.err = services.Wrap(services.ErrArchiveTooLarge, "archiving", "pack", "too big", nil)
	mount := mountWithFiles(t, "a.txt")

	job, err := f.worker.Process(context.Background(), arrivalEvent("sda1", mount))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if job.State != StateFailed {
		t.Fatalf("state = %q, want failed", job.State)
	}
	if f.remote.uploadCount() != 0 {
		t.Fatal("oversize archive must not upload")
	}
}

func TestDepartureBeforeArchivingAbortsJob(t *testing.T) {
	f := newFixture(t)
	mount := mountWithFiles(t, "a.txt")
	event := arrivalEvent("sda1", mount)

	if err := f.queue.Enqueue(event); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := f.queue.Dequeue(context.Background()); err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if err := f.queue.Enqueue(device.Event{ID: "sda1", Action: device.Departed}); err != nil {
		t.Fatalf("Enqueue departure failed: %v", err)
	}

	job, err := f.worker.Process(context.Background(), event)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if job.State != StateFailed {
		t.Fatalf("state = %q, want failed", job.State)
	}
	if f.archiver.calls != 0 || f.remote.uploadCount() != 0 {
		t.Fatal("departed device must stop at the stage boundary")
	}
}

// TestWorkerRunProcessesJobsInArrivalOrder exercises the Run loop end to
// end through the queue.
func TestWorkerRunProcessesJobsInArrivalOrder(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- f.worker.Run(ctx) }()

	mounts := []string{mountWithFiles(t, "1.txt"), mountWithFiles(t, "2.txt")}
	for i, mount := range mounts {
		if err := f.queue.Enqueue(arrivalEvent(fmt.Sprintf("sd%c1", 'a'+i), mount)); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if f.remote.uploadCount() == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if f.remote.uploadCount() != 2 {
		t.Fatalf("uploads = %d, want 2", f.remote.uploadCount())
	}
	if f.queue.Tracked() != 0 {
		t.Fatalf("tracked ids = %d, want 0 after completion", f.queue.Tracked())
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v, want nil on shutdown", err)
	}
}
