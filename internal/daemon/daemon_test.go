package daemon_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"safegate/internal/daemon"
	"safegate/internal/device"
	"safegate/internal/ledger"
	"safegate/internal/logging"
	"safegate/internal/services"
	"safegate/internal/status"
	"safegate/internal/testsupport"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fixture struct {
	sup    *daemon.Supervisor
	source *testsupport.Source
	remote *testsupport.Remote
	mailer *testsupport.Mailer
}

func startDaemon(t *testing.T, scanner *testsupport.Scanner) (*fixture, string) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	f := &fixture{
		source: testsupport.NewSource(),
		remote: &testsupport.Remote{},
		mailer: &testsupport.Mailer{},
	}
	f.sup = daemon.New(cfg, logging.NewNop(), daemon.Options{
		Source:   f.source,
		Scanner:  scanner,
		Archiver: &testsupport.Archiver{Dir: cfg.Paths.StagingDir},
		Remote:   f.remote,
		Mailer:   f.mailer,
	})
	if err := f.sup.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(f.sup.Stop)
	return f, cfg.Paths.StatusFile
}

func TestSupervisorProcessesArrivalEndToEnd(t *testing.T) {
	f, statusFile := startDaemon(t, &testsupport.Scanner{})
	mount := testsupport.WriteMountFiles(t, "report.pdf", "photo.jpg")

	f.source.Emit(device.Event{ID: "sda1", MountPath: mount, Label: "STICK", Action: device.Arrived, Time: time.Now()})

	waitFor(t, "recipient prompt", f.sup.Prompter().Waiting)
	if err := f.sup.Prompter().Provide("user@example.com"); err != nil {
		t.Fatalf("Provide failed: %v", err)
	}

	waitFor(t, "mail delivery", func() bool { return len(f.mailer.Sent()) == 1 })
	if f.remote.Uploads() != 1 {
		t.Fatalf("uploads = %d, want 1", f.remote.Uploads())
	}

	waitFor(t, "status processed count", func() bool {
		record, err := status.ReadFile(statusFile)
		return err == nil && record != nil && record.ProcessingCount == 1
	})

	entries, err := f.sup.Ledger().List(context.Background())
	if err != nil {
		t.Fatalf("ledger list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("ledger entries = %d, want 1", len(entries))
	}
}

func TestSupervisorBlocksInfectedDevice(t *testing.T) {
	scanner := &testsupport.Scanner{Threats: map[string][]string{"evil.exe": {"Win.Test.EICAR"}}}
	f, statusFile := startDaemon(t, scanner)
	mount := testsupport.WriteMountFiles(t, "evil.exe")

	f.source.Emit(device.Event{ID: "sdb1", MountPath: mount, Label: "BAD", Action: device.Arrived, Time: time.Now()})

	waitFor(t, "blocked notice in status", func() bool {
		record, err := status.ReadFile(statusFile)
		if err != nil || record == nil {
			return false
		}
		for _, line := range record.RecentErrors {
			if strings.Contains(line, "blocked") {
				return true
			}
		}
		return false
	})
	if f.remote.Uploads() != 0 {
		t.Fatal("infected device must never upload")
	}
}

func TestSecondInstanceIsRejected(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	first := daemon.New(cfg, logging.NewNop(), daemon.Options{
		Source:   testsupport.NewSource(),
		Scanner:  &testsupport.Scanner{},
		Archiver: &testsupport.Archiver{Dir: cfg.Paths.StagingDir},
		Remote:   &testsupport.Remote{},
		Mailer:   &testsupport.Mailer{},
	})
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("first Start failed: %v", err)
	}
	defer first.Stop()

	second := daemon.New(cfg, logging.NewNop(), daemon.Options{
		Source:   testsupport.NewSource(),
		Scanner:  &testsupport.Scanner{},
		Archiver: &testsupport.Archiver{Dir: cfg.Paths.StagingDir},
		Remote:   &testsupport.Remote{},
		Mailer:   &testsupport.Mailer{},
	})
	if err := second.Start(context.Background()); err == nil {
		second.Stop()
		t.Fatal("second instance must not start while the lock is held")
	}
}

// TestStartupCatchUpDeletesExpiredEntries persists an expired ledger entry,
// then verifies a fresh supervisor deletes it during its catch-up pass.
func TestStartupCatchUpDeletesExpiredEntries(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store, err := ledger.Open(cfg.LedgerPath())
	if err != nil {
		t.Fatalf("ledger.Open failed: %v", err)
	}
	now := time.Now().UTC()
	if _, err := store.Add(context.Background(), ledger.Entry{
		RemoteRef:  "safegate-uploads/old.zip",
		UploadedAt: now.Add(-10 * 24 * time.Hour),
		ExpiresAt:  now.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	remote := &testsupport.Remote{}
	sup := daemon.New(cfg, logging.NewNop(), daemon.Options{
		Source:   testsupport.NewSource(),
		Scanner:  &testsupport.Scanner{},
		Archiver: &testsupport.Archiver{Dir: cfg.Paths.StagingDir},
		Remote:   remote,
		Mailer:   &testsupport.Mailer{},
	})
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer sup.Stop()

	waitFor(t, "catch-up deletion", func() bool { return remote.Deletes() == 1 })

	entries, err := sup.Ledger().List(context.Background())
	if err != nil {
		t.Fatalf("ledger list: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("entries = %#v, want empty after catch-up", entries)
	}
}

// detectionFailingSource fails every detection attempt, the way a polling
// source does when lsblk is missing.
type detectionFailingSource struct {
	mu    sync.Mutex
	calls int
}

func (s *detectionFailingSource) Next(ctx context.Context) (device.Event, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return device.Event{}, services.Wrap(services.ErrDetection, "monitor", "poll", "lsblk unavailable", nil)
}

func (s *detectionFailingSource) Close() error { return nil }

func (s *detectionFailingSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// TestPollingDetectionFailureShutsDownInsteadOfLooping covers the degrade
// path: when the strategy is already polling there is nothing left to fall
// back to, so a detection failure must surface an error and request
// shutdown rather than rebuild the source forever.
func TestPollingDetectionFailureShutsDownInsteadOfLooping(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Monitor.Strategy = "polling"
	cfg.Monitor.FallbackPolling = true
	src := &detectionFailingSource{}
	sup := daemon.New(cfg, logging.NewNop(), daemon.Options{
		Source:   src,
		Scanner:  &testsupport.Scanner{},
		Archiver: &testsupport.Archiver{Dir: cfg.Paths.StagingDir},
		Remote:   &testsupport.Remote{},
		Mailer:   &testsupport.Mailer{},
	})
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer sup.Stop()

	select {
	case <-sup.ShutdownRequested():
	case <-time.After(10 * time.Second):
		t.Fatal("detection failure on the polling path must request shutdown")
	}
	if got := src.Calls(); got != 1 {
		t.Fatalf("Next calls = %d, want 1 before shutdown", got)
	}

	record, err := status.ReadFile(cfg.Paths.StatusFile)
	if err != nil || record == nil {
		t.Fatalf("status read: record=%v err=%v", record, err)
	}
	found := false
	for _, line := range record.RecentErrors {
		if strings.Contains(line, "device detection unavailable") {
			found = true
		}
	}
	if !found {
		t.Fatalf("detection failure not surfaced in status errors: %#v", record.RecentErrors)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	f, _ := startDaemon(t, &testsupport.Scanner{})
	f.sup.Stop()
	f.sup.Stop()
	if f.sup.Running() {
		t.Fatal("supervisor still running after Stop")
	}
}
