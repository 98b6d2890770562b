// Package testsupport provides configuration builders and fake
// collaborators shared by tests across packages.
package testsupport

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"safegate/internal/config"
	"safegate/internal/device"
	"safegate/internal/pipeline"
)

// NewConfig returns a validated configuration rooted in a temp directory
// with timings tuned for tests.
func NewConfig(t *testing.T) *config.Config {
	t.Helper()
	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.StagingDir = filepath.Join(base, "staging")
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.StatusFile = filepath.Join(base, "status.json")
	cfg.Workflow.StageRetryAttempts = 1
	cfg.Workflow.StageRetryBackoffSeconds = 0
	cfg.Workflow.RestartBackoffSeconds = 0
	cfg.Workflow.ShutdownGraceSeconds = 5
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return &cfg
}

// WriteMountFiles populates a fake mount directory and returns its path.
func WriteMountFiles(t *testing.T, names ...string) string {
	t.Helper()
	mount := t.TempDir()
	for _, name := range names {
		path := filepath.Join(mount, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir for %s: %v", name, err)
		}
		if err := os.WriteFile(path, []byte("content of "+name), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return mount
}

// Source is a scripted device.Source fed through Emit.
type Source struct {
	events chan device.Event
	once   sync.Once
	closed chan struct{}
}

// NewSource builds a scripted source.
func NewSource() *Source {
	return &Source{
		events: make(chan device.Event, 16),
		closed: make(chan struct{}),
	}
}

// Emit queues an event for the next Next call.
func (s *Source) Emit(event device.Event) {
	s.events <- event
}

// Next implements device.Source.
func (s *Source) Next(ctx context.Context) (device.Event, error) {
	select {
	case <-ctx.Done():
		return device.Event{}, ctx.Err()
	case <-s.closed:
		return device.Event{}, context.Canceled
	case event := <-s.events:
		return event, nil
	}
}

// Close implements device.Source.
func (s *Source) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// Scanner reports files clean unless their base name appears in Threats.
type Scanner struct {
	mu      sync.Mutex
	Threats map[string][]string
	Err     error
	calls   int
}

// Scan implements pipeline.Scanner.
func (s *Scanner) Scan(ctx context.Context, path string) (pipeline.ScanResult, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.Err != nil {
		return pipeline.ScanResult{}, s.Err
	}
	if threats, infected := s.Threats[filepath.Base(path)]; infected {
		return pipeline.ScanResult{Clean: false, Threats: threats}, nil
	}
	return pipeline.ScanResult{Clean: true}, nil
}

// Calls returns the number of Scan invocations.
func (s *Scanner) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Archiver writes placeholder archives into a directory.
type Archiver struct {
	Dir   string
	mu    sync.Mutex
	packs int
}

// Pack implements pipeline.Archiver.
func (a *Archiver) Pack(ctx context.Context, root, label string, files []string) (string, error) {
	a.mu.Lock()
	a.packs++
	n := a.packs
	a.mu.Unlock()
	path := filepath.Join(a.Dir, fmt.Sprintf("archive-%d.zip", n))
	if err := os.WriteFile(path, []byte("zip"), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// Remote stores uploads in memory; Delete is idempotent.
type Remote struct {
	mu      sync.Mutex
	stored  map[string]bool
	uploads int
	deletes int
}

// Upload implements pipeline.Remote.
func (r *Remote) Upload(ctx context.Context, archivePath string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stored == nil {
		r.stored = make(map[string]bool)
	}
	ref := "safegate-uploads/" + filepath.Base(archivePath)
	r.stored[ref] = true
	r.uploads++
	return ref, nil
}

// CreateShare implements pipeline.Remote.
func (r *Remote) CreateShare(ctx context.Context, remoteRef string) (string, error) {
	return "https://cloud.example.com/s/" + filepath.Base(remoteRef), nil
}

// Delete implements pipeline.Remote.
func (r *Remote) Delete(ctx context.Context, remoteRef string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.stored, remoteRef)
	r.deletes++
	return nil
}

// Deletes returns the number of Delete calls.
func (r *Remote) Deletes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deletes
}

// Uploads returns the number of successful uploads.
func (r *Remote) Uploads() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.uploads
}

// Stored reports whether a ref is currently stored.
func (r *Remote) Stored(ref string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stored[ref]
}

// Mailer records sent messages.
type Mailer struct {
	mu   sync.Mutex
	sent []string
}

// Send implements pipeline.Mailer.
func (m *Mailer) Send(ctx context.Context, recipient, shareURL, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, recipient)
	return nil
}

// Sent returns the recipients mailed so far.
func (m *Mailer) Sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

// Prompter answers every prompt immediately with Address.
type Prompter struct {
	Address string
	mu      sync.Mutex
	alerts  int
}

// PromptEmail implements pipeline.Prompter.
func (p *Prompter) PromptEmail(ctx context.Context) (string, error) {
	return p.Address, nil
}

// NotifyThreats implements pipeline.Prompter.
func (p *Prompter) NotifyThreats(ctx context.Context, label string, threats []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alerts++
}

// Alerts returns the number of threat notifications.
func (p *Prompter) Alerts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alerts
}
